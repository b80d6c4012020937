package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"assessment-sync/internal/catalog"
	"assessment-sync/internal/logger"
	"assessment-sync/internal/store"
)

func newCatalogCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the table catalog",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a catalog file without importing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := catalog.ReadFile(args[0])
			if err != nil {
				return err
			}
			_, snap, err := catalog.Check(f)
			if err != nil {
				return err
			}
			printTables(cmd, snap)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Validate a catalog file and replace the stored catalog with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()

			s, err := store.NewStore(cfg.StateStorage)
			if err != nil {
				return fmt.Errorf("failed to init state store: %w", err)
			}
			defer s.Close()

			snap, err := catalog.Import(cmd.Context(), s, args[0])
			if err != nil {
				return err
			}
			printTables(cmd, snap)
			return nil
		},
	})

	return cmd
}

func printTables(cmd *cobra.Command, snap *catalog.Snapshot) {
	out := cmd.OutOrStdout()
	tables := snap.Tables()
	fmt.Fprintf(out, "catalog ok: %d tables\n", len(tables))
	for _, t := range tables {
		fmt.Fprintf(out, "  %-32s %-18s %-12s batch=%d\n", t.Name, t.SyncDirection, t.ConflictStrategy, t.BatchSize)
	}
}
