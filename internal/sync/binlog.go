package sync

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"assessment-sync/internal/config"
	"assessment-sync/internal/logger"
	"assessment-sync/internal/store"
)

// ChangeFeed collects the names of source tables that changed and, once
// they have been quiet for the debounce window, launches one selective job
// for all of them. At most one change-feed job is active at a time; tables
// that could not be launched stay pending for the next attempt.
type ChangeFeed struct {
	manager  *Manager
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]bool
	kick    chan struct{}
}

func NewChangeFeed(manager *Manager, debounce time.Duration) *ChangeFeed {
	return &ChangeFeed{
		manager:  manager,
		debounce: debounce,
		pending:  make(map[string]bool),
		kick:     make(chan struct{}, 1),
	}
}

// Observe records a change on table.
func (f *ChangeFeed) Observe(table string) {
	f.mu.Lock()
	f.pending[table] = true
	f.mu.Unlock()
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Pending lists the tables waiting for a job, sorted.
func (f *ChangeFeed) Pending() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.pending))
	for t := range f.pending {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Run fires after every quiet period until ctx is done. A failed launch is
// retried after the next debounce window.
func (f *ChangeFeed) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-f.kick:
			if timer == nil {
				timer = time.NewTimer(f.debounce)
			} else {
				timer.Reset(f.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if _, err := f.Flush(ctx); err != nil {
				logger.Log.Warn("Change feed launch deferred", zap.Error(err))
				timer.Reset(f.debounce)
				fire = timer.C
			}
		}
	}
}

// Flush launches a job for the pending tables now. It returns nil, nil when
// nothing is pending.
func (f *ChangeFeed) Flush(ctx context.Context) (*store.SyncJob, error) {
	tables := f.Pending()
	if len(tables) == 0 {
		return nil, nil
	}
	job, err := f.manager.launch(ctx, launchSpec{
		name:      "change feed",
		jobType:   store.JobSelective,
		params:    store.JobParameters{Tables: tables},
		initiator: "change-feed",
		lockKey:   changeFeedLockKey,
	})
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	for _, t := range tables {
		delete(f.pending, t)
	}
	f.mu.Unlock()
	return job, nil
}

// BinlogListener tails the source binlog with canal and reports row events
// on catalog tables to a ChangeFeed. No rows are copied from the binlog;
// the launched job re-reads them through the source adapter.
type BinlogListener struct {
	cfg    config.DatabaseConnection
	canal  *canal.Canal
	feed   *ChangeFeed
	tables map[string]bool
	events chan ChangeEvent
	cancel context.CancelFunc
}

func NewBinlogListener(cfg config.DatabaseConnection, feedCfg config.ChangeFeedConfig, tables []string, feed *ChangeFeed) (*BinlogListener, error) {
	tableMap := make(map[string]bool)
	var tableRegex []string
	for _, t := range tables {
		tableMap[t] = true
		tableRegex = append(tableRegex, fmt.Sprintf("^%s\\.%s$", regexp.QuoteMeta(cfg.Database), regexp.QuoteMeta(t)))
	}

	canalCfg := canal.NewDefaultConfig()
	canalCfg.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	canalCfg.User = cfg.ReplicationUser
	canalCfg.Password = cfg.ReplicationPassword
	canalCfg.Flavor = "mysql"
	canalCfg.ServerID = feedCfg.ServerID
	canalCfg.Dump.ExecutionPath = ""
	canalCfg.IncludeTableRegex = tableRegex

	c, err := canal.NewCanal(canalCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	l := &BinlogListener{
		cfg:    cfg,
		canal:  c,
		feed:   feed,
		tables: tableMap,
		events: make(chan ChangeEvent, 1024),
	}
	c.SetEventHandler(&eventHandler{listener: l})
	return l, nil
}

// Start follows the binlog from the current master position and runs the
// change feed until ctx is done or Stop is called.
func (l *BinlogListener) Start(ctx context.Context) error {
	pos, err := l.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read master position: %w", err)
	}
	ctx, l.cancel = context.WithCancel(ctx)

	logger.Log.Info("Starting binlog listener",
		zap.String("host", l.cfg.Host),
		zap.String("file", pos.Name),
		zap.Uint32("pos", pos.Pos),
	)

	go l.feed.Run(ctx)
	go l.drain(ctx)
	go func() {
		if err := l.canal.RunFrom(pos); err != nil && ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()
	return nil
}

func (l *BinlogListener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.canal.Close()
	logger.Log.Info("Stopped binlog listener")
}

// drain hands events to the feed off the canal goroutine.
func (l *BinlogListener) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-l.events:
			logger.Log.Debug("Binlog change", zap.Stringer("event", e))
			l.feed.Observe(e.Table)
		}
	}
}

type eventHandler struct {
	canal.DummyEventHandler
	listener *BinlogListener
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	if !h.listener.tables[e.Table.Name] {
		return nil
	}

	var eventType EventType
	switch e.Action {
	case canal.InsertAction:
		eventType = Insert
	case canal.UpdateAction:
		eventType = Update
	case canal.DeleteAction:
		eventType = Delete
	default:
		return nil
	}

	pos := h.listener.canal.SyncedPosition()
	event := ChangeEvent{
		Type:       eventType,
		Schema:     e.Table.Schema,
		Table:      e.Table.Name,
		Rows:       len(e.Rows),
		BinlogFile: pos.Name,
		BinlogPos:  pos.Pos,
	}
	if e.Header != nil {
		event.Timestamp = e.Header.Timestamp
	}

	// The feed only needs the table name, so a full buffer skips the
	// queue and marks the table directly.
	select {
	case h.listener.events <- event:
	default:
		h.listener.feed.Observe(event.Table)
	}
	return nil
}

func (h *eventHandler) String() string {
	return "ChangeFeedHandler"
}
