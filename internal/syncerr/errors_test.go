package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestKindOf_Classified(t *testing.T) {
	err := WrapTable(KindSchema, "check schema", "property", errors.New("missing field ssn"))
	wrapped := fmt.Errorf("run table: %w", err)

	assert.Equal(t, KindSchema, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindSchema))
	assert.Contains(t, err.Error(), "table=property")
}

func TestKindOf_TransientHeuristics(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), KindTransient},
		{"invalid conn", mysql.ErrInvalidConn, KindTransient},
		{"deadlock", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, KindTransient},
		{"duplicate key", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, KindUnknown},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), KindTransient},
		{"plain", errors.New("boom"), KindUnknown},
		{"nil", nil, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(KindFatal, "op", nil))
	assert.NoError(t, WrapTable(KindFatal, "op", "t", nil))
}

func TestTransient_OverridesUnknown(t *testing.T) {
	err := Transient("write batch", errors.New("connection refused"))
	assert.True(t, IsTransient(err))
	assert.Equal(t, "transient write batch: connection refused", err.Error())
}
