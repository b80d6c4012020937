// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Every error that crosses a component boundary is either a plain wrapped
// error (treated as fatal for the enclosing scope) or an *Error carrying a
// Kind that tells the caller how far the failure propagates:
//
//   - KindTransient: retryable I/O; escalates to a job failure after the retry budget
//   - KindValidation: per-record; the record is skipped and counted
//   - KindSchema: per-table; the table fails, other tables continue
//   - KindConflict: per-record; a pending conflict was persisted
//   - KindSanitization: per-field; logged with was_modified=false
//   - KindConfig: prevents a job launch; returned synchronously
//   - KindFatal: the job fails with critical severity
package syncerr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Kind categorizes an error by its propagation scope.
type Kind string

const (
	KindUnknown      Kind = "unknown"
	KindTransient    Kind = "transient"
	KindValidation   Kind = "validation"
	KindSchema       Kind = "schema"
	KindConflict     Kind = "conflict"
	KindSanitization Kind = "sanitization"
	KindConfig       Kind = "config"
	KindFatal        Kind = "fatal"
	KindNotFound     Kind = "not_found"
)

// Error is a classified error with optional location details.
type Error struct {
	Kind  Kind
	Op    string
	Table string
	Field string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Table != "" {
		b.WriteString(" table=")
		b.WriteString(e.Table)
	}
	if e.Field != "" {
		b.WriteString(" field=")
		b.WriteString(e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error from a message.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WrapTable classifies err and attaches the table it concerns.
func WrapTable(kind Kind, op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Table: table, Err: err}
}

// Transient marks err as retryable.
func Transient(op string, err error) error {
	return Wrap(KindTransient, op, err)
}

// Config builds a configuration error.
func Config(op string, format string, args ...any) error {
	return New(KindConfig, op, format, args...)
}

// NotFound builds a not-found error.
func NotFound(op string, format string, args ...any) error {
	return New(KindNotFound, op, format, args...)
}

// KindOf returns the kind of the outermost classified error in the chain.
// Unclassified errors that look transient (timeouts, dropped connections,
// lock waits) report KindTransient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if looksTransient(err) {
		return KindTransient
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// MySQL error numbers worth retrying: lock wait timeout, deadlock,
// server gone away, lost connection during query.
var transientMySQLCodes = map[uint16]bool{
	1205: true,
	1213: true,
	2006: true,
	2013: true,
}

func looksTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return transientMySQLCodes[myErr.Number]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
