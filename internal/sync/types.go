package sync

import (
	"fmt"
	"sync/atomic"

	"assessment-sync/internal/catalog"
	"assessment-sync/internal/lock"
	"assessment-sync/internal/store"
)

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// ChangeEvent is one row event seen on the source binlog. The change feed
// only needs to know which table moved; rows are re-read by the job.
type ChangeEvent struct {
	Type       EventType
	Schema     string
	Table      string
	Rows       int
	Timestamp  uint32
	BinlogFile string
	BinlogPos  uint32
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("[%s] %s.%s (%d rows)", e.Type, e.Schema, e.Table, e.Rows)
}

// JobRequest describes an ad-hoc job.
type JobRequest struct {
	Name       string
	JobType    store.JobType
	Parameters store.JobParameters
	Initiator  string
}

// launch is a job accepted for execution, with everything frozen at launch.
type launch struct {
	job    *store.SyncJob
	tables []*catalog.Table
	lease  lock.Lease
	handle *jobHandle
}

// jobHandle is the in-process control block of a queued or running job.
type jobHandle struct {
	cancelled atomic.Bool
}

func (h *jobHandle) Cancel()           { h.cancelled.Store(true) }
func (h *jobHandle) IsCancelled() bool { return h.cancelled.Load() }
