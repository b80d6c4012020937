package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTransition is returned when a guarded status change finds the
// row in a status the transition does not start from.
var ErrInvalidTransition = errors.New("invalid status transition")

type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *SyncJob) error
	GetJob(ctx context.Context, id string) (*SyncJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*SyncJob, error)
	// TransitionJob moves a job to status `to` only if it is currently in
	// one of `from`. Entering a terminal status stamps ended_at.
	TransitionJob(ctx context.Context, id string, from []JobStatus, to JobStatus, at time.Time) error
	// FinishJob writes the final counters and error fields together with a
	// terminal status, unless the job is already terminal.
	FinishJob(ctx context.Context, job *SyncJob) error
	UpdateJobProgress(ctx context.Context, id string, counters JobCounters) error
	Heartbeat(ctx context.Context, id string, at time.Time) error
	ActiveJobForSchedule(ctx context.Context, scheduleID string) (*SyncJob, error)
	// StaleJobs returns running jobs whose last heartbeat is older than before.
	StaleJobs(ctx context.Context, before time.Time) ([]*SyncJob, error)

	// Audit
	AppendSyncLog(ctx context.Context, entry *SyncLog) error
	ListSyncLogs(ctx context.Context, jobID string) ([]*SyncLog, error)
	AppendSanitizationLogs(ctx context.Context, entries []*SanitizationLog) error
	ListSanitizationLogs(ctx context.Context, jobID string) ([]*SanitizationLog, error)
	AppendNotificationLog(ctx context.Context, entry *NotificationLog) error
	ListNotificationLogs(ctx context.Context, jobID string) ([]*NotificationLog, error)

	// Conflicts
	CreateConflict(ctx context.Context, conflict *SyncConflict) error
	GetConflict(ctx context.Context, id string) (*SyncConflict, error)
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]*SyncConflict, error)
	// CloseConflict moves a pending conflict to resolved or ignored.
	CloseConflict(ctx context.Context, conflict *SyncConflict) error

	// Schedules
	CreateSchedule(ctx context.Context, schedule *SyncSchedule) error
	UpdateSchedule(ctx context.Context, schedule *SyncSchedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (*SyncSchedule, error)
	ListSchedules(ctx context.Context, activeOnly bool) ([]*SyncSchedule, error)

	// Catalog
	ReplaceCatalog(ctx context.Context, catalog *Catalog) error
	LoadCatalog(ctx context.Context) (*Catalog, error)

	// Positions
	GetPosition(ctx context.Context, table string, direction Direction) (*Position, error)
	SavePosition(ctx context.Context, pos *Position) error
	ResetPosition(ctx context.Context, table string, direction Direction) error

	// Stats aggregates jobs started at or after since (all jobs if nil).
	Stats(ctx context.Context, since *time.Time) (*Stats, error)

	// General
	Close() error
}
