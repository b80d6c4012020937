package store

import (
	"time"

	"assessment-sync/internal/record"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether a job in this status holds its schedule's slot.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobRunning || s == JobPaused
}

type JobType string

const (
	JobFull         JobType = "full"
	JobIncremental  JobType = "incremental"
	JobSelective    JobType = "selective"
	JobDifferential JobType = "differential"
)

func (t JobType) Valid() bool {
	switch t {
	case JobFull, JobIncremental, JobSelective, JobDifferential:
		return true
	}
	return false
}

type Direction string

const (
	SourceToTarget Direction = "source_to_target"
	TargetToSource Direction = "target_to_source"
	Bidirectional  Direction = "bidirectional"
)

func (d Direction) Valid() bool {
	return d == SourceToTarget || d == TargetToSource || d == Bidirectional
}

// Includes reports whether a table or field configured with d takes part in
// a pass running in direction pass.
func (d Direction) Includes(pass Direction) bool {
	return d == "" || d == Bidirectional || d == pass
}

type ConflictStrategy string

const (
	StrategySourceWins ConflictStrategy = "source_wins"
	StrategyTargetWins ConflictStrategy = "target_wins"
	StrategyNewerWins  ConflictStrategy = "newer_wins"
	StrategyManual     ConflictStrategy = "manual"
)

func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategySourceWins, StrategyTargetWins, StrategyNewerWins, StrategyManual:
		return true
	}
	return false
}

type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
	ResolutionIgnored  ResolutionStatus = "ignored"
)

type ResolutionType string

const (
	ResolveSourceWins ResolutionType = "source_wins"
	ResolveTargetWins ResolutionType = "target_wins"
	ResolveManual     ResolutionType = "manual"
	ResolveMerged     ResolutionType = "merged"
)

func (t ResolutionType) Valid() bool {
	switch t {
	case ResolveSourceWins, ResolveTargetWins, ResolveManual, ResolveMerged:
		return true
	}
	return false
}

type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarn     LogLevel = "warn"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
)

// JobParameters narrows what a job touches. Tables restricts the run to a
// subset; Filters adds a per-table predicate on top of the catalog filter;
// Mode forces "full" or "incremental" extraction for selective jobs.
type JobParameters struct {
	Tables  []string                 `json:"tables,omitempty"`
	Filters map[string]record.Filter `json:"filters,omitempty"`
	Mode    string                   `json:"mode,omitempty"`
}

type SyncJob struct {
	ID               string        `gorm:"primaryKey;size:36"`
	Name             string        `gorm:"size:255"`
	JobType          JobType       `gorm:"size:16;index"`
	Status           JobStatus     `gorm:"size:16;index"`
	ScheduleID       string        `gorm:"size:36;index"`
	Initiator        string        `gorm:"size:128"`
	TablesSubset     []string      `gorm:"type:text;serializer:json"`
	Parameters       JobParameters `gorm:"type:text;serializer:json"`
	CreatedAt        time.Time     `gorm:"index"`
	StartedAt        *time.Time    `gorm:"index"`
	EndedAt          *time.Time
	HeartbeatAt      *time.Time `gorm:"index"`
	TotalRecords     int64
	ProcessedRecords int64
	ErrorRecords     int64
	ConflictsCreated int64
	FailedTables     []string `gorm:"type:text;serializer:json"`
	ErrorMessage     string   `gorm:"type:text"`
}

type SyncLog struct {
	ID          uint      `gorm:"primaryKey"`
	JobID       string    `gorm:"size:36;index"`
	Level       LogLevel  `gorm:"size:16;index"`
	Component   string    `gorm:"size:64"`
	Table       string    `gorm:"column:table_name;size:128"`
	Message     string    `gorm:"type:text"`
	RecordCount int64
	DurationMS  int64
	Timestamp   time.Time `gorm:"index"`
}

type SanitizationLog struct {
	ID          uint   `gorm:"primaryKey"`
	JobID       string `gorm:"size:36;index"`
	Table       string `gorm:"column:table_name;size:128;index"`
	Field       string `gorm:"size:128"`
	RecordKey   string `gorm:"size:512"`
	Strategy    string `gorm:"size:32"`
	WasModified bool   `gorm:"index"`
	Context     string `gorm:"type:text"`
	CreatedAt   time.Time
}

type SyncConflict struct {
	ID               string           `gorm:"primaryKey;size:36"`
	JobID            string           `gorm:"size:36;index"`
	Table            string           `gorm:"column:table_name;size:128;index"`
	// Direction is the pass that found the conflict; resolution writes to
	// that pass's written side.
	Direction        Direction        `gorm:"size:32"`
	RecordKey        string           `gorm:"size:512;index"`
	SourcePayload    string           `gorm:"type:text"`
	TargetPayload    string           `gorm:"type:text"`
	DetectedAt       time.Time        `gorm:"index"`
	ResolutionStatus ResolutionStatus `gorm:"size:16;index"`
	ResolutionType   ResolutionType   `gorm:"size:16"`
	ResolvedPayload  string           `gorm:"type:text"`
	ResolvedBy       string           `gorm:"size:128"`
	ResolvedAt       *time.Time
	Note             string `gorm:"type:text"`
}

type NotificationLog struct {
	ID        uint      `gorm:"primaryKey"`
	JobID     string    `gorm:"size:36;index"`
	Topic     string    `gorm:"size:128"`
	Subject   string    `gorm:"size:255"`
	Message   string    `gorm:"type:text"`
	Severity  string    `gorm:"size:16;index"`
	Channel   string    `gorm:"size:32;index"`
	Recipient string    `gorm:"size:255"`
	Success   bool      `gorm:"index"`
	Error     string    `gorm:"type:text"`
	Metadata  string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

type SyncSchedule struct {
	ID              string        `gorm:"primaryKey;size:36"`
	Name            string        `gorm:"size:255;uniqueIndex"`
	JobType         JobType       `gorm:"size:16"`
	Parameters      JobParameters `gorm:"type:text;serializer:json"`
	Kind            ScheduleKind  `gorm:"size:16"`
	CronExpression  string        `gorm:"size:128"`
	IntervalSeconds int64
	Timezone        string     `gorm:"size:64"`
	IsActive        bool       `gorm:"index"`
	LastRun         *time.Time
	NextRun         *time.Time `gorm:"index"`
	LastJobID       string     `gorm:"size:36"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableConfig describes one synchronizable table. The catalog is replaced
// wholesale by an import; jobs work on a snapshot taken at launch.
type TableConfig struct {
	Name             string           `gorm:"primaryKey;size:128"`
	TargetTable      string           `gorm:"size:128"`
	Order            int              `gorm:"column:sort_order"`
	SyncDirection    Direction        `gorm:"size:32"`
	IsIncremental    bool
	BatchSize        int
	PrimaryKeyFields []string         `gorm:"type:text;serializer:json"`
	TimestampField   string           `gorm:"size:128"`
	ConflictStrategy ConflictStrategy `gorm:"size:16"`
	DependsOn        []string         `gorm:"type:text;serializer:json"`
	Filter           record.Filter    `gorm:"type:text;serializer:json"`
}

// TargetName is the table name on the target side.
func (t TableConfig) TargetName() string {
	if t.TargetTable != "" {
		return t.TargetTable
	}
	return t.Name
}

type FieldConfig struct {
	ID                  uint      `gorm:"primaryKey"`
	Table               string    `gorm:"column:table_name;size:128;uniqueIndex:uniq_table_field"`
	Name                string    `gorm:"size:128;uniqueIndex:uniq_table_field"`
	DataType            string    `gorm:"size:32"`
	IsPrimaryKey        bool
	IsNullable          bool
	SyncDirection       Direction `gorm:"size:32"`
	TransformExpression string    `gorm:"type:text"`
	// DefaultValue is nil when the field has no default.
	DefaultValue        any    `gorm:"type:text;serializer:json"`
	SanitizationRuleRef string `gorm:"size:128"`
}

type SanitizationRule struct {
	ID         uint           `gorm:"primaryKey"`
	Name       string         `gorm:"size:128;uniqueIndex"`
	Table      string         `gorm:"column:table_name;size:128;index"`
	Field      string         `gorm:"size:128"`
	Strategy   string         `gorm:"size:32"`
	Parameters map[string]any `gorm:"type:text;serializer:json"`
	Enabled    bool
}

type ValidationRule struct {
	ID      uint           `gorm:"primaryKey"`
	Table   string         `gorm:"column:table_name;size:128;index"`
	Field   string         `gorm:"size:128"`
	Kind    string         `gorm:"size:32"`
	Params  map[string]any `gorm:"type:text;serializer:json"`
	Message string         `gorm:"size:255"`
}

// Position is the persisted cursor of one (table, direction) pass.
type Position struct {
	Table     string    `gorm:"column:table_name;primaryKey;size:128"`
	Direction Direction `gorm:"primaryKey;size:32"`
	// Watermark holds the timestamp value of the last committed row.
	// WatermarkType is "time" when the value was read as a timestamp and
	// must be bound back as one.
	Watermark     any    `gorm:"type:text;serializer:json"`
	WatermarkType string `gorm:"size:16"`
	LastKey       string `gorm:"size:512"`
	Offset        int64  `gorm:"column:row_offset"`
	JobID         string `gorm:"size:36"`
	UpdatedAt     time.Time
}

// Catalog is the full set of admin-imported table configuration.
type Catalog struct {
	Tables            []TableConfig
	Fields            []FieldConfig
	SanitizationRules []SanitizationRule
	ValidationRules   []ValidationRule
}

// JobFilter narrows ListJobs. Zero fields are ignored.
type JobFilter struct {
	Status     JobStatus
	ScheduleID string
	Limit      int
}

// ConflictFilter narrows ListConflicts. Zero fields are ignored.
type ConflictFilter struct {
	JobID     string
	Table     string
	RecordKey string
	Status    ResolutionStatus
	Limit     int
	Offset    int
}

// JobCounters are the progress totals of a running job.
type JobCounters struct {
	TotalRecords     int64
	ProcessedRecords int64
	ErrorRecords     int64
	ConflictsCreated int64
}

type Stats struct {
	Since                 *time.Time                 `json:"since,omitempty"`
	JobsByStatus          map[JobStatus]int64        `json:"jobs_by_status"`
	TotalRecords          int64                      `json:"total_records"`
	ProcessedRecords      int64                      `json:"processed_records"`
	ErrorRecords          int64                      `json:"error_records"`
	ConflictsByStatus     map[ResolutionStatus]int64 `json:"conflicts_by_status"`
	SanitizationsTotal    int64                      `json:"sanitizations_total"`
	SanitizationsModified int64                      `json:"sanitizations_modified"`
	NotificationsSent     int64                      `json:"notifications_sent"`
	NotificationsFailed   int64                      `json:"notifications_failed"`
}
