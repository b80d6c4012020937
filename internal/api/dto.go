package api

import (
	"encoding/json"
	"time"

	"assessment-sync/internal/store"
)

type scheduleRequest struct {
	Name            string              `json:"name"`
	JobType         store.JobType       `json:"job_type"`
	Parameters      store.JobParameters `json:"parameters"`
	Kind            store.ScheduleKind  `json:"kind"`
	CronExpression  string              `json:"cron_expression"`
	IntervalSeconds int64               `json:"interval_seconds"`
	Timezone        string              `json:"timezone"`
	IsActive        *bool               `json:"is_active"`
}

func (req scheduleRequest) schedule() *store.SyncSchedule {
	kind := req.Kind
	if kind == "" {
		kind = store.ScheduleInterval
		if req.CronExpression != "" {
			kind = store.ScheduleCron
		}
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return &store.SyncSchedule{
		Name:            req.Name,
		JobType:         req.JobType,
		Parameters:      req.Parameters,
		Kind:            kind,
		CronExpression:  req.CronExpression,
		IntervalSeconds: req.IntervalSeconds,
		Timezone:        req.Timezone,
		IsActive:        active,
	}
}

type scheduleResponse struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	JobType         store.JobType       `json:"job_type"`
	Parameters      store.JobParameters `json:"parameters"`
	Kind            store.ScheduleKind  `json:"kind"`
	CronExpression  string              `json:"cron_expression,omitempty"`
	IntervalSeconds int64               `json:"interval_seconds,omitempty"`
	Timezone        string              `json:"timezone,omitempty"`
	IsActive        bool                `json:"is_active"`
	LastRun         *time.Time          `json:"last_run,omitempty"`
	NextRun         *time.Time          `json:"next_run,omitempty"`
	LastJobID       string              `json:"last_job_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func toSchedule(s *store.SyncSchedule) scheduleResponse {
	return scheduleResponse{
		ID:              s.ID,
		Name:            s.Name,
		JobType:         s.JobType,
		Parameters:      s.Parameters,
		Kind:            s.Kind,
		CronExpression:  s.CronExpression,
		IntervalSeconds: s.IntervalSeconds,
		Timezone:        s.Timezone,
		IsActive:        s.IsActive,
		LastRun:         s.LastRun,
		NextRun:         s.NextRun,
		LastJobID:       s.LastJobID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

type jobRequest struct {
	Name       string              `json:"name"`
	JobType    store.JobType       `json:"job_type"`
	Parameters store.JobParameters `json:"parameters"`
}

type jobResponse struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	JobType          store.JobType       `json:"job_type"`
	Status           store.JobStatus     `json:"status"`
	ScheduleID       string              `json:"schedule_id,omitempty"`
	Initiator        string              `json:"initiator"`
	Parameters       store.JobParameters `json:"parameters"`
	CreatedAt        time.Time           `json:"created_at"`
	StartedAt        *time.Time          `json:"started_at,omitempty"`
	EndedAt          *time.Time          `json:"ended_at,omitempty"`
	TotalRecords     int64               `json:"total_records"`
	ProcessedRecords int64               `json:"processed_records"`
	ErrorRecords     int64               `json:"error_records"`
	ConflictsCreated int64               `json:"conflicts_created"`
	FailedTables     []string            `json:"failed_tables,omitempty"`
	ErrorMessage     string              `json:"error_message,omitempty"`
}

func toJob(j *store.SyncJob) jobResponse {
	return jobResponse{
		ID:               j.ID,
		Name:             j.Name,
		JobType:          j.JobType,
		Status:           j.Status,
		ScheduleID:       j.ScheduleID,
		Initiator:        j.Initiator,
		Parameters:       j.Parameters,
		CreatedAt:        j.CreatedAt,
		StartedAt:        j.StartedAt,
		EndedAt:          j.EndedAt,
		TotalRecords:     j.TotalRecords,
		ProcessedRecords: j.ProcessedRecords,
		ErrorRecords:     j.ErrorRecords,
		ConflictsCreated: j.ConflictsCreated,
		FailedTables:     j.FailedTables,
		ErrorMessage:     j.ErrorMessage,
	}
}

type logResponse struct {
	Level       store.LogLevel `json:"level"`
	Component   string         `json:"component"`
	Table       string         `json:"table,omitempty"`
	Message     string         `json:"message"`
	RecordCount int64          `json:"record_count,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

type conflictResponse struct {
	ID               string                 `json:"id"`
	JobID            string                 `json:"job_id"`
	Table            string                 `json:"table"`
	Direction        store.Direction        `json:"direction"`
	RecordKey        string                 `json:"record_key"`
	SourcePayload    json.RawMessage        `json:"source_payload,omitempty"`
	TargetPayload    json.RawMessage        `json:"target_payload,omitempty"`
	DetectedAt       time.Time              `json:"detected_at"`
	ResolutionStatus store.ResolutionStatus `json:"resolution_status"`
	ResolutionType   store.ResolutionType   `json:"resolution_type,omitempty"`
	ResolvedPayload  json.RawMessage        `json:"resolved_payload,omitempty"`
	ResolvedBy       string                 `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time             `json:"resolved_at,omitempty"`
	Note             string                 `json:"note,omitempty"`
}

func raw(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

func toConflict(c *store.SyncConflict) conflictResponse {
	return conflictResponse{
		ID:               c.ID,
		JobID:            c.JobID,
		Table:            c.Table,
		Direction:        c.Direction,
		RecordKey:        c.RecordKey,
		SourcePayload:    raw(c.SourcePayload),
		TargetPayload:    raw(c.TargetPayload),
		DetectedAt:       c.DetectedAt,
		ResolutionStatus: c.ResolutionStatus,
		ResolutionType:   c.ResolutionType,
		ResolvedPayload:  raw(c.ResolvedPayload),
		ResolvedBy:       c.ResolvedBy,
		ResolvedAt:       c.ResolvedAt,
		Note:             c.Note,
	}
}

type resolveRequest struct {
	ResolutionType  store.ResolutionType `json:"resolution_type"`
	ResolvedPayload map[string]any       `json:"resolved_payload"`
	ResolvedBy      string               `json:"resolved_by"`
}

type ignoreRequest struct {
	Reason     string `json:"reason"`
	ResolvedBy string `json:"resolved_by"`
}

func mapSlice[T, R any](in []T, f func(T) R) []R {
	out := make([]R, len(in))
	for i, v := range in {
		out[i] = f(v)
	}
	return out
}
