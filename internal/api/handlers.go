package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"

	"assessment-sync/internal/store"
	"assessment-sync/internal/sync"
)

// Schedules

func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := h.ctrl.ListSchedules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(scheds, toSchedule))
}

func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	sched, err := h.ctrl.CreateSchedule(r.Context(), req.schedule())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSchedule(sched))
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.ctrl.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedule(sched))
}

func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	sched, err := h.ctrl.UpdateSchedule(r.Context(), chi.URLParam(r, "id"), req.schedule())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedule(sched))
}

func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PauseSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.ctrl.PauseSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedule(sched))
}

func (h *Handler) ResumeSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.ctrl.ResumeSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedule(sched))
}

func (h *Handler) TriggerSchedule(w http.ResponseWriter, r *http.Request) {
	job, err := h.ctrl.TriggerSchedule(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJob(job))
}

// Jobs

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status:     store.JobStatus(q.Get("status")),
		ScheduleID: q.Get("schedule_id"),
		Limit:      cast.ToInt(q.Get("limit")),
	}
	jobs, err := h.ctrl.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(jobs, toJob))
}

func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	job, err := h.ctrl.TriggerJob(r.Context(), sync.JobRequest{
		Name:       req.Name,
		JobType:    req.JobType,
		Parameters: req.Parameters,
		Initiator:  actor(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJob(job))
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.ctrl.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJob(job))
}

func (h *Handler) JobLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.ctrl.JobLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(logs, func(l *store.SyncLog) logResponse {
		return logResponse{
			Level:       l.Level,
			Component:   l.Component,
			Table:       l.Table,
			Message:     l.Message,
			RecordCount: l.RecordCount,
			DurationMS:  l.DurationMS,
			Timestamp:   l.Timestamp,
		}
	}))
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.ctrl.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJob(job))
}

// Conflicts

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ConflictFilter{
		JobID:     q.Get("job_id"),
		Table:     q.Get("table"),
		RecordKey: q.Get("record_key"),
		Status:    store.ResolutionStatus(q.Get("status")),
		Limit:     cast.ToInt(q.Get("limit")),
		Offset:    cast.ToInt(q.Get("offset")),
	}
	conflicts, err := h.ctrl.ListConflicts(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(conflicts, toConflict))
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	by := req.ResolvedBy
	if by == "" {
		by = actor(r)
	}
	c, err := h.ctrl.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.ResolutionType, req.ResolvedPayload, by)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConflict(c))
}

func (h *Handler) IgnoreConflict(w http.ResponseWriter, r *http.Request) {
	var req ignoreRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	by := req.ResolvedBy
	if by == "" {
		by = actor(r)
	}
	c, err := h.ctrl.IgnoreConflict(r.Context(), chi.URLParam(r, "id"), req.Reason, by)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConflict(c))
}

// Stats

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ctrl.GetStats(r.Context(), r.URL.Query().Get("timeframe"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
