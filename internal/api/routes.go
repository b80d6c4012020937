package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"assessment-sync/internal/config"
	"assessment-sync/internal/store"
	"assessment-sync/internal/sync"
)

// Controller is the operational control surface served over HTTP.
type Controller interface {
	GetStatus() string

	CreateSchedule(ctx context.Context, sched *store.SyncSchedule) (*store.SyncSchedule, error)
	UpdateSchedule(ctx context.Context, id string, def *store.SyncSchedule) (*store.SyncSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	GetSchedule(ctx context.Context, id string) (*store.SyncSchedule, error)
	ListSchedules(ctx context.Context) ([]*store.SyncSchedule, error)
	PauseSchedule(ctx context.Context, id string) (*store.SyncSchedule, error)
	ResumeSchedule(ctx context.Context, id string) (*store.SyncSchedule, error)
	TriggerSchedule(ctx context.Context, id, initiator string) (*store.SyncJob, error)

	TriggerJob(ctx context.Context, req sync.JobRequest) (*store.SyncJob, error)
	CancelJob(ctx context.Context, id string) (*store.SyncJob, error)
	GetJob(ctx context.Context, id string) (*store.SyncJob, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.SyncJob, error)
	JobLogs(ctx context.Context, id string) ([]*store.SyncLog, error)

	ListConflicts(ctx context.Context, filter store.ConflictFilter) ([]*store.SyncConflict, error)
	ResolveConflict(ctx context.Context, id string, rt store.ResolutionType, payload map[string]any, by string) (*store.SyncConflict, error)
	IgnoreConflict(ctx context.Context, id, reason, by string) (*store.SyncConflict, error)

	GetStats(ctx context.Context, timeframe string) (*store.Stats, error)
}

type Handler struct {
	ctrl Controller
	cfg  config.ServerConfig
}

func NewHandler(ctrl Controller, cfg config.ServerConfig) *Handler {
	return &Handler{
		ctrl: ctrl,
		cfg:  cfg,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)
	r.Use(CorsMiddleware(h.cfg.CorsOrigins))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", h.ListSchedules)
			r.Post("/", h.CreateSchedule)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSchedule)
				r.Put("/", h.UpdateSchedule)
				r.Delete("/", h.DeleteSchedule)
				r.Post("/pause", h.PauseSchedule)
				r.Post("/resume", h.ResumeSchedule)
				r.Post("/trigger", h.TriggerSchedule)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/", h.TriggerJob)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetJob)
				r.Get("/logs", h.JobLogs)
				r.Post("/cancel", h.CancelJob)
			})
		})

		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", h.ListConflicts)
			r.Post("/{id}/resolve", h.ResolveConflict)
			r.Post("/{id}/ignore", h.IgnoreConflict)
		})

		r.Get("/stats", h.GetStats)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "manager": h.ctrl.GetStatus()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
