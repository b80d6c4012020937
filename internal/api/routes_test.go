package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assessment-sync/internal/adapter"
	"assessment-sync/internal/config"
	"assessment-sync/internal/lock"
	"assessment-sync/internal/notify"
	"assessment-sync/internal/store"
	"assessment-sync/internal/sync"
)

func newServer(t *testing.T, cfg config.ServerConfig) *httptest.Server {
	t.Helper()
	s, err := store.NewStore(config.StateStorage{Type: "sqlite", FilePath: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := t.Context()
	require.NoError(t, s.ReplaceCatalog(ctx, &store.Catalog{
		Tables: []store.TableConfig{{
			Name: "lookup_code", SyncDirection: store.SourceToTarget, BatchSize: 10,
			PrimaryKeyFields: []string{"code"}, ConflictStrategy: store.StrategySourceWins,
		}},
	}))

	source, target := adapter.NewMemory("source"), adapter.NewMemory("target")
	schema := map[string]string{"code": "int", "label": "text"}
	source.CreateTable("lookup_code", []string{"code"}, schema)
	target.CreateTable("lookup_code", []string{"code"}, schema)

	appCfg := config.Default()
	appCfg.Scheduler.Enabled = false
	broker := notify.NewBroker(appCfg.Notifications, s)
	// The manager is never started, so accepted jobs stay pending.
	m := sync.NewManager(appCfg, s, source, target, broker, lock.NewLocal())

	srv := httptest.NewServer(NewHandler(m, cfg).Routes())
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	t     *testing.T
	srv   *httptest.Server
	token string
}

func (c client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "ops@example.org")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer res.Body.Close()
	if out != nil && res.StatusCode != http.StatusNoContent {
		require.NoError(c.t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func TestHealthAndAuth(t *testing.T) {
	srv := newServer(t, config.ServerConfig{AuthToken: "s3cret"})

	var health map[string]string
	assert.Equal(t, http.StatusOK, client{t: t, srv: srv}.do("GET", "/health", nil, &health))
	assert.Equal(t, "ok", health["status"])

	var e errorResponse
	assert.Equal(t, http.StatusUnauthorized, client{t: t, srv: srv}.do("GET", "/api/v1/schedules", nil, &e))
	assert.Equal(t, http.StatusUnauthorized, client{t: t, srv: srv, token: "wrong"}.do("GET", "/api/v1/schedules", nil, &e))

	var scheds []scheduleResponse
	assert.Equal(t, http.StatusOK, client{t: t, srv: srv, token: "s3cret"}.do("GET", "/api/v1/schedules", nil, &scheds))
	assert.Empty(t, scheds)
}

func TestCorsPreflight(t *testing.T) {
	srv := newServer(t, config.ServerConfig{AuthToken: "s3cret", CorsOrigins: []string{"https://admin.example.org"}})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://admin.example.org")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "https://admin.example.org", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestScheduleEndpoints(t *testing.T) {
	c := client{t: t, srv: newServer(t, config.ServerConfig{})}

	var e errorResponse
	assert.Equal(t, http.StatusBadRequest, c.do("POST", "/api/v1/schedules", map[string]any{
		"name": "broken", "job_type": "full", "cron_expression": "every day",
	}, &e))
	assert.Equal(t, "config", e.Kind)
	assert.Equal(t, http.StatusBadRequest, c.do("POST", "/api/v1/schedules", map[string]any{
		"name": "typo", "job_type": "full", "interval_secs": 60,
	}, &e))

	var sched scheduleResponse
	require.Equal(t, http.StatusCreated, c.do("POST", "/api/v1/schedules", map[string]any{
		"name": "hourly", "job_type": "full", "interval_seconds": 3600,
	}, &sched))
	assert.Equal(t, store.ScheduleInterval, sched.Kind)
	assert.True(t, sched.IsActive)
	require.NotNil(t, sched.NextRun)
	path := "/api/v1/schedules/" + sched.ID

	var got scheduleResponse
	assert.Equal(t, http.StatusOK, c.do("GET", path, nil, &got))
	assert.Equal(t, "hourly", got.Name)

	assert.Equal(t, http.StatusOK, c.do("POST", path+"/pause", nil, &got))
	assert.False(t, got.IsActive)
	assert.Nil(t, got.NextRun)
	assert.Equal(t, http.StatusOK, c.do("POST", path+"/resume", nil, &got))
	assert.True(t, got.IsActive)

	assert.Equal(t, http.StatusOK, c.do("PUT", path, map[string]any{
		"name": "nightly", "job_type": "full", "cron_expression": "30 2 * * *", "timezone": "UTC",
	}, &got))
	assert.Equal(t, store.ScheduleCron, got.Kind)
	assert.Equal(t, "nightly", got.Name)

	var job jobResponse
	require.Equal(t, http.StatusAccepted, c.do("POST", path+"/trigger", nil, &job))
	assert.Equal(t, sched.ID, job.ScheduleID)
	assert.Equal(t, "ops@example.org", job.Initiator)
	assert.Equal(t, store.JobPending, job.Status)

	assert.Equal(t, http.StatusBadRequest, c.do("POST", path+"/trigger", nil, &e), "single flight")

	var list []scheduleResponse
	assert.Equal(t, http.StatusOK, c.do("GET", "/api/v1/schedules", nil, &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, c.do("DELETE", path, nil, nil))
	assert.Equal(t, http.StatusNoContent, c.do("DELETE", path, nil, nil))
	assert.Equal(t, http.StatusNotFound, c.do("GET", path, nil, &e))
	assert.Equal(t, "not_found", e.Kind)
}

func TestJobEndpoints(t *testing.T) {
	c := client{t: t, srv: newServer(t, config.ServerConfig{})}

	var e errorResponse
	assert.Equal(t, http.StatusBadRequest, c.do("POST", "/api/v1/jobs", map[string]any{"job_type": "selective"}, &e))
	assert.Equal(t, http.StatusBadRequest, c.do("POST", "/api/v1/jobs", map[string]any{
		"job_type": "full", "parameters": map[string]any{"tables": []string{"nope"}},
	}, &e))

	var job jobResponse
	require.Equal(t, http.StatusAccepted, c.do("POST", "/api/v1/jobs", map[string]any{
		"job_type": "selective",
		"parameters": map[string]any{
			"tables":  []string{"lookup_code"},
			"filters": map[string]any{"lookup_code": []map[string]any{{"field": "code", "op": ">", "value": 10}}},
		},
	}, &job))
	assert.Equal(t, store.JobPending, job.Status)
	assert.Equal(t, []string{"lookup_code"}, job.Parameters.Tables)
	path := "/api/v1/jobs/" + job.ID

	var got jobResponse
	assert.Equal(t, http.StatusOK, c.do("GET", path, nil, &got))
	assert.Equal(t, job.ID, got.ID)

	var jobs []jobResponse
	assert.Equal(t, http.StatusOK, c.do("GET", "/api/v1/jobs?status=pending", nil, &jobs))
	assert.Len(t, jobs, 1)

	assert.Equal(t, http.StatusOK, c.do("POST", path+"/cancel", nil, &got))
	assert.Equal(t, store.JobCancelled, got.Status)
	assert.Equal(t, http.StatusConflict, c.do("POST", path+"/cancel", nil, &e))
	assert.Equal(t, "conflict", e.Kind)

	var logs []logResponse
	assert.Equal(t, http.StatusOK, c.do("GET", path+"/logs", nil, &logs))
	require.NotEmpty(t, logs)
	assert.Equal(t, store.LevelWarn, logs[len(logs)-1].Level)

	assert.Equal(t, http.StatusNotFound, c.do("GET", "/api/v1/jobs/missing", nil, &e))
}

func TestConflictAndStatsEndpoints(t *testing.T) {
	c := client{t: t, srv: newServer(t, config.ServerConfig{})}

	var conflicts []conflictResponse
	assert.Equal(t, http.StatusOK, c.do("GET", "/api/v1/conflicts?status=pending&limit=10", nil, &conflicts))
	assert.Empty(t, conflicts)

	var e errorResponse
	assert.Equal(t, http.StatusBadRequest, c.do("POST", "/api/v1/conflicts/missing/resolve",
		map[string]any{"resolution_type": "whatever"}, &e))
	assert.Equal(t, http.StatusNotFound, c.do("POST", "/api/v1/conflicts/missing/resolve",
		map[string]any{"resolution_type": "source_wins"}, &e))
	assert.Equal(t, http.StatusNotFound, c.do("POST", "/api/v1/conflicts/missing/ignore", nil, &e))

	var stats store.Stats
	assert.Equal(t, http.StatusOK, c.do("GET", "/api/v1/stats", nil, &stats))
	assert.NotNil(t, stats.Since)
	assert.Equal(t, http.StatusOK, c.do("GET", "/api/v1/stats?timeframe=all", nil, &stats))
	assert.Equal(t, http.StatusBadRequest, c.do("GET", "/api/v1/stats?timeframe=1y", nil, &e))
}
