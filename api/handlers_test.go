package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"versus/server/broker"
	"versus/server/telemetry"
)

type fixedStats broker.Stats

func (f fixedStats) Stats() broker.Stats { return broker.Stats(f) }

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	m := telemetry.Nop()
	m.Incr(telemetry.QueuePaired)
	stats := fixedStats{Connections: 3, Waiting: 1, ActiveSessions: 1, PendingFinalizations: 2}
	return NewServer(stats, ws, m, zap.NewNop()).Router()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	rec := get(t, newRouter(t), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStats(t *testing.T) {
	rec := get(t, newRouter(t), "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"connections":3,"waiting":1,"activeSessions":1,"pendingFinalizations":2}`, rec.Body.String())
}

func TestMetricsAndWSRoutes(t *testing.T) {
	h := newRouter(t)

	rec := get(t, h, "/debug/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "queue.paired")

	assert.Equal(t, http.StatusTeapot, get(t, h, "/ws").Code)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	h := newRouter(t)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/nope").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
