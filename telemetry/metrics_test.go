package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsEndpoint(t *testing.T) {
	m, err := New("versus")
	require.NoError(t, err)

	m.Incr(SessionsFinalized)
	m.Incr(SessionsFinalized)
	m.Gauge(SessionsActive, 3)

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sessions.finalized")
	assert.Contains(t, rec.Body.String(), "sessions.active")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Incr(RelayDropped)
		m.Gauge(SessionsActive, 1)
	})
}
