package telemetry

import (
	"net/http"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/rotisserie/eris"
)

// Counter and gauge names emitted by the broker.
var (
	QueueWaiting      = []string{"queue", "waiting"}
	QueuePaired       = []string{"queue", "paired"}
	QueueTimeouts     = []string{"queue", "timeouts"}
	SessionsActive    = []string{"sessions", "active"}
	SessionsFinalized = []string{"sessions", "finalized"}
	SessionsAborted   = []string{"sessions", "aborted"}
	SessionsFailed    = []string{"sessions", "failed"}
	RelayForwarded    = []string{"relay", "forwarded"}
	RelayDropped      = []string{"relay", "dropped"}
	ProtocolErrors    = []string{"protocol", "errors"}
)

// Metrics wraps a go-metrics instance backed by an in-memory sink.
type Metrics struct {
	m    *metrics.Metrics
	sink *metrics.InmemSink
}

// New creates a metrics instance that keeps one minute of 10s intervals.
func New(service string) (*Metrics, error) {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig(service)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	m, err := metrics.New(cfg, sink)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create metrics")
	}
	return &Metrics{m: m, sink: sink}, nil
}

// Nop returns metrics that are collected but never read. Used by tests.
func Nop() *Metrics {
	m, err := New("test")
	if err != nil {
		panic(err)
	}
	return m
}

func (t *Metrics) Incr(key []string) {
	if t == nil {
		return
	}
	t.m.IncrCounter(key, 1)
}

func (t *Metrics) Gauge(key []string, v int) {
	if t == nil {
		return
	}
	t.m.SetGauge(key, float32(v))
}

// ServeHTTP dumps the current in-memory intervals as JSON.
func (t *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := t.sink.DisplayMetrics(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, data)
}
