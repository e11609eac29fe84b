// Package metrics provides Prometheus metrics for the conversation engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/ashureev/deckster/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for Deckster. Each instance owns its
// registry so tests and multiple engines in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	// Turn metrics
	TurnsTotal   *prometheus.CounterVec
	IntentsTotal *prometheus.CounterVec

	// Generation metrics
	GenerationDuration  *prometheus.HistogramVec
	GenerationAttempts  *prometheus.HistogramVec
	GenerationFallbacks *prometheus.CounterVec

	// Store metrics
	StaleWritesTotal prometheus.Counter
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	SessionsSwept    prometheus.Counter

	// Transport metrics
	ConnectionsActive prometheus.Gauge
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckster_turns_total",
				Help: "Total number of processed turns by resulting state and outcome",
			},
			[]string{"state", "outcome"},
		),
		IntentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckster_intents_total",
				Help: "Total number of classified intents by kind",
			},
			[]string{"kind"},
		),
		GenerationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deckster_generation_duration_seconds",
				Help:    "Duration of generation steps in seconds, including retries",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"state"},
		),
		GenerationAttempts: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deckster_generation_attempts",
				Help:    "Number of provider attempts per generation step",
				Buckets: []float64{1, 2, 3, 5, 8},
			},
			[]string{"state"},
		),
		GenerationFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deckster_generation_fallbacks_total",
				Help: "Total number of generation steps that fell back to placeholder content",
			},
			[]string{"state"},
		),
		StaleWritesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "deckster_stale_writes_total",
			Help: "Total number of commits rejected by the version check",
		}),
		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "deckster_session_cache_hits_total",
			Help: "Total number of session reads served from the cache",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "deckster_session_cache_misses_total",
			Help: "Total number of session reads that went to the database",
		}),
		SessionsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "deckster_sessions_swept_total",
			Help: "Total number of idle sessions deleted by housekeeping",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "deckster_ws_connections_active",
			Help: "Number of open websocket connections",
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TurnProcessed records a finished turn.
func (m *Metrics) TurnProcessed(state domain.State, outcome string) {
	m.TurnsTotal.WithLabelValues(string(state), outcome).Inc()
}

// IntentClassified records a classification result.
func (m *Metrics) IntentClassified(kind domain.IntentKind) {
	m.IntentsTotal.WithLabelValues(string(kind)).Inc()
}

// Generation records one generation step.
func (m *Metrics) Generation(state domain.State, elapsed time.Duration, attempts int, fallback bool) {
	m.GenerationDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
	m.GenerationAttempts.WithLabelValues(string(state)).Observe(float64(attempts))
	if fallback {
		m.GenerationFallbacks.WithLabelValues(string(state)).Inc()
	}
}

// StaleWrite records a rejected commit.
func (m *Metrics) StaleWrite() { m.StaleWritesTotal.Inc() }

// CacheHit records a session read served from memory.
func (m *Metrics) CacheHit() { m.CacheHitsTotal.Inc() }

// CacheMiss records a session read that went to the database.
func (m *Metrics) CacheMiss() { m.CacheMissesTotal.Inc() }

// SessionSwept records a session removed by housekeeping.
func (m *Metrics) SessionSwept() { m.SessionsSwept.Inc() }

// ConnectionOpened records a new websocket connection.
func (m *Metrics) ConnectionOpened() { m.ConnectionsActive.Inc() }

// ConnectionClosed records a closed websocket connection.
func (m *Metrics) ConnectionClosed() { m.ConnectionsActive.Dec() }
