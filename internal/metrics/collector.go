// Package metrics exposes Prometheus instrumentation for the voice engine.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all engine metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	activeSessions      prometheus.Gauge
	sessionsCreated     prometheus.Counter
	evictions           *prometheus.CounterVec
	metadataErrors      *prometheus.CounterVec
	clientReconnects    *prometheus.CounterVec
	orchestratorStreams prometheus.Gauge
	streamEvents        *prometheus.CounterVec

	connectionAttempts *prometheus.CounterVec
	stateTransitions   *prometheus.CounterVec
	connectDuration    prometheus.Histogram

	credentialsIssued *prometheus.CounterVec
	completionJobs    *prometheus.CounterVec
}

// NewCollector registers all metrics under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "registry_active_sessions", Help: "Streaming clients held by the registry",
		}),
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_sessions_created_total", Help: "Streaming clients created",
		}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_evictions_total", Help: "Sessions removed from the registry",
		}, []string{"reason"}),
		metadataErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_metadata_errors_total", Help: "Failed metadata mirror operations",
		}, []string{"op"}),
		clientReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "streaming_disconnects_total", Help: "Streaming client socket closes",
		}, []string{"will_reconnect"}),
		orchestratorStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "orchestrator_streams", Help: "Attached orchestrator streams",
		}),
		streamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orchestrator_events_total", Help: "Events relayed to stream owners",
		}, []string{"type"}),
		connectionAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_connection_attempts_total", Help: "Session connection attempts by outcome",
		}, []string{"outcome"}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_state_transitions_total", Help: "Session state machine transitions",
		}, []string{"to"}),
		connectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_connect_duration_seconds", Help: "Time from start to active",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}),
		credentialsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "credentials_requests_total", Help: "Credential endpoint outcomes",
		}, []string{"outcome"}),
		completionJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "completion_jobs_total", Help: "Completion jobs by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordHTTPRequest records one handled request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// SessionCreated records a new registry entry.
func (c *Collector) SessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Inc()
	c.activeSessions.Inc()
}

// SessionRemoved records an entry leaving the registry.
func (c *Collector) SessionRemoved(reason string) {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
	c.evictions.WithLabelValues(reason).Inc()
}

// MetadataError records a failed mirror operation.
func (c *Collector) MetadataError(op string) {
	if c == nil {
		return
	}
	c.metadataErrors.WithLabelValues(op).Inc()
}

// ClientDisconnected records a streaming socket close.
func (c *Collector) ClientDisconnected(willReconnect bool) {
	if c == nil {
		return
	}
	c.clientReconnects.WithLabelValues(strconv.FormatBool(willReconnect)).Inc()
}

// StreamAttached and StreamDetached track orchestrator streams.
func (c *Collector) StreamAttached() {
	if c == nil {
		return
	}
	c.orchestratorStreams.Inc()
}

func (c *Collector) StreamDetached() {
	if c == nil {
		return
	}
	c.orchestratorStreams.Dec()
}

// StreamEvent counts a relayed event.
func (c *Collector) StreamEvent(typ string) {
	if c == nil {
		return
	}
	c.streamEvents.WithLabelValues(typ).Inc()
}

// ConnectionAttempt records a state machine attempt outcome (success, retry, fatal, exhausted, fallback).
func (c *Collector) ConnectionAttempt(outcome string) {
	if c == nil {
		return
	}
	c.connectionAttempts.WithLabelValues(outcome).Inc()
}

// StateTransition records entering a state.
func (c *Collector) StateTransition(to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(to).Inc()
}

// ConnectDuration records time to active.
func (c *Collector) ConnectDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.connectDuration.Observe(d.Seconds())
}

// CredentialRequest records a credential endpoint outcome.
func (c *Collector) CredentialRequest(outcome string) {
	if c == nil {
		return
	}
	c.credentialsIssued.WithLabelValues(outcome).Inc()
}

// CompletionJob records a worker outcome (stored, retried, dead_lettered).
func (c *Collector) CompletionJob(outcome string) {
	if c == nil {
		return
	}
	c.completionJobs.WithLabelValues(outcome).Inc()
}
