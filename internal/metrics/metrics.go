// Package metrics defines the sink the transport reports byte and session
// counters to, with a no-op and a Prometheus implementation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction is the flow direction of measured bytes.
type Direction string

const (
	// FromServer is data received from a downstream server.
	FromServer Direction = "from_server"
	// ToServer is data sent to a downstream server.
	ToServer Direction = "to_server"
)

// Sink receives compression byte counts.
type Sink interface {
	RecordPassedThrough(bytes int, dir Direction)
	RecordCompressed(bytes int, dir Direction)
	RecordDecompressed(bytes int, dir Direction)
}

// SessionSink is optionally implemented by sinks that also track sessions.
type SessionSink interface {
	SessionOpened(server string)
	SessionClosed(server, reason string)
	FloodDetected(server string)
	ObserveLatency(server string, latency time.Duration)
	ObserveDial(kind string, d time.Duration, err error)
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordPassedThrough(int, Direction)       {}
func (Noop) RecordCompressed(int, Direction)          {}
func (Noop) RecordDecompressed(int, Direction)        {}
func (Noop) SessionOpened(string)                     {}
func (Noop) SessionClosed(string, string)             {}
func (Noop) FloodDetected(string)                     {}
func (Noop) ObserveLatency(string, time.Duration)     {}
func (Noop) ObserveDial(string, time.Duration, error) {}

// Config configures the Prometheus sink.
type Config struct {
	// Namespace is the metrics namespace (default: "proxytransport").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the Prometheus sink.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Prometheus implements Sink and SessionSink with Prometheus collectors.
type Prometheus struct {
	passedThrough  *prometheus.CounterVec
	compressed     *prometheus.CounterVec
	decompressed   *prometheus.CounterVec
	activeSessions *prometheus.GaugeVec
	closedSessions *prometheus.CounterVec
	floods         *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	dialDuration   *prometheus.HistogramVec
	dialErrors     *prometheus.CounterVec
}

// NewPrometheus registers the transport collectors.
func NewPrometheus(opts ...Option) *Prometheus {
	cfg := Config{
		Namespace: "proxytransport",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.Registry)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, labels)
	}

	return &Prometheus{
		passedThrough: counter("passed_through_bytes_total", "Compressed bytes forwarded without recompression", "direction"),
		compressed:    counter("compressed_bytes_total", "Bytes produced by compression", "direction"),
		decompressed:  counter("decompressed_bytes_total", "Bytes produced by decompression", "direction"),
		activeSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "active_sessions",
			Help:        "Number of open downstream sessions",
			ConstLabels: cfg.ConstLabels,
		}, []string{"server"}),
		closedSessions: counter("closed_sessions_total", "Downstream sessions closed by reason", "server", "reason"),
		floods:         counter("flood_disconnects_total", "Sessions disconnected for exceeding the packet ceiling", "server"),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "downstream_latency_seconds",
			Help:        "Measured one-way latency to downstream servers",
			ConstLabels: cfg.ConstLabels,
			Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"server"}),
		dialDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "dial_duration_seconds",
			Help:        "Time to establish a downstream link",
			ConstLabels: cfg.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"kind"}),
		dialErrors: counter("dial_errors_total", "Failed downstream dials", "kind"),
	}
}

func (p *Prometheus) RecordPassedThrough(bytes int, dir Direction) {
	p.passedThrough.WithLabelValues(string(dir)).Add(float64(bytes))
}

func (p *Prometheus) RecordCompressed(bytes int, dir Direction) {
	p.compressed.WithLabelValues(string(dir)).Add(float64(bytes))
}

func (p *Prometheus) RecordDecompressed(bytes int, dir Direction) {
	p.decompressed.WithLabelValues(string(dir)).Add(float64(bytes))
}

func (p *Prometheus) SessionOpened(server string) {
	p.activeSessions.WithLabelValues(server).Inc()
}

func (p *Prometheus) SessionClosed(server, reason string) {
	p.activeSessions.WithLabelValues(server).Dec()
	p.closedSessions.WithLabelValues(server, reason).Inc()
}

func (p *Prometheus) FloodDetected(server string) {
	p.floods.WithLabelValues(server).Inc()
}

func (p *Prometheus) ObserveLatency(server string, latency time.Duration) {
	p.latency.WithLabelValues(server).Observe(latency.Seconds())
}

func (p *Prometheus) ObserveDial(kind string, d time.Duration, err error) {
	p.dialDuration.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		p.dialErrors.WithLabelValues(kind).Inc()
	}
}
