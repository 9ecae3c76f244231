package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/maxiofs/nativekv/internal/config"
)

// Manager defines the interface for metrics management
type Manager interface {
	// Boundary operations
	RecordOperation(op, strategy, outcome string, duration time.Duration)
	RecordAcquireFailure(strategy string)

	// Resources held by the runtime
	UpdateResources(r Resources)

	// Export
	Registry() *prometheus.Registry
	GetMetricsSnapshot() (map[string]float64, error)
}

// Resources is a point-in-time count of what the runtime holds.
type Resources struct {
	Pins        int
	NativeBytes int64
	MappedBytes int64
	Handles     map[string]int
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	config   config.MetricsConfig
	registry *prometheus.Registry

	opsTotal        *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
	acquireFailures *prometheus.CounterVec

	pinsHeld    prometheus.Gauge
	nativeBytes prometheus.Gauge
	mappedBytes prometheus.Gauge
	handlesLive *prometheus.GaugeVec
}

// NewManager creates a new metrics manager
func NewManager(cfg config.MetricsConfig) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "nativekv"
	}

	manager := &metricsManager{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}
	manager.initializeMetrics()
	return manager
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	namespace := m.config.Namespace

	m.opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_total",
			Help:      "Total number of boundary operations",
		},
		[]string{"op", "strategy", "outcome"},
	)

	m.opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_duration_seconds",
			Help:      "Boundary operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
		},
		[]string{"op"},
	)

	m.acquireFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquire_failures_total",
			Help:      "Buffer acquisitions that failed before reaching the engine",
		},
		[]string{"strategy"},
	)

	m.pinsHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pins_held",
		Help:      "Caller arrays currently pinned",
	})

	m.nativeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "native_bytes",
		Help:      "Bytes currently allocated from the native heap",
	})

	m.mappedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "native_mapped_bytes",
		Help:      "Bytes currently mapped by the native heap",
	})

	m.handlesLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handles_live",
			Help:      "Live handles by kind",
		},
		[]string{"kind"},
	)

	m.registry.MustRegister(
		m.opsTotal,
		m.opDuration,
		m.acquireFailures,
		m.pinsHeld,
		m.nativeBytes,
		m.mappedBytes,
		m.handlesLive,
	)
}

func (m *metricsManager) RecordOperation(op, strategy, outcome string, duration time.Duration) {
	m.opsTotal.WithLabelValues(op, strategy, outcome).Inc()
	m.opDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *metricsManager) RecordAcquireFailure(strategy string) {
	m.acquireFailures.WithLabelValues(strategy).Inc()
}

func (m *metricsManager) UpdateResources(r Resources) {
	m.pinsHeld.Set(float64(r.Pins))
	m.nativeBytes.Set(float64(r.NativeBytes))
	m.mappedBytes.Set(float64(r.MappedBytes))
	for kind, n := range r.Handles {
		m.handlesLive.WithLabelValues(kind).Set(float64(n))
	}
}

func (m *metricsManager) Registry() *prometheus.Registry {
	return m.registry
}

// GetMetricsSnapshot flattens every counter and gauge into
// "name{label=value,...}" keys. Histograms report their sample count.
func (m *metricsManager) GetMetricsSnapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	snapshot := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			var labels []string
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)

			key := mf.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}

			switch {
			case metric.Counter != nil:
				snapshot[key] = metric.GetCounter().GetValue()
			case metric.Gauge != nil:
				snapshot[key] = metric.GetGauge().GetValue()
			case metric.Histogram != nil:
				snapshot[key+"_count"] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return snapshot, nil
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordOperation(op, strategy, outcome string, duration time.Duration) {}
func (n *noopManager) RecordAcquireFailure(strategy string) {}
func (n *noopManager) UpdateResources(r Resources) {}
func (n *noopManager) Registry() *prometheus.Registry { return nil }
func (n *noopManager) GetMetricsSnapshot() (map[string]float64, error) {
	return nil, fmt.Errorf("metrics disabled")
}

// NewNoop returns a Manager that records nothing.
func NewNoop() Manager {
	return &noopManager{}
}
