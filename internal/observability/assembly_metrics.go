package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AssemblyMetrics tracks health of the context assembly pipeline.
type AssemblyMetrics struct {
	bundles        prometheus.CounterVec
	snapshotErrors prometheus.Counter
	charsBySection prometheus.GaugeVec
	truncations    prometheus.CounterVec
	retrievalHits  prometheus.Counter
	retrievalEmpty prometheus.Counter
}

var (
	defaultAssemblyMetrics     *AssemblyMetrics
	defaultAssemblyMetricsOnce sync.Once
)

// NewAssemblyMetrics builds an AssemblyMetrics recorder using the default registry.
func NewAssemblyMetrics() *AssemblyMetrics {
	defaultAssemblyMetricsOnce.Do(func() {
		defaultAssemblyMetrics = newAssemblyMetrics(prometheus.DefaultRegisterer)
	})
	return defaultAssemblyMetrics
}

// NewAssemblyMetricsWithRegisterer allows tests to provide a dedicated registry.
func NewAssemblyMetricsWithRegisterer(reg prometheus.Registerer) *AssemblyMetrics {
	return newAssemblyMetrics(reg)
}

func newAssemblyMetrics(reg prometheus.Registerer) *AssemblyMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &AssemblyMetrics{
		bundles: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "context",
			Name:      "bundles_total",
			Help:      "Context bundles built, by outcome",
		}, []string{"outcome"}),
		snapshotErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "context",
			Name:      "snapshot_error_total",
			Help:      "Failures when persisting context snapshots",
		}),
		charsBySection: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "context",
			Name:      "chars_by_section",
			Help:      "Characters per section kind for the most recent bundle build",
		}, []string{"kind"}),
		truncations: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "context",
			Name:      "truncations_total",
			Help:      "Budget truncations performed, by reason",
		}, []string{"reason"}),
		retrievalHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "context",
			Name:      "retrieval_hit_total",
			Help:      "Semantic retrieval calls that contributed at least one section",
		}),
		retrievalEmpty: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Subsystem: "context",
			Name:      "retrieval_empty_total",
			Help:      "Semantic retrieval calls that contributed nothing",
		}),
	}
}

// RecordBundle counts one assembled bundle.
func (m *AssemblyMetrics) RecordBundle(outcome string) {
	if m == nil {
		return
	}
	m.bundles.WithLabelValues(outcome).Inc()
}

// RecordSnapshotError increments the snapshot error counter.
func (m *AssemblyMetrics) RecordSnapshotError() {
	if m == nil || m.snapshotErrors == nil {
		return
	}
	m.snapshotErrors.Inc()
}

// RecordSectionChars sets the latest size measurement for a section kind.
func (m *AssemblyMetrics) RecordSectionChars(kind string, chars int) {
	if m == nil {
		return
	}
	m.charsBySection.WithLabelValues(kind).Set(float64(chars))
}

// RecordTruncation increments the truncation counter for a budget reason.
func (m *AssemblyMetrics) RecordTruncation(reason string) {
	if m == nil {
		return
	}
	m.truncations.WithLabelValues(reason).Inc()
}

// RecordRetrievalOutcome tracks whether semantic retrieval contributed sections.
func (m *AssemblyMetrics) RecordRetrievalOutcome(hit bool) {
	if m == nil {
		return
	}
	if hit {
		if m.retrievalHits != nil {
			m.retrievalHits.Inc()
		}
		return
	}
	if m.retrievalEmpty != nil {
		m.retrievalEmpty.Inc()
	}
}
