package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestAssemblyMetricsRecording(t *testing.T) {
	metrics := NewAssemblyMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordBundle("ok")
	metrics.RecordBundle("ok")
	metrics.RecordBundle("error")
	metrics.RecordSectionChars("pinned:root_brief", 512)
	metrics.RecordTruncation("per_section")
	metrics.RecordTruncation("both")
	metrics.RecordRetrievalOutcome(true)
	metrics.RecordRetrievalOutcome(false)
	metrics.RecordSnapshotError()

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.bundles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.bundles.WithLabelValues("error")))
	assert.Equal(t, 512.0, testutil.ToFloat64(metrics.charsBySection.WithLabelValues("pinned:root_brief")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.truncations.WithLabelValues("per_section")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.truncations.WithLabelValues("both")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.retrievalHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.retrievalEmpty))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.snapshotErrors))
}

func TestAssemblyMetricsNilSafe(t *testing.T) {
	var metrics *AssemblyMetrics
	assert.NotPanics(t, func() {
		metrics.RecordBundle("ok")
		metrics.RecordTruncation("total")
		metrics.RecordRetrievalOutcome(true)
		metrics.RecordSnapshotError()
	})
}
