package embedding

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchTunerHalvesOnFailure(t *testing.T) {
	tuner := newBatchTuner(32, 0)
	require.Equal(t, 32, tuner.current())

	fail := errors.New("provider down")
	tuner.observe(32, time.Millisecond, fail)
	assert.Equal(t, 16, tuner.current())

	for i := 0; i < 10; i++ {
		tuner.observe(16, time.Millisecond, fail)
	}
	assert.Equal(t, 1, tuner.current(), "size never drops below 1")
}

func TestBatchTunerGrowsAboveTarget(t *testing.T) {
	tuner := newBatchTuner(32, 100)
	tuner.observe(32, time.Millisecond, errors.New("x"))
	require.Equal(t, 16, tuner.current())

	// 50 texts in 100ms is 500/s, above the 100/s target.
	tuner.observe(50, 100*time.Millisecond, nil)
	assert.Equal(t, 20, tuner.current())

	// Growth caps at the configured max.
	for i := 0; i < 20; i++ {
		tuner.observe(50, 100*time.Millisecond, nil)
	}
	assert.Equal(t, 32, tuner.current())
}

func TestBatchTunerHoldsBelowTarget(t *testing.T) {
	tuner := newBatchTuner(32, 1000)
	tuner.observe(32, time.Millisecond, errors.New("x"))
	require.Equal(t, 16, tuner.current())

	// 10 texts a second is far under the 1000/s target.
	tuner.observe(10, time.Second, nil)
	assert.Equal(t, 16, tuner.current())
}

func TestBatchTunerNoTargetNeverGrows(t *testing.T) {
	tuner := newBatchTuner(8, 0)
	tuner.observe(8, time.Millisecond, errors.New("x"))
	require.Equal(t, 4, tuner.current())

	tuner.observe(1000, time.Millisecond, nil)
	assert.Equal(t, 4, tuner.current())
}

func TestBatchTunerWindowBounded(t *testing.T) {
	tuner := newBatchTuner(8, 50)
	for i := 0; i < tunerWindow+37; i++ {
		tuner.observe(1, time.Millisecond, nil)
	}
	assert.Len(t, tuner.window, tunerWindow)
}

func TestSplitBatch(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		size  int
		want  [][]string
	}{
		{"even split", []string{"a", "b", "c", "d"}, 2, [][]string{{"a", "b"}, {"c", "d"}}},
		{"trailing remainder", []string{"a", "b", "c", "d", "e"}, 2, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}},
		{"size larger than input", []string{"a", "b"}, 10, [][]string{{"a", "b"}}},
		{"zero size coerced to one", []string{"a", "b"}, 0, [][]string{{"a"}, {"b"}}},
		{"empty input", nil, 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitBatch(tt.texts, tt.size))
		})
	}
}
