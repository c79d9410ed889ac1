package embedding

import (
	"sync"
	"time"
)

const tunerWindow = 100

// observation records one provider call for throughput measurement.
type observation struct {
	texts   int
	latency time.Duration
	ok      bool
}

// batchTuner adapts the sub-batch size to provider behavior: failures
// halve the size, sustained throughput above the target grows it back
// by a quarter. Observations are kept in a bounded window.
type batchTuner struct {
	mu     sync.Mutex
	size   int
	max    int
	target float64 // texts per second
	window []observation
}

func newBatchTuner(max int, target float64) *batchTuner {
	if max < 1 {
		max = 1
	}
	return &batchTuner{size: max, max: max, target: target}
}

// current returns the size to use for the next sub-batch.
func (t *batchTuner) current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// observe records the outcome of one provider call and adjusts the
// batch size.
func (t *batchTuner) observe(texts int, latency time.Duration, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window = append(t.window, observation{texts: texts, latency: latency, ok: err == nil})
	if len(t.window) > tunerWindow {
		t.window = t.window[len(t.window)-tunerWindow:]
	}

	if err != nil {
		t.size /= 2
		if t.size < 1 {
			t.size = 1
		}
		return
	}
	if t.target > 0 && t.throughputLocked() > t.target {
		grown := t.size + t.size/4
		if grown == t.size {
			grown++
		}
		if grown > t.max {
			grown = t.max
		}
		t.size = grown
	}
}

// throughputLocked measures texts per second over the successful
// observations in the window. Caller holds t.mu.
func (t *batchTuner) throughputLocked() float64 {
	var texts int
	var elapsed time.Duration
	for _, obs := range t.window {
		if !obs.ok {
			continue
		}
		texts += obs.texts
		elapsed += obs.latency
	}
	if elapsed <= 0 {
		return 0
	}
	return float64(texts) / elapsed.Seconds()
}

// splitBatch chunks texts into sub-batches of at most size entries.
func splitBatch(texts []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var chunks [][]string
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		chunks = append(chunks, texts[start:end])
	}
	return chunks
}
