package async

import (
	"context"
	"sync"
	"time"

	"loom/internal/logging"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultRetention     = time.Minute
)

// tracked is the type-erased view the manager keeps of a handle.
type tracked interface {
	Kind() string
	Poll() Status
	Cancel()
	finishedAt() (time.Time, bool)
}

// Options tunes a Manager.
type Options struct {
	Logger        logging.Logger
	SweepInterval time.Duration
	Retention     time.Duration
}

// Manager owns the handles launched through it. It keeps lifetime
// launch counts by task kind and periodically drops settled handles so
// completed work does not accumulate in memory.
type Manager struct {
	logger    logging.Logger
	retention time.Duration
	stop      context.CancelFunc

	mu       sync.Mutex
	handles  map[uint64]tracked
	nextID   uint64
	launched map[string]uint64
}

// NewManager builds a Manager and starts its housekeeper.
func NewManager(opts Options) *Manager {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:    logging.OrNop(opts.Logger),
		retention: opts.Retention,
		stop:      cancel,
		handles:   make(map[uint64]tracked),
		launched:  make(map[string]uint64),
	}
	Every(ctx, m.logger, "async.sweep", opts.SweepInterval, func() { m.Sweep() })
	return m
}

func (m *Manager) register(h tracked) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.handles[m.nextID] = h
	m.launched[h.Kind()]++
}

// Sweep drops handles that settled longer than the retention window
// ago and reports how many were removed.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, h := range m.handles {
		if finished, ok := h.finishedAt(); ok && finished.Before(cutoff) {
			delete(m.handles, id)
			removed++
		}
	}
	return removed
}

// Stats summarizes manager state.
type Stats struct {
	Active   int               `json:"active"`
	Tracked  int               `json:"tracked"`
	Launched map[string]uint64 `json:"launched"`
}

// Stats reports active and tracked handle counts plus lifetime launch
// counts by kind.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		Tracked:  len(m.handles),
		Launched: make(map[string]uint64, len(m.launched)),
	}
	for kind, n := range m.launched {
		stats.Launched[kind] = n
	}
	for _, h := range m.handles {
		if h.Poll() == StatusRunning {
			stats.Active++
		}
	}
	return stats
}

// Close cancels running handles and stops the housekeeper.
func (m *Manager) Close() {
	m.stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		if h.Poll() == StatusRunning {
			h.Cancel()
		}
	}
}
