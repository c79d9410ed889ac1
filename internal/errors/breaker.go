package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"loom/internal/logging"
)

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	// BreakerClosed - normal operation, requests allowed
	BreakerClosed BreakerState = iota
	// BreakerOpen - failing, requests blocked
	BreakerOpen
	// BreakerHalfOpen - testing if service recovered
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerOptions configures circuit breaker behavior
type BreakerOptions struct {
	FailureThreshold int           // Consecutive failures to open circuit (default: 5)
	SuccessThreshold int           // Consecutive half-open successes to close circuit (default: 2)
	Cooldown         time.Duration // Time to wait before attempting half-open (default: 30s)
	Logger           logging.Logger
	OnStateChange    func(from, to BreakerState, name string)
}

// DefaultBreakerOptions returns sensible defaults
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern around one remote provider.
type Breaker struct {
	name string
	opts BreakerOptions

	mu              sync.RWMutex
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewBreaker creates a circuit breaker named after the provider it guards.
func NewBreaker(name string, opts BreakerOptions) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 2
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if logging.IsNil(opts.Logger) {
		opts.Logger = logging.NewComponentLogger("breaker")
	}
	return &Breaker{
		name:            name,
		opts:            opts,
		state:           BreakerClosed,
		lastStateChange: time.Now(),
	}
}

// Do runs a function with circuit breaker protection.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Mark(err)
	return err
}

// DoWithResult runs a value-returning function with circuit breaker protection.
// Method type parameters are not a thing, hence the free function.
func DoWithResult[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zeroValue T
	if err := b.Allow(); err != nil {
		return zeroValue, err
	}
	result, err := fn(ctx)
	b.Mark(err)
	return result, err
}

// Allow checks whether a request can proceed under the circuit breaker.
// Callers that need to inspect responses use Allow/Mark instead of Do.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(b.lastFailureTime) >= b.opts.Cooldown {
			b.setState(BreakerHalfOpen)
			b.successCount = 0
			b.opts.Logger.Info("[%s] breaker half-open, testing recovery", b.name)
			return nil
		}
		return NewDegradedError(
			fmt.Errorf("circuit breaker open for %s", b.name),
			fmt.Sprintf("Provider '%s' is temporarily unavailable after repeated failures. Next probe in %v.",
				b.name, (b.opts.Cooldown - time.Since(b.lastFailureTime)).Round(time.Second)),
		)

	case BreakerHalfOpen:
		return nil

	default:
		return fmt.Errorf("unknown breaker state: %v", b.state)
	}
}

// Mark records a request outcome. Pass nil to mark success.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case BreakerClosed:
		if b.failureCount > 0 {
			b.failureCount = 0
		}

	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.opts.SuccessThreshold {
			b.setState(BreakerClosed)
			b.failureCount = 0
			b.successCount = 0
			b.opts.Logger.Info("[%s] breaker closed, provider recovered", b.name)
		}

	case BreakerOpen:
		b.opts.Logger.Warn("[%s] unexpected success while open", b.name)
	}
}

func (b *Breaker) onFailure() {
	b.lastFailureTime = time.Now()

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.opts.FailureThreshold {
			b.setState(BreakerOpen)
			b.opts.Logger.Warn("[%s] breaker opened after %d consecutive failures", b.name, b.failureCount)
		}

	case BreakerHalfOpen:
		b.setState(BreakerOpen)
		b.successCount = 0
		b.opts.Logger.Warn("[%s] breaker reopened, probe failed", b.name)

	case BreakerOpen:
	}
}

func (b *Breaker) setState(newState BreakerState) {
	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()

	if b.opts.OnStateChange != nil {
		go b.opts.OnStateChange(oldState, newState, b.name)
	}
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Snapshot returns current circuit breaker counters for the stats surface.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BreakerSnapshot{
		Name:            b.name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failureCount = 0
	b.successCount = 0
	b.lastStateChange = time.Now()
}

// BreakerSnapshot contains circuit breaker counters
type BreakerSnapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}
