// Package circuitbreaker guards the upstream completion and search
// services. A breaker trips after a run of consecutive failures and
// rejects calls outright until a probe window shows the upstream has
// recovered, so a dead dependency fails fast instead of burning the
// run deadline on doomed requests.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/metrics"
)

// State is the breaker's position in the closed / half-open / open cycle.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without invoking the wrapped call while the
// breaker is open or the half-open probe quota is exhausted.
var ErrOpen = errors.New("circuit breaker open")

// Settings tunes a single breaker.
type Settings struct {
	// FailureThreshold is the consecutive-failure count that trips a
	// closed breaker open.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive-success count that closes a
	// half-open breaker.
	SuccessThreshold uint32
	// Cooldown is how long an open breaker waits before admitting
	// half-open probes.
	Cooldown time.Duration
	// ProbeLimit caps in-flight calls while half-open.
	ProbeLimit uint32
}

// DefaultSettings suits the slow, expensive upstream calls this
// service makes.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         15 * time.Second,
		ProbeLimit:       1,
	}
}

type counts struct {
	inFlight             uint32
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
}

// Breaker wraps calls to one upstream. Safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     counts
	openedAt   time.Time
}

// New returns a closed breaker named for its upstream.
func New(name string, settings Settings, logger *zap.Logger) *Breaker {
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{
		name:     name,
		settings: settings,
		logger:   logger,
		state:    StateClosed,
	}
}

// Do runs fn unless the breaker rejects it. A context error from fn is
// not held against the upstream; everything else counts as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.admit()
	if err != nil {
		metrics.BreakerRejections.WithLabelValues(b.name).Inc()
		return err
	}

	err = fn(ctx)
	b.settle(generation, err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
	return err
}

// State reports the breaker's current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(time.Now())
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current(time.Now()) {
	case StateOpen:
		return b.generation, ErrOpen
	case StateHalfOpen:
		if b.counts.inFlight >= b.settings.ProbeLimit {
			return b.generation, ErrOpen
		}
	}

	b.counts.inFlight++
	return b.generation, nil
}

func (b *Breaker) settle(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.current(now) == StateOpen || generation != b.generation {
		// The breaker moved on while the call was in flight.
		return
	}
	if b.counts.inFlight > 0 {
		b.counts.inFlight--
	}

	if success {
		b.counts.consecutiveFailures = 0
		b.counts.consecutiveSuccesses++
		if b.state == StateHalfOpen && b.counts.consecutiveSuccesses >= b.settings.SuccessThreshold {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.consecutiveSuccesses = 0
	b.counts.consecutiveFailures++
	if b.state == StateHalfOpen || b.counts.consecutiveFailures >= b.settings.FailureThreshold {
		b.transition(StateOpen, now)
	}
}

// current advances an open breaker to half-open once the cooldown has
// elapsed. Callers must hold b.mu.
func (b *Breaker) current(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.settings.Cooldown {
		b.transition(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) transition(next State, now time.Time) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.generation++
	b.counts = counts{}
	if next == StateOpen {
		b.openedAt = now
	}

	metrics.BreakerState.WithLabelValues(b.name).Set(float64(next))
	b.logger.Warn("Circuit breaker state change",
		zap.String("breaker", b.name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}
