// Package circuitbreaker guards the orchestrator's fallible collaborators
// (LLM transport, redis cache tier) against cascading failure.
//
// The breaker is deliberately small: consecutive failures trip it, a
// cooldown deadline gates re-entry, and recovery is probed through a
// bounded number of trial calls. Probe slots are counted per call, so a
// trial that ends after the breaker has already re-tripped simply returns
// its slot without influencing the state.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TedBerlin/MIRAGE-v2/internal/metrics"
)

// State represents the breaker state.
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

var (
	// ErrOpen rejects calls while the cooldown runs.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrThrottled rejects calls beyond the half-open probe budget.
	ErrThrottled = errors.New("circuit breaker is probing, try later")
)

// Config holds breaker tuning.
type Config struct {
	TripAfter      int           // consecutive failures that open the breaker
	Cooldown       time.Duration // how long to reject before probing
	HalfOpenProbes int           // concurrent trial calls while half-open
	CloseAfter     int           // consecutive probe successes that close it
}

// DefaultConfig returns the breaker defaults. The LLM wrapper uses them as
// is; the redis wrapper lowers TripAfter and Cooldown.
func DefaultConfig() Config {
	return Config{
		TripAfter:      5,
		Cooldown:       10 * time.Second,
		HalfOpenProbes: 3,
		CloseAfter:     2,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	failures  int       // consecutive failures while closed
	successes int       // consecutive probe successes while half-open
	probes    int       // trial calls currently in flight
	reopenAt  time.Time // end of the open cooldown
}

// New creates a breaker in the closed state.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	b := &Breaker{name: name, cfg: cfg, logger: logger}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Do runs fn if the breaker admits the call. A panic in fn counts as a
// failure and is re-raised.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	settled := false
	defer func() {
		if !settled {
			b.settle(probe, false)
		}
	}()

	err = fn()
	settled = true
	b.settle(probe, err == nil)
	return err
}

// State reports the effective state; an elapsed cooldown reads as half-open
// even before the next call performs the transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !time.Now().Before(b.reopenAt) {
		return StateHalfOpen
	}
	return b.state
}

// admit decides whether a call may proceed. The returned flag marks the
// call as a half-open trial that holds a probe slot.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Now().Before(b.reopenAt) {
			return false, ErrOpen
		}
		b.shift(StateHalfOpen)
	}

	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenProbes {
			return false, ErrThrottled
		}
		b.probes++
		return true, nil
	}

	return false, nil
}

// settle applies a call outcome. Probe outcomes only count while the
// breaker is still half-open; a trial finishing after a re-trip is ignored.
func (b *Breaker) settle(probe, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probes--
		if b.state != StateHalfOpen {
			return
		}
		if !ok {
			b.shift(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.CloseAfter {
			b.shift(StateClosed)
		}
		return
	}

	if b.state != StateClosed {
		return
	}
	if ok {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.cfg.TripAfter {
		b.shift(StateOpen)
	}
}

// shift transitions between states and resets the counters that belong to
// the state being left. Caller holds b.mu.
func (b *Breaker) shift(next State) {
	prev := b.state
	b.state = next
	b.failures = 0
	b.successes = 0
	if next == StateOpen {
		b.reopenAt = time.Now().Add(b.cfg.Cooldown)
		metrics.CircuitBreakerTrips.WithLabelValues(b.name).Inc()
	}
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(next))

	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}
