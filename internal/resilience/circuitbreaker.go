// Package resilience provides circuit breaker and provider failover
// primitives for the gateway's external collaborators (STT, LLM, TTS).
//
// The central type is [CircuitBreaker], a three-state breaker
// (closed → open → half-open) that keeps a failing speech or language backend
// from stalling every pipeline worker in the fleet. Its defaults are tuned
// for a realtime voice pipeline: a caller mid-conversation hears every
// second of dead air, so the breaker trips after a short failure streak and
// probes again quickly. State transitions are surfaced through an optional
// hook so the embedding application can count them per provider.
//
// [FallbackGroup] composes multiple instances of any provider type with
// per-entry breakers so a failing primary is bypassed in favour of healthy
// fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// open and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected with
	// [ErrCircuitOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A
	// limited number of calls are allowed through; if they succeed the
	// breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc observes a breaker transition. Called outside the
// breaker's lock; implementations may log, count metrics, or publish
// observer events but must not call back into the breaker synchronously.
type StateChangeFunc func(name string, from, to State)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
// Zero values take the voice-pipeline defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state-change notifications,
	// typically the provider name ("elevenlabs", "whisper").
	Name string

	// MaxFailures is the failure streak in the closed state that trips the
	// breaker. Default: 3 — by the third consecutive failure a caller has
	// already sat through several seconds of silence.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing again.
	// Default: 15s; long outages re-open on the failed probe anyway, and a
	// conversation cannot absorb a longer blackout window.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls admitted in the half-open
	// state. Default: 2.
	HalfOpenMax int

	// OnStateChange, when non-nil, is invoked on every transition.
	OnStateChange StateChangeFunc
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	notify       StateChangeFunc

	mu         sync.Mutex
	state      State
	failStreak int       // consecutive failures while closed
	openedAt   time.Time // when the breaker last tripped
	probes     int       // calls admitted this half-open round
	probeFails int       // failed probes this half-open round
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields take the documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 15 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		notify:       cfg.OnStateChange,
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker admits the call, then settles the outcome
// into the breaker's state. In the open state it returns [ErrCircuitOpen]
// without calling fn; in the half-open state only the probe budget is
// admitted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.settle(err, probe)
	return err
}

// admit decides whether a call may proceed. probe is true when the call
// counts against the half-open budget.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var change *transition

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		change = cb.shift(StateHalfOpen)
		cb.probes = 0
		cb.probeFails = 0
		fallthrough

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.announce(change)
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}

	cb.mu.Unlock()
	cb.announce(change)
	return probe, nil
}

// settle folds a call outcome back into the breaker state.
func (cb *CircuitBreaker) settle(callErr error, probe bool) {
	cb.mu.Lock()
	var change *transition

	switch {
	case callErr == nil && probe:
		// Enough clean probes close the breaker for good.
		if cb.probes-cb.probeFails >= cb.halfOpenMax {
			change = cb.shift(StateClosed)
			cb.failStreak = 0
			cb.probes = 0
			cb.probeFails = 0
		}

	case callErr == nil:
		cb.failStreak = 0

	case probe:
		// One failed probe re-opens immediately; the backend is still sick.
		cb.probeFails++
		cb.openedAt = time.Now()
		change = cb.shift(StateOpen)
		cb.failStreak = cb.maxFailures

	default:
		cb.failStreak++
		cb.openedAt = time.Now()
		if cb.state == StateClosed && cb.failStreak >= cb.maxFailures {
			change = cb.shift(StateOpen)
		}
	}

	cb.mu.Unlock()
	cb.announce(change)
}

// transition records a pending state change to be announced after the lock
// is released.
type transition struct {
	from, to State
}

// shift moves the breaker to next and returns the transition for later
// announcement, or nil when the state is unchanged. Must be called with
// cb.mu held.
func (cb *CircuitBreaker) shift(next State) *transition {
	if cb.state == next {
		return nil
	}
	tr := &transition{from: cb.state, to: next}
	cb.state = next
	return tr
}

// announce logs a transition and invokes the state-change hook. Called
// without the lock so the hook may block briefly.
func (cb *CircuitBreaker) announce(tr *transition) {
	if tr == nil {
		return
	}
	switch tr.to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.name, "from", tr.from.String())
	default:
		slog.Info("circuit breaker state changed",
			"name", cb.name, "from", tr.from.String(), "to", tr.to.String())
	}
	if cb.notify != nil {
		cb.notify(cb.name, tr.from, tr.to)
	}
}

// State returns the current [State] of the breaker. If the breaker is open
// and the reset timeout has elapsed, the returned state is [StateHalfOpen]
// (the actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure accounting.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.shift(StateClosed)
	cb.failStreak = 0
	cb.probes = 0
	cb.probeFails = 0
	cb.mu.Unlock()
	cb.announce(change)
}
