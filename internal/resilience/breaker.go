// Package resilience guards remote calls with a circuit breaker.
//
// A [Breaker] counts consecutive failures of a call. Once the threshold is
// reached it opens and rejects calls with [ErrOpen] until the cooldown has
// elapsed; then a single probe call is let through. A successful probe closes
// the breaker, a failed one re-opens it.
//
// The breaker never retries. It only decides whether a call is attempted.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] when the call was rejected.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen lets one probe call through.
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

// Config tunes a [Breaker].
type Config struct {
	// Name labels the breaker in log messages.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before a probe is
	// allowed. Default: 30s.
	Cooldown time.Duration

	// IsFailure reports whether err counts against the breaker. Errors it
	// rejects neither trip nor reset the breaker. Default: every non-nil
	// error.
	IsFailure func(err error) bool

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	isFailure func(error) bool
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New returns a closed Breaker. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	b := &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		isFailure: cfg.IsFailure,
		now:       cfg.Now,
	}
	if b.threshold <= 0 {
		b.threshold = 5
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	if b.isFailure == nil {
		b.isFailure = func(err error) bool { return err != nil }
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Do runs fn unless the breaker rejects the call, in which case it returns
// [ErrOpen] without calling fn. The error from fn is returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		slog.Info("circuit breaker half-open", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	switch {
	case err == nil:
		if probe {
			slog.Info("circuit breaker closed", "name", b.name)
		}
		b.state = StateClosed
		b.failures = 0
	case !b.isFailure(err):
		// Neither outcome; a half-open breaker waits for the next probe.
	case probe:
		b.trip()
	default:
		b.failures++
		if b.failures >= b.threshold && b.state == StateClosed {
			b.trip()
		}
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	slog.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", b.failures)
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}
