package toolhub

import (
	"sync"
	"time"
)

type (
	// BreakerState is the circuit breaker state.
	BreakerState string

	// Breaker is a per-provider three-state circuit breaker. Closed
	// providers serve calls normally; five failures inside the rolling
	// window open the breaker, which rejects calls without network I/O
	// until the cooldown elapses. The first caller after cooldown becomes
	// the single half-open probe; its outcome decides the next state.
	Breaker struct {
		mu        sync.Mutex
		state     BreakerState
		failures  []time.Time
		openedAt  time.Time
		probing   bool
		threshold int
		window    time.Duration
		cooldown  time.Duration
		now       func() time.Time
		onChange  func(from, to BreakerState)
	}

	// BreakerOptions configures a breaker.
	BreakerOptions struct {
		// Threshold is the failure count that opens the breaker. Defaults
		// to 5.
		Threshold int
		// Window is the rolling window failures are counted in. Defaults
		// to 60s.
		Window time.Duration
		// Cooldown is how long the breaker stays open before allowing a
		// probe. Defaults to 60s.
		Cooldown time.Duration
		// Now supplies the clock. Defaults to time.Now.
		Now func() time.Time
		// OnChange is invoked (under the breaker lock) on state changes.
		OnChange func(from, to BreakerState)
	}
)

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// NewBreaker returns a closed breaker.
func NewBreaker(opts BreakerOptions) *Breaker {
	b := &Breaker{
		state:     BreakerClosed,
		threshold: opts.Threshold,
		window:    opts.Window,
		cooldown:  opts.Cooldown,
		now:       opts.Now,
		onChange:  opts.OnChange,
	}
	if b.threshold == 0 {
		b.threshold = 5
	}
	if b.window == 0 {
		b.window = time.Minute
	}
	if b.cooldown == 0 {
		b.cooldown = time.Minute
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Allow reports whether a call may proceed. probe is true when the caller
// holds the single half-open probe slot and must report the outcome via
// Success or Failure.
func (b *Breaker) Allow() (allowed, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true, false
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, false
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return true, true
	case BreakerHalfOpen:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
	return false, false
}

// Success records a successful call. A half-open probe success closes the
// breaker; in closed state the consecutive failure run is reset.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		b.failures = nil
		b.transition(BreakerClosed)
	case BreakerClosed:
		b.failures = nil
	}
}

// Failure records a failed call. Reaching the threshold within the window
// opens the breaker; any half-open failure reopens it.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		b.failures = nil
		b.openedAt = now
		b.transition(BreakerOpen)
	case BreakerClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.threshold {
			b.failures = nil
			b.openedAt = now
			b.transition(BreakerOpen)
		}
	}
}

// Abandon releases a half-open probe slot without recording an outcome,
// for callers that never reached the provider.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probing = false
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailCount returns the current windowed failure count.
func (b *Breaker) FailCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return len(b.failures)
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
