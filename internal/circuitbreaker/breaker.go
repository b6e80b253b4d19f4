// Package circuitbreaker implements a per-endpoint circuit breaker over a
// sliding window of recent call outcomes.
//
// States:
//   - Closed: calls allowed, outcomes recorded in the window
//   - Open: failure or slow-call rate crossed its threshold, calls blocked
//   - HalfOpen: wait elapsed, a fixed number of trial calls allowed
//
// Breakers are process-local. Each worker forms its own view of endpoint
// health, so a fleet opens and closes on slightly different schedules.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	FailureRateThreshold  float64       // Percent of failed calls that opens the circuit (default: 50)
	SlowCallRateThreshold float64       // Percent of slow calls that opens the circuit (default: 80)
	SlowCallDuration      time.Duration // Calls at least this long count as slow (default: 10s)
	WindowSize            int           // Outcomes kept in the sliding window (default: 10)
	MinimumCalls          int           // Outcomes needed before rates are evaluated (default: 5)
	WaitDuration          time.Duration // Time spent open before half-open (default: 30s)
	HalfOpenCalls         int           // Trial calls permitted while half-open (default: 3)

	// OnStateChange, when set, is called after every transition, outside the lock.
	OnStateChange func(key string, from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold:  50,
		SlowCallRateThreshold: 80,
		SlowCallDuration:      10 * time.Second,
		WindowSize:            10,
		MinimumCalls:          5,
		WaitDuration:          30 * time.Second,
		HalfOpenCalls:         3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.SlowCallRateThreshold <= 0 {
		c.SlowCallRateThreshold = d.SlowCallRateThreshold
	}
	if c.SlowCallDuration <= 0 {
		c.SlowCallDuration = d.SlowCallDuration
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = d.MinimumCalls
	}
	if c.MinimumCalls > c.WindowSize {
		c.MinimumCalls = c.WindowSize
	}
	if c.WaitDuration <= 0 {
		c.WaitDuration = d.WaitDuration
	}
	if c.HalfOpenCalls <= 0 {
		c.HalfOpenCalls = d.HalfOpenCalls
	}
	return c
}

type outcome struct {
	failed bool
	slow   bool
}

// Breaker implements the circuit breaker pattern for a single endpoint.
type Breaker struct {
	mu     sync.Mutex
	key    string
	cfg    Config
	now    func() time.Time
	state  State
	window []outcome // ring buffer
	next   int
	filled int

	openedAt          time.Time
	halfOpenIssued    int
	halfOpenSucceeded int
}

// New creates a new circuit breaker.
func New(key string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		key:    key,
		cfg:    cfg,
		now:    time.Now,
		state:  Closed,
		window: make([]outcome, cfg.WindowSize),
	}
}

// Allow reports whether a call may proceed. While half-open each true result
// consumes one trial permit, which Release hands back if the call never ran.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var changed bool
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.WaitDuration {
		b.toHalfOpen()
		changed = true
	}

	allowed := true
	switch b.state {
	case Open:
		allowed = false
	case HalfOpen:
		if b.halfOpenIssued < b.cfg.HalfOpenCalls {
			b.halfOpenIssued++
		} else {
			allowed = false
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(Open, HalfOpen)
	}
	return allowed
}

// Release returns a half-open trial permit taken by Allow for a call that was
// not made.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.halfOpenIssued > b.halfOpenSucceeded {
		b.halfOpenIssued--
	}
}

// RecordSuccess records a call that completed successfully in d.
func (b *Breaker) RecordSuccess(d time.Duration) {
	b.record(false, d)
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure(d time.Duration) {
	b.record(true, d)
}

func (b *Breaker) record(failed bool, d time.Duration) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case HalfOpen:
		if failed {
			b.toOpen()
		} else {
			b.halfOpenSucceeded++
			if b.halfOpenSucceeded >= b.cfg.HalfOpenCalls {
				b.toClosed()
			}
		}
	case Closed:
		b.window[b.next] = outcome{failed: failed, slow: d >= b.cfg.SlowCallDuration}
		b.next = (b.next + 1) % len(b.window)
		if b.filled < len(b.window) {
			b.filled++
		}
		if b.filled >= b.cfg.MinimumCalls {
			failRate, slowRate := b.rates()
			if failRate >= b.cfg.FailureRateThreshold || slowRate >= b.cfg.SlowCallRateThreshold {
				b.toOpen()
			}
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// rates returns failure and slow-call percentages. Caller holds b.mu.
func (b *Breaker) rates() (float64, float64) {
	var failed, slow int
	for i := 0; i < b.filled; i++ {
		if b.window[i].failed {
			failed++
		}
		if b.window[i].slow {
			slow++
		}
	}
	n := float64(b.filled)
	return float64(failed) * 100 / n, float64(slow) * 100 / n
}

func (b *Breaker) toOpen() {
	b.state = Open
	b.openedAt = b.now()
	b.resetWindow()
}

func (b *Breaker) toHalfOpen() {
	b.state = HalfOpen
	b.halfOpenIssued = 0
	b.halfOpenSucceeded = 0
}

func (b *Breaker) toClosed() {
	b.state = Closed
	b.resetWindow()
}

func (b *Breaker) resetWindow() {
	b.next, b.filled = 0, 0
	b.halfOpenIssued, b.halfOpenSucceeded = 0, 0
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}

// State returns the current state. An open breaker whose wait has elapsed
// still reports Open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the number of failed calls in the current window.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i].failed {
			n++
		}
	}
	return n
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.toClosed()
	b.mu.Unlock()
	if from != Closed {
		b.notify(from, Closed)
	}
}
