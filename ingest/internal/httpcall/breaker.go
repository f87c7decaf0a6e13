package httpcall

import (
	"sync"
	"time"
)

// BreakerState is the circuit state for one credential.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls rejected until resetTimeout elapses
	BreakerHalfOpen                     // one probe allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type circuit struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// Breakers tracks consecutive transient failures per credential key. A key
// opens after threshold failures in a row and half-opens after resetTimeout;
// the next success closes it, the next failure reopens it.
type Breakers struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
}

// NewBreakers returns a breaker set. threshold <= 0 disables breaking.
func NewBreakers(threshold int, resetTimeout time.Duration) *Breakers {
	return &Breakers{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

func (b *Breakers) get(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	return c
}

// must be called with mu held
func (b *Breakers) transition(c *circuit) {
	if c.state == BreakerOpen && b.now().Sub(c.lastFailure) >= b.resetTimeout {
		c.state = BreakerHalfOpen
	}
}

// Allow reports whether a call for key may proceed.
func (b *Breakers) Allow(key string) bool {
	if b == nil || b.threshold <= 0 || key == "" {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(key)
	b.transition(c)
	return c.state != BreakerOpen
}

// State returns the current state for key.
func (b *Breakers) State(key string) BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(key)
	b.transition(c)
	return c.state
}

// Success closes the circuit for key.
func (b *Breakers) Success(key string) {
	if b == nil || b.threshold <= 0 || key == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(key)
	c.state = BreakerClosed
	c.failures = 0
}

// Failure records one transient failure for key.
func (b *Breakers) Failure(key string) {
	if b == nil || b.threshold <= 0 || key == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(key)
	c.lastFailure = b.now()
	switch c.state {
	case BreakerHalfOpen:
		c.state = BreakerOpen
	case BreakerClosed:
		c.failures++
		if c.failures >= b.threshold {
			c.state = BreakerOpen
		}
	}
}
