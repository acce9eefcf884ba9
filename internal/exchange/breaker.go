// breaker.go implements a three-state circuit breaker guarding the info
// endpoint.
//
// Closed passes requests through and counts consecutive failures. After
// threshold consecutive failures the breaker opens and every call fails
// fast with ErrBreakerOpen. After the cooldown it becomes half-open and
// admits a limited number of probes: one success closes it, one failure
// reopens it for another cooldown.
package exchange

import (
	"sync"
	"time"
)

// BreakerState is the current mode of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
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

// Breaker is a consecutive-failure circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int       // consecutive failures while closed
	probes    int       // probes admitted while half-open
	openedAt  time.Time // when the breaker last opened
	threshold int
	cooldown  time.Duration
	maxProbes int
	now       func() time.Time // injectable clock for tests
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for cooldown before probing.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		maxProbes: 3,
		now:       time.Now,
	}
}

// Allow reports whether a request may proceed. While open it fails fast
// with ErrBreakerOpen until the cooldown elapses, then transitions to
// half-open and admits up to maxProbes concurrent probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probes = 0
		fallthrough
	case BreakerHalfOpen:
		if b.probes >= b.maxProbes {
			return ErrBreakerOpen
		}
		b.probes++
		return nil
	}
	return nil
}

// RecordSuccess resets the failure count. A success while half-open closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
	}
}

// RecordFailure counts a failed request. The threshold'th consecutive
// failure opens the breaker; any failure while half-open reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.open()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	}
}

// open transitions to the open state. Caller holds b.mu.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.probes = 0
}

// State returns the breaker's current state, accounting for an elapsed
// cooldown.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}
