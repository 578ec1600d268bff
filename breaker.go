package audit

import (
	"sync"
	"time"
)

// circuitBreaker stops drains after repeated sink failures. While open,
// events are only buffered; after timeout one drain is let through again.
type circuitBreaker struct {
	mu       sync.Mutex
	open     bool
	fails    int
	maxFails int
	timeout  time.Duration
	lastFail time.Time
	now      func() time.Time
}

func newCircuitBreaker(timeout time.Duration, maxFails int) *circuitBreaker {
	if maxFails < 1 {
		maxFails = 1
	}
	return &circuitBreaker{
		maxFails: maxFails,
		timeout:  timeout,
		now:      time.Now,
	}
}

// IsClosed reports whether sends may go through. An open breaker closes
// again once timeout has passed since the last failure.
func (cb *circuitBreaker) IsClosed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.open && cb.now().Sub(cb.lastFail) > cb.timeout {
		cb.open = false
		cb.fails = 0
	}
	return !cb.open
}

// RecordFailure counts a failed send and opens the breaker at maxFails.
func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.fails++
	cb.lastFail = cb.now()
	if cb.fails >= cb.maxFails {
		cb.open = true
	}
}

// RecordSuccess resets the failure count.
func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.open {
		cb.fails = 0
	}
}
