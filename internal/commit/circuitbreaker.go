package commit

import (
	"sync"
	"time"
)

// breakerState is the classic three-state circuit breaker.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker guards the orchestrator's cross-process ack wait: once a
// module's subscribers miss acks past threshold consecutive commits, the
// breaker opens and further commits degrade to a reduced timeout budget
// rather than paying the full wait every time, until one probe commit
// succeeds. This keeps a commit from hammering a degraded downstream
// subscriber with full-length acknowledgment waits.
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	resetAfter  time.Duration
	state       breakerState
	failures    int
	openedAt    time.Time
}

func NewCircuitBreaker(threshold int, resetAfter time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, resetAfter: resetAfter}
}

// Allow reports whether a commit should pay the full ack-wait budget.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) >= b.resetAfter {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

func (b *CircuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen
}
