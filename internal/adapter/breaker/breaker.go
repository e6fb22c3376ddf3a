// Package breaker implements the per-worker three-state circuit breaker
// that narrows the routing pool around failing workers.
package breaker

import (
	"sync"
	"time"

	"github.com/convoy-ml/convoy/internal/config"
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "halfOpen"
	default:
		return "unknown"
	}
}

// Breaker guards a single worker. State transitions are the only way the
// counters reset.
type Breaker struct {
	cfg config.BreakerConfig

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenInFlight int
	openedAt         time.Time
	lastFailure      time.Time
	lastSuccess      time.Time
}

func New(cfg config.BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg}
}

// CanMakeRequest reports whether a call may proceed. An open breaker whose
// timeout has elapsed transitions to half-open on the first probe.
func (b *Breaker) CanMakeRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.state = StateHalfOpen
			b.successCount = 0
			b.halfOpenInFlight = 1
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenInFlight < b.cfg.SuccessThreshold {
			b.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenInFlight = 0
		}
	case StateOpen:
		// Late success from a request issued before the trip. Ignored.
	}
}

// RecordFailure reports whether this failure tripped the breaker open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
			return true
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.successCount = 0
		b.halfOpenInFlight = 0
		return true
	case StateOpen:
	}
	return false
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time copy of the breaker counters.
type Stats struct {
	State            string    `json:"state"`
	FailureCount     int       `json:"failureCount"`
	SuccessCount     int       `json:"successCount"`
	HalfOpenInFlight int       `json:"halfOpenInFlight"`
	OpenedAt         time.Time `json:"openedAt,omitempty"`
	LastFailure      time.Time `json:"lastFailure,omitempty"`
	LastSuccess      time.Time `json:"lastSuccess,omitempty"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		HalfOpenInFlight: b.halfOpenInFlight,
		OpenedAt:         b.openedAt,
		LastFailure:      b.lastFailure,
		LastSuccess:      b.lastSuccess,
	}
}
