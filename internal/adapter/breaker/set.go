package breaker

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/logger"
	"github.com/convoy-ml/convoy/pkg/eventbus"
)

// TripEvent is published when a breaker opens.
type TripEvent struct {
	WorkerID string
	State    string
}

// Set holds one breaker per worker with lazy creation.
type Set struct {
	breakers *xsync.Map[string, *Breaker]
	cfg      config.BreakerConfig
	events   *eventbus.EventBus[TripEvent]
	logger   *logger.StyledLogger
}

func NewSet(cfg config.BreakerConfig, log *logger.StyledLogger) *Set {
	return &Set{
		breakers: xsync.NewMap[string, *Breaker](),
		cfg:      cfg,
		events:   eventbus.New[TripEvent](),
		logger:   log,
	}
}

func (s *Set) Get(workerID string) *Breaker {
	b, _ := s.breakers.LoadOrCompute(workerID, func() (*Breaker, bool) {
		return New(s.cfg), false
	})
	return b
}

// Allow implements ports.BreakerGate.
func (s *Set) Allow(workerID string) bool {
	return s.Get(workerID).CanMakeRequest()
}

func (s *Set) RecordSuccess(workerID string) {
	s.Get(workerID).RecordSuccess()
}

func (s *Set) RecordFailure(workerID string) {
	if tripped := s.Get(workerID).RecordFailure(); tripped {
		s.logger.WarnWithWorker("Circuit breaker opened for", workerID)
		s.events.Publish(TripEvent{WorkerID: workerID, State: StateOpen.String()})
	}
}

func (s *Set) Remove(workerID string) {
	s.breakers.Delete(workerID)
}

func (s *Set) Events() *eventbus.EventBus[TripEvent] {
	return s.events
}

// GetStats returns the counters of every breaker in the set.
func (s *Set) GetStats() map[string]Stats {
	out := make(map[string]Stats)
	s.breakers.Range(func(id string, b *Breaker) bool {
		out[id] = b.Stats()
		return true
	})
	return out
}
