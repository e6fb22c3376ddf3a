// Package scheduler admits, orders and ages inference requests under
// capacity pressure. Five priority buckets, FIFO by arrival within a bucket,
// with urgency promotion, a fairness lottery against starvation, optional
// shortest-job-first and tenant round-robin.
package scheduler

import (
	"container/list"
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/convoy-ml/convoy/internal/adapter/stats"
	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/internal/logger"
)

type entry struct {
	req          *domain.InferenceRequest
	priority     domain.Priority // effective; never regresses within a sojourn
	enqueuedAt   time.Time
	lastPromoted time.Time
	ready        chan error
	elem         *list.Element
	removed      bool
}

type Scheduler struct {
	cfg    config.SchedulerConfig
	logger *logger.StyledLogger

	mu         sync.Mutex
	levels     [domain.PriorityLevels]*list.List
	byID       map[string]*entry
	size       int
	lastTenant [domain.PriorityLevels]string

	sem      *semaphore.Weighted
	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	waitSampler *stats.ReservoirSampler

	admitted                int64
	completed               int64
	rejected                int64
	dropped                 int64
	promotions              int64
	slaViolations           int64
	starvationInterventions int64
	preemptions             int64
}

func New(cfg config.SchedulerConfig, log *logger.StyledLogger) *Scheduler {
	s := &Scheduler{
		cfg:         cfg,
		logger:      log,
		byID:        make(map[string]*entry),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		waitSampler: stats.NewReservoirSampler(512),
	}
	for i := range s.levels {
		s.levels[i] = list.New()
	}
	return s
}

// Start launches the dispatch loop and, if enabled, the aging task.
func (s *Scheduler) Start(ctx context.Context) {
	go s.dispatchLoop(ctx)
	if s.cfg.Policy.AgingEnabled && s.cfg.Policy.AgingInterval > 0 {
		go s.agingLoop(ctx)
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Admit enqueues the request and blocks until it is selected for execution
// and holds a concurrency slot, dropped, or cancelled. The returned release
// function frees the slot and must be called exactly once.
func (s *Scheduler) Admit(ctx context.Context, req *domain.InferenceRequest) (func(), error) {
	e := &entry{
		req:        req,
		priority:   req.Priority,
		enqueuedAt: time.Now(),
		ready:      make(chan error, 1),
	}
	e.lastPromoted = e.enqueuedAt

	s.mu.Lock()
	if s.size >= s.cfg.MaxQueueSize {
		if !s.makeRoomLocked(req.Priority) {
			s.rejected++
			s.mu.Unlock()
			return nil, domain.NewQueueFullError(s.cfg.MaxQueueSize)
		}
	}
	e.elem = s.levels[e.priority].PushBack(e)
	s.byID[req.RequestID] = e
	s.size++
	s.admitted++
	s.mu.Unlock()

	s.notify()

	select {
	case err := <-e.ready:
		if err != nil {
			return nil, err
		}
		released := false
		release := func() {
			if !released {
				released = true
				s.complete()
			}
		}
		return release, nil
	case <-ctx.Done():
		if s.removeEntry(req.RequestID) {
			return nil, domain.NewCancelledError("request cancelled while queued")
		}
		// Already selected: consume the grant so the slot is not leaked.
		if err := <-e.ready; err == nil {
			s.complete()
		}
		return nil, domain.NewCancelledError("request cancelled while queued")
	}
}

// Cancel removes a queued request. Returns false if the request is unknown
// or already executing.
func (s *Scheduler) Cancel(requestID string) bool {
	s.mu.Lock()
	e, ok := s.byID[requestID]
	if !ok || e.removed {
		s.mu.Unlock()
		return false
	}
	s.unlinkLocked(e)
	s.dropped++
	s.mu.Unlock()

	e.ready <- domain.NewCancelledError("request cancelled while queued")
	return true
}

func (s *Scheduler) complete() {
	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
	s.sem.Release(1)
	s.notify()
}

func (s *Scheduler) notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}

		for {
			e := s.selectNext()
			if e != nil {
				e.ready <- nil
				break
			}
			select {
			case <-ctx.Done():
				s.sem.Release(1)
				return
			case <-s.stopCh:
				s.sem.Release(1)
				return
			case <-s.notifyCh:
			}
		}
	}
}

// makeRoomLocked applies the drop policy. Only BACKGROUND and LOW requests
// may be evicted, and never for an arrival of lower importance than the
// victim. Evicted requests complete with a cancellation error.
func (s *Scheduler) makeRoomLocked(incoming domain.Priority) bool {
	if s.cfg.DropPolicy != config.DropPolicyLowPriority {
		return false
	}

	for _, level := range []domain.Priority{domain.PriorityBackground, domain.PriorityLow} {
		if level < incoming {
			continue
		}
		if front := s.levels[level].Front(); front != nil {
			victim := front.Value.(*entry)
			s.unlinkLocked(victim)
			s.dropped++
			s.preemptions++
			victim.ready <- domain.NewCancelledError("dropped for higher priority admission")
			s.logger.Debug("Dropped queued request for admission",
				"victim", victim.req.RequestID,
				"victim_priority", victim.priority.String(),
				"incoming_priority", incoming.String())
			return true
		}
	}
	return false
}

func (s *Scheduler) removeEntry(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[requestID]
	if !ok || e.removed {
		return false
	}
	s.unlinkLocked(e)
	return true
}

func (s *Scheduler) unlinkLocked(e *entry) {
	s.levels[e.priority].Remove(e.elem)
	delete(s.byID, e.req.RequestID)
	e.removed = true
	s.size--
}

// selectNext picks the next request to execute, or nil if the queue is
// empty. Selection order: urgent requests first, then the fairness lottery,
// then SJF/FIFO with tenant round-robin inside the chosen bucket.
func (s *Scheduler) selectNext() *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == 0 {
		return nil
	}

	now := time.Now()

	if e := s.urgentLocked(now); e != nil {
		s.dequeueLocked(e, now)
		return e
	}

	level := s.chooseBucketLocked()
	if level < 0 {
		return nil
	}

	e := s.chooseWithinBucketLocked(domain.Priority(level))
	if e == nil {
		return nil
	}
	s.dequeueLocked(e, now)
	return e
}

// urgentLocked finds the queued request closest to violating its deadline,
// provided it is within the urgency threshold. Urgent requests are selected
// as if they sat in the top bucket.
func (s *Scheduler) urgentLocked(now time.Time) *entry {
	threshold := s.cfg.Policy.UrgencyThreshold
	if threshold <= 0 {
		return nil
	}

	var urgent *entry
	for _, l := range s.levels {
		for el := l.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			if e.req.Deadline.IsZero() {
				continue
			}
			if e.req.Deadline.Sub(now) < threshold {
				if urgent == nil || e.req.Deadline.Before(urgent.req.Deadline) {
					urgent = e
				}
			}
		}
	}
	return urgent
}

// chooseBucketLocked returns the bucket to serve. With probability
// fairnessWeight the bucket holding the oldest request below the highest
// non-empty bucket is served instead, preventing starvation.
func (s *Scheduler) chooseBucketLocked() int {
	highest := -1
	for i, l := range s.levels {
		if l.Len() > 0 {
			highest = i
			break
		}
	}
	if highest < 0 {
		return -1
	}

	if w := s.cfg.Policy.FairnessWeight; w > 0 && rand.Float64() < w {
		oldestLevel := -1
		var oldest time.Time
		for i := highest + 1; i < len(s.levels); i++ {
			for el := s.levels[i].Front(); el != nil; el = el.Next() {
				e := el.Value.(*entry)
				if oldestLevel < 0 || e.enqueuedAt.Before(oldest) {
					oldest = e.enqueuedAt
					oldestLevel = i
				}
			}
		}
		if oldestLevel >= 0 {
			s.starvationInterventions++
			return oldestLevel
		}
	}

	return highest
}

// chooseWithinBucketLocked applies tenant round-robin, then SJF or FIFO.
func (s *Scheduler) chooseWithinBucketLocked(level domain.Priority) *entry {
	l := s.levels[level]
	if l.Len() == 0 {
		return nil
	}

	candidates := s.tenantCandidatesLocked(level)
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, e := range candidates[1:] {
		if s.cfg.Policy.ShortestJobFirst {
			if e.req.EstimatedTokens < best.req.EstimatedTokens ||
				(e.req.EstimatedTokens == best.req.EstimatedTokens && e.enqueuedAt.Before(best.enqueuedAt)) {
				best = e
			}
		} else if e.enqueuedAt.Before(best.enqueuedAt) {
			best = e
		}
	}
	return best
}

// tenantCandidatesLocked narrows a bucket to one tenant's requests when
// multiple tenants are queued, rotating through tenants across calls.
func (s *Scheduler) tenantCandidatesLocked(level domain.Priority) []*entry {
	l := s.levels[level]

	byTenant := make(map[string][]*entry)
	var tenants []string
	for el := l.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		t := e.req.TenantID
		if _, seen := byTenant[t]; !seen {
			tenants = append(tenants, t)
		}
		byTenant[t] = append(byTenant[t], e)
	}

	if len(tenants) <= 1 {
		return byTenant[tenants[0]]
	}

	// Pick the first tenant after the one served last time, in stable
	// arrival order of tenants.
	last := s.lastTenant[level]
	next := tenants[0]
	for i, t := range tenants {
		if t == last {
			next = tenants[(i+1)%len(tenants)]
			break
		}
	}
	s.lastTenant[level] = next
	return byTenant[next]
}

func (s *Scheduler) dequeueLocked(e *entry, now time.Time) {
	s.unlinkLocked(e)

	wait := now.Sub(e.enqueuedAt)
	s.waitSampler.Add(wait.Milliseconds())

	if !e.req.Deadline.IsZero() && now.After(e.req.Deadline) {
		s.slaViolations++
	}
}

func (s *Scheduler) agingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Policy.AgingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.AgeOnce(time.Now())
		}
	}
}

// AgeOnce promotes every request that has waited at least one aging
// interval since its last promotion by one priority level. Exported for
// tests.
func (s *Scheduler) AgeOnce(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	interval := s.cfg.Policy.AgingInterval
	for level := 1; level < len(s.levels); level++ {
		el := s.levels[level].Front()
		for el != nil {
			next := el.Next()
			e := el.Value.(*entry)
			if now.Sub(e.lastPromoted) >= interval {
				s.levels[level].Remove(el)
				e.priority = domain.Priority(level - 1)
				e.lastPromoted = now
				e.elem = s.levels[level-1].PushBack(e)
				s.promotions++
			}
			el = next
		}
	}
}

// Metrics is a point-in-time snapshot of scheduler accounting.
type Metrics struct {
	QueueDepths             [domain.PriorityLevels]int
	TotalQueued             int
	Admitted                int64
	Completed               int64
	Rejected                int64
	Dropped                 int64
	Promotions              int64
	SLAViolations           int64
	StarvationInterventions int64
	Preemptions             int64
	WaitMeanMs              int64
	WaitMedianMs            int64
	WaitP95Ms               int64
	WaitP99Ms               int64
}

func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	m := Metrics{
		TotalQueued:             s.size,
		Admitted:                s.admitted,
		Completed:               s.completed,
		Rejected:                s.rejected,
		Dropped:                 s.dropped,
		Promotions:              s.promotions,
		SLAViolations:           s.slaViolations,
		StarvationInterventions: s.starvationInterventions,
		Preemptions:             s.preemptions,
	}
	for i, l := range s.levels {
		m.QueueDepths[i] = l.Len()
	}
	s.mu.Unlock()

	m.WaitMeanMs = s.waitSampler.Mean()
	m.WaitMedianMs = s.waitSampler.Percentile(50)
	m.WaitP95Ms = s.waitSampler.Percentile(95)
	m.WaitP99Ms = s.waitSampler.Percentile(99)
	return m
}
