package worker

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
)

// Band is the worker-side priority simplification. The control plane runs
// five levels; a single worker only needs three.
type Band int

const (
	BandHigh Band = iota
	BandMedium
	BandLow

	bandCount = 3
)

var bandNames = [...]string{"HIGH", "MEDIUM", "LOW"}

func (b Band) String() string {
	if b < BandHigh || b > BandLow {
		return "UNKNOWN"
	}
	return bandNames[b]
}

// BandFor collapses a control-plane priority onto a worker band.
func BandFor(p domain.Priority) Band {
	switch p {
	case domain.PriorityCritical, domain.PriorityHigh:
		return BandHigh
	case domain.PriorityNormal:
		return BandMedium
	default:
		return BandLow
	}
}

type queued struct {
	req        *domain.InferenceRequest
	band       Band
	enqueuedAt time.Time
}

// Queue is the worker's bounded admission queue. Three FIFO bands, popped
// highest first; the depth bound covers all bands together.
type Queue struct {
	cfg config.WorkerQueueConfig

	mu    sync.Mutex
	bands [bandCount]*list.List
	size  int

	accepted  int64
	rejected  int64
	dropped   int64
	completed int64
	waitSumMs int64
	waitCount int64
}

func NewQueue(cfg config.WorkerQueueConfig) *Queue {
	q := &Queue{cfg: cfg}
	for i := range q.bands {
		q.bands[i] = list.New()
	}
	return q
}

// Push admits a request or applies the backpressure strategy. The error is
// a coded queue-full rejection.
func (q *Queue) Push(req *domain.InferenceRequest) error {
	band := BandFor(req.Priority)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.cfg.MaxDepth {
		if q.cfg.BackpressureStrategy != config.DropPolicyLowPriority || !q.dropLowestLocked(band) {
			q.rejected++
			// The reply path attributes the rejection to this worker, so
			// the retry loop can take the request elsewhere.
			return &domain.Error{
				Code:    domain.CodeQueueFull,
				Message: fmt.Sprintf("worker queue full (%d)", q.cfg.MaxDepth),
			}
		}
	}

	q.bands[band].PushBack(&queued{req: req, band: band, enqueuedAt: time.Now()})
	q.size++
	q.accepted++
	return nil
}

// dropLowestLocked evicts the oldest entry from the lowest non-empty band,
// but never for an arrival of equal or lower importance.
func (q *Queue) dropLowestLocked(incoming Band) bool {
	for band := BandLow; band > incoming; band-- {
		if front := q.bands[band].Front(); front != nil {
			q.bands[band].Remove(front)
			q.size--
			q.dropped++
			return true
		}
	}
	return false
}

// Pop removes the next request in band order, or nil when empty.
func (q *Queue) Pop() *domain.InferenceRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, l := range q.bands {
		if front := l.Front(); front != nil {
			l.Remove(front)
			q.size--
			entry := front.Value.(*queued)
			q.waitSumMs += time.Since(entry.enqueuedAt).Milliseconds()
			q.waitCount++
			return entry.req
		}
	}
	return nil
}

// MarkCompleted counts one finished execution.
func (q *Queue) MarkCompleted() {
	q.mu.Lock()
	q.completed++
	q.mu.Unlock()
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// QueueStats is a point-in-time snapshot of admission accounting.
type QueueStats struct {
	Depth      int
	BandDepths [bandCount]int
	Accepted   int64
	Rejected   int64
	Dropped    int64
	Completed  int64
	AvgWaitMs  int64
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := QueueStats{
		Depth:     q.size,
		Accepted:  q.accepted,
		Rejected:  q.rejected,
		Dropped:   q.dropped,
		Completed: q.completed,
	}
	for i, l := range q.bands {
		s.BandDepths[i] = l.Len()
	}
	if q.waitCount > 0 {
		s.AvgWaitMs = q.waitSumMs / q.waitCount
	}
	return s
}
