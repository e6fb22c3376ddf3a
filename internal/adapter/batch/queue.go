// Package batch coalesces small auxiliary operations into batched calls.
// Callers submit individual items; the queue flushes a whole batch when it
// reaches the current size limit or when the flush interval elapses, then
// distributes per-item results back to the waiting callers.
package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/convoy-ml/convoy/internal/adapter/stats"
	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/internal/logger"
)

// Well-known operation kinds. Kinds are independent queues; items of
// different kinds never share a batch.
const (
	KindTokenize   = "tokenize"
	KindCheckDraft = "check_draft"
)

// Item is one pending operation inside a batch.
type Item struct {
	ID         string
	Priority   domain.Priority
	Payload    any
	EnqueuedAt time.Time

	result chan Result
}

// Result carries one item's outcome. Err is set per item so a single bad
// payload cannot fail its batchmates.
type Result struct {
	ID    string
	Value any
	Err   error
}

// Flusher executes one batched call. It must return one Result per item,
// in any order; a returned error fails every item in the batch.
type Flusher func(ctx context.Context, kind string, items []*Item) ([]Result, error)

type kindQueue struct {
	pending    []*Item
	currentMax int
}

// Queue groups items per kind and flushes on size or time, whichever comes
// first. With adaptive sizing enabled the per-kind size limit moves between
// MinBatchSize and MaxBatchCeiling so that flush latency stays under the
// target batch time.
type Queue struct {
	cfg     config.BatchConfig
	flusher Flusher
	logger  *logger.StyledLogger

	mu    sync.Mutex
	kinds map[string]*kindQueue

	latency *stats.ReservoirSampler

	totalBatches   int64
	totalItems     int64
	timeFlushes    int64
	sizeFlushes    int64
	adaptiveGrows  int64
	adaptiveShrink int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewQueue(cfg config.BatchConfig, flusher Flusher, log *logger.StyledLogger) *Queue {
	return &Queue{
		cfg:     cfg,
		flusher: flusher,
		logger:  log,
		kinds:   make(map[string]*kindQueue),
		latency: stats.NewReservoirSampler(256),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the interval flusher.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stopCh:
				return
			case <-ticker.C:
				q.flushDue(ctx)
			}
		}
	}()
}

// Stop flushes everything still pending and waits for the interval task.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.wg.Wait()
		q.flushAll(context.Background())
	})
}

// Submit enqueues one operation and blocks until its batch completes.
func (q *Queue) Submit(ctx context.Context, kind, id string, priority domain.Priority, payload any) (any, error) {
	item := &Item{
		ID:         id,
		Priority:   priority,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		result:     make(chan Result, 1),
	}

	q.mu.Lock()
	kq := q.kinds[kind]
	if kq == nil {
		kq = &kindQueue{currentMax: q.cfg.MaxBatchSize}
		q.kinds[kind] = kq
	}
	kq.pending = append(kq.pending, item)
	full := len(kq.pending) >= kq.currentMax
	var batch []*Item
	if full {
		batch = kq.pending
		kq.pending = nil
		q.sizeFlushes++
	}
	q.mu.Unlock()

	if full {
		go q.runBatch(ctx, kind, batch)
	}

	select {
	case res := <-item.result:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, domain.NewCancelledError("batched operation cancelled")
	}
}

// flushDue drains every non-empty kind on the interval tick.
func (q *Queue) flushDue(ctx context.Context) {
	q.mu.Lock()
	batches := make(map[string][]*Item)
	for kind, kq := range q.kinds {
		if len(kq.pending) > 0 {
			batches[kind] = kq.pending
			kq.pending = nil
			q.timeFlushes++
		}
	}
	q.mu.Unlock()

	for kind, items := range batches {
		go q.runBatch(ctx, kind, items)
	}
}

func (q *Queue) flushAll(ctx context.Context) {
	q.mu.Lock()
	batches := make(map[string][]*Item)
	for kind, kq := range q.kinds {
		if len(kq.pending) > 0 {
			batches[kind] = kq.pending
			kq.pending = nil
		}
	}
	q.mu.Unlock()

	for kind, items := range batches {
		q.runBatch(ctx, kind, items)
	}
}

func (q *Queue) runBatch(ctx context.Context, kind string, items []*Item) {
	if q.cfg.PriorityQueue {
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Priority < items[j].Priority
		})
	}

	start := time.Now()
	results, err := q.flusher(ctx, kind, items)
	elapsed := time.Since(start)

	q.latency.Add(elapsed.Milliseconds())

	q.mu.Lock()
	q.totalBatches++
	q.totalItems += int64(len(items))
	q.mu.Unlock()

	if q.cfg.AdaptiveSizing {
		q.adapt(kind, elapsed)
	}

	if err != nil {
		q.logger.Warn("Batch flush failed", "kind", kind, "size", len(items), "error", err)
		for _, item := range items {
			item.result <- Result{ID: item.ID, Err: err}
		}
		return
	}

	byID := make(map[string]Result, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for _, item := range items {
		if r, ok := byID[item.ID]; ok {
			item.result <- r
		} else {
			item.result <- Result{
				ID:  item.ID,
				Err: domain.NewInternalError("batch flusher returned no result for item", nil),
			}
		}
	}
}

// adapt nudges the per-kind batch limit so that one flush stays under the
// target batch time. The target is an upper bound, not a goal to fill.
func (q *Queue) adapt(kind string, elapsed time.Duration) {
	target := q.cfg.TargetBatchTime
	if target <= 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kq := q.kinds[kind]
	if kq == nil {
		return
	}

	switch {
	case elapsed > target:
		next := kq.currentMax * 3 / 4
		if next < q.cfg.MinBatchSize {
			next = q.cfg.MinBatchSize
		}
		if next != kq.currentMax {
			kq.currentMax = next
			q.adaptiveShrink++
		}
	case elapsed < target/2:
		next := kq.currentMax + kq.currentMax/4
		if next == kq.currentMax {
			next++
		}
		if next > q.cfg.MaxBatchCeiling {
			next = q.cfg.MaxBatchCeiling
		}
		if next != kq.currentMax {
			kq.currentMax = next
			q.adaptiveGrows++
		}
	}
}

// CurrentMax reports the live batch limit for a kind. Unknown kinds report
// the configured maximum.
func (q *Queue) CurrentMax(kind string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if kq, ok := q.kinds[kind]; ok {
		return kq.currentMax
	}
	return q.cfg.MaxBatchSize
}

// Metrics is a point-in-time snapshot of batching efficiency.
type Metrics struct {
	TotalBatches int64
	TotalItems   int64
	AvgBatchSize float64
	TimeFlushes  int64
	SizeFlushes  int64
	LatencyP50Ms int64
	LatencyP95Ms int64
	LatencyP99Ms int64
}

func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	m := Metrics{
		TotalBatches: q.totalBatches,
		TotalItems:   q.totalItems,
		TimeFlushes:  q.timeFlushes,
		SizeFlushes:  q.sizeFlushes,
	}
	q.mu.Unlock()

	if m.TotalBatches > 0 {
		m.AvgBatchSize = float64(m.TotalItems) / float64(m.TotalBatches)
	}
	m.LatencyP50Ms, m.LatencyP95Ms, m.LatencyP99Ms = q.latency.GetPercentiles()
	return m
}
