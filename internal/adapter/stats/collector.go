// Package stats centralises rolling statistics for the control plane:
// per-worker request accounting feeding the balancer, and the regression
// detector watching throughput, TTFT and error rate.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/convoy-ml/convoy/internal/logger"
)

const (
	// Conservative bounds so long-running processes don't retain stats for
	// workers that have long since deregistered.
	MaxTrackedWorkers = 128
	WorkerTTL         = 1 * time.Hour
	CleanupInterval   = 5 * time.Minute
)

type Collector struct {
	logger *logger.StyledLogger

	workers sync.Map // map[string]*workerData

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	totalLatency       int64

	lastCleanup int64
	cleanupMu   sync.Mutex
}

type workerData struct {
	id                 string
	activeConnections  int64
	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	totalLatency       int64
	lastUsed           int64
}

func NewCollector(log *logger.StyledLogger) *Collector {
	return &Collector{
		logger:      log,
		lastCleanup: time.Now().UnixNano(),
	}
}

func (c *Collector) RecordRequest(workerID string, success bool, latency time.Duration) {
	now := time.Now().UnixNano()
	latencyMs := latency.Milliseconds()

	atomic.AddInt64(&c.totalRequests, 1)

	if success {
		atomic.AddInt64(&c.successfulRequests, 1)
		atomic.AddInt64(&c.totalLatency, latencyMs)
	} else {
		atomic.AddInt64(&c.failedRequests, 1)
	}

	data := c.getOrInit(workerID, now)
	atomic.AddInt64(&data.totalRequests, 1)
	atomic.StoreInt64(&data.lastUsed, now)
	if success {
		atomic.AddInt64(&data.successfulRequests, 1)
		atomic.AddInt64(&data.totalLatency, latencyMs)
	} else {
		atomic.AddInt64(&data.failedRequests, 1)
	}

	c.tryCleanup(now)
}

func (c *Collector) RecordConnection(workerID string, delta int) {
	now := time.Now().UnixNano()
	data := c.getOrInit(workerID, now)

	if delta > 0 {
		atomic.AddInt64(&data.activeConnections, int64(delta))
		return
	}
	for {
		current := atomic.LoadInt64(&data.activeConnections)
		newVal := current + int64(delta)
		if newVal < 0 {
			newVal = 0
		}
		if atomic.CompareAndSwapInt64(&data.activeConnections, current, newVal) {
			return
		}
	}
}

func (c *Collector) GetConnectionStats() map[string]int64 {
	stats := make(map[string]int64)
	c.workers.Range(func(key, value interface{}) bool {
		id, ok1 := key.(string)
		data, ok2 := value.(*workerData)
		if !ok1 || !ok2 {
			c.logger.Error("BUGCHECK: failed to cast worker stats, please file a bug report.", "worker", key)
			return true
		}
		stats[id] = atomic.LoadInt64(&data.activeConnections)
		return true
	})
	return stats
}

// AvgLatencyMs returns the rolling average latency of successful requests
// for one worker.
func (c *Collector) AvgLatencyMs(workerID string) int64 {
	value, exists := c.workers.Load(workerID)
	if !exists {
		return 0
	}
	data, ok := value.(*workerData)
	if !ok {
		return 0
	}
	successful := atomic.LoadInt64(&data.successfulRequests)
	if successful == 0 {
		return 0
	}
	return atomic.LoadInt64(&data.totalLatency) / successful
}

// Totals is the control-plane wide view.
type Totals struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	AverageLatencyMs   int64
}

func (c *Collector) GetTotals() Totals {
	total := atomic.LoadInt64(&c.totalRequests)
	successful := atomic.LoadInt64(&c.successfulRequests)
	failed := atomic.LoadInt64(&c.failedRequests)
	totalLatency := atomic.LoadInt64(&c.totalLatency)

	var avgLatency int64
	if successful > 0 {
		avgLatency = totalLatency / successful
	}

	return Totals{
		TotalRequests:      total,
		SuccessfulRequests: successful,
		FailedRequests:     failed,
		AverageLatencyMs:   avgLatency,
	}
}

func (c *Collector) getOrInit(workerID string, now int64) *workerData {
	val, _ := c.workers.LoadOrStore(workerID, &workerData{
		id:       workerID,
		lastUsed: now,
	})
	data, ok := val.(*workerData)
	if !ok {
		c.logger.Error("BUGCHECK: failed to cast worker stats, please file a bug report.", "worker", workerID)
		return &workerData{id: workerID}
	}
	return data
}

func (c *Collector) tryCleanup(now int64) {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()

	if now-atomic.LoadInt64(&c.lastCleanup) < int64(CleanupInterval) {
		return
	}

	cutoff := now - int64(WorkerTTL)
	var toRemove []string
	c.workers.Range(func(k, v interface{}) bool {
		id, ok1 := k.(string)
		data, ok2 := v.(*workerData)
		if !ok1 || !ok2 {
			return true
		}
		if atomic.LoadInt64(&data.lastUsed) < cutoff {
			toRemove = append(toRemove, id)
		}
		return true
	})
	for _, id := range toRemove {
		c.workers.Delete(id)
	}

	atomic.StoreInt64(&c.lastCleanup, now)
}
