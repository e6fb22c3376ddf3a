package stats

import (
	"math/rand/v2"
	"sort"
	"sync"
)

// PercentileTracker is an interface for tracking latencies and calculating percentiles
type PercentileTracker interface {
	Add(value int64)
	GetPercentiles() (p50, p95, p99 int64)
	Count() int64
	Reset()
}

// ReservoirSampler implements reservoir sampling for memory-efficient
// percentile calculation: a fixed-size sample with equal inclusion
// probability for every observed value.
type ReservoirSampler struct {
	samples    []int64
	sampleSize int
	count      int64
	mu         sync.Mutex
}

func NewReservoirSampler(sampleSize int) *ReservoirSampler {
	if sampleSize <= 0 {
		sampleSize = 100
	}
	return &ReservoirSampler{
		sampleSize: sampleSize,
		samples:    make([]int64, 0, sampleSize),
	}
}

func (rs *ReservoirSampler) Add(value int64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.count++

	if len(rs.samples) < rs.sampleSize {
		rs.samples = append(rs.samples, value)
		return
	}

	j := rand.Int64N(rs.count) //nolint:gosec // statistical sampling doesn't need crypto rand
	if j < int64(rs.sampleSize) {
		rs.samples[j] = value
	}
}

func (rs *ReservoirSampler) GetPercentiles() (p50, p95, p99 int64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.samples) == 0 {
		return 0, 0, 0
	}

	sorted := make([]int64, len(rs.samples))
	copy(sorted, rs.samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	return percentileOf(sorted, 50), percentileOf(sorted, 95), percentileOf(sorted, 99)
}

// Percentile returns a single percentile in [0, 100].
func (rs *ReservoirSampler) Percentile(p int) int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.samples) == 0 {
		return 0
	}
	sorted := make([]int64, len(rs.samples))
	copy(sorted, rs.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return percentileOf(sorted, p)
}

// Mean returns the average of the sampled values.
func (rs *ReservoirSampler) Mean() int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.samples) == 0 {
		return 0
	}
	var sum int64
	for _, v := range rs.samples {
		sum += v
	}
	return sum / int64(len(rs.samples))
}

func (rs *ReservoirSampler) Count() int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.count
}

func (rs *ReservoirSampler) Reset() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.samples = rs.samples[:0]
	rs.count = 0
}

func percentileOf(sorted []int64, p int) int64 {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
