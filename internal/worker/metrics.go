package worker

import (
	"sort"
	"sync"
	"time"
)

const rollingWindowSize = 1000

type requestSample struct {
	at        time.Time
	latencyMs int64
	tokens    int
	modelID   string
	success   bool
}

// MetricsTracker keeps a rolling window of the last 1000 request outcomes
// and derives latency percentiles, throughput and per-model averages from
// it. Rates use a 60 second horizon inside the window.
type MetricsTracker struct {
	mu      sync.Mutex
	samples []requestSample
	next    int
	filled  bool

	totalRequests int64
	totalFailures int64
	totalTokens   int64
}

func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{
		samples: make([]requestSample, rollingWindowSize),
	}
}

func (m *MetricsTracker) Record(modelID string, latency time.Duration, tokens int, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[m.next] = requestSample{
		at:        time.Now(),
		latencyMs: latency.Milliseconds(),
		tokens:    tokens,
		modelID:   modelID,
		success:   success,
	}
	m.next = (m.next + 1) % rollingWindowSize
	if m.next == 0 {
		m.filled = true
	}

	m.totalRequests++
	m.totalTokens += int64(tokens)
	if !success {
		m.totalFailures++
	}
}

func (m *MetricsTracker) window() []requestSample {
	n := m.next
	if m.filled {
		n = rollingWindowSize
	}
	out := make([]requestSample, 0, n)
	if m.filled {
		out = append(out, m.samples[m.next:]...)
	}
	out = append(out, m.samples[:m.next]...)
	return out
}

// Snapshot is the derived view a heartbeat carries.
type Snapshot struct {
	TotalRequests  int64
	TotalFailures  int64
	TotalTokens    int64
	LatencyP50Ms   int64
	LatencyP95Ms   int64
	LatencyP99Ms   int64
	AvgLatencyMs   float64
	TokensPerSec   float64
	RequestsPerSec float64
	PerModelAvgMs  map[string]float64
}

func (m *MetricsTracker) Snapshot() Snapshot {
	m.mu.Lock()
	window := m.window()
	snap := Snapshot{
		TotalRequests: m.totalRequests,
		TotalFailures: m.totalFailures,
		TotalTokens:   m.totalTokens,
		PerModelAvgMs: make(map[string]float64),
	}
	m.mu.Unlock()

	if len(window) == 0 {
		return snap
	}

	latencies := make([]int64, 0, len(window))
	modelSums := make(map[string]int64)
	modelCounts := make(map[string]int64)
	var latencySum int64

	cutoff := time.Now().Add(-60 * time.Second)
	var recentRequests, recentTokens int

	for _, s := range window {
		latencies = append(latencies, s.latencyMs)
		latencySum += s.latencyMs
		modelSums[s.modelID] += s.latencyMs
		modelCounts[s.modelID]++
		if s.at.After(cutoff) {
			recentRequests++
			recentTokens += s.tokens
		}
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	snap.LatencyP50Ms = percentileAt(latencies, 50)
	snap.LatencyP95Ms = percentileAt(latencies, 95)
	snap.LatencyP99Ms = percentileAt(latencies, 99)
	snap.AvgLatencyMs = float64(latencySum) / float64(len(latencies))

	snap.RequestsPerSec = float64(recentRequests) / 60.0
	snap.TokensPerSec = float64(recentTokens) / 60.0

	for model, sum := range modelSums {
		snap.PerModelAvgMs[model] = float64(sum) / float64(modelCounts[model])
	}
	return snap
}

func percentileAt(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
