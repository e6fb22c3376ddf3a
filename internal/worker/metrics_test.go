package worker

import (
	"testing"
	"time"
)

func TestMetricsTrackerPercentiles(t *testing.T) {
	m := NewMetricsTracker()
	for i := 1; i <= 100; i++ {
		m.Record("m", time.Duration(i)*time.Millisecond, 10, true)
	}

	snap := m.Snapshot()
	if snap.LatencyP50Ms != 51 {
		t.Fatalf("p50 = %d, want 51", snap.LatencyP50Ms)
	}
	if snap.LatencyP95Ms != 96 {
		t.Fatalf("p95 = %d, want 96", snap.LatencyP95Ms)
	}
	if snap.LatencyP99Ms != 100 {
		t.Fatalf("p99 = %d, want 100", snap.LatencyP99Ms)
	}
	if snap.AvgLatencyMs != 50.5 {
		t.Fatalf("avg = %f, want 50.5", snap.AvgLatencyMs)
	}
}

func TestMetricsTrackerTotalsAndFailures(t *testing.T) {
	m := NewMetricsTracker()
	m.Record("m", 10*time.Millisecond, 100, true)
	m.Record("m", 10*time.Millisecond, 0, false)

	snap := m.Snapshot()
	if snap.TotalRequests != 2 || snap.TotalFailures != 1 || snap.TotalTokens != 100 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestMetricsTrackerPerModelAverages(t *testing.T) {
	m := NewMetricsTracker()
	m.Record("fast", 10*time.Millisecond, 5, true)
	m.Record("fast", 20*time.Millisecond, 5, true)
	m.Record("slow", 200*time.Millisecond, 5, true)

	snap := m.Snapshot()
	if snap.PerModelAvgMs["fast"] != 15 {
		t.Fatalf("fast avg = %f, want 15", snap.PerModelAvgMs["fast"])
	}
	if snap.PerModelAvgMs["slow"] != 200 {
		t.Fatalf("slow avg = %f, want 200", snap.PerModelAvgMs["slow"])
	}
}

func TestMetricsTrackerRates(t *testing.T) {
	m := NewMetricsTracker()
	// All samples land inside the 60s horizon.
	for i := 0; i < 60; i++ {
		m.Record("m", time.Millisecond, 30, true)
	}

	snap := m.Snapshot()
	if snap.RequestsPerSec != 1 {
		t.Fatalf("requests/sec = %f, want 1", snap.RequestsPerSec)
	}
	if snap.TokensPerSec != 30 {
		t.Fatalf("tokens/sec = %f, want 30", snap.TokensPerSec)
	}
}

func TestMetricsTrackerWindowWraps(t *testing.T) {
	m := NewMetricsTracker()
	// Overfill the ring. Totals keep counting, the window stays bounded.
	for i := 0; i < rollingWindowSize+500; i++ {
		m.Record("m", time.Millisecond, 1, true)
	}

	snap := m.Snapshot()
	if snap.TotalRequests != rollingWindowSize+500 {
		t.Fatalf("total = %d", snap.TotalRequests)
	}
	if snap.AvgLatencyMs != 1 {
		t.Fatalf("avg = %f, want 1", snap.AvgLatencyMs)
	}
}

func TestMetricsTrackerEmpty(t *testing.T) {
	snap := NewMetricsTracker().Snapshot()
	if snap.TotalRequests != 0 || snap.LatencyP50Ms != 0 || snap.AvgLatencyMs != 0 {
		t.Fatalf("empty snapshot = %+v", snap)
	}
}
