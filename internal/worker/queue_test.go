package worker

import (
	"fmt"
	"testing"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
)

func queueReq(id string, p domain.Priority) *domain.InferenceRequest {
	return &domain.InferenceRequest{RequestID: id, ModelID: "m", Prompt: "hi", Priority: p}
}

func TestBandForCollapsesPriorities(t *testing.T) {
	cases := []struct {
		priority domain.Priority
		want     Band
	}{
		{domain.PriorityCritical, BandHigh},
		{domain.PriorityHigh, BandHigh},
		{domain.PriorityNormal, BandMedium},
		{domain.PriorityLow, BandLow},
		{domain.PriorityBackground, BandLow},
	}
	for _, tc := range cases {
		if got := BandFor(tc.priority); got != tc.want {
			t.Errorf("BandFor(%s) = %s, want %s", tc.priority, got, tc.want)
		}
	}
}

func TestQueuePopsInBandOrder(t *testing.T) {
	q := NewQueue(config.WorkerQueueConfig{MaxDepth: 10})

	for _, p := range []domain.Priority{
		domain.PriorityBackground,
		domain.PriorityNormal,
		domain.PriorityCritical,
		domain.PriorityLow,
		domain.PriorityHigh,
	} {
		if err := q.Push(queueReq(p.String(), p)); err != nil {
			t.Fatalf("Push(%s): %v", p, err)
		}
	}

	want := []Band{BandHigh, BandHigh, BandMedium, BandLow, BandLow}
	for i, band := range want {
		r := q.Pop()
		if r == nil {
			t.Fatalf("Pop %d returned nil", i)
		}
		if got := BandFor(r.Priority); got != band {
			t.Fatalf("pop %d came from %s, want %s", i, got, band)
		}
	}
	if q.Pop() != nil {
		t.Fatal("Pop on an empty queue returned a request")
	}
}

func TestQueueFIFOWithinBand(t *testing.T) {
	q := NewQueue(config.WorkerQueueConfig{MaxDepth: 10})

	for i := 0; i < 3; i++ {
		if err := q.Push(queueReq(fmt.Sprintf("r%d", i), domain.PriorityNormal)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if got := q.Pop().RequestID; got != fmt.Sprintf("r%d", i) {
			t.Fatalf("pop %d = %s", i, got)
		}
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(config.WorkerQueueConfig{
		MaxDepth:             2,
		BackpressureStrategy: config.DropPolicyReject,
	})

	q.Push(queueReq("a", domain.PriorityNormal))
	q.Push(queueReq("b", domain.PriorityNormal))

	err := q.Push(queueReq("c", domain.PriorityCritical))
	if domain.CodeOf(err) != domain.CodeQueueFull {
		t.Fatalf("code = %q, want QUEUE_FULL", domain.CodeOf(err))
	}

	s := q.Stats()
	if s.Accepted != 2 || s.Rejected != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestQueueDropLowestOnOverflow(t *testing.T) {
	q := NewQueue(config.WorkerQueueConfig{
		MaxDepth:             2,
		BackpressureStrategy: config.DropPolicyLowPriority,
	})

	q.Push(queueReq("bg-old", domain.PriorityBackground))
	q.Push(queueReq("bg-new", domain.PriorityBackground))

	// A HIGH arrival displaces the oldest LOW-band entry.
	if err := q.Push(queueReq("high", domain.PriorityHigh)); err != nil {
		t.Fatalf("Push(high): %v", err)
	}

	s := q.Stats()
	if s.Dropped != 1 || s.Depth != 2 {
		t.Fatalf("stats = %+v", s)
	}
	if got := q.Pop().RequestID; got != "high" {
		t.Fatalf("first pop = %s, want high", got)
	}
	if got := q.Pop().RequestID; got != "bg-new" {
		t.Fatalf("second pop = %s, the oldest entry should have been dropped", got)
	}
}

func TestQueueNeverDropsForEqualOrLowerArrival(t *testing.T) {
	q := NewQueue(config.WorkerQueueConfig{
		MaxDepth:             1,
		BackpressureStrategy: config.DropPolicyLowPriority,
	})

	q.Push(queueReq("low", domain.PriorityLow))

	// Same band: rejected rather than dropped.
	err := q.Push(queueReq("bg", domain.PriorityBackground))
	if domain.CodeOf(err) != domain.CodeQueueFull {
		t.Fatalf("code = %q, want QUEUE_FULL", domain.CodeOf(err))
	}
	if s := q.Stats(); s.Dropped != 0 {
		t.Fatalf("dropped = %d, want 0", s.Dropped)
	}
}

func TestQueueStatsTrackBandsAndCompletions(t *testing.T) {
	q := NewQueue(config.WorkerQueueConfig{MaxDepth: 10})

	q.Push(queueReq("a", domain.PriorityCritical))
	q.Push(queueReq("b", domain.PriorityNormal))
	q.Push(queueReq("c", domain.PriorityLow))

	s := q.Stats()
	if s.BandDepths[BandHigh] != 1 || s.BandDepths[BandMedium] != 1 || s.BandDepths[BandLow] != 1 {
		t.Fatalf("band depths = %v", s.BandDepths)
	}

	q.Pop()
	q.MarkCompleted()
	if s := q.Stats(); s.Completed != 1 || s.Depth != 2 {
		t.Fatalf("stats = %+v", s)
	}
}
