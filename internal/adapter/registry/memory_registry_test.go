package registry

import (
	"context"
	"testing"
	"time"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/internal/logger"
)

func testRegistry(offlineTimeout time.Duration) *MemoryRegistry {
	return NewMemoryRegistry(config.DiscoveryConfig{
		OfflineTimeout: offlineTimeout,
		SweepInterval:  time.Hour,
	}, logger.NewDiscard())
}

func registration(id string, models ...string) domain.WorkerRegistration {
	return domain.WorkerRegistration{
		WorkerID:  id,
		Hostname:  id + ".local",
		IP:        "127.0.0.1",
		Port:      9000,
		Skills:    domain.WorkerSkills{AvailableModels: models},
		Status:    domain.WorkerOnline,
		Timestamp: time.Now(),
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := testRegistry(time.Minute)

	r.Register(registration("w1", "llama-3-8b"))

	w, ok := r.Get("w1")
	if !ok {
		t.Fatal("Get(w1) missed")
	}
	if w.Status != domain.WorkerOnline || !w.Skills.HasModel("llama-3-8b") {
		t.Fatalf("worker = %+v", w)
	}
	if len(r.GetAll()) != 1 || len(r.GetOnline()) != 1 {
		t.Fatal("snapshot counts wrong")
	}
}

func TestRegistryRegisterUpserts(t *testing.T) {
	r := testRegistry(time.Minute)

	r.Register(registration("w1", "old-model"))
	r.Register(registration("w1", "new-model"))

	if got := len(r.GetAll()); got != 1 {
		t.Fatalf("workers = %d, want one record per id", got)
	}
	w, _ := r.Get("w1")
	if !w.Skills.HasModel("new-model") || w.Skills.HasModel("old-model") {
		t.Fatalf("skills = %v, want replaced", w.Skills.AvailableModels)
	}
}

func TestRegistryHeartbeatUpdatesLiveness(t *testing.T) {
	r := testRegistry(time.Minute)
	r.Register(registration("w1"))

	skills := domain.WorkerSkills{AvailableModels: []string{"mistral-7b"}}
	r.Heartbeat(domain.WorkerHeartbeat{
		WorkerID: "w1",
		Status:   domain.WorkerDegraded,
		Skills:   &skills,
		Metrics:  domain.WorkerMetrics{ActiveRequests: 3},
	})

	w, _ := r.Get("w1")
	if w.Status != domain.WorkerDegraded {
		t.Fatalf("status = %s", w.Status)
	}
	if w.Metrics.ActiveRequests != 3 || !w.Skills.HasModel("mistral-7b") {
		t.Fatalf("worker = %+v", w)
	}
}

func TestRegistryHeartbeatFromUnknownWorkerIsDropped(t *testing.T) {
	r := testRegistry(time.Minute)

	r.Heartbeat(domain.WorkerHeartbeat{WorkerID: "ghost", Status: domain.WorkerOnline})

	if len(r.GetAll()) != 0 {
		t.Fatal("unknown heartbeat implicitly registered a worker")
	}
}

func TestRegistryDeregister(t *testing.T) {
	r := testRegistry(time.Minute)
	r.Register(registration("w1"))

	r.Deregister("w1")
	if _, ok := r.Get("w1"); ok {
		t.Fatal("worker survived deregistration")
	}

	// Unknown ids are a no-op.
	r.Deregister("ghost")
}

func TestRegistrySweepMarksSilentWorkersOffline(t *testing.T) {
	r := testRegistry(10 * time.Millisecond)
	r.Register(registration("quiet"))
	r.Register(registration("chatty"))

	time.Sleep(30 * time.Millisecond)
	r.Heartbeat(domain.WorkerHeartbeat{WorkerID: "chatty", Status: domain.WorkerOnline})

	r.SweepNow()

	quiet, _ := r.Get("quiet")
	if quiet.Status != domain.WorkerOffline {
		t.Fatalf("quiet status = %s, want offline", quiet.Status)
	}
	chatty, _ := r.Get("chatty")
	if chatty.Status != domain.WorkerOnline {
		t.Fatalf("chatty status = %s, want online", chatty.Status)
	}

	if got := len(r.GetOnline()); got != 1 {
		t.Fatalf("online = %d, want 1", got)
	}
}

func TestRegistryDegradedWorkersStayRoutable(t *testing.T) {
	r := testRegistry(time.Minute)
	r.Register(registration("w1"))
	r.Heartbeat(domain.WorkerHeartbeat{WorkerID: "w1", Status: domain.WorkerDegraded})

	if got := len(r.GetOnline()); got != 1 {
		t.Fatalf("online = %d, degraded workers must remain routable", got)
	}
}

func TestRegistryPublishesEvents(t *testing.T) {
	r := testRegistry(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := r.Events().Subscribe(ctx)

	r.Register(registration("w1"))
	expectEvent(t, events, EventWorkerRegistered, "w1")

	time.Sleep(30 * time.Millisecond)
	r.SweepNow()
	expectEvent(t, events, EventWorkerOffline, "w1")

	r.Deregister("w1")
	expectEvent(t, events, EventWorkerDeregistered, "w1")
}

func expectEvent(t *testing.T, events <-chan WorkerEvent, eventType, workerID string) {
	t.Helper()
	select {
	case ev := <-events:
		if ev.Type != eventType || ev.WorkerID != workerID {
			t.Fatalf("event = %+v, want %s for %s", ev, eventType, workerID)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %s event", eventType)
	}
}

func TestRegistrySnapshotsAreClones(t *testing.T) {
	r := testRegistry(time.Minute)
	r.Register(registration("w1", "m1"))

	w, _ := r.Get("w1")
	w.Skills.AvailableModels[0] = "mutated"
	w.Status = domain.WorkerOffline

	fresh, _ := r.Get("w1")
	if !fresh.Skills.HasModel("m1") || fresh.Status != domain.WorkerOnline {
		t.Fatal("caller mutation leaked into the registry")
	}
}
