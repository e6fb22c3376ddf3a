// Package registry keeps the authoritative record of known workers, applies
// heartbeat timeouts and exposes snapshots to the routing path.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/internal/logger"
	"github.com/convoy-ml/convoy/pkg/eventbus"
)

const (
	EventWorkerRegistered   = "workerRegistered"
	EventWorkerOffline      = "workerOffline"
	EventWorkerDeregistered = "workerDeregistered"
)

// WorkerEvent is published on registry state changes.
type WorkerEvent struct {
	Type     string
	WorkerID string
	Status   domain.WorkerStatus
}

type MemoryRegistry struct {
	workers        map[string]*domain.Worker
	events         *eventbus.EventBus[WorkerEvent]
	logger         *logger.StyledLogger
	offlineTimeout time.Duration
	sweepInterval  time.Duration
	stopCh         chan struct{}
	mu             sync.RWMutex
	runMu          sync.Mutex
	running        bool
}

func NewMemoryRegistry(cfg config.DiscoveryConfig, log *logger.StyledLogger) *MemoryRegistry {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = 5 * time.Second
	}
	return &MemoryRegistry{
		workers:        make(map[string]*domain.Worker),
		events:         eventbus.New[WorkerEvent](),
		logger:         log,
		offlineTimeout: cfg.OfflineTimeout,
		sweepInterval:  sweep,
		stopCh:         make(chan struct{}),
	}
}

// SeedStatic registers workers from configuration with empty skills and
// online status until a real heartbeat replaces them.
func (r *MemoryRegistry) SeedStatic(workers []config.StaticWorkerConfig) {
	for _, w := range workers {
		r.Register(domain.WorkerRegistration{
			WorkerID:  w.WorkerID,
			Hostname:  w.Hostname,
			IP:        w.Address,
			Port:      w.Port,
			Status:    domain.WorkerOnline,
			Timestamp: time.Now(),
		})
	}
	if len(workers) > 0 {
		r.logger.InfoWithCount("Seeded static workers", len(workers))
	}
}

// Register upserts: any prior record for the same worker id is replaced.
func (r *MemoryRegistry) Register(reg domain.WorkerRegistration) {
	worker := &domain.Worker{
		ID:            reg.WorkerID,
		Hostname:      reg.Hostname,
		Address:       reg.IP,
		Port:          reg.Port,
		Skills:        reg.Skills,
		Capabilities:  reg.Capabilities,
		Status:        reg.Status,
		LastHeartbeat: time.Now(),
	}
	if worker.Status == "" {
		worker.Status = domain.WorkerOnline
	}

	r.mu.Lock()
	_, replaced := r.workers[reg.WorkerID]
	r.workers[reg.WorkerID] = worker
	r.mu.Unlock()

	if replaced {
		r.logger.InfoWithWorker("Worker re-registered", reg.WorkerID, "models", len(reg.Skills.AvailableModels))
	} else {
		r.logger.InfoWithWorker("Worker registered", reg.WorkerID, "models", len(reg.Skills.AvailableModels))
	}
	r.events.Publish(WorkerEvent{Type: EventWorkerRegistered, WorkerID: reg.WorkerID, Status: worker.Status})
}

// Heartbeat updates metrics and liveness. Heartbeats from unknown workers
// are logged and dropped rather than implicitly registering.
func (r *MemoryRegistry) Heartbeat(hb domain.WorkerHeartbeat) {
	r.mu.Lock()
	worker, ok := r.workers[hb.WorkerID]
	if ok {
		worker.Status = hb.Status
		worker.Metrics = hb.Metrics
		if hb.Skills != nil {
			worker.Skills = *hb.Skills
		}
		worker.LastHeartbeat = time.Now()
	}
	r.mu.Unlock()

	if !ok {
		r.logger.WarnWithWorker("Heartbeat from unknown worker", hb.WorkerID)
	}
}

func (r *MemoryRegistry) Deregister(workerID string) {
	r.mu.Lock()
	_, ok := r.workers[workerID]
	delete(r.workers, workerID)
	r.mu.Unlock()

	if ok {
		r.logger.InfoWithWorker("Worker deregistered", workerID)
		r.events.Publish(WorkerEvent{Type: EventWorkerDeregistered, WorkerID: workerID, Status: domain.WorkerOffline})
	}
}

func (r *MemoryRegistry) MarkOffline(workerID string) {
	r.mu.Lock()
	worker, ok := r.workers[workerID]
	if ok {
		worker.Status = domain.WorkerOffline
	}
	r.mu.Unlock()

	if ok {
		r.logger.InfoWorkerStatus("Worker marked", workerID, domain.WorkerOffline)
		r.events.Publish(WorkerEvent{Type: EventWorkerOffline, WorkerID: workerID, Status: domain.WorkerOffline})
	}
}

// GetAll returns a stable snapshot; records are cloned so callers never see
// concurrent mutation.
func (r *MemoryRegistry) GetAll() []*domain.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Clone())
	}
	return out
}

func (r *MemoryRegistry) GetOnline() []*domain.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.Status.IsRoutable() {
			out = append(out, w.Clone())
		}
	}
	return out
}

func (r *MemoryRegistry) Get(workerID string) (*domain.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// Events exposes registry change notifications.
func (r *MemoryRegistry) Events() *eventbus.EventBus[WorkerEvent] {
	return r.events
}

// Start launches the background sweeper that flips silent workers offline.
func (r *MemoryRegistry) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return
	}
	r.running = true

	go r.sweepLoop(ctx)
}

func (r *MemoryRegistry) Stop() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopCh)
	r.events.Shutdown()
}

func (r *MemoryRegistry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// sweep flips any worker silent for longer than the offline timeout. Exposed
// to tests through SweepNow.
func (r *MemoryRegistry) sweep(now time.Time) {
	var flipped []string

	r.mu.Lock()
	for id, w := range r.workers {
		if w.Status != domain.WorkerOffline && now.Sub(w.LastHeartbeat) > r.offlineTimeout {
			w.Status = domain.WorkerOffline
			flipped = append(flipped, id)
		}
	}
	r.mu.Unlock()

	for _, id := range flipped {
		r.logger.WarnWithWorker("Worker missed heartbeats, marked offline", id)
		r.events.Publish(WorkerEvent{Type: EventWorkerOffline, WorkerID: id, Status: domain.WorkerOffline})
	}
}

// SweepNow runs a single sweep pass immediately.
func (r *MemoryRegistry) SweepNow() {
	r.sweep(time.Now())
}
