// Package worker implements the worker-side runtime: bus-driven request
// intake, a bounded admission queue, model execution and heartbeats.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/internal/core/ports"
	"github.com/convoy-ml/convoy/internal/logger"
)

type Options struct {
	ID                string
	Hostname          string
	Address           string
	Port              int
	Models            []string
	MemoryGB          float64
	HeartbeatInterval time.Duration
	Queue             config.WorkerQueueConfig
	ModelCacheSize    int

	// LoadModel materialises a model into the cache. The default only
	// tracks residency; the runner owns the actual weights.
	LoadModel ModelLoadFunc
	// ReadUsage supplies raw machine counters for heartbeat metrics.
	ReadUsage ReadUsageFunc
}

// Worker consumes inference requests from its bus topic, executes them
// through a ModelRunner and publishes token/done/error replies.
type Worker struct {
	opts     Options
	bus      ports.MessageBus
	runner   ports.ModelRunner
	queue    *Queue
	metrics  *MetricsTracker
	models   *ModelCache
	usage    *UsageSampler
	hardware HardwareProfile
	logger   *logger.StyledLogger

	active   atomic.Int64
	notifyCh chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(opts Options, bus ports.MessageBus, runner ports.ModelRunner, log *logger.StyledLogger) *Worker {
	capacity := opts.ModelCacheSize
	if capacity <= 0 {
		capacity = len(opts.Models)
	}
	load := opts.LoadModel
	if load == nil {
		load = func(ctx context.Context, modelID string) (any, int64, error) {
			return modelID, 0, nil
		}
	}
	read := opts.ReadUsage
	if read == nil {
		read = DefaultUsageReader
	}
	return &Worker{
		opts:     opts,
		bus:      bus,
		runner:   runner,
		queue:    NewQueue(opts.Queue),
		metrics:  NewMetricsTracker(),
		models:   NewModelCache(capacity, load),
		usage:    NewUsageSampler(read),
		hardware: DetectHardware(opts.MemoryGB),
		logger:   log,
		notifyCh: make(chan struct{}, 1),
	}
}

func (w *Worker) Queue() *Queue            { return w.queue }
func (w *Worker) Metrics() *MetricsTracker { return w.metrics }
func (w *Worker) Models() *ModelCache      { return w.models }

// Start registers on the bus and launches the intake, executor and
// heartbeat tasks.
func (w *Worker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if err := w.register(runCtx); err != nil {
		cancel()
		return err
	}

	inbox, unsubscribe, err := w.bus.Subscribe(runCtx, domain.TopicWorkerInference(w.opts.ID))
	if err != nil {
		cancel()
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer unsubscribe()
		w.intakeLoop(runCtx, inbox)
	}()

	executors := w.hardware.MaxConcurrent()
	for i := 0; i < executors; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.executeLoop(runCtx)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.heartbeatLoop(runCtx)
	}()

	w.logger.InfoWithWorker("Worker started", w.opts.ID,
		"models", len(w.opts.Models),
		"executors", executors)
	return nil
}

// Stop deregisters and waits for in-flight executions to finish.
func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() {
		payload, _ := json.Marshal(domain.WorkerDeregistration{
			WorkerID:  w.opts.ID,
			Timestamp: time.Now(),
		})
		_ = w.bus.Publish(ctx, domain.TopicWorkerDeregister, payload)

		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
	})
}

func (w *Worker) register(ctx context.Context) error {
	reg := domain.WorkerRegistration{
		WorkerID:     w.opts.ID,
		Hostname:     w.opts.Hostname,
		IP:           w.opts.Address,
		Port:         w.opts.Port,
		Skills:       w.skills(),
		Capabilities: w.hardware.Capabilities(),
		Status:       domain.WorkerOnline,
		Timestamp:    time.Now(),
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return w.bus.Publish(ctx, domain.TopicWorkerRegister, payload)
}

func (w *Worker) skills() domain.WorkerSkills {
	return domain.WorkerSkills{
		AvailableModels: append([]string(nil), w.opts.Models...),
		LastScanned:     time.Now(),
	}
}

func (w *Worker) intakeLoop(ctx context.Context, inbox <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-inbox:
			if !ok {
				return
			}
			var req domain.InferenceRequest
			if err := json.Unmarshal(data, &req); err != nil {
				w.logger.WarnWithWorker("Dropping malformed request on", w.opts.ID, "error", err)
				continue
			}
			if err := w.queue.Push(&req); err != nil {
				w.publishError(ctx, &req, err)
				continue
			}
			select {
			case w.notifyCh <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Worker) executeLoop(ctx context.Context) {
	for {
		req := w.queue.Pop()
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-w.notifyCh:
			}
			continue
		}
		w.execute(ctx, req)
		// More work may be queued behind this one.
		select {
		case w.notifyCh <- struct{}{}:
		default:
		}
	}
}

func (w *Worker) execute(ctx context.Context, req *domain.InferenceRequest) {
	w.active.Add(1)
	defer w.active.Add(-1)
	defer w.queue.MarkCompleted()

	start := time.Now()

	// The model must be resident before generation; LRU eviction makes
	// room when the cache is at capacity.
	if _, err := w.models.Get(ctx, req.ModelID); err != nil {
		w.metrics.Record(req.ModelID, time.Since(start), 0, false)
		w.publishError(ctx, req, err)
		return
	}

	tokens, err := w.runner.Generate(ctx, req)
	if err != nil {
		w.metrics.Record(req.ModelID, time.Since(start), 0, false)
		w.publishError(ctx, req, err)
		return
	}

	count := 0
	for tok := range tokens {
		count++
		msg := domain.ResponseMessage{
			RequestID: req.RequestID,
			Type:      domain.ResponseToken,
			Token:     tok.Text,
			Index:     tok.ID,
		}
		payload, _ := json.Marshal(msg)
		if err := w.bus.Publish(ctx, domain.TopicResponse(req.RequestID), payload); err != nil {
			w.logger.WarnWithWorker("Reply publish failed on", w.opts.ID,
				"request_id", req.RequestID, "error", err)
			w.metrics.Record(req.ModelID, time.Since(start), count, false)
			return
		}
	}

	if ctx.Err() != nil {
		w.metrics.Record(req.ModelID, time.Since(start), count, false)
		return
	}

	elapsed := time.Since(start)
	done := domain.ResponseMessage{
		RequestID:   req.RequestID,
		Type:        domain.ResponseDone,
		TotalTokens: count,
		LatencyMs:   elapsed.Milliseconds(),
	}
	payload, _ := json.Marshal(done)
	_ = w.bus.Publish(ctx, domain.TopicResponse(req.RequestID), payload)

	w.metrics.Record(req.ModelID, elapsed, count, true)
}

func (w *Worker) publishError(ctx context.Context, req *domain.InferenceRequest, err error) {
	msg := domain.ResponseMessage{
		RequestID: req.RequestID,
		Type:      domain.ResponseError,
		Error:     err.Error(),
		Code:      string(domain.CodeOf(err)),
	}
	payload, _ := json.Marshal(msg)
	_ = w.bus.Publish(ctx, domain.TopicResponse(req.RequestID), payload)
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := w.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.publishHeartbeat(ctx)
		}
	}
}

func (w *Worker) publishHeartbeat(ctx context.Context) {
	w.usage.Sample()
	snap := w.metrics.Snapshot()
	hb := domain.WorkerHeartbeat{
		WorkerID: w.opts.ID,
		Status:   domain.WorkerOnline,
		Metrics: domain.WorkerMetrics{
			CPUUsagePercent:       w.usage.CPUPercent(),
			MemoryUsedGB:          w.usage.MemoryUsedGB(),
			GPUUtilizationPercent: w.usage.GPUPercent(),
			ActiveRequests:        w.active.Load(),
			TotalRequestsHandled:  snap.TotalRequests,
			AvgLatencyMs:          snap.AvgLatencyMs,
			ModelsLoaded:          w.models.Resident(),
		},
		Timestamp: time.Now(),
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, domain.TopicWorkerHeartbeat, payload); err != nil {
		w.logger.WarnWithWorker("Heartbeat publish failed on", w.opts.ID, "error", err)
	}
}
