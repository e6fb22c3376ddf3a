// Package app assembles the control plane: bus, registry, breakers,
// balancer, scheduler, streaming, batching and telemetry, driven through an
// explicit lifecycle.
package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/convoy-ml/convoy/internal/adapter/balancer"
	"github.com/convoy-ml/convoy/internal/adapter/batch"
	"github.com/convoy-ml/convoy/internal/adapter/breaker"
	"github.com/convoy-ml/convoy/internal/adapter/registry"
	"github.com/convoy-ml/convoy/internal/adapter/retry"
	"github.com/convoy-ml/convoy/internal/adapter/scheduler"
	"github.com/convoy-ml/convoy/internal/adapter/stats"
	"github.com/convoy-ml/convoy/internal/adapter/stream"
	"github.com/convoy-ml/convoy/internal/adapter/telemetry"
	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/internal/core/ports"
	"github.com/convoy-ml/convoy/internal/logger"
	"github.com/convoy-ml/convoy/pkg/bus"
)

type Application struct {
	cfg    config.Config
	logger *logger.StyledLogger

	lifecycle    *Lifecycle
	bus          *bus.InProcessBus
	registry     *registry.MemoryRegistry
	breakers     *breaker.Set
	selector     *balancer.SmartSelector
	collector    *stats.Collector
	regression   *stats.Detector
	scheduler    *scheduler.Scheduler
	streams      *stream.Controller
	batcher      *batch.Queue
	metadata     *MetadataStore
	telemetry    *telemetry.Telemetry
	orchestrator *Orchestrator

	cancel context.CancelFunc
}

func New(cfg config.Config, log *logger.StyledLogger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Application{
		cfg:       cfg,
		logger:    log,
		lifecycle: NewLifecycle(),
	}

	a.collector = stats.NewCollector(log)
	a.breakers = breaker.NewSet(cfg.Breaker, log)
	a.registry = registry.NewMemoryRegistry(cfg.Discovery, log)
	a.selector = balancer.NewSmartSelector(cfg.Balancer, a.collector, log)
	a.scheduler = scheduler.New(cfg.Scheduler, log)
	a.streams = stream.NewController(cfg.Stream, log)
	a.regression = stats.NewDetector(cfg.Regression, log)
	a.metadata = NewMetadataStore(cfg.Metadata)
	a.telemetry = telemetry.New(cfg.Telemetry, log)
	a.batcher = batch.NewQueue(cfg.Batch, a.flushBatch, log)

	return a, nil
}

// Bus exposes the transport so workers in the same process can attach.
func (a *Application) Bus() ports.MessageBus { return a.bus }

func (a *Application) Registry() *registry.MemoryRegistry { return a.registry }
func (a *Application) Metadata() *MetadataStore           { return a.metadata }
func (a *Application) Scheduler() *scheduler.Scheduler    { return a.scheduler }
func (a *Application) State() State                       { return a.lifecycle.State() }

// Start walks the lifecycle to READY. Calling it twice fails on the first
// transition.
func (a *Application) Start(ctx context.Context) error {
	if err := a.lifecycle.Transition(StateConnecting); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.bus = bus.NewInProcess()

	if err := a.lifecycle.Transition(StateRegistering); err != nil {
		return err
	}
	a.registry.SeedStatic(a.cfg.Discovery.StaticWorkers)
	a.registry.Start(runCtx)
	if err := a.pumpControlTopics(runCtx); err != nil {
		_ = a.lifecycle.Transition(StateStopping)
		_ = a.lifecycle.Transition(StateStopped)
		cancel()
		return err
	}

	if err := a.lifecycle.Transition(StateStarting); err != nil {
		return err
	}
	a.orchestrator = NewOrchestrator(
		a.cfg, a.bus, a.registry, a.breakers, a.selector,
		retry.NewExecutor(a.cfg.Retry, a.logger),
		a.scheduler, a.streams, a.collector, a.regression,
		a.metadata, a.telemetry, a.logger,
	)

	a.selector.Start(runCtx)
	a.scheduler.Start(runCtx)
	a.streams.Start(runCtx)
	a.batcher.Start(runCtx)
	a.regression.Start(runCtx)
	a.metadata.Start(runCtx)
	a.telemetry.Start(runCtx)
	a.watchEvents(runCtx)
	go a.gaugeLoop(runCtx)

	if err := a.lifecycle.Transition(StateReady); err != nil {
		return err
	}
	a.logger.Info("Control plane ready",
		"workers", len(a.registry.GetAll()),
		"max_concurrent", a.cfg.Scheduler.MaxConcurrent)
	return nil
}

// Stop drains in-flight requests within the drain budget, then tears the
// components down in reverse start order.
func (a *Application) Stop(ctx context.Context) error {
	if err := a.lifecycle.Transition(StateDraining); err != nil {
		// Startup failures stop from earlier states.
		if err2 := a.lifecycle.Transition(StateStopping); err2 != nil {
			return err
		}
	} else {
		if a.orchestrator != nil && !a.orchestrator.Drain(a.cfg.Drain.Timeout) {
			a.logger.Warn("Drain timed out with requests in flight",
				"timeout", a.cfg.Drain.Timeout)
		}
		if err := a.lifecycle.Transition(StateStopping); err != nil {
			return err
		}
	}

	a.batcher.Stop()
	a.streams.Stop()
	a.scheduler.Stop()
	a.selector.Stop()
	a.regression.Stop()
	a.metadata.Stop()
	a.registry.Stop()
	a.telemetry.Stop(ctx)
	if a.bus != nil {
		a.bus.Shutdown()
	}
	if a.cancel != nil {
		a.cancel()
	}

	if err := a.lifecycle.Transition(StateStopped); err != nil {
		return err
	}
	a.logger.Info("Control plane stopped")
	return nil
}

// HandleInference fills in the token estimate through the batcher when the
// caller did not provide one, then runs the orchestrator pipeline.
func (a *Application) HandleInference(ctx context.Context, req *domain.InferenceRequest, consumer ports.ChunkConsumer) (*InferenceResult, error) {
	if err := a.lifecycle.Require(StateReady); err != nil {
		return nil, domain.NewInternalError("control plane not ready", err)
	}

	if req.EstimatedTokens == 0 && a.cfg.Scheduler.Policy.ShortestJobFirst {
		if est, err := a.batcher.Submit(ctx, batch.KindTokenize, req.RequestID, req.Priority, req.Prompt); err == nil {
			if n, ok := est.(int); ok {
				req.EstimatedTokens = n
			}
		}
	}

	return a.orchestrator.HandleInference(ctx, req, consumer)
}

func (a *Application) Cancel(requestID string) bool {
	return a.orchestrator.Cancel(requestID)
}

// AckChunk acknowledges consumer receipt of a streamed chunk. Streams whose
// chunks go unacked are failed by the controller's ack timeout.
func (a *Application) AckChunk(streamID, chunkID string) error {
	return a.streams.Ack(streamID, chunkID)
}

// flushBatch executes one coalesced auxiliary batch. Tokenization runs
// locally on the prompt text; draft checks approve everything until a
// verifier model is wired in.
func (a *Application) flushBatch(ctx context.Context, kind string, items []*batch.Item) ([]batch.Result, error) {
	results := make([]batch.Result, 0, len(items))
	for _, item := range items {
		switch kind {
		case batch.KindTokenize:
			prompt, _ := item.Payload.(string)
			results = append(results, batch.Result{ID: item.ID, Value: estimateTokens(prompt)})
		case batch.KindCheckDraft:
			results = append(results, batch.Result{ID: item.ID, Value: true})
		default:
			results = append(results, batch.Result{
				ID:  item.ID,
				Err: domain.NewInternalError("unknown batch kind "+kind, nil),
			})
		}
	}
	a.telemetry.BatchSize.Observe(float64(len(items)))
	return results, nil
}

// estimateTokens approximates BPE density for English-ish text.
func estimateTokens(prompt string) int {
	est := len(prompt) / 4
	if est < 1 {
		est = 1
	}
	return est
}

// pumpControlTopics feeds worker registration traffic into the registry.
func (a *Application) pumpControlTopics(ctx context.Context) error {
	if err := a.pump(ctx, domain.TopicWorkerRegister, a.onRegister); err != nil {
		return err
	}
	if err := a.pump(ctx, domain.TopicWorkerHeartbeat, a.onHeartbeat); err != nil {
		return err
	}
	return a.pump(ctx, domain.TopicWorkerDeregister, a.onDeregister)
}

func (a *Application) pump(ctx context.Context, topic string, handle func([]byte)) error {
	ch, _, err := a.bus.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				handle(data)
			}
		}
	}()
	return nil
}

func (a *Application) onRegister(data []byte) {
	var reg domain.WorkerRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		a.logger.Warn("Malformed registration", "error", err)
		return
	}
	a.registry.Register(reg)
}

func (a *Application) onHeartbeat(data []byte) {
	var hb domain.WorkerHeartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		a.logger.Warn("Malformed heartbeat", "error", err)
		return
	}
	a.registry.Heartbeat(hb)
}

func (a *Application) onDeregister(data []byte) {
	var dereg domain.WorkerDeregistration
	if err := json.Unmarshal(data, &dereg); err != nil {
		a.logger.Warn("Malformed deregistration", "error", err)
		return
	}
	a.registry.Deregister(dereg.WorkerID)
	a.breakers.Remove(dereg.WorkerID)
}

// watchEvents bridges component event buses into telemetry and keeps the
// breaker set in step with registry membership.
func (a *Application) watchEvents(ctx context.Context) {
	trips, _ := a.breakers.Events().Subscribe(ctx)
	go func() {
		for e := range trips {
			a.telemetry.BreakerTrips.WithLabelValues(e.WorkerID).Inc()
		}
	}()

	streamEvents, _ := a.streams.Events().Subscribe(ctx)
	go func() {
		for e := range streamEvents {
			if e.Type == stream.EventChunkTimeout {
				a.telemetry.StreamChunks.WithLabelValues("timed_out").Inc()
			}
		}
	}()

	alerts, _ := a.regression.Alerts().Subscribe(ctx)
	go func() {
		for alert := range alerts {
			a.telemetry.RegressionAlerts.WithLabelValues(alert.Metric).Inc()
		}
	}()

	workerEvents, _ := a.registry.Events().Subscribe(ctx)
	go func() {
		for e := range workerEvents {
			if e.Type == registry.EventWorkerOffline || e.Type == registry.EventWorkerDeregistered {
				a.breakers.Remove(e.WorkerID)
			}
		}
	}()
}

// gaugeLoop refreshes point-in-time telemetry gauges and converts the stream
// controller's monotonic chunk totals into counter increments.
func (a *Application) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var prevSent, prevAcked int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.telemetry.WorkersOnline.Set(float64(len(a.registry.GetOnline())))
			a.telemetry.ActiveStreams.Set(float64(a.streams.ActiveStreams()))
			m := a.scheduler.Metrics()
			for p := domain.PriorityCritical; p <= domain.PriorityBackground; p++ {
				a.telemetry.QueueDepth.WithLabelValues(p.String()).Set(float64(m.QueueDepths[p]))
			}
			sent, acked := a.streams.Totals()
			a.telemetry.StreamChunks.WithLabelValues("sent").Add(float64(sent - prevSent))
			a.telemetry.StreamChunks.WithLabelValues("acked").Add(float64(acked - prevAcked))
			prevSent, prevAcked = sent, acked
		}
	}
}
