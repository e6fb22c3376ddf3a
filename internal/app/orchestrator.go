package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/convoy-ml/convoy/internal/adapter/breaker"
	"github.com/convoy-ml/convoy/internal/adapter/retry"
	"github.com/convoy-ml/convoy/internal/adapter/scheduler"
	"github.com/convoy-ml/convoy/internal/adapter/stats"
	"github.com/convoy-ml/convoy/internal/adapter/stream"
	"github.com/convoy-ml/convoy/internal/adapter/telemetry"
	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/internal/core/ports"
	"github.com/convoy-ml/convoy/internal/logger"
)

// InferenceResult is the terminal outcome of a successful request.
type InferenceResult struct {
	RequestID   string
	WorkerID    string
	Text        string
	TotalTokens int
	Duration    time.Duration
	TTFT        time.Duration
}

// Orchestrator runs the full routing pipeline for one request: admission
// through the scheduler, worker selection behind breaker gates, dispatch
// over the bus with a deadline, retries on other workers, and reply
// aggregation or streaming.
type Orchestrator struct {
	cfg        config.Config
	bus        ports.MessageBus
	registry   ports.WorkerSnapshot
	breakers   *breaker.Set
	selector   ports.WorkerSelector
	retrier    *retry.Executor
	scheduler  *scheduler.Scheduler
	streams    *stream.Controller
	collector  *stats.Collector
	regression *stats.Detector
	metadata   *MetadataStore
	telemetry  *telemetry.Telemetry
	logger     *logger.StyledLogger

	inflight *xsync.Map[string, context.CancelFunc]
	wg       sync.WaitGroup
}

func NewOrchestrator(
	cfg config.Config,
	bus ports.MessageBus,
	registry ports.WorkerSnapshot,
	breakers *breaker.Set,
	selector ports.WorkerSelector,
	retrier *retry.Executor,
	sched *scheduler.Scheduler,
	streams *stream.Controller,
	collector *stats.Collector,
	regression *stats.Detector,
	metadata *MetadataStore,
	tel *telemetry.Telemetry,
	log *logger.StyledLogger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		bus:        bus,
		registry:   registry,
		breakers:   breakers,
		selector:   selector,
		retrier:    retrier,
		scheduler:  sched,
		streams:    streams,
		collector:  collector,
		regression: regression,
		metadata:   metadata,
		telemetry:  tel,
		logger:     log,
		inflight:   xsync.NewMap[string, context.CancelFunc](),
	}
}

// HandleInference runs one request end to end. For streaming requests the
// consumer receives chunks as they are sealed and Text stays empty.
func (o *Orchestrator) HandleInference(ctx context.Context, req *domain.InferenceRequest, consumer ports.ChunkConsumer) (*InferenceResult, error) {
	if err := req.Validate(); err != nil {
		o.telemetry.RequestsTotal.WithLabelValues(string(domain.CodeValidation)).Inc()
		return nil, err
	}

	md := domain.NewRequestMetadata(req.RequestID)
	o.metadata.Put(md)

	o.wg.Add(1)
	defer o.wg.Done()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.inflight.Store(req.RequestID, cancel)
	defer o.inflight.Delete(req.RequestID)

	result, err := o.run(reqCtx, req, md, consumer)

	md.Finalize(err)
	outcome := "OK"
	if err != nil {
		outcome = string(domain.CodeOf(err))
	}
	o.telemetry.RequestsTotal.WithLabelValues(outcome).Inc()
	o.telemetry.RequestDuration.WithLabelValues(streamLabel(req.Stream)).
		Observe(float64(md.DurationMs) / 1000)

	if err != nil {
		o.regression.Record(0, 0, true)
		o.logger.WithRequestID(req.RequestID).Warn("Request failed",
			"code", domain.CodeOf(err),
			"retries", md.RetryCount,
			"duration_ms", md.DurationMs,
			"error", err)
		return nil, err
	}

	tokensPerSec := 0.0
	if result.Duration > 0 {
		tokensPerSec = float64(result.TotalTokens) / result.Duration.Seconds()
	}
	o.regression.Record(tokensPerSec, result.TTFT, false)
	o.telemetry.TokensGenerated.Add(float64(result.TotalTokens))

	o.logger.WithRequestID(req.RequestID).Debug("Request completed",
		"worker", result.WorkerID,
		"tokens", result.TotalTokens,
		"duration_ms", md.DurationMs)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req *domain.InferenceRequest, md *domain.RequestMetadata, consumer ports.ChunkConsumer) (*InferenceResult, error) {
	release, err := o.scheduler.Admit(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()

	if req.Stream && consumer != nil {
		if err := o.streams.Register(req.RequestID, consumer); err != nil {
			return nil, domain.NewInternalError("stream registration failed", err)
		}
		defer o.streams.Unregister(req.RequestID)
	}

	budget := retry.Budget(req.Stream, o.cfg.Timeouts.Standard, o.cfg.Timeouts.Streaming)

	onFailure := func(workerID string, attempt int, err error) {
		md.RetryCount = attempt
		if workerID != "" {
			if !contains(md.FailedWorkers, workerID) {
				md.FailedWorkers = append(md.FailedWorkers, workerID)
			}
		}
		switch domain.CodeOf(err) {
		case domain.CodeWorkerTimeout:
			md.Timeouts++
		case domain.CodeCircuitBreakerOpen:
			md.CircuitBreakerTrips++
		}
		if attempt > 0 {
			o.telemetry.RetriesTotal.Inc()
		}
	}

	attempt := func(ctx context.Context, excluded map[string]struct{}) (*InferenceResult, error) {
		selected, err := o.pickWorker(ctx, req, excluded)
		if err != nil {
			return nil, err
		}
		md.SelectedWorker = selected.ID

		result, err := retry.WithTimeout(ctx, "inference", req.RequestID, budget,
			func(tctx context.Context) (*InferenceResult, error) {
				return o.dispatch(tctx, req, selected)
			})
		if err != nil {
			o.breakers.RecordFailure(selected.ID)
			o.collector.RecordRequest(selected.ID, false, 0)
			return nil, attributeWorker(err, selected.ID)
		}

		o.breakers.RecordSuccess(selected.ID)
		o.collector.RecordRequest(selected.ID, true, result.Duration)
		return result, nil
	}

	return retry.Do(ctx, o.retrier, req.RequestID, attempt, onFailure)
}

// pickWorker filters the registry snapshot through the breaker gate and
// hands the survivors to the selector.
func (o *Orchestrator) pickWorker(ctx context.Context, req *domain.InferenceRequest, excluded map[string]struct{}) (*domain.Worker, error) {
	online := o.registry.GetOnline()
	if len(online) == 0 {
		return nil, domain.NewNoWorkersError(req.ModelID)
	}

	admitted := make([]*domain.Worker, 0, len(online))
	var lastBlocked string
	for _, w := range online {
		if !o.breakers.Allow(w.ID) {
			lastBlocked = w.ID
			continue
		}
		admitted = append(admitted, w)
	}
	if len(admitted) == 0 {
		// Every candidate is breaker-blocked; surface the breaker code so
		// the retry loop may wait a worker back to half-open.
		return nil, domain.NewBreakerOpenError(lastBlocked)
	}

	return o.selector.Select(ctx, req, admitted, excluded)
}

// dispatch publishes the request to the selected worker and consumes its
// reply topic until done or error. Must be called with the reply
// subscription established before the publish so no reply is lost.
func (o *Orchestrator) dispatch(ctx context.Context, req *domain.InferenceRequest, worker *domain.Worker) (*InferenceResult, error) {
	replies, unsubscribe, err := o.bus.Subscribe(ctx, domain.TopicResponse(req.RequestID))
	if err != nil {
		return nil, domain.NewWorkerUnavailableError(worker.ID, err)
	}
	defer unsubscribe()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, domain.NewInternalError("request encode failed", err)
	}
	if err := o.bus.Publish(ctx, domain.TopicWorkerInference(worker.ID), payload); err != nil {
		return nil, domain.NewWorkerUnavailableError(worker.ID, err)
	}

	o.collector.RecordConnection(worker.ID, 1)
	defer o.collector.RecordConnection(worker.ID, -1)

	start := time.Now()
	var text strings.Builder
	var ttft time.Duration
	tokens := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case data, ok := <-replies:
			if !ok {
				return nil, domain.NewWorkerUnavailableError(worker.ID, nil)
			}
			var msg domain.ResponseMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, domain.NewInternalError("reply decode failed", err)
			}

			switch msg.Type {
			case domain.ResponseToken:
				if tokens == 0 {
					ttft = time.Since(start)
				}
				tokens++
				if req.Stream {
					tok := domain.Token{ID: msg.Index, Text: msg.Token, SizeBytes: len(msg.Token)}
					if err := o.streams.EnqueueToken(ctx, req.RequestID, tok); err != nil {
						return nil, err
					}
				} else {
					text.WriteString(msg.Token)
				}

			case domain.ResponseDone:
				if req.Stream {
					if err := o.streams.Flush(ctx, req.RequestID); err != nil {
						return nil, err
					}
				}
				total := msg.TotalTokens
				if total == 0 {
					total = tokens
				}
				return &InferenceResult{
					RequestID:   req.RequestID,
					WorkerID:    worker.ID,
					Text:        text.String(),
					TotalTokens: total,
					Duration:    time.Since(start),
					TTFT:        ttft,
				}, nil

			case domain.ResponseError:
				return nil, &domain.Error{
					Code:     domain.ErrorCode(msg.Code),
					Message:  msg.Error,
					WorkerID: worker.ID,
				}
			}
		}
	}
}

// Cancel aborts a request wherever it currently is: queued requests leave
// the scheduler, in-flight requests get their context cancelled.
func (o *Orchestrator) Cancel(requestID string) bool {
	cancelled := o.scheduler.Cancel(requestID)
	if cancel, ok := o.inflight.Load(requestID); ok {
		cancel()
		cancelled = true
	}
	return cancelled
}

// Drain waits for in-flight requests to finish, up to the timeout.
func (o *Orchestrator) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// attributeWorker ensures the failed worker is recorded on the error so the
// retry loop excludes it next attempt.
func attributeWorker(err error, workerID string) error {
	if domain.WorkerOf(err) != "" {
		return err
	}
	return &domain.Error{
		Code:     domain.CodeOf(err),
		Message:  err.Error(),
		WorkerID: workerID,
		Err:      err,
	}
}

func streamLabel(stream bool) string {
	if stream {
		return "true"
	}
	return "false"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
