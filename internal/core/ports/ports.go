// Package ports defines the narrow interfaces that decouple the control
// plane components. Each component receives only the capability it needs at
// construction; there are no back-pointers.
package ports

import (
	"context"
	"time"

	"github.com/convoy-ml/convoy/internal/core/domain"
)

// MessageBus abstracts the publish/subscribe + request/reply transport.
// Payloads are JSON documents.
type MessageBus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe returns a receive channel and a cancel function. The channel
	// closes when the subscription is cancelled or the bus shuts down.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
}

// WorkerSnapshot provides point-in-time views of the worker pool.
type WorkerSnapshot interface {
	GetAll() []*domain.Worker
	GetOnline() []*domain.Worker
	Get(workerID string) (*domain.Worker, bool)
}

// BreakerGate filters routing candidates by circuit breaker state.
type BreakerGate interface {
	Allow(workerID string) bool
	RecordSuccess(workerID string)
	RecordFailure(workerID string)
}

// WorkerSelector picks one worker for a request from a healthy snapshot.
type WorkerSelector interface {
	Select(ctx context.Context, req *domain.InferenceRequest, workers []*domain.Worker, excluded map[string]struct{}) (*domain.Worker, error)
	Name() string
}

// StatsCollector centralises per-worker rolling statistics used by the
// balancer's scoring.
type StatsCollector interface {
	RecordRequest(workerID string, success bool, latency time.Duration)
	RecordConnection(workerID string, delta int)
	GetConnectionStats() map[string]int64
	AvgLatencyMs(workerID string) int64
}

// ChunkConsumer receives aggregated chunks from the streaming controller.
// SendChunk may block; the controller treats slow consumers via ack latency.
type ChunkConsumer interface {
	SendChunk(ctx context.Context, chunk *domain.Chunk) error
}

// ModelRunner is the opaque generation capability a worker wraps. The run
// must honour ctx cancellation and close the returned channel when done.
type ModelRunner interface {
	Generate(ctx context.Context, req *domain.InferenceRequest) (<-chan domain.Token, error)
}
