// Package stream aggregates generated tokens into size-bounded chunks and
// pushes them to consumers with ack-based backpressure. Producers block once
// too many chunks are unacknowledged; acks release them in arrival order.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/convoy-ml/convoy/internal/adapter/stats"
	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/internal/core/ports"
	"github.com/convoy-ml/convoy/internal/logger"
	"github.com/convoy-ml/convoy/pkg/eventbus"
	"github.com/convoy-ml/convoy/pkg/pool"
)

// Event types published on the controller's event bus.
const (
	EventSlowConsumer        = "slow_consumer"
	EventChunkTimeout        = "chunk_timeout"
	EventBackpressureApplied = "backpressure_applied"
	EventBackpressureRelease = "backpressure_released"
)

// Per-stream sample bounds.
const (
	ackLatencySamples = 256
	throughputSamples = 128
	chunkSizeSamples  = 256
)

type Event struct {
	Type      string
	StreamID  string
	ChunkID   string
	AckLag    time.Duration
	Timestamp time.Time
}

// tokenBuffer accumulates tokens between flushes and is recycled through a
// pool to keep the per-token path allocation free.
type tokenBuffer struct {
	tokens []domain.Token
	size   int
}

func (b *tokenBuffer) Reset() {
	b.tokens = b.tokens[:0]
	b.size = 0
}

type streamState struct {
	id       string
	consumer ports.ChunkConsumer

	mu         sync.Mutex
	buf        *tokenBuffer
	seq        uint64
	outbox     []*domain.Chunk
	sending    bool
	unacked    map[string]*domain.Chunk
	ackTimers  map[string]*time.Timer
	flushTimer *time.Timer
	waiters    []chan error
	pressured  bool
	failed     error
	closing    bool
	closed     bool

	tokensIn      int64
	chunksSent    int64
	chunksAcked   int64
	bytesSent     int64
	cancellations int64
	ackLatency    *stats.ReservoirSampler
	throughput    *stats.ReservoirSampler
	chunkSizes    *stats.ReservoirSampler
	registeredAt  time.Time
}

// Controller owns every active stream. All per-stream state is guarded by
// the stream's own mutex; the controller map has its own.
type Controller struct {
	cfg    config.StreamConfig
	logger *logger.StyledLogger
	events *eventbus.EventBus[Event]

	mu      sync.Mutex
	streams map[string]*streamState

	bufPool *pool.Pool[*tokenBuffer]

	totalSent  atomic.Int64
	totalAcked atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewController(cfg config.StreamConfig, log *logger.StyledLogger) *Controller {
	bufPool, _ := pool.NewLitePool(func() *tokenBuffer {
		return &tokenBuffer{tokens: make([]domain.Token, 0, 64)}
	})
	return &Controller{
		cfg:     cfg,
		logger:  log,
		events:  eventbus.New[Event](),
		streams: make(map[string]*streamState),
		bufPool: bufPool,
		stopCh:  make(chan struct{}),
	}
}

func (c *Controller) Events() *eventbus.EventBus[Event] {
	return c.events
}

// Start launches the periodic metrics export.
func (c *Controller) Start(ctx context.Context) {
	if c.cfg.MetricsExportInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.cfg.MetricsExportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.exportMetrics()
			}
		}
	}()
}

func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		ids := make([]string, 0, len(c.streams))
		for id := range c.streams {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.Unregister(id)
		}
		c.events.Shutdown()
	})
}

// Register creates stream state for a new consumer. Duplicate registration
// is an error.
func (c *Controller) Register(streamID string, consumer ports.ChunkConsumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.streams[streamID]; exists {
		return fmt.Errorf("stream %s already registered", streamID)
	}
	c.streams[streamID] = &streamState{
		id:           streamID,
		consumer:     consumer,
		buf:          c.bufPool.Get(),
		unacked:      make(map[string]*domain.Chunk),
		ackTimers:    make(map[string]*time.Timer),
		ackLatency:   stats.NewReservoirSampler(ackLatencySamples),
		throughput:   stats.NewReservoirSampler(throughputSamples),
		chunkSizes:   stats.NewReservoirSampler(chunkSizeSamples),
		registeredAt: time.Now(),
	}
	return nil
}

// EnqueueToken appends one token to the stream's open chunk, flushing on
// size or finality. Blocks while the unacked window is full.
func (c *Controller) EnqueueToken(ctx context.Context, streamID string, tok domain.Token) error {
	st := c.lookup(streamID)
	if st == nil {
		return fmt.Errorf("unknown stream %s", streamID)
	}

	if err := c.waitForWindow(ctx, st); err != nil {
		return err
	}

	st.mu.Lock()
	if st.closing || st.closed {
		st.mu.Unlock()
		return fmt.Errorf("stream %s is closed", streamID)
	}
	if st.failed != nil {
		err := st.failed
		st.mu.Unlock()
		return err
	}

	st.buf.tokens = append(st.buf.tokens, tok)
	st.buf.size += tok.Size()
	st.tokensIn++

	var queued bool
	switch {
	case tok.IsFinal:
		queued = c.queueChunkLocked(st, domain.FlushFinal)
	case st.buf.size >= c.cfg.ChunkSizeBytes:
		queued = c.queueChunkLocked(st, domain.FlushSize)
	case len(st.buf.tokens) == 1:
		c.armFlushTimerLocked(st)
	}
	st.mu.Unlock()

	if !queued {
		return nil
	}
	c.pump(st)

	st.mu.Lock()
	err := st.failed
	st.mu.Unlock()
	return err
}

// Flush forces the open chunk out regardless of size.
func (c *Controller) Flush(ctx context.Context, streamID string) error {
	st := c.lookup(streamID)
	if st == nil {
		return fmt.Errorf("unknown stream %s", streamID)
	}

	st.mu.Lock()
	queued := c.queueChunkLocked(st, domain.FlushManual)
	st.mu.Unlock()

	if !queued {
		return nil
	}
	c.pump(st)

	st.mu.Lock()
	err := st.failed
	st.mu.Unlock()
	return err
}

// Ack confirms consumer receipt of a chunk, cancels its timeout timer and
// releases a blocked producer if the window just reopened.
func (c *Controller) Ack(streamID, chunkID string) error {
	st := c.lookup(streamID)
	if st == nil {
		return fmt.Errorf("unknown stream %s", streamID)
	}

	st.mu.Lock()
	chunk, ok := st.unacked[chunkID]
	if !ok {
		st.mu.Unlock()
		return fmt.Errorf("chunk %s not awaiting ack on stream %s", chunkID, streamID)
	}
	delete(st.unacked, chunkID)
	if t := st.ackTimers[chunkID]; t != nil {
		t.Stop()
		delete(st.ackTimers, chunkID)
	}
	chunk.AckedAt = time.Now()
	st.chunksAcked++
	c.totalAcked.Add(1)

	ackLag := chunk.AckedAt.Sub(chunk.SentAt)
	st.ackLatency.Add(ackLag.Milliseconds())
	if secs := ackLag.Seconds(); secs > 0 {
		st.throughput.Add(int64(float64(chunk.SizeBytes) / secs))
	}
	slow := c.cfg.SlowConsumerThreshold > 0 && ackLag > c.cfg.SlowConsumerThreshold

	released := st.pressured && len(st.unacked) < c.cfg.MaxUnackedChunks
	if released {
		st.pressured = false
	}
	c.wakeWaitersLocked(st, nil)
	st.mu.Unlock()

	if slow {
		c.events.Publish(Event{
			Type: EventSlowConsumer, StreamID: streamID, ChunkID: chunkID,
			AckLag: ackLag, Timestamp: time.Now(),
		})
		c.logger.Warn("Slow stream consumer", "stream", streamID, "chunk", chunkID, "ack_lag", ackLag)
	}
	if released {
		c.events.Publish(Event{Type: EventBackpressureRelease, StreamID: streamID, Timestamp: time.Now()})
	}

	// The freed window capacity may let queued chunks through.
	c.pump(st)
	return nil
}

// Unregister flushes any buffered tokens as a last chunk, then tears the
// stream down once the outbox drains. Blocked producers are rejected.
func (c *Controller) Unregister(streamID string) {
	c.mu.Lock()
	st := c.streams[streamID]
	delete(c.streams, streamID)
	c.mu.Unlock()

	if st == nil {
		return
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closing = true
	if st.flushTimer != nil {
		st.flushTimer.Stop()
		st.flushTimer = nil
	}
	if st.failed == nil {
		c.queueChunkLocked(st, domain.FlushFinal)
	}
	c.wakeWaitersLocked(st, fmt.Errorf("stream %s closed before backpressure cleared", streamID))
	st.mu.Unlock()

	c.pump(st)
}

func (c *Controller) lookup(streamID string) *streamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[streamID]
}

// waitForWindow blocks the producer while maxUnackedChunks are outstanding.
func (c *Controller) waitForWindow(ctx context.Context, st *streamState) error {
	for {
		st.mu.Lock()
		if st.failed != nil {
			err := st.failed
			st.mu.Unlock()
			return err
		}
		if st.closing || st.closed {
			st.mu.Unlock()
			return fmt.Errorf("stream %s is closed", st.id)
		}
		if len(st.unacked) < c.cfg.MaxUnackedChunks {
			st.mu.Unlock()
			return nil
		}
		if !st.pressured {
			st.pressured = true
			st.mu.Unlock()
			c.events.Publish(Event{Type: EventBackpressureApplied, StreamID: st.id, Timestamp: time.Now()})
			st.mu.Lock()
		}
		wait := make(chan error, 1)
		st.waiters = append(st.waiters, wait)
		st.mu.Unlock()

		select {
		case err := <-wait:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return domain.NewCancelledError("stream producer cancelled under backpressure")
		}
	}
}

func (c *Controller) wakeWaitersLocked(st *streamState, err error) {
	for _, w := range st.waiters {
		w <- err
	}
	st.waiters = nil
}

// sealLocked closes the open buffer into a chunk. Returns nil when there is
// nothing buffered.
func (c *Controller) sealLocked(st *streamState, reason domain.FlushReason) *domain.Chunk {
	if st.flushTimer != nil {
		st.flushTimer.Stop()
		st.flushTimer = nil
	}
	if st.buf == nil || len(st.buf.tokens) == 0 {
		return nil
	}

	st.seq++
	tokens := make([]domain.Token, len(st.buf.tokens))
	copy(tokens, st.buf.tokens)

	chunk := &domain.Chunk{
		ID:        uuid.NewString(),
		StreamID:  st.id,
		Sequence:  st.seq,
		Tokens:    tokens,
		SizeBytes: st.buf.size,
		CreatedAt: time.Now(),
		Final:     reason == domain.FlushFinal,
		Reason:    reason,
	}
	st.buf.Reset()
	return chunk
}

// queueChunkLocked seals the open buffer and appends the chunk to the
// outbox. Sealing and queueing under one lock hold keeps the outbox in
// sequence order.
func (c *Controller) queueChunkLocked(st *streamState, reason domain.FlushReason) bool {
	chunk := c.sealLocked(st, reason)
	if chunk == nil {
		return false
	}
	st.outbox = append(st.outbox, chunk)
	return true
}

func (c *Controller) armFlushTimerLocked(st *streamState) {
	if c.cfg.ChunkTimeout <= 0 {
		return
	}
	st.flushTimer = time.AfterFunc(c.cfg.ChunkTimeout, func() {
		st.mu.Lock()
		queued := c.queueChunkLocked(st, domain.FlushTimeout)
		st.mu.Unlock()
		if queued {
			c.pump(st)
		}
	})
}

// pump drains the outbox one chunk at a time. At most one delivery is in
// flight per stream; whichever goroutine seals a chunk while the stream is
// idle carries the drain, so chunks complete in sequence order. Every
// dispatch waits for ack-window capacity, except during teardown where
// nothing can ack anymore.
func (c *Controller) pump(st *streamState) {
	for {
		st.mu.Lock()
		if st.sending || st.closed {
			st.mu.Unlock()
			return
		}
		if st.failed != nil || len(st.outbox) == 0 {
			if st.closing {
				c.teardownLocked(st)
			}
			st.mu.Unlock()
			return
		}
		if !st.closing && len(st.unacked) >= c.cfg.MaxUnackedChunks {
			// Ack reopens the window and resumes the drain.
			st.mu.Unlock()
			return
		}

		chunk := st.outbox[0]
		st.outbox = st.outbox[1:]
		st.sending = true
		chunk.SentAt = time.Now()
		st.chunksSent++
		st.bytesSent += int64(chunk.SizeBytes)
		st.chunkSizes.Add(int64(chunk.SizeBytes))
		if !st.closing {
			st.unacked[chunk.ID] = chunk
			if c.cfg.AckTimeout > 0 {
				id := chunk.ID
				st.ackTimers[id] = time.AfterFunc(c.cfg.AckTimeout, func() {
					c.onAckTimeout(st, id)
				})
			}
		}
		st.mu.Unlock()
		c.totalSent.Add(1)

		err := st.consumer.SendChunk(context.Background(), chunk)

		st.mu.Lock()
		st.sending = false
		if err != nil {
			delete(st.unacked, chunk.ID)
			if t := st.ackTimers[chunk.ID]; t != nil {
				t.Stop()
				delete(st.ackTimers, chunk.ID)
			}
			st.failed = fmt.Errorf("send chunk %s: %w", chunk.ID, err)
			c.wakeWaitersLocked(st, st.failed)
			st.mu.Unlock()
			c.logger.Warn("Chunk delivery failed", "stream", st.id, "chunk", chunk.ID, "error", err)
			continue
		}
		st.mu.Unlock()
	}
}

// onAckTimeout drops the overdue chunk, counts a cancellation and frees its
// window slot. The stream itself keeps going.
func (c *Controller) onAckTimeout(st *streamState, chunkID string) {
	st.mu.Lock()
	if _, pending := st.unacked[chunkID]; !pending || st.closed {
		st.mu.Unlock()
		return
	}
	delete(st.unacked, chunkID)
	delete(st.ackTimers, chunkID)
	st.cancellations++
	released := st.pressured && len(st.unacked) < c.cfg.MaxUnackedChunks
	if released {
		st.pressured = false
	}
	c.wakeWaitersLocked(st, nil)
	st.mu.Unlock()

	c.events.Publish(Event{
		Type: EventChunkTimeout, StreamID: st.id, ChunkID: chunkID, Timestamp: time.Now(),
	})
	if released {
		c.events.Publish(Event{Type: EventBackpressureRelease, StreamID: st.id, Timestamp: time.Now()})
	}
	c.logger.Warn("Chunk ack timed out, dropping", "stream", st.id, "chunk", chunkID, "timeout", c.cfg.AckTimeout)
	c.pump(st)
}

// teardownLocked finishes an unregistered stream after its outbox drained.
func (c *Controller) teardownLocked(st *streamState) {
	if st.closed {
		return
	}
	st.closed = true
	if st.flushTimer != nil {
		st.flushTimer.Stop()
		st.flushTimer = nil
	}
	for id, t := range st.ackTimers {
		t.Stop()
		delete(st.ackTimers, id)
	}
	st.unacked = map[string]*domain.Chunk{}
	st.outbox = nil
	c.wakeWaitersLocked(st, fmt.Errorf("stream %s is closed", st.id))
	if st.buf != nil {
		c.bufPool.Put(st.buf)
		st.buf = nil
	}
}

// StreamMetrics is a per-stream snapshot.
type StreamMetrics struct {
	StreamID        string
	TokensIn        int64
	ChunksSent      int64
	ChunksAcked     int64
	BytesSent       int64
	Unacked         int
	Pressured       bool
	Cancellations   int64
	AckLatencyMs    int64
	AckLatencyP95Ms int64
	ThroughputBps   int64
	AvgChunkBytes   int64
	Age             time.Duration
}

func (c *Controller) Snapshot() []StreamMetrics {
	c.mu.Lock()
	states := make([]*streamState, 0, len(c.streams))
	for _, st := range c.streams {
		states = append(states, st)
	}
	c.mu.Unlock()

	now := time.Now()
	out := make([]StreamMetrics, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, StreamMetrics{
			StreamID:        st.id,
			TokensIn:        st.tokensIn,
			ChunksSent:      st.chunksSent,
			ChunksAcked:     st.chunksAcked,
			BytesSent:       st.bytesSent,
			Unacked:         len(st.unacked),
			Pressured:       st.pressured,
			Cancellations:   st.cancellations,
			AckLatencyMs:    st.ackLatency.Mean(),
			AckLatencyP95Ms: st.ackLatency.Percentile(95),
			ThroughputBps:   st.throughput.Mean(),
			AvgChunkBytes:   st.chunkSizes.Mean(),
			Age:             now.Sub(st.registeredAt),
		})
		st.mu.Unlock()
	}
	return out
}

// Totals reports monotonic chunk counters across all streams, including
// streams that have since been unregistered.
func (c *Controller) Totals() (sent, acked int64) {
	return c.totalSent.Load(), c.totalAcked.Load()
}

// ActiveStreams reports the number of registered streams.
func (c *Controller) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *Controller) exportMetrics() {
	for _, m := range c.Snapshot() {
		c.logger.Debug("Stream metrics",
			"stream", m.StreamID,
			"tokens", m.TokensIn,
			"chunks_sent", m.ChunksSent,
			"chunks_acked", m.ChunksAcked,
			"bytes", m.BytesSent,
			"unacked", m.Unacked,
			"pressured", m.Pressured,
			"cancellations", m.Cancellations,
			"ack_p95_ms", m.AckLatencyP95Ms)
	}
}
