package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/convoy-ml/convoy/internal/config"
	"github.com/convoy-ml/convoy/internal/core/domain"
	"github.com/convoy-ml/convoy/internal/logger"
)

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		ChunkSizeBytes:        32,
		ChunkTimeout:          0, // tests flush explicitly unless stated
		MaxUnackedChunks:      2,
		AckTimeout:            0,
		SlowConsumerThreshold: 0,
	}
}

// recordingConsumer captures chunks in arrival order.
type recordingConsumer struct {
	mu     sync.Mutex
	chunks []*domain.Chunk
}

func (r *recordingConsumer) SendChunk(ctx context.Context, chunk *domain.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *recordingConsumer) all() []*domain.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Chunk(nil), r.chunks...)
}

func tok(id int, text string) domain.Token {
	return domain.Token{ID: id, Text: text, SizeBytes: len(text)}
}

func TestStreamChunksBySize(t *testing.T) {
	c := NewController(testStreamConfig(), logger.NewDiscard())
	defer c.Stop()

	consumer := &recordingConsumer{}
	if err := c.Register("s1", consumer); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	// 4 tokens of 10 bytes: the 4th pushes the buffer past 32 bytes.
	for i := 0; i < 4; i++ {
		if err := c.EnqueueToken(ctx, "s1", tok(i, "0123456789")); err != nil {
			t.Fatalf("EnqueueToken(%d): %v", i, err)
		}
	}

	chunks := consumer.all()
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1 size-triggered flush", len(chunks))
	}
	if chunks[0].Reason != domain.FlushSize {
		t.Fatalf("reason = %s, want size", chunks[0].Reason)
	}
	if len(chunks[0].Tokens) != 4 || chunks[0].SizeBytes != 40 {
		t.Fatalf("chunk = %d tokens / %d bytes", len(chunks[0].Tokens), chunks[0].SizeBytes)
	}
	if chunks[0].Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", chunks[0].Sequence)
	}
}

func TestStreamFinalTokenFlushes(t *testing.T) {
	c := NewController(testStreamConfig(), logger.NewDiscard())
	defer c.Stop()

	consumer := &recordingConsumer{}
	if err := c.Register("s1", consumer); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if err := c.EnqueueToken(ctx, "s1", tok(0, "hi")); err != nil {
		t.Fatalf("EnqueueToken: %v", err)
	}
	final := tok(1, "bye")
	final.IsFinal = true
	if err := c.EnqueueToken(ctx, "s1", final); err != nil {
		t.Fatalf("EnqueueToken(final): %v", err)
	}

	chunks := consumer.all()
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if !chunks[0].Final || chunks[0].Reason != domain.FlushFinal {
		t.Fatalf("chunk = %+v, want final", chunks[0])
	}
}

func TestStreamDuplicateRegistration(t *testing.T) {
	c := NewController(testStreamConfig(), logger.NewDiscard())
	defer c.Stop()

	if err := c.Register("s1", &recordingConsumer{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Register("s1", &recordingConsumer{}); err == nil {
		t.Fatal("duplicate Register succeeded")
	}
}

func TestStreamBackpressureBlocksUntilAck(t *testing.T) {
	cfg := testStreamConfig()
	cfg.ChunkSizeBytes = 4
	cfg.MaxUnackedChunks = 2
	c := NewController(cfg, logger.NewDiscard())
	defer c.Stop()

	consumer := &recordingConsumer{}
	if err := c.Register("s1", consumer); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	// Two unacked chunks fill the window.
	for i := 0; i < 2; i++ {
		if err := c.EnqueueToken(ctx, "s1", tok(i, "abcd")); err != nil {
			t.Fatalf("EnqueueToken: %v", err)
		}
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- c.EnqueueToken(ctx, "s1", tok(2, "abcd"))
	}()

	select {
	case err := <-blocked:
		t.Fatalf("producer not blocked by the full window (err=%v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Acking one chunk reopens the window.
	first := consumer.all()[0]
	if err := c.Ack("s1", first.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("blocked producer failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after ack")
	}
}

func TestStreamBackpressureEvents(t *testing.T) {
	cfg := testStreamConfig()
	cfg.ChunkSizeBytes = 4
	cfg.MaxUnackedChunks = 1
	c := NewController(cfg, logger.NewDiscard())
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := c.Events().Subscribe(ctx)

	consumer := &recordingConsumer{}
	if err := c.Register("s1", consumer); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := c.EnqueueToken(ctx, "s1", tok(0, "abcd")); err != nil {
		t.Fatalf("EnqueueToken: %v", err)
	}
	go func() {
		_ = c.EnqueueToken(ctx, "s1", tok(1, "abcd"))
	}()

	waitEvent(t, events, EventBackpressureApplied)

	if err := c.Ack("s1", consumer.all()[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	waitEvent(t, events, EventBackpressureRelease)
}

func waitEvent(t *testing.T, events <-chan Event, eventType string) {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == eventType {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event", eventType)
		}
	}
}

func TestStreamAckTimeoutDropsChunk(t *testing.T) {
	cfg := testStreamConfig()
	cfg.ChunkSizeBytes = 4
	cfg.AckTimeout = 20 * time.Millisecond
	c := NewController(cfg, logger.NewDiscard())
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := c.Events().Subscribe(ctx)

	consumer := &recordingConsumer{}
	if err := c.Register("s1", consumer); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := c.EnqueueToken(ctx, "s1", tok(0, "abcd")); err != nil {
		t.Fatalf("EnqueueToken: %v", err)
	}

	waitEvent(t, events, EventChunkTimeout)

	// The dropped chunk is gone from the pending map.
	if err := c.Ack("s1", consumer.all()[0].ID); err == nil {
		t.Fatal("Ack succeeded for a dropped chunk")
	}

	// The stream itself stays usable.
	if err := c.EnqueueToken(ctx, "s1", tok(1, "efgh")); err != nil {
		t.Fatalf("stream unusable after ack timeout: %v", err)
	}
	if got := len(consumer.all()); got != 2 {
		t.Fatalf("chunks = %d, want delivery to continue", got)
	}

	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].Cancellations != 1 {
		t.Fatalf("snapshot = %+v, want one recorded cancellation", snap)
	}
}

// gatedConsumer blocks inside the first SendChunk until released, recording
// the order deliveries start and finish.
type gatedConsumer struct {
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	started  []uint64
	finished []uint64
}

func (g *gatedConsumer) SendChunk(ctx context.Context, chunk *domain.Chunk) error {
	g.mu.Lock()
	g.started = append(g.started, chunk.Sequence)
	first := len(g.started) == 1
	g.mu.Unlock()

	if first {
		close(g.entered)
		<-g.release
	}

	g.mu.Lock()
	g.finished = append(g.finished, chunk.Sequence)
	g.mu.Unlock()
	return nil
}

func (g *gatedConsumer) startedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.started)
}

func (g *gatedConsumer) finishedSeqs() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint64(nil), g.finished...)
}

func TestStreamSingleFlightDelivery(t *testing.T) {
	cfg := testStreamConfig()
	cfg.ChunkTimeout = 15 * time.Millisecond
	cfg.MaxUnackedChunks = 100
	c := NewController(cfg, logger.NewDiscard())
	defer c.Stop()

	consumer := &gatedConsumer{entered: make(chan struct{}), release: make(chan struct{})}
	if err := c.Register("s1", consumer); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	// A small token waits for the flush timer to seal it.
	if err := c.EnqueueToken(ctx, "s1", tok(0, "hi")); err != nil {
		t.Fatalf("EnqueueToken: %v", err)
	}

	<-consumer.entered // chunk 1 is mid-delivery

	// A size flush while chunk 1 is in flight must queue behind it.
	if err := c.EnqueueToken(ctx, "s1", tok(1, "0123456789012345678901234567890123456789")); err != nil {
		t.Fatalf("EnqueueToken: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if got := consumer.startedCount(); got != 1 {
		t.Fatalf("deliveries in flight = %d, want the second to wait", got)
	}

	close(consumer.release)

	deadline := time.Now().Add(time.Second)
	for len(consumer.finishedSeqs()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("queued chunk never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if seqs := consumer.finishedSeqs(); seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("completion order = %v, want [1 2]", seqs)
	}
}

func TestStreamAckStatsRecorded(t *testing.T) {
	cfg := testStreamConfig()
	cfg.ChunkSizeBytes = 4
	c := NewController(cfg, logger.NewDiscard())
	defer c.Stop()

	consumer := &recordingConsumer{}
	if err := c.Register("s1", consumer); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if err := c.EnqueueToken(ctx, "s1", tok(0, "abcd")); err != nil {
		t.Fatalf("EnqueueToken: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if err := c.Ack("s1", consumer.all()[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot streams = %d, want 1", len(snap))
	}
	m := snap[0]
	if m.ChunksAcked != 1 {
		t.Fatalf("acked = %d, want 1", m.ChunksAcked)
	}
	if m.AckLatencyMs < 10 {
		t.Fatalf("ack latency mean = %dms, want the observed lag recorded", m.AckLatencyMs)
	}
	if m.AckLatencyP95Ms < m.AckLatencyMs {
		t.Fatalf("p95 = %dms below mean %dms", m.AckLatencyP95Ms, m.AckLatencyMs)
	}
	if m.ThroughputBps <= 0 {
		t.Fatalf("throughput = %d, want a positive sample", m.ThroughputBps)
	}
	if m.AvgChunkBytes != 4 {
		t.Fatalf("avg chunk bytes = %d, want 4", m.AvgChunkBytes)
	}
}

func TestStreamSlowConsumerEvent(t *testing.T) {
	cfg := testStreamConfig()
	cfg.ChunkSizeBytes = 4
	cfg.SlowConsumerThreshold = 10 * time.Millisecond
	c := NewController(cfg, logger.NewDiscard())
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := c.Events().Subscribe(ctx)

	consumer := &recordingConsumer{}
	if err := c.Register("s1", consumer); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.EnqueueToken(ctx, "s1", tok(0, "abcd")); err != nil {
		t.Fatalf("EnqueueToken: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // ack lag beyond the threshold
	if err := c.Ack("s1", consumer.all()[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	waitEvent(t, events, EventSlowConsumer)
}

func TestStreamUnregisterReleasesProducer(t *testing.T) {
	cfg := testStreamConfig()
	cfg.ChunkSizeBytes = 4
	cfg.MaxUnackedChunks = 1
	c := NewController(cfg, logger.NewDiscard())
	defer c.Stop()

	consumer := &recordingConsumer{}
	if err := c.Register("s1", consumer); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if err := c.EnqueueToken(ctx, "s1", tok(0, "abcd")); err != nil {
		t.Fatalf("EnqueueToken: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- c.EnqueueToken(ctx, "s1", tok(1, "abcd"))
	}()
	time.Sleep(20 * time.Millisecond)

	c.Unregister("s1")

	select {
	case err := <-blocked:
		if err == nil {
			t.Fatal("producer succeeded on a closed stream")
		}
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after unregister")
	}

	if c.ActiveStreams() != 0 {
		t.Fatalf("active streams = %d, want 0", c.ActiveStreams())
	}
}

func TestStreamUnregisterFlushesBufferedTokens(t *testing.T) {
	c := NewController(testStreamConfig(), logger.NewDiscard())
	defer c.Stop()

	consumer := &recordingConsumer{}
	if err := c.Register("s1", consumer); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Two small tokens stay below the chunk size, so nothing flushes yet.
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := c.EnqueueToken(ctx, "s1", tok(i, "hi")); err != nil {
			t.Fatalf("EnqueueToken(%d): %v", i, err)
		}
	}
	if len(consumer.all()) != 0 {
		t.Fatal("flushed before unregister")
	}

	c.Unregister("s1")

	chunks := consumer.all()
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want buffered tokens flushed as one chunk", len(chunks))
	}
	if !chunks[0].Final || len(chunks[0].Tokens) != 2 {
		t.Fatalf("tail chunk = final %v / %d tokens", chunks[0].Final, len(chunks[0].Tokens))
	}
}

func TestStreamSequencesAreMonotonic(t *testing.T) {
	cfg := testStreamConfig()
	cfg.ChunkSizeBytes = 4
	cfg.MaxUnackedChunks = 100
	c := NewController(cfg, logger.NewDiscard())
	defer c.Stop()

	consumer := &recordingConsumer{}
	if err := c.Register("s1", consumer); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := c.EnqueueToken(ctx, "s1", tok(i, fmt.Sprintf("tok%d", i))); err != nil {
			t.Fatalf("EnqueueToken: %v", err)
		}
	}

	chunks := consumer.all()
	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Sequence != uint64(i+1) {
			t.Fatalf("sequence[%d] = %d", i, ch.Sequence)
		}
	}
}
