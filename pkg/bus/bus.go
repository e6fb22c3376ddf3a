// Package bus implements the in-process message transport used between the
// controller and workers: topic-based publish/subscribe with JSON payloads.
// Per-topic ordering is preserved for a single publisher, which gives the
// token* (done|error) ordering guarantee on reply topics.
package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/convoy-ml/convoy/pkg/eventbus"
)

var ErrBusClosed = errors.New("bus: shut down")

const DefaultTopicBuffer = 1024

type InProcessBus struct {
	topics     *xsync.Map[string, *eventbus.EventBus[[]byte]]
	bufferSize int
	isShutdown atomic.Bool
}

func NewInProcess() *InProcessBus {
	return NewInProcessWithBuffer(DefaultTopicBuffer)
}

func NewInProcessWithBuffer(bufferSize int) *InProcessBus {
	if bufferSize <= 0 {
		bufferSize = DefaultTopicBuffer
	}
	return &InProcessBus{
		topics:     xsync.NewMap[string, *eventbus.EventBus[[]byte]](),
		bufferSize: bufferSize,
	}
}

// Publish delivers to current subscribers of the topic. Publishing to a
// topic nobody listens on is not an error; the message is simply lost, the
// same as a fire-and-forget broker.
func (b *InProcessBus) Publish(ctx context.Context, topic string, data []byte) error {
	if b.isShutdown.Load() {
		return ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if eb, ok := b.topics.Load(topic); ok {
		eb.Publish(data)
	}
	return nil
}

// Subscribe registers interest in a topic. The returned cancel function must
// be called to release the subscription; when the last subscriber leaves,
// the topic is removed so per-request reply topics do not accumulate.
func (b *InProcessBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	if b.isShutdown.Load() {
		return nil, nil, ErrBusClosed
	}

	eb, _ := b.topics.LoadOrCompute(topic, func() (*eventbus.EventBus[[]byte], bool) {
		return eventbus.NewWithConfig[[]byte](eventbus.Config{
			BufferSize:    b.bufferSize,
			CleanupPeriod: 0, // topic lifetime is managed here, not by the inner bus
		}), false
	})

	ch, cleanup := eb.Subscribe(ctx)

	cancel := func() {
		cleanup()
		if eb.Stats().ActiveSubscribers == 0 {
			b.topics.Delete(topic)
		}
	}

	return ch, cancel, nil
}

// Shutdown closes every topic. Subsequent publishes fail with ErrBusClosed.
func (b *InProcessBus) Shutdown() {
	if !b.isShutdown.CompareAndSwap(false, true) {
		return
	}
	b.topics.Range(func(topic string, eb *eventbus.EventBus[[]byte]) bool {
		eb.Shutdown()
		return true
	})
	b.topics.Clear()
}

// TopicCount reports the number of live topics, used by tests and the
// status endpoint.
func (b *InProcessBus) TopicCount() int {
	count := 0
	b.topics.Range(func(string, *eventbus.EventBus[[]byte]) bool {
		count++
		return true
	})
	return count
}
