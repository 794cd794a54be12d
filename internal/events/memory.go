package events

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/case-surveillance-pipeline/internal/domain"
)

const memoryQueueSize = 4096

// MemoryBus is an in-process Publisher and Subscriber with the same
// redelivery semantics as RedisBus. It backs tests and single-process runs.
type MemoryBus struct {
	mu         sync.Mutex
	queues     map[string]chan Message
	published  map[string][]Message
	seq        atomic.Int64
	pending    atomic.Int64
	requeues   atomic.Int64
	retryDelay time.Duration
	queueSize  int
	done       chan struct{}
	closeOnce  sync.Once
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues:     make(map[string]chan Message),
		published:  make(map[string][]Message),
		retryDelay: 10 * time.Millisecond,
		queueSize:  memoryQueueSize,
		done:       make(chan struct{}),
	}
}

// Close stops every consumer and drops redeliveries that are still waiting
// for room in their queue.
func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

func (b *MemoryBus) queue(stream string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[stream]
	if !ok {
		q = make(chan Message, b.queueSize)
		b.queues[stream] = q
	}
	return q
}

// Publish enqueues the event on its stream.
func (b *MemoryBus) Publish(ctx context.Context, event domain.Event) error {
	stream, payload, err := encode(event)
	if err != nil {
		return err
	}
	return b.PublishRaw(ctx, stream, event.EventType(), payload)
}

// PublishRaw enqueues an encoded payload on stream.
func (b *MemoryBus) PublishRaw(ctx context.Context, stream string, eventType domain.EventType, payload []byte) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	msg := Message{
		Stream:  stream,
		ID:      strconv.FormatInt(b.seq.Add(1), 10) + "-0",
		Type:    eventType,
		Payload: append([]byte(nil), payload...),
	}

	b.mu.Lock()
	b.published[stream] = append(b.published[stream], msg)
	b.mu.Unlock()

	b.pending.Add(1)
	select {
	case b.queue(stream) <- msg:
		return nil
	case <-ctx.Done():
		b.pending.Add(-1)
		return ctx.Err()
	case <-b.done:
		b.pending.Add(-1)
		return ErrBusClosed
	}
}

// Consume delivers messages of stream to p until ctx is done. Messages left
// for redelivery are enqueued again after a short delay.
func (b *MemoryBus) Consume(ctx context.Context, stream, _ string, p *Processor) error {
	q := b.queue(stream)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case msg := <-q:
			msg.Deliveries++
			if p.Process(ctx, msg) != OutcomeRetry {
				b.pending.Add(-1)
				continue
			}
			b.requeue(q, msg)
		}
	}
}

func (b *MemoryBus) requeue(q chan Message, msg Message) {
	b.requeues.Add(1)
	time.AfterFunc(b.retryDelay, func() {
		defer b.requeues.Add(-1)
		select {
		case q <- msg:
		case <-b.done:
		}
	})
}

// Published returns every message ever published to stream.
func (b *MemoryBus) Published(stream string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published[stream]...)
}

// Pending returns the number of messages not yet acknowledged or parked.
func (b *MemoryBus) Pending() int64 {
	return b.pending.Load()
}

// WaitIdle blocks until no message is pending or ctx is done.
func (b *MemoryBus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
