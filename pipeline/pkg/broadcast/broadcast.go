// Package broadcast fans queue lifecycle events out to SSE subscribers and
// keeps a short per-queue history so new subscribers can catch up.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
)

const (
	subscriberBuffer  = 64
	historySize       = 200
	heartbeatInterval = 30 * time.Second
)

// RingBuffer is a fixed-size circular buffer of events.
type RingBuffer struct {
	events []queue.Event
	size   int
	pos    int
	full   bool
	mu     sync.RWMutex
}

func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]queue.Event, size),
		size:   size,
	}
}

func (rb *RingBuffer) Append(ev queue.Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.events[rb.pos] = ev
	rb.pos = (rb.pos + 1) % rb.size
	if rb.pos == 0 {
		rb.full = true
	}
}

// GetAll returns the buffered events in chronological order.
func (rb *RingBuffer) GetAll() []queue.Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]queue.Event, rb.pos)
		copy(result, rb.events[:rb.pos])
		return result
	}

	result := make([]queue.Event, rb.size)
	copy(result, rb.events[rb.pos:])
	copy(result[rb.size-rb.pos:], rb.events[:rb.pos])
	return result
}

// GetRecent returns the last n events.
func (rb *RingBuffer) GetRecent(n int) []queue.Event {
	all := rb.GetAll()
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// Broadcaster consumes the queue's event stream and distributes it.
type Broadcaster struct {
	log         *slog.Logger
	queue       queue.Queue
	buffers     map[string]*RingBuffer
	subscribers []subscription
	mu          sync.RWMutex
}

type subscription struct {
	ch    chan queue.Event
	queue string // empty subscribes to all queues
}

func New(log *slog.Logger, q queue.Queue) *Broadcaster {
	return &Broadcaster{
		log:     log,
		queue:   q,
		buffers: make(map[string]*RingBuffer),
	}
}

// Run consumes queue events until the context is cancelled. Heartbeat events
// keep idle SSE connections from being reaped by proxies.
func (b *Broadcaster) Run(ctx context.Context) {
	events, cancel := b.queue.Subscribe()
	defer cancel()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	b.log.Info("broadcaster: started")
	for {
		select {
		case <-ctx.Done():
			b.log.Info("broadcaster: stopped")
			return
		case ev, ok := <-events:
			if !ok {
				b.log.Warn("broadcaster: queue event stream closed")
				return
			}
			b.Publish(ev)
		case now := <-ticker.C:
			b.fanout(queue.Event{Kind: "heartbeat", Timestamp: now.UTC()})
		}
	}
}

// Publish records an event in its queue's history and fans it out.
func (b *Broadcaster) Publish(ev queue.Event) {
	b.mu.Lock()
	if _, ok := b.buffers[ev.Queue]; !ok {
		b.buffers[ev.Queue] = NewRingBuffer(historySize)
	}
	b.buffers[ev.Queue].Append(ev)
	b.mu.Unlock()

	b.fanout(ev)
}

func (b *Broadcaster) fanout(ev queue.Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.queue != "" && ev.Kind != "heartbeat" && sub.queue != ev.Queue {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Don't block if a subscriber is slow.
		}
	}
}

// Subscribe registers a channel receiving events for one queue, or every
// queue when queueName is empty. Heartbeats are delivered regardless.
func (b *Broadcaster) Subscribe(queueName string) chan queue.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan queue.Event, subscriberBuffer)
	b.subscribers = append(b.subscribers, subscription{ch: ch, queue: queueName})
	return ch
}

// Unsubscribe removes a subscription channel.
func (b *Broadcaster) Unsubscribe(ch chan queue.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub.ch == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			break
		}
	}
}

// Recent returns the newest buffered events for one queue.
func (b *Broadcaster) Recent(queueName string, limit int) []queue.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf, ok := b.buffers[queueName]
	if !ok {
		return []queue.Event{}
	}
	return buf.GetRecent(limit)
}

// SubscriberCount reports active subscriptions, for the status endpoint.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
