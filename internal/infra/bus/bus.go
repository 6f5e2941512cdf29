// Package bus provides the in-process publish/subscribe fabric that decouples
// agent completion from follow-on fan-out. Subscriptions come in two flavors:
// reliable subscribers (the follow-on chain) never miss an event, a publisher
// blocks until they accept delivery; best-effort subscribers (observers) are
// buffered and drop events rather than stalling publishers.
package bus

import (
	"log/slog"
	"sync"

	"github.com/pharmaq-ai/pharmaq/internal/domain"
)

const defaultBuffer = 64

type subscriber struct {
	id       int
	ch       chan domain.Event
	reliable bool
	done     chan struct{} // closed on unsubscribe, releases blocked publishers
}

// Bus is a topic-keyed fan-out of domain events.
type Bus struct {
	mu        sync.RWMutex
	log       *slog.Logger
	buffer    int
	nextID    int
	topics    map[string][]*subscriber
	done      chan struct{} // closed on Close, releases blocked publishers
	closeOnce sync.Once
	closed    bool
}

// New creates a bus whose subscriber channels hold up to buffer events.
func New(buffer int, log *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:    log,
		buffer: buffer,
		topics: make(map[string][]*subscriber),
		done:   make(chan struct{}),
	}
}

// Subscribe registers a best-effort subscriber: events published while its
// buffer is full are dropped. Returns the receive channel plus an unsubscribe
// func. Unsubscribe closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(topic string) (<-chan domain.Event, func()) {
	return b.subscribe(topic, false)
}

// SubscribeReliable registers a lossless subscriber: Publish blocks until the
// subscriber accepts the event (or it unsubscribes, or the bus closes). Meant
// for in-process consumers that must see every event, like the follow-on
// chain; the consumer must keep draining its channel.
func (b *Bus) SubscribeReliable(topic string) (<-chan domain.Event, func()) {
	return b.subscribe(topic, true)
}

func (b *Bus) subscribe(topic string, reliable bool) (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{
		id:       b.nextID,
		ch:       make(chan domain.Event, b.buffer),
		reliable: reliable,
		done:     make(chan struct{}),
	}
	b.nextID++
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.topics[topic] = append(b.topics[topic], sub)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			// Release any publisher blocked on this subscriber before taking
			// the write lock it holds read-side.
			close(sub.done)
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.topics[topic]
			for i, s := range subs {
				if s.id == sub.id {
					b.topics[topic] = append(subs[:i], subs[i+1:]...)
					close(s.ch)
					return
				}
			}
		})
	}
	return sub.ch, unsubscribe
}

// Publish delivers ev to every current subscriber of topic. Reliable
// subscribers always receive it; best-effort subscribers with a full buffer
// miss this event.
func (b *Bus) Publish(topic string, ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.topics[topic] {
		if sub.reliable {
			select {
			case sub.ch <- ev:
			case <-sub.done:
			case <-b.done:
				return
			}
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("event bus subscriber buffer full, dropping event",
				"topic", topic, "job_id", ev.JobID, "role", ev.ProducingRole)
		}
	}
}

// Close closes every subscriber channel. Publish and Subscribe after Close
// are no-ops.
func (b *Bus) Close() {
	// Release blocked publishers first; they hold the read lock.
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.topics = make(map[string][]*subscriber)
}

// SubscriberCount reports the subscribers registered for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
