// Package eventbus implements the in-process typed publish/subscribe bus
// that decouples the live ingestion path from everything that reacts to
// it. Delivery is best-effort and non-blocking: publish is a synchronous
// enqueue into per-subscriber bounded channels, drained independently by
// each subscriber's own goroutine, so a slow or wedged subscriber can
// never stall the Aggregator.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic names exactly as enumerated in the external interface contract.
const (
	TopicCandleCompleted   = "candle.completed"
	TopicCandleSaved       = "candle.saved"
	TopicCandleSaveFailed  = "candle.save-failed"
	TopicCandleHighVolume  = "candle.high-volume"
	TopicCandlePriceSpike  = "candle.price-spike"
	TopicCandleGapDetected = "candle.gap-detected"
	TopicAggregatorHealth  = "aggregator.health"
	TopicAggregatorDestroy = "aggregator.destroyed"
	TopicBackfillGap       = "backfill.gap"
	TopicReconnectFailed   = "reconnect.failed"
)

// Event is the envelope carried on every topic. Payload holds the
// topic-specific fields documented per topic.
type Event struct {
	ID        string
	Topic     string
	Timestamp time.Time
	Payload   interface{}
}

// Handler receives events delivered to a single subscription. It runs on
// a dedicated goroutine per subscription, never on the publisher's
// goroutine.
type Handler func(Event)

const defaultSubscriberBuffer = 256

type subscription struct {
	id      string
	topic   string
	ch      chan Event
	handler Handler
	dropped uint64
	mu      sync.Mutex
}

// Bus is the concrete EventBus. The zero value is not usable; construct
// with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]*subscription // topic -> subscriptionID -> sub
	wg   sync.WaitGroup
	done chan struct{}
}

// New creates a ready-to-use Bus. Callers inject it into every component
// that needs to publish or subscribe, rather than reaching for a
// package-level singleton.
func New() *Bus {
	return &Bus{
		subs: make(map[string]map[string]*subscription),
		done: make(chan struct{}),
	}
}

// Subscribe registers handler to run, on its own goroutine, for every
// event published to topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	return b.SubscribeBuffered(topic, handler, defaultSubscriberBuffer)
}

// SubscribeBuffered is Subscribe with an explicit channel buffer size,
// for subscribers (e.g. the optional Redis relay) that expect bursts.
func (b *Bus) SubscribeBuffered(topic string, handler Handler, bufSize int) (unsubscribe func()) {
	sub := &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		ch:      make(chan Event, bufSize),
		handler: handler,
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*subscription)
	}
	b.subs[topic][sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	return func() { b.unsubscribe(sub) }
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	if m, ok := b.subs[sub.topic]; ok {
		delete(m, sub.id)
	}
	b.mu.Unlock()
	close(sub.ch)
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for e := range sub.ch {
		sub.handler(e)
	}
}

// Publish delivers event to every current subscriber of topic.
// Non-blocking: if a subscriber's channel is full, the oldest queued
// event for that subscriber is dropped to make room, preserving FIFO
// order of what remains and never stalling the caller. Publishing on a
// nil Bus is a no-op.
func (b *Bus) Publish(topic string, payload interface{}) {
	if b == nil {
		return
	}
	e := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		select {
		case sub.ch <- e:
		default:
			// Buffer full: drop the oldest queued event, then enqueue.
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
			select {
			case sub.ch <- e:
			default:
				sub.dropped++
			}
		}
		sub.mu.Unlock()
	}
}

// SubscriberCount reports how many active subscriptions exist for topic,
// useful for health/diagnostics reporting.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close unsubscribes everyone and waits for all drain goroutines to
// exit. Intended for graceful shutdown only.
func (b *Bus) Close() {
	b.mu.Lock()
	all := make([]*subscription, 0)
	for _, m := range b.subs {
		for _, s := range m {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[string]*subscription)
	b.mu.Unlock()

	for _, s := range all {
		close(s.ch)
	}
	b.wg.Wait()
}
