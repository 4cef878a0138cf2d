// Package events provides the ambient domain-event fan-out used to announce
// synthesis lifecycle transitions (queued, finalized, evicted, overflowed,
// reaped) to anything listening outside the hot path itself: dashboards,
// audit sinks, downstream services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Bus is the interface both the in-memory bus and the Pub/Sub-backed bus
// satisfy. Callers on the hot/cold paths depend on this, never on a
// concrete type, so tests can substitute an in-memory Bus freely.
type Bus interface {
	Emit(ctx context.Context, event Event)
}

// Event is the domain event envelope. Fingerprint doubles as the Pub/Sub
// ordering key: all events about one piece of synthesized content arrive
// in order at any durable subscriber.
type Event struct {
	Type        string         `json:"type"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Payload     map[string]any `json:"payload"`
}

// CloudEvent is the CloudEvents 1.0 envelope used for durable delivery.
type CloudEvent struct {
	SpecVersion string         `json:"specversion"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	ID          string         `json:"id"`
	Time        time.Time      `json:"time"`
	Subject     string         `json:"subject,omitempty"`
	Data        map[string]any `json:"data"`
}

func newCloudEvent(source string, event Event) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        event.Type,
		Source:      source,
		ID:          fmt.Sprintf("ce-%s-%d", event.Fingerprint, len(event.Type)),
		Time:        time.Now(),
		Subject:     event.Fingerprint,
		Data:        event.Payload,
	}
}

func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// MemoryBus is an in-process pub/sub event bus, used standalone in tests and
// embedded inside PubSubBus for local fan-out (e.g. a websocket ops feed).
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	allSubs     []chan Event
	logger      *log.Logger
	bufferSize  int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string][]chan Event),
		logger:      log.New(log.Writer(), "[Events] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types. Pass no
// types to receive everything.
func (b *MemoryBus) Subscribe(eventTypes ...string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

func (b *MemoryBus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

func (b *MemoryBus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.logger.Printf("dropped event %s: subscriber channel full", event.Type)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Bus = (*MemoryBus)(nil)
