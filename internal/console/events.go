package console

import (
	"sync"
	"time"
)

// Event is one console-facing happening: a roster change, a chat
// message, a mesh state transition or a media toggle. The page keeps
// itself current by following the stream instead of polling.
type Event struct {
	Kind string `json:"kind"` // roster|chat|mesh|media|meeting
	Data any    `json:"data"`
	TS   int64  `json:"ts"` // unix milliseconds
}

// EventBus fans events out to SSE clients. It outlives any single
// meeting, so the page keeps one stream open across joins and leaves.
type EventBus struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan Event]struct{})}
}

// Publish delivers an event to every subscriber. Slow subscribers lose
// events rather than blocking the publisher.
func (b *EventBus) Publish(kind string, data any) {
	ev := Event{Kind: kind, Data: data, TS: time.Now().UnixMilli()}
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *EventBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// Close ends every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		for ch := range b.subs {
			close(ch)
		}
		b.subs = nil
	}
	b.mu.Unlock()
}
