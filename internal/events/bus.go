package events

import (
	"sync"
)

type subscriber struct {
	ch   chan any
	wrap bool // deliver Envelope instead of the bare payload
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]subscriber)}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	return b.subscribe([]Event{e}, buffer, false)
}

// SubscribeMany registers one channel for several topics. Payloads arrive
// wrapped in an Envelope so the receiver can tell topics apart.
func (b *Bus) SubscribeMany(topics []Event, buffer int) (<-chan any, func()) {
	return b.subscribe(topics, buffer, true)
}

func (b *Bus) subscribe(topics []Event, buffer int, wrap bool) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	for _, e := range topics {
		b.subs[e] = append(b.subs[e], subscriber{ch: ch, wrap: wrap})
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, e := range topics {
				subs := b.subs[e]
				for i, s := range subs {
					if s.ch == ch {
						b.subs[e] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsub
}

// Publish fans the payload out to subscribers without blocking. A nil Bus
// discards everything.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[e] {
		msg := payload
		if s.wrap {
			msg = Envelope{Event: e, Payload: payload}
		}
		select {
		case s.ch <- msg:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}
