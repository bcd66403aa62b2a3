package events

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Bus fans events out to named subscribers over buffered channels. A full
// subscriber loses the event rather than stalling the emitter.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool
	log    *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{subs: make(map[string]chan Event), log: log}
}

// Subscribe registers a consumer. Subscribing twice under one name replaces
// the earlier channel, which is closed.
func (b *Bus) Subscribe(name string, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	if old, ok := b.subs[name]; ok {
		close(old)
	}
	b.subs[name] = ch
	return ch
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[name]; ok {
		delete(b.subs, name)
		close(ch)
	}
}

func (b *Bus) Emit(_ context.Context, evs ...Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ev := range evs {
		for name, ch := range b.subs {
			select {
			case ch <- ev:
			default:
				b.log.Warn("event dropped, subscriber is full",
					zap.String("subscriber", name),
					zap.String("event_type", string(ev.Type)),
					zap.String("event_id", ev.ID),
				)
			}
		}
	}
}

// Close closes every subscriber channel. Later emits are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, ch := range b.subs {
		close(ch)
		delete(b.subs, name)
	}
}

func uitoa(v uint) string { return strconv.FormatUint(uint64(v), 10) }
