package dispatch

import (
	"sync"

	"github.com/rs/zerolog"
)

// Bus delivers events to subscribers from a single goroutine, in publish order.
// Publish never blocks on subscribers.
type Bus struct {
	log zerolog.Logger

	mx     sync.Mutex
	subs   map[uint64]func(Event)
	nextID uint64
	queue  []Event
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func NewBus(log zerolog.Logger) *Bus {
	b := &Bus{
		log:    log,
		subs:   make(map[uint64]func(Event)),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// Subscribe registers fn. The returned func removes it; events already being
// delivered may still reach fn.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mx.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mx.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mx.Lock()
			delete(b.subs, id)
			b.mx.Unlock()
		})
	}
}

func (b *Bus) Publish(ev Event) {
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	select {
	case b.notify <- struct{}{}:
	default:
	}
	b.mx.Unlock()
}

// Close delivers what is already queued and stops the delivery goroutine.
func (b *Bus) Close() {
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.notify)
	b.mx.Unlock()
	<-b.done
}

func (b *Bus) loop() {
	defer close(b.done)
	for range b.notify {
		for {
			b.mx.Lock()
			events := b.queue
			b.queue = nil
			subs := make([]func(Event), 0, len(b.subs))
			for _, fn := range b.subs {
				subs = append(subs, fn)
			}
			b.mx.Unlock()
			if len(events) == 0 {
				break
			}
			for _, ev := range events {
				for _, fn := range subs {
					b.deliver(fn, ev)
				}
			}
		}
	}
}

func (b *Bus) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event", ev.EventType()).Msg("event subscriber panicked")
		}
	}()
	fn(ev)
}
