// Package eventbus is an in-memory fanout for dispatcher and notifier events.
//
// Publish never blocks: each subscriber owns a buffered channel and events
// that do not fit are dropped for that subscriber.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by crontick components.
const (
	TaskDispatched = "task.dispatched"
	TaskFailed     = "task.failed"
	TaskInvalid    = "task.invalid"
	TaskUnresolved = "task.unresolved"
	TaskControl    = "task.control"

	TickStarted  = "tick.started"
	TickFinished = "tick.finished"

	NotifySent    = "notifier.sent"
	NotifyFailed  = "notifier.failed"
	NotifyDropped = "notifier.dropped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered channel (default 8). The channel is closed
// by unsubscribe.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish is a nil-safe helper for optional buses.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
