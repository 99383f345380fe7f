package eventbus

import (
	"sync"
	"time"
)

// Event types published by daybrief components. Payloads live next to
// their publishers; subscribers switch on Type.
const (
	TypeJobStarted     = "job.started"
	TypeJobFinished    = "job.finished"
	TypeJobFailed      = "job.failed"
	TypeJobSkipped     = "job.skipped"
	TypeJobDropped     = "job.dropped"
	TypeConfigReload   = "config.reload"
	TypeDeliveryFailed = "delivery.failed"
	TypeSourceState    = "source.state"
)

// Event is an in-memory signal decoupling components. Publish never blocks;
// a slow subscriber drops events rather than stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		deliver(ch, e)
	}
}

// deliver sends non-blocking and absorbs the send-on-closed panic that a
// concurrent unsubscribe can cause.
func deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
