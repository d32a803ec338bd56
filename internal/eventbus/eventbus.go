// Package eventbus fans out DownloadEvents to subscribers on bounded,
// per-subscriber channels. A slow subscriber is told how many events it
// lagged by instead of slowing down the publisher.
package eventbus

import (
	"sync"
	"time"

	"github.com/cenkalti/dlrain/internal/did"
	"github.com/cenkalti/dlrain/internal/model"
)

// EventKind enumerates a download's lifecycle events.
type EventKind int

const (
	Added EventKind = iota
	Started
	Progress
	StateChanged
	CompletedEvt
	Failed
	PausedEvt
	ResumedEvt
	Removed
)

// Event is one entry on the bus. Fields not relevant to Kind are zero.
type Event struct {
	Kind      EventKind
	ID        did.ID
	OldState  model.DownloadState
	NewState  model.DownloadState
	Progress  model.DownloadProgress
	Retryable bool
	At        time.Time
}

const defaultCapacity = 1024

type subscriber struct {
	ch      chan Event
	lagged  int
	lagC    chan int
}

// Bus is a broadcast channel with lag tolerance. Publish serialises on a
// single mutex, which is what gives the bus its total event ordering: two
// concurrent Publish calls are strictly ordered relative to each other and
// to every subscriber's view of the stream.
type Bus struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
	cap  int
}

// New returns a Bus with the recommended 1024-event burst capacity.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber), cap: defaultCapacity}
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	id  int
	C   <-chan Event
	// Lag reports the running total of events dropped for this
	// subscriber. A new total is offered after each drop and is discarded
	// if the previous value has not been read yet.
	Lag <-chan int
}

// Subscribe registers a new listener with a bounded inbox.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscriber{ch: make(chan Event, b.cap), lagC: make(chan int, 1)}
	id := b.next
	b.next++
	b.subs[id] = s
	return &Subscription{bus: b, id: id, C: s.ch, Lag: s.lagC}
}

// Unsubscribe removes a listener.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[sub.id]; ok {
		close(s.ch)
		delete(b.subs, sub.id)
	}
}

// Publish fans e out to every subscriber. A subscriber whose inbox is
// full has its oldest message dropped and its lag counter bumped; the
// publisher never blocks.
func (b *Bus) Publish(e Event) {
	e.At = time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			// Drop the oldest to make room, then enqueue, tracking lag.
			select {
			case <-s.ch:
				s.lagged++
			default:
			}
			select {
			case s.ch <- e:
			default:
			}
			select {
			case s.lagC <- s.lagged:
			default:
			}
		}
	}
}

// Close shuts down every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
