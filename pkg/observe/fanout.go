package observe

import (
	"sync"
	"sync/atomic"
)

// subscriberBuffer bounds how far a stream consumer may lag before old
// events are discarded.
const subscriberBuffer = 1024

// Subscription is one consumer of the packet event stream.
type Subscription struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Events returns the delivery channel. Closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.ch }

// TakeDropped returns the number of events dropped since the last call and
// resets the counter. Surfaced to clients in the next delivered frame.
func (s *Subscription) TakeDropped() uint64 { return s.dropped.Swap(0) }

// Fanout copies every published event to all subscribers. Slow subscribers
// lose their oldest queued events rather than stalling the capture path.
type Fanout struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewFanout() *Fanout {
	return &Fanout{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new consumer.
func (f *Fanout) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan Event, subscriberBuffer)}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

// Unsubscribe removes a consumer and closes its channel.
func (f *Fanout) Unsubscribe(s *Subscription) {
	f.mu.Lock()
	_, ok := f.subs[s]
	delete(f.subs, s)
	f.mu.Unlock()
	if ok {
		close(s.ch)
	}
}

// Publish delivers an event to every subscriber. Never blocks: when a
// queue is full the oldest event is dropped to make room.
func (f *Fanout) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		// full queue: evict the head, then retry once
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Len returns the number of live subscribers.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
