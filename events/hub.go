// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package events

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultQueueSize is the number of events buffered for a subscriber.
const DefaultQueueSize = 64

// Hub distributes events to subscribers.
//
// Each subscriber has its own queue. Events are dropped, rather than
// blocking the publisher, when a bounded queue is full. Unbounded queues, as
// returned by SubscribeAll, never drop.
type Hub struct {
	log *logrus.Entry

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is a queue of events matching a filter.
type Subscription struct {
	hub     *Hub
	ch      chan Event
	types   map[Type]bool
	dropped uint64

	// unbounded subscriptions only
	backlog *backlog
}

// backlog holds the events not yet forwarded to an unbounded subscription.
type backlog struct {
	mu     sync.Mutex
	events []Event
	ended  bool

	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

// HubOption modifies a Hub created by NewHub.
type HubOption func(*Hub)

// WithLogger sets the logger used to report dropped events.
func WithLogger(l *logrus.Entry) HubOption {
	return func(h *Hub) {
		h.log = l
	}
}

// NewHub creates a Hub.
func NewHub(options ...HubOption) *Hub {
	h := &Hub{subs: make(map[*Subscription]struct{})}
	for _, option := range options {
		option(h)
	}
	if h.log == nil {
		h.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return h
}

// Subscribe creates a subscription for the event types.
//
// If no types are provided the subscription receives all events.
// A size of zero or less uses DefaultQueueSize.
// Subscribing to a closed hub returns a closed subscription.
func (h *Hub) Subscribe(size int, types ...Type) *Subscription {
	if size <= 0 {
		size = DefaultQueueSize
	}
	s := newSubscription(h, make(chan Event, size), types)
	h.add(s)
	return s
}

// SubscribeAll creates a subscription for the event types that never drops
// an event.
//
// Events are held in an unbounded queue until read, so Publish is never
// blocked by a slow subscriber. When the hub is closed the queued events are
// still delivered before the channel is closed.
func (h *Hub) SubscribeAll(types ...Type) *Subscription {
	s := newSubscription(h, make(chan Event), types)
	s.backlog = &backlog{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	if h.add(s) {
		go s.forward()
	}
	return s
}

func newSubscription(h *Hub, ch chan Event, types []Type) *Subscription {
	s := &Subscription{hub: h, ch: ch}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	return s
}

// add registers the subscription, or closes it if the hub is closed.
func (h *Hub) add(s *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return false
	}
	h.subs[s] = struct{}{}
	return true
}

// Publish queues the event to all matching subscribers.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		if s.backlog != nil {
			s.backlog.push(ev)
			continue
		}
		select {
		case s.ch <- ev:
		default:
			n := atomic.AddUint64(&s.dropped, 1)
			h.log.WithFields(logrus.Fields{
				"type":    ev.Type,
				"dropped": n,
			}).Warn("subscriber queue full, event dropped")
		}
	}
}

// Close closes all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		if s.backlog != nil {
			s.backlog.end()
		} else {
			close(s.ch)
		}
		delete(h.subs, s)
	}
}

// C returns the channel of events for the subscription.
//
// The channel is closed when the subscription or hub is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns the number of events dropped due to the queue being full.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close removes the subscription from the hub and closes its channel.
//
// Any events queued for an unbounded subscription are discarded.
func (s *Subscription) Close() {
	if s.backlog != nil {
		s.backlog.once.Do(func() { close(s.backlog.quit) })
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	if s.backlog == nil {
		close(s.ch)
	}
}

// forward moves events from the backlog to the channel until the backlog is
// ended and drained, or the subscription is closed.
func (s *Subscription) forward() {
	defer close(s.ch)
	b := s.backlog
	for {
		b.mu.Lock()
		evs, ended := b.events, b.ended
		b.events = nil
		b.mu.Unlock()
		if len(evs) == 0 {
			if ended {
				return
			}
			select {
			case <-b.wake:
			case <-b.quit:
				return
			}
			continue
		}
		for _, ev := range evs {
			select {
			case s.ch <- ev:
			case <-b.quit:
				return
			}
		}
	}
}

func (b *backlog) push(ev Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	b.signal()
}

// end indicates no further events will be pushed.
func (b *backlog) end() {
	b.mu.Lock()
	b.ended = true
	b.mu.Unlock()
	b.signal()
}

func (b *backlog) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
