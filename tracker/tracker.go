// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

// Package tracker correlates delivery reports with the messages they apply
// to.
//
// The modem assigns each submitted segment an 8-bit message reference, which
// wraps, so references are only meaningful among recently acknowledged
// messages. Only the reference of the final segment of a multipart message
// is tracked, as that is the segment a delivery report is requested for.
package tracker

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warthog618/smsgw/events"
	"github.com/warthog618/smsgw/pdu"
)

// DefaultWindow is the period after acknowledgement during which a reference
// is matched to its message.
const DefaultWindow = 24 * time.Hour

// Result describes how a delivery report was matched.
type Result int

const (
	// Matched indicates the report applies to an outstanding message.
	Matched Result = iota

	// Orphan indicates the report matches no outstanding message.
	Orphan

	// Duplicate indicates a repeated final report for a message that has
	// already been finalised.
	Duplicate
)

func (r Result) String() string {
	switch r {
	case Matched:
		return "matched"
	case Orphan:
		return "orphan"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Entry is the state of an outgoing message.
type Entry struct {
	ID     int64
	Phone  string
	Text   string
	Parts  int
	Status events.Status

	// Ref is the reference of the final segment, valid once Acknowledged is
	// set.
	Ref          byte
	Created      time.Time
	Acknowledged time.Time

	// Completed is set when a final report is received.
	Completed time.Time
}

// Outcome is the effect of a delivery report.
type Outcome struct {
	Result Result

	// Entry is the message the report applies to, after the update.
	// It is only valid for Matched and Duplicate results.
	Entry Entry

	// Final is set if the report finalised the message.
	Final bool
}

// Tracker maintains the mapping from message reference to message identity.
//
// All state is owned by a single goroutine and each method is executed on it
// in turn.
type Tracker struct {
	actions chan func()
	done    chan struct{}
	once    sync.Once

	// owned by loop
	window   time.Duration
	now      func() time.Time
	nextID   int64
	pending  map[int64]*Entry
	finished map[int64]*Entry
}

// Option modifies a Tracker created by New.
type Option func(*Tracker)

// WithWindow sets the period after acknowledgement during which reports are
// matched to a message.
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// WithFirstID sets the identity allocated to the first registered message.
//
// This allows identities to continue on from those already persisted.
func WithFirstID(id int64) Option {
	return func(t *Tracker) {
		t.nextID = id
	}
}

// WithClock sets the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a Tracker.
func New(options ...Option) *Tracker {
	t := &Tracker{
		actions:  make(chan func()),
		done:     make(chan struct{}),
		window:   DefaultWindow,
		now:      time.Now,
		nextID:   1,
		pending:  make(map[int64]*Entry),
		finished: make(map[int64]*Entry),
	}
	for _, option := range options {
		option(t)
	}
	go t.loop()
	return t
}

func (t *Tracker) loop() {
	for {
		select {
		case f := <-t.actions:
			f()
		case <-t.done:
			return
		}
	}
}

// exec runs f on the loop and waits for it to complete.
//
// Returns false if the tracker is closed.
func (t *Tracker) exec(f func()) bool {
	done := make(chan struct{})
	action := func() {
		f()
		close(done)
	}
	select {
	case t.actions <- action:
		<-done
		return true
	case <-t.done:
		return false
	}
}

// Close stops the tracker.
//
// Subsequent calls have no effect.
func (t *Tracker) Close() {
	t.once.Do(func() { close(t.done) })
}

// Register allocates the identity of an outgoing message.
//
// The message is Pending until its final segment is acknowledged.
// Returns zero if the tracker is closed.
func (t *Tracker) Register(phone, text string, parts int) int64 {
	var id int64
	t.exec(func() {
		id = t.nextID
		t.nextID++
		t.pending[id] = &Entry{
			ID:      id,
			Phone:   phone,
			Text:    text,
			Parts:   parts,
			Status:  events.Pending,
			Created: t.now(),
		}
	})
	return id
}

// Allocate allocates the identity of an incoming message.
//
// Identities are drawn from the same sequence as Register, so incoming and
// outgoing messages never share one. Returns zero if the tracker is closed.
func (t *Tracker) Allocate() int64 {
	var id int64
	t.exec(func() {
		id = t.nextID
		t.nextID++
	})
	return id
}

// Acknowledge records the reference assigned to a segment of the message.
//
// Only the reference of the last segment is retained, at which point the
// message becomes Sent. Returns the updated entry, and false if the message
// is not pending.
func (t *Tracker) Acknowledge(id int64, ref byte, last bool) (Entry, bool) {
	var e Entry
	var ok bool
	t.exec(func() {
		var p *Entry
		p, ok = t.pending[id]
		if !ok {
			return
		}
		if last {
			p.Ref = ref
			p.Acknowledged = t.now()
			p.Status = events.Sent
		}
		e = *p
	})
	return e, ok
}

// Fail drops a message whose submission failed.
func (t *Tracker) Fail(id int64) {
	t.exec(func() {
		delete(t.pending, id)
	})
}

// Report applies a delivery report for the reference.
//
// Candidates are messages acknowledged with the reference within the window.
// A candidate with a matching phone number is preferred over one without,
// and the most recently acknowledged candidate is preferred after that.
func (t *Tracker) Report(phone string, ref byte, status pdu.Status) Outcome {
	o := Outcome{Result: Orphan}
	t.exec(func() {
		now := t.now()
		if p := t.lookup(t.pending, phone, ref, now); p != nil {
			p.Status = events.StatusFromReport(status)
			o.Result = Matched
			if status.Final() {
				o.Final = true
				p.Completed = now
				delete(t.pending, p.ID)
				t.finished[p.ID] = p
			}
			o.Entry = *p
			return
		}
		if status.Final() {
			if f := t.lookup(t.finished, phone, ref, now); f != nil {
				o.Result = Duplicate
				o.Entry = *f
			}
		}
	})
	return o
}

func (t *Tracker) lookup(entries map[int64]*Entry, phone string, ref byte, now time.Time) *Entry {
	var best *Entry
	bestPhone := false
	for _, e := range entries {
		if e.Acknowledged.IsZero() || e.Ref != ref || now.Sub(e.Acknowledged) > t.window {
			continue
		}
		phoneMatch := samePhone(e.Phone, phone)
		switch {
		case best == nil,
			phoneMatch && !bestPhone,
			phoneMatch == bestPhone && e.Acknowledged.After(best.Acknowledged):
			best = e
			bestPhone = phoneMatch
		}
	}
	return best
}

func samePhone(a, b string) bool {
	return strings.TrimPrefix(a, "+") == strings.TrimPrefix(b, "+")
}

// Expire drops messages that have been outstanding for longer than the
// window, and returns those that were still awaiting a report.
func (t *Tracker) Expire() []Entry {
	var expired []Entry
	t.exec(func() {
		now := t.now()
		for id, e := range t.pending {
			since := e.Acknowledged
			if since.IsZero() {
				since = e.Created
			}
			if now.Sub(since) > t.window {
				expired = append(expired, *e)
				delete(t.pending, id)
			}
		}
		for id, e := range t.finished {
			if now.Sub(e.Completed) > t.window {
				delete(t.finished, id)
			}
		}
	})
	sortEntries(expired)
	return expired
}

// Pending returns a snapshot of the outstanding messages, ordered by
// identity.
func (t *Tracker) Pending() []Entry {
	var entries []Entry
	t.exec(func() {
		entries = make([]Entry, 0, len(t.pending))
		for _, e := range t.pending {
			entries = append(entries, *e)
		}
	})
	sortEntries(entries)
	return entries
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})
}
