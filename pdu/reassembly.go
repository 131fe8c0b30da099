// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package pdu

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultReassemblyTimeout is the period a partially received multipart
// message is held waiting for its missing segments.
const DefaultReassemblyTimeout = 30 * time.Minute

// Incoming is a complete, or timed out partial, incoming message.
type Incoming struct {
	From      Address
	Timestamp time.Time
	Alphabet  Alphabet
	Text      string

	// Parts is the number of segments in the message.
	Parts int

	// Partial indicates segments were never received.
	Partial bool

	// Missing lists the 1-based indices of the segments not received.
	Missing []int
}

type concatKey struct {
	from  string
	ref   uint16
	count int
}

type collection struct {
	started time.Time
	segs    []*Message
	have    int
}

// Reassembler collects the segments of multipart messages.
type Reassembler struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[concatKey]*collection
}

// NewReassembler creates a Reassembler that holds incomplete messages for the
// timeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		timeout: timeout,
		pending: make(map[concatKey]*collection),
	}
}

// Add adds a received DELIVER to the reassembler.
//
// Returns the message once all its segments have been received, or nil if
// segments are still outstanding. Single segment messages are returned
// immediately. Repeated segments are ignored.
func (r *Reassembler) Add(m *Message, now time.Time) *Incoming {
	if m.Concat == nil || m.Concat.Count <= 1 {
		return &Incoming{
			From:      m.Address,
			Timestamp: m.Timestamp,
			Alphabet:  m.Alphabet,
			Text:      m.Text,
			Parts:     1,
		}
	}
	key := concatKey{from: m.Address.Number, ref: m.Concat.Ref, count: m.Concat.Count}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[key]
	if !ok {
		c = &collection{started: now, segs: make([]*Message, m.Concat.Count)}
		r.pending[key] = c
	}
	idx := m.Concat.Index - 1
	if c.segs[idx] != nil {
		return nil
	}
	c.segs[idx] = m
	c.have++
	if c.have < len(c.segs) {
		return nil
	}
	delete(r.pending, key)
	return c.assemble()
}

// Expire returns any partial messages that have been pending for longer than
// the timeout, oldest first, and drops them from the reassembler.
func (r *Reassembler) Expire(now time.Time) []*Incoming {
	r.mu.Lock()
	var expired []*collection
	for k, c := range r.pending {
		if now.Sub(c.started) >= r.timeout {
			expired = append(expired, c)
			delete(r.pending, k)
		}
	}
	r.mu.Unlock()
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].started.Before(expired[j].started)
	})
	msgs := make([]*Incoming, len(expired))
	for i, c := range expired {
		msgs[i] = c.assemble()
	}
	return msgs
}

// Len returns the number of incomplete messages being held.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (c *collection) assemble() *Incoming {
	in := Incoming{Parts: len(c.segs)}
	var sb strings.Builder
	first := true
	for i, s := range c.segs {
		if s == nil {
			in.Missing = append(in.Missing, i+1)
			continue
		}
		if first {
			in.From = s.Address
			in.Timestamp = s.Timestamp
			in.Alphabet = s.Alphabet
			first = false
		}
		sb.WriteString(s.Text)
	}
	in.Text = sb.String()
	in.Partial = len(in.Missing) > 0
	return &in
}
