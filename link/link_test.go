// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package link_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/smsgw/at"
	"github.com/warthog618/smsgw/link"
)

func TestNext(t *testing.T) {
	patterns := []struct {
		from link.Status
		ev   link.Event
		to   link.Status
		ok   bool
	}{
		{link.Startup, link.EventExchange, link.Online, true},
		{link.Startup, link.EventShutdown, link.Startup, false},
		{link.Startup, link.EventTimeout, link.Offline, true},
		{link.Startup, link.EventLost, link.Offline, true},
		{link.Startup, link.EventReopened, link.Startup, false},
		{link.Online, link.EventExchange, link.Online, false},
		{link.Online, link.EventShutdown, link.ShuttingDown, true},
		{link.Online, link.EventTimeout, link.Offline, true},
		{link.Online, link.EventLost, link.Offline, true},
		{link.Online, link.EventReopened, link.Online, false},
		{link.ShuttingDown, link.EventExchange, link.ShuttingDown, false},
		{link.ShuttingDown, link.EventShutdown, link.ShuttingDown, false},
		{link.ShuttingDown, link.EventTimeout, link.Offline, true},
		{link.ShuttingDown, link.EventLost, link.Offline, true},
		{link.Offline, link.EventExchange, link.Offline, false},
		{link.Offline, link.EventShutdown, link.Offline, false},
		{link.Offline, link.EventTimeout, link.Offline, false},
		{link.Offline, link.EventReopened, link.Online, true},
	}
	for _, p := range patterns {
		to, ok := link.Next(p.from, p.ev)
		assert.Equal(t, p.to, to, "%s %s", p.from, p.ev)
		assert.Equal(t, p.ok, ok, "%s %s", p.from, p.ev)
	}
}

func TestStartupNeverReentered(t *testing.T) {
	for _, from := range []link.Status{link.Online, link.ShuttingDown, link.Offline} {
		for _, ev := range []link.Event{link.EventExchange, link.EventShutdown,
			link.EventTimeout, link.EventLost, link.EventReopened} {
			to, _ := link.Next(from, ev)
			assert.NotEqual(t, link.Startup, to)
			if to == link.ShuttingDown && from != link.ShuttingDown {
				assert.Equal(t, link.EventShutdown, ev)
			}
		}
	}
}

func TestStatusText(t *testing.T) {
	b, err := json.Marshal(map[string]link.Status{"s": link.ShuttingDown})
	require.Nil(t, err)
	assert.Equal(t, `{"s":"ShuttingDown"}`, string(b))

	var s link.Status
	assert.Nil(t, s.UnmarshalText([]byte("Offline")))
	assert.Equal(t, link.Offline, s)
	assert.NotNil(t, s.UnmarshalText([]byte("Bogus")))

	_, err = link.Status(42).MarshalText()
	assert.NotNil(t, err)
	assert.Equal(t, "Status(42)", link.Status(42).String())
}

type transition struct {
	prev link.Status
	cur  link.Status
}

type recorder struct {
	mu sync.Mutex
	tt []transition
}

func (r *recorder) handle(prev, cur link.Status) {
	r.mu.Lock()
	r.tt = append(r.tt, transition{prev, cur})
	r.mu.Unlock()
}

func (r *recorder) transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.tt...)
}

type mockRepowerer struct {
	calls chan struct{}
	err   error
}

func (m *mockRepowerer) Repower(ctx context.Context) error {
	m.calls <- struct{}{}
	return m.err
}

func TestMonitorShutdownThenTimeout(t *testing.T) {
	r := recorder{}
	m := link.NewMonitor(link.WithChangeHandler(r.handle), link.WithThreshold(3))
	assert.Equal(t, link.Startup, m.Status())
	m.Exchange()
	assert.Equal(t, link.Online, m.Status())
	m.Exchange()
	m.Shutdown()
	m.Timeout()
	assert.Equal(t, link.Offline, m.Status())
	assert.Equal(t, []transition{
		{link.Startup, link.Online},
		{link.Online, link.ShuttingDown},
		{link.ShuttingDown, link.Offline},
	}, r.transitions())
}

func TestMonitorTimeoutThreshold(t *testing.T) {
	r := recorder{}
	m := link.NewMonitor(link.WithChangeHandler(r.handle), link.WithThreshold(3))
	m.Exchange()
	m.Timeout()
	m.Timeout()
	assert.Equal(t, link.Online, m.Status())
	// an exchange resets the count
	m.Exchange()
	m.Timeout()
	m.Timeout()
	assert.Equal(t, link.Online, m.Status())
	m.Timeout()
	assert.Equal(t, link.Offline, m.Status())
	// no further transitions while offline
	m.Timeout()
	m.Exchange()
	m.Shutdown()
	assert.Equal(t, []transition{
		{link.Startup, link.Online},
		{link.Online, link.Offline},
	}, r.transitions())

	m.Reopened()
	assert.Equal(t, link.Online, m.Status())
	// count restarts after reopening
	m.Timeout()
	m.Timeout()
	assert.Equal(t, link.Online, m.Status())
}

func TestMonitorActivity(t *testing.T) {
	m := link.NewMonitor(link.WithThreshold(1))
	m.Activity(at.ActivityExchange)
	assert.Equal(t, link.Online, m.Status())
	m.Activity(at.ActivityTimeout)
	assert.Equal(t, link.Offline, m.Status())
}

func TestMonitorRepower(t *testing.T) {
	rp := mockRepowerer{calls: make(chan struct{}, 2), err: errors.New("no gpio")}
	m := link.NewMonitor(link.WithRepowerer(&rp), link.WithThreshold(1))
	m.Exchange()
	select {
	case <-rp.calls:
		t.Fatal("repower while online")
	case <-time.After(10 * time.Millisecond):
	}
	m.Lost()
	select {
	case <-rp.calls:
	case <-time.After(time.Second):
		t.Fatal("no repower when offline")
	}
	m.Lost()
	select {
	case <-rp.calls:
		t.Fatal("repower without transition")
	case <-time.After(10 * time.Millisecond):
	}
}
