// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package tracker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/smsgw/events"
	"github.com/warthog618/smsgw/tracker"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2023, 8, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T, options ...tracker.Option) (*tracker.Tracker, *clock) {
	c := newClock()
	tr := tracker.New(append([]tracker.Option{tracker.WithClock(c.Now)}, options...)...)
	t.Cleanup(tr.Close)
	return tr, c
}

func TestRegister(t *testing.T) {
	tr, c := setup(t)
	id := tr.Register("+447700900123", "Hello", 1)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, int64(2), tr.Register("+447700900124", "Hi", 2))

	p := tr.Pending()
	require.Len(t, p, 2)
	assert.Equal(t, tracker.Entry{
		ID:      1,
		Phone:   "+447700900123",
		Text:    "Hello",
		Parts:   1,
		Status:  events.Pending,
		Created: c.Now(),
	}, p[0])
	assert.Equal(t, int64(2), p[1].ID)
}

func TestFirstID(t *testing.T) {
	tr, _ := setup(t, tracker.WithFirstID(100))
	assert.Equal(t, int64(100), tr.Register("1", "a", 1))
	assert.Equal(t, int64(101), tr.Register("1", "b", 1))
}

func TestAllocate(t *testing.T) {
	tr, _ := setup(t, tracker.WithFirstID(7))
	out := tr.Register("+447700900123", "Hello", 1)
	in := tr.Allocate()
	out2 := tr.Register("+447700900123", "Again", 1)
	assert.Equal(t, []int64{7, 8, 9}, []int64{out, in, out2})

	// allocated identities are not tracked
	p := tr.Pending()
	require.Len(t, p, 2)
	assert.Equal(t, out, p[0].ID)
	assert.Equal(t, out2, p[1].ID)
}

func TestAcknowledge(t *testing.T) {
	tr, c := setup(t)
	id := tr.Register("+447700900123", "Hello", 3)

	e, ok := tr.Acknowledge(id, 10, false)
	assert.True(t, ok)
	assert.Equal(t, events.Pending, e.Status)
	assert.True(t, e.Acknowledged.IsZero())

	// only the last segment reference is tracked
	c.advance(time.Second)
	tr.Acknowledge(id, 11, false)
	e, ok = tr.Acknowledge(id, 12, true)
	assert.True(t, ok)
	assert.Equal(t, events.Sent, e.Status)
	assert.Equal(t, byte(12), e.Ref)
	assert.Equal(t, c.Now(), e.Acknowledged)

	o := tr.Report("+447700900123", 10, 0)
	assert.Equal(t, tracker.Orphan, o.Result)
	o = tr.Report("+447700900123", 12, 0)
	assert.Equal(t, tracker.Matched, o.Result)

	_, ok = tr.Acknowledge(42, 1, true)
	assert.False(t, ok)
}

func TestReportDeliveredOnce(t *testing.T) {
	tr, c := setup(t)
	id := tr.Register("+447700900123", "Hello", 1)
	tr.Acknowledge(id, 42, true)
	c.advance(time.Minute)

	o := tr.Report("+447700900123", 42, 0x00)
	assert.Equal(t, tracker.Matched, o.Result)
	assert.True(t, o.Final)
	assert.Equal(t, id, o.Entry.ID)
	assert.Equal(t, events.Delivered, o.Entry.Status)
	assert.Equal(t, c.Now(), o.Entry.Completed)
	assert.Empty(t, tr.Pending())

	o = tr.Report("+447700900123", 42, 0x00)
	assert.Equal(t, tracker.Duplicate, o.Result)
	assert.False(t, o.Final)
	assert.Equal(t, id, o.Entry.ID)

	// a non-final report for a finalised message is an orphan
	o = tr.Report("+447700900123", 42, 0x20)
	assert.Equal(t, tracker.Orphan, o.Result)
}

func TestReportPendingThenFinal(t *testing.T) {
	tr, _ := setup(t)
	id := tr.Register("+447700900123", "Hello", 1)
	tr.Acknowledge(id, 7, true)

	o := tr.Report("447700900123", 7, 0x21)
	assert.Equal(t, tracker.Matched, o.Result)
	assert.False(t, o.Final)
	assert.Equal(t, events.TemporaryFailure, o.Entry.Status)
	require.Len(t, tr.Pending(), 1)

	o = tr.Report("+447700900123", 7, 0x45)
	assert.Equal(t, tracker.Matched, o.Result)
	assert.True(t, o.Final)
	assert.Equal(t, events.PermanentFailure, o.Entry.Status)
	assert.Empty(t, tr.Pending())
}

func TestReportOrphan(t *testing.T) {
	tr, _ := setup(t)
	o := tr.Report("+447700900123", 1, 0)
	assert.Equal(t, tracker.Orphan, o.Result)

	// not acknowledged yet
	tr.Register("+447700900123", "Hello", 1)
	o = tr.Report("+447700900123", 0, 0)
	assert.Equal(t, tracker.Orphan, o.Result)
}

func TestReportReusedReference(t *testing.T) {
	tr, c := setup(t)
	a := tr.Register("+111", "a", 1)
	tr.Acknowledge(a, 5, true)
	c.advance(time.Minute)
	b := tr.Register("+222", "b", 1)
	tr.Acknowledge(b, 5, true)
	c.advance(time.Minute)
	d := tr.Register("+111", "d", 1)
	tr.Acknowledge(d, 5, true)

	// phone match preferred over recency
	o := tr.Report("+222", 5, 0)
	assert.Equal(t, b, o.Entry.ID)

	// most recent among matching phones
	o = tr.Report("+111", 5, 0)
	assert.Equal(t, d, o.Entry.ID)

	// no phone match falls back to the most recent
	e := tr.Register("+333", "e", 1)
	tr.Acknowledge(e, 5, true)
	c.advance(time.Minute)
	o = tr.Report("+999", 5, 0)
	assert.Equal(t, e, o.Entry.ID)

	o = tr.Report("+111", 5, 0)
	assert.Equal(t, a, o.Entry.ID)
}

func TestReportWindow(t *testing.T) {
	tr, c := setup(t, tracker.WithWindow(time.Hour))
	id := tr.Register("+111", "a", 1)
	tr.Acknowledge(id, 9, true)
	c.advance(2 * time.Hour)

	o := tr.Report("+111", 9, 0)
	assert.Equal(t, tracker.Orphan, o.Result)

	expired := tr.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, id, expired[0].ID)
	assert.Empty(t, tr.Pending())
	assert.Empty(t, tr.Expire())
}

func TestExpire(t *testing.T) {
	tr, c := setup(t, tracker.WithWindow(time.Hour))
	never := tr.Register("+111", "never acknowledged", 1)
	done := tr.Register("+222", "delivered", 1)
	tr.Acknowledge(done, 3, true)
	c.advance(30 * time.Minute)
	fresh := tr.Register("+333", "fresh", 1)
	tr.Report("+222", 3, 0)

	c.advance(45 * time.Minute)
	expired := tr.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, never, expired[0].ID)
	require.Len(t, tr.Pending(), 1)
	assert.Equal(t, fresh, tr.Pending()[0].ID)

	// acknowledged outside the window
	o := tr.Report("+222", 3, 0)
	assert.Equal(t, tracker.Orphan, o.Result)
}

func TestFail(t *testing.T) {
	tr, _ := setup(t)
	id := tr.Register("+111", "a", 1)
	tr.Fail(id)
	assert.Empty(t, tr.Pending())
	_, ok := tr.Acknowledge(id, 1, true)
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	tr, _ := setup(t)
	tr.Close()
	tr.Close()
	assert.Equal(t, int64(0), tr.Register("+111", "a", 1))
	assert.Equal(t, int64(0), tr.Allocate())
	assert.Nil(t, tr.Pending())
	o := tr.Report("+111", 1, 0)
	assert.Equal(t, tracker.Orphan, o.Result)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "matched", tracker.Matched.String())
	assert.Equal(t, "orphan", tracker.Orphan.String())
	assert.Equal(t, "duplicate", tracker.Duplicate.String())
	assert.Equal(t, "unknown", tracker.Result(9).String())
}
