// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package power_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/warthog618/smsgw/link"
	"github.com/warthog618/smsgw/power"
)

type line struct {
	mu     sync.Mutex
	values []int
	at     []time.Time
	err    error
}

func (l *line) SetValue(v int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.values = append(l.values, v)
	l.at = append(l.at, time.Now())
	return nil
}

var _ link.Repowerer = (*power.Key)(nil)

func TestRepower(t *testing.T) {
	l := &line{}
	k := power.New(l, power.WithPulse(20*time.Millisecond))
	err := k.Repower(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, []int{1, 0}, l.values)
	assert.GreaterOrEqual(t, l.at[1].Sub(l.at[0]), 20*time.Millisecond)
}

func TestRepowerCancelled(t *testing.T) {
	l := &line{}
	k := power.New(l, power.WithPulse(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := k.Repower(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
	// released regardless
	assert.Equal(t, []int{1, 0}, l.values)
}

func TestRepowerFailure(t *testing.T) {
	l := &line{err: errors.New("busy")}
	k := power.New(l)
	err := k.Repower(context.Background())
	assert.EqualError(t, err, "assert power key: busy")
}

func TestMonitorRepower(t *testing.T) {
	l := &line{}
	k := power.New(l, power.WithPulse(time.Millisecond))
	m := link.NewMonitor(link.WithRepowerer(k))
	m.Exchange()
	m.Lost()
	assert.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.values) == 2
	}, time.Second, 5*time.Millisecond)
}
