// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package link

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/at"
)

// DefaultThreshold is the number of consecutive timeouts after which an Online
// modem is considered Offline.
const DefaultThreshold = 3

// DefaultRepowerTimeout bounds a power cycle request.
const DefaultRepowerTimeout = 30 * time.Second

// Repowerer power cycles the modem.
type Repowerer interface {
	Repower(ctx context.Context) error
}

// ChangeHandler receives status transitions.
type ChangeHandler func(prev, cur Status)

// Monitor tracks the connectivity status of the modem.
type Monitor struct {
	threshold int
	onChange  ChangeHandler
	repower   Repowerer
	log       *logrus.Entry

	// serialises transitions and their notification
	nmu sync.Mutex

	mu       sync.Mutex
	fsm      *fsm.FSM
	timeouts int
}

// Option modifies a Monitor created by NewMonitor.
type Option func(*Monitor)

// WithThreshold sets the number of consecutive timeouts that take an Online
// modem Offline.
func WithThreshold(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithChangeHandler sets the handler called for every status transition.
//
// Handlers are called in transition order, and may query the monitor status
// but must not report further events.
func WithChangeHandler(h ChangeHandler) Option {
	return func(m *Monitor) {
		m.onChange = h
	}
}

// WithRepowerer sets the collaborator asked to power cycle the modem when it
// goes Offline.
func WithRepowerer(r Repowerer) Option {
	return func(m *Monitor) {
		m.repower = r
	}
}

// WithLogger sets the logger for the monitor.
func WithLogger(l *logrus.Entry) Option {
	return func(m *Monitor) {
		m.log = l
	}
}

// NewMonitor creates a Monitor in the Startup status.
func NewMonitor(options ...Option) *Monitor {
	m := &Monitor{threshold: DefaultThreshold}
	for _, option := range options {
		option(m)
	}
	if m.log == nil {
		m.log = logrus.NewEntry(logrus.StandardLogger())
	}
	m.fsm = newFSM(Startup, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			m.log.WithFields(logrus.Fields{
				"event": e.Event,
				"from":  e.Src,
				"to":    e.Dst,
			}).Info("link status")
		},
	})
	return m
}

// Status returns the current status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return statusValues[m.fsm.Current()]
}

// Exchange records a successful exchange with the modem.
func (m *Monitor) Exchange() {
	m.nmu.Lock()
	defer m.nmu.Unlock()
	m.mu.Lock()
	m.timeouts = 0
	prev, cur, ok := m.fire(EventExchange)
	m.mu.Unlock()
	m.notify(prev, cur, ok)
}

// Shutdown records the modem announcing it is shutting down.
func (m *Monitor) Shutdown() {
	m.nmu.Lock()
	defer m.nmu.Unlock()
	m.mu.Lock()
	prev, cur, ok := m.fire(EventShutdown)
	m.mu.Unlock()
	m.notify(prev, cur, ok)
}

// Timeout records the modem failing to respond to a command.
//
// The modem goes Offline after the threshold number of consecutive timeouts,
// or on the first if it is ShuttingDown.
func (m *Monitor) Timeout() {
	m.nmu.Lock()
	defer m.nmu.Unlock()
	m.mu.Lock()
	m.timeouts++
	var prev, cur Status
	var ok bool
	if m.timeouts >= m.threshold || m.fsm.Current() == ShuttingDown.String() {
		prev, cur, ok = m.fire(EventTimeout)
	}
	m.mu.Unlock()
	m.notify(prev, cur, ok)
}

// Lost records the transport failing.
func (m *Monitor) Lost() {
	m.nmu.Lock()
	defer m.nmu.Unlock()
	m.mu.Lock()
	prev, cur, ok := m.fire(EventLost)
	m.mu.Unlock()
	m.notify(prev, cur, ok)
}

// Reopened records the transport being reopened and the modem responding to
// a command.
func (m *Monitor) Reopened() {
	m.nmu.Lock()
	defer m.nmu.Unlock()
	m.mu.Lock()
	m.timeouts = 0
	prev, cur, ok := m.fire(EventReopened)
	m.mu.Unlock()
	m.notify(prev, cur, ok)
}

// Activity adapts the monitor to the at activity handler.
func (m *Monitor) Activity(a at.Activity) {
	switch a {
	case at.ActivityExchange:
		m.Exchange()
	case at.ActivityTimeout:
		m.Timeout()
	}
}

// fire applies the event to the state machine.
//
// Must be called with the lock held.
func (m *Monitor) fire(ev Event) (Status, Status, bool) {
	prev := statusValues[m.fsm.Current()]
	if !m.fsm.Can(string(ev)) {
		return prev, prev, false
	}
	if err := m.fsm.Event(context.Background(), string(ev)); err != nil {
		m.log.WithError(err).WithField("event", ev).Debug("link event rejected")
		return prev, prev, false
	}
	m.timeouts = 0
	return prev, statusValues[m.fsm.Current()], true
}

func (m *Monitor) notify(prev, cur Status, changed bool) {
	if !changed {
		return
	}
	if m.onChange != nil {
		m.onChange(prev, cur)
	}
	if cur == Offline && m.repower != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultRepowerTimeout)
			defer cancel()
			if err := m.repower.Repower(ctx); err != nil {
				m.log.WithError(err).Error("repower failed")
			}
		}()
	}
}
