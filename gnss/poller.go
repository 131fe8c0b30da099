// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package gnss

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/at"
	"github.com/warthog618/smsgw/info"
)

// Commander issues AT commands.
type Commander interface {
	Command(ctx context.Context, cmd string, options ...at.CommandOption) ([]string, error)
}

// Handler receives position fixes.
type Handler func(Fix)

// ErrNoFix indicates the receiver has no position fix.
var ErrNoFix = errors.New("no fix")

// Poller periodically queries the modem for its position.
type Poller struct {
	c        Commander
	interval time.Duration
	handler  Handler
	log      *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// PollerOption modifies a Poller created by NewPoller.
type PollerOption func(*Poller)

// WithLogger sets the logger for the poller.
func WithLogger(l *logrus.Entry) PollerOption {
	return func(p *Poller) {
		p.log = l
	}
}

// NewPoller creates a Poller that queries the position every interval and
// passes fixes to the handler.
//
// An interval of zero disables polling.
func NewPoller(c Commander, interval time.Duration, handler Handler, options ...PollerOption) *Poller {
	p := &Poller{c: c, interval: interval, handler: handler}
	for _, option := range options {
		option(p)
	}
	if p.log == nil {
		p.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return p
}

// Query requests the current position from the modem.
//
// Returns ErrNoFix if the receiver is running but has not acquired a fix.
func Query(ctx context.Context, c Commander) (Fix, error) {
	lines, err := c.Command(ctx, InfoPrefix)
	if err != nil {
		return Fix{}, err
	}
	for _, l := range lines {
		if !info.HasPrefix(l, InfoPrefix) {
			continue
		}
		f, err := ParseFix(l)
		if err != nil {
			return Fix{}, err
		}
		if !f.Fixed {
			return f, ErrNoFix
		}
		return f, nil
	}
	return Fix{}, errors.Wrap(ErrMalformed, "no "+InfoPrefix+" info")
}

// QueryStatus requests the fix status from the modem.
func QueryStatus(ctx context.Context, c Commander) (Status, error) {
	lines, err := c.Command(ctx, StatusCmd+"?")
	if err != nil {
		return StatusUnknown, err
	}
	for _, l := range lines {
		if info.HasPrefix(l, StatusCmd) {
			return ParseStatus(l)
		}
	}
	return StatusUnknown, errors.Wrap(ErrMalformed, "no "+StatusCmd+" info")
}

// Start begins polling.
//
// Polling continues until Stop is called or the context is done.
// Start has no effect if the interval is zero or the poller is already
// running.
func (p *Poller) Start(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop ends polling and waits for any poll in progress to complete.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.poll(ctx)
		}
	}
}

// poll performs one query, skipping the tick on any failure.
func (p *Poller) poll(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	f, err := Query(qctx, p.c)
	if err != nil {
		p.log.WithError(err).Debug("gnss poll skipped")
		return
	}
	p.handler(f)
}
