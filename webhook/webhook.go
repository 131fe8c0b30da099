// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

// Package webhook posts gateway events to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/events"
)

const (
	// DefaultConcurrency is the maximum number of requests in flight.
	DefaultConcurrency = 10

	// DefaultTimeout bounds each request.
	DefaultTimeout = 10 * time.Second

	// DefaultAttempts is the number of times a request is tried before the
	// event is dropped for that hook.
	DefaultAttempts = 3
)

// Hook is an endpoint that receives events.
type Hook struct {
	URL string

	// Types filters the events posted to the hook.
	Types   []events.Type
	Headers map[string]string

	// ExpectedStatus, if non-zero, is the only response status accepted.
	// Otherwise any 2xx is accepted.
	ExpectedStatus int
}

func (h Hook) wants(t events.Type) bool {
	for _, v := range h.Types {
		if v == t {
			return true
		}
	}
	return false
}

func (h Hook) accepts(status int) bool {
	if h.ExpectedStatus != 0 {
		return status == h.ExpectedStatus
	}
	return status >= 200 && status < 300
}

// Dispatcher posts events to the hooks interested in them.
type Dispatcher struct {
	hooks    []Hook
	client   *http.Client
	sem      chan struct{}
	attempts int
	backoff  backoff.Backoff
	log      *logrus.Entry
	wg       sync.WaitGroup
}

// Option modifies a Dispatcher created by New.
type Option func(*Dispatcher)

// WithClient sets the HTTP client used to post events.
func WithClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		d.client = c
	}
}

// WithConcurrency sets the maximum number of requests in flight.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// WithRetry sets the number of attempts for each request, and the bounds of
// the delay between them.
func WithRetry(attempts int, min, max time.Duration) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.attempts = attempts
		}
		d.backoff.Min = min
		d.backoff.Max = max
	}
}

// WithLogger sets the logger for the dispatcher.
func WithLogger(l *logrus.Entry) Option {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// New creates a Dispatcher for the hooks.
func New(hooks []Hook, options ...Option) *Dispatcher {
	d := &Dispatcher{
		hooks:    hooks,
		client:   &http.Client{Timeout: DefaultTimeout},
		sem:      make(chan struct{}, DefaultConcurrency),
		attempts: DefaultAttempts,
		backoff: backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    10 * time.Second,
			Jitter: true,
		},
	}
	for _, option := range options {
		option(d)
	}
	if d.log == nil {
		d.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return d
}

// Types returns the set of event types of interest to any hook.
func (d *Dispatcher) Types() []events.Type {
	var types []events.Type
	for _, t := range events.Types {
		for _, h := range d.hooks {
			if h.wants(t) {
				types = append(types, t)
				break
			}
		}
	}
	return types
}

// Run posts the events received from evs until evs is closed or the context
// is done, then waits for requests in flight.
func (d *Dispatcher) Run(ctx context.Context, evs <-chan events.Event) {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev events.Event) {
	var body []byte
	for i := range d.hooks {
		h := d.hooks[i]
		if !h.wants(ev.Type) {
			continue
		}
		if body == nil {
			var err error
			if body, err = json.Marshal(ev); err != nil {
				d.log.WithError(err).WithField("type", ev.Type).Error("can't marshal event")
				return
			}
		}
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		d.wg.Add(1)
		go func(idx int) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			log := d.log.WithFields(logrus.Fields{
				"hook": idx,
				"type": ev.Type,
			})
			if err := d.deliver(ctx, h, body); err != nil {
				log.WithError(err).Error("webhook failed")
				return
			}
			log.Debug("webhook sent")
		}(i)
	}
}

// deliver posts the body to the hook, retrying failures.
func (d *Dispatcher) deliver(ctx context.Context, h Hook, body []byte) error {
	b := d.backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = d.post(ctx, h, body); err == nil {
			return nil
		}
		if attempt >= d.attempts {
			return errors.Wrapf(err, "after %d attempts", attempt)
		}
		t := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, h Hook, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if !h.accepts(resp.StatusCode) {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
