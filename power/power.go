// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

// Package power power cycles the modem by pulsing its power key.
package power

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultPulse is the period the power key is held active.
const DefaultPulse = 1200 * time.Millisecond

// Setter drives an output line.
type Setter interface {
	SetValue(value int) error
}

// Key is the modem power key.
//
// It implements the link.Repowerer interface.
type Key struct {
	line  Setter
	pulse time.Duration
	log   *logrus.Entry

	// serialises pulses
	mu sync.Mutex
}

// Option modifies a Key.
type Option func(*Key)

// WithPulse sets the period the key is held active.
func WithPulse(d time.Duration) Option {
	return func(k *Key) {
		if d > 0 {
			k.pulse = d
		}
	}
}

// WithLogger sets the logger for the key.
func WithLogger(l *logrus.Entry) Option {
	return func(k *Key) {
		k.log = l
	}
}

// New creates a Key driving the line.
func New(line Setter, options ...Option) *Key {
	k := &Key{line: line, pulse: DefaultPulse}
	for _, option := range options {
		option(k)
	}
	if k.log == nil {
		k.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return k
}

// Repower pulses the power key.
//
// The line is always returned inactive, even if the context is done before
// the pulse completes.
func (k *Key) Repower(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.line.SetValue(1); err != nil {
		return errors.Wrap(err, "assert power key")
	}
	k.log.WithField("pulse", k.pulse).Info("pulsing power key")
	t := time.NewTimer(k.pulse)
	var cerr error
	select {
	case <-ctx.Done():
		t.Stop()
		cerr = ctx.Err()
	case <-t.C:
	}
	if err := k.line.SetValue(0); err != nil {
		return errors.Wrap(err, "release power key")
	}
	return cerr
}

// ErrNotSupported indicates GPIO is not available on the platform.
var ErrNotSupported = errors.New("gpio not supported on this platform")
