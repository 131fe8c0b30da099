// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package trace provides a decorator for io.ReadWriter that logs all reads
// and writes.
package trace

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Trace is a trace log on an io.ReadWriter.
//
// All reads and writes are written to the logger.
type Trace struct {
	rw    io.ReadWriter
	log   *logrus.Entry
	level logrus.Level
	wfmt  string
	rfmt  string
}

// Option modifies a Trace object created by New.
type Option func(*Trace)

// New creates a new trace on the io.ReadWriter.
func New(rw io.ReadWriter, options ...Option) *Trace {
	t := &Trace{
		rw:    rw,
		level: logrus.InfoLevel,
		wfmt:  "w: %q",
		rfmt:  "r: %q",
	}
	for _, option := range options {
		option(t)
	}
	if t.log == nil {
		t.log = logrus.WithField("module", "trace")
	}
	return t
}

// WithReadFormat sets the format used for read logs.
func WithReadFormat(format string) Option {
	return func(t *Trace) {
		t.rfmt = format
	}
}

// WithWriteFormat sets the format used for write logs.
func WithWriteFormat(format string) Option {
	return func(t *Trace) {
		t.wfmt = format
	}
}

// WithLogger specifies the logger to be used to log trace messages.
//
// By default traces are logged to the logrus standard logger.
func WithLogger(l *logrus.Entry) Option {
	return func(t *Trace) {
		t.log = l
	}
}

// WithLevel sets the level traces are logged at.
//
// The default is Info.
func WithLevel(level logrus.Level) Option {
	return func(t *Trace) {
		t.level = level
	}
}

func (t *Trace) Read(p []byte) (n int, err error) {
	n, err = t.rw.Read(p)
	if n > 0 {
		t.log.Logf(t.level, t.rfmt, p[:n])
	}
	return n, err
}

func (t *Trace) Write(p []byte) (n int, err error) {
	n, err = t.rw.Write(p)
	if n > 0 {
		t.log.Logf(t.level, t.wfmt, p[:n])
	}
	return n, err
}
