// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package at

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle state of a submitted command.
type State int

const (
	// Queued commands are waiting in the FIFO for the transport.
	Queued State = iota

	// Sent commands are being written to the modem.
	Sent

	// AwaitingResponse commands have been written and are collecting their
	// response.
	AwaitingResponse

	// Completed commands were terminated by OK.
	Completed

	// TimedOut commands exceeded their deadline.
	TimedOut

	// Rejected commands were terminated by a modem error, or could not be
	// written.
	Rejected

	// Cancelled commands were withdrawn before being sent.
	Cancelled
)

var stateNames = map[State]string{
	Queued:           "queued",
	Sent:             "sent",
	AwaitingResponse: "awaiting",
	Completed:        "completed",
	TimedOut:         "timedout",
	Rejected:         "rejected",
	Cancelled:        "cancelled",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

type reqKind int

const (
	reqCommand reqKind = iota
	reqSMS
	reqEscape
)

// Handle tracks a command submitted to the AT.
type Handle struct {
	a       *AT
	kind    reqKind
	cmd     string
	sms     string
	timeout time.Duration

	// only accessed by the dispatch loop
	cmdID    string
	prompted bool

	onComplete func(info []string, err error)

	mu    sync.Mutex
	state State
	info  []string
	err   error
	done  chan struct{}
}

// CommandOption alters the behaviour of a single command.
type CommandOption func(*Handle)

// WithCommandTimeout overrides the AT's default deadline for a command.
//
// The deadline runs from the time the command is written to the modem, not
// from submission.
func WithCommandTimeout(d time.Duration) CommandOption {
	return func(h *Handle) {
		h.timeout = d
	}
}

// WithCompletion registers a function called with the result of the command
// as it completes, before Done is closed.
//
// For commands completed by the modem, f is called from the dispatch loop
// before any subsequent line is processed, so it observes the command result
// ahead of any indication that follows it. f must not wait on other
// commands.
func WithCompletion(f func(info []string, err error)) CommandOption {
	return func(h *Handle) {
		h.onComplete = f
	}
}

// Cmd returns the command, without the AT prefix.
func (h *Handle) Cmd() string {
	return h.cmd
}

// State returns the current state of the command.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done returns a channel that is closed once the command reaches a terminal
// state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the info lines and error of a completed command.
//
// It is only meaningful after Done is closed.
func (h *Handle) Result() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info, h.err
}

// Wait blocks until the command completes or the context is done.
//
// A context ending does not affect the command itself - use Cancel to
// withdraw a queued command.
func (h *Handle) Wait(ctx context.Context) ([]string, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel withdraws the command from the queue.
//
// Only Queued commands can be cancelled, as once a command is sent the wire
// exchange is committed. ErrNotQueued is returned for commands in any other
// state.
func (h *Handle) Cancel() error {
	return h.a.withdraw(h)
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Handle) complete(s State, info []string, err error) {
	h.mu.Lock()
	switch h.state {
	case Completed, TimedOut, Rejected, Cancelled:
		h.mu.Unlock()
		return
	}
	h.state = s
	h.info = info
	h.err = err
	h.mu.Unlock()
	if h.onComplete != nil {
		h.onComplete(info, err)
	}
	close(h.done)
}
