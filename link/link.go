// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

// Package link tracks the connectivity of the modem.
//
// The connectivity status is driven by events observed on the transport:
// successful command exchanges, the modem announcing it is shutting down,
// command timeouts, and the transport being lost and reopened.
package link

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// Status is the connectivity status of the modem.
type Status int

const (
	// Startup is the initial status, before any exchange with the modem.
	Startup Status = iota

	// Online indicates the modem is responding to commands.
	Online

	// ShuttingDown indicates the modem has announced it is powering down.
	ShuttingDown

	// Offline indicates the modem is not responding.
	Offline
)

var statusNames = map[Status]string{
	Startup:      "Startup",
	Online:       "Online",
	ShuttingDown: "ShuttingDown",
	Offline:      "Offline",
}

var statusValues = map[string]Status{
	"Startup":      Startup,
	"Online":       Online,
	"ShuttingDown": ShuttingDown,
	"Offline":      Offline,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, errors.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status from its name.
func (s *Status) UnmarshalText(text []byte) error {
	v, ok := statusValues[string(text)]
	if !ok {
		return errors.Errorf("unknown status %q", text)
	}
	*s = v
	return nil
}

// Event is an observation that may change the connectivity status.
type Event string

const (
	// EventExchange is a successful command exchange.
	EventExchange Event = "exchange"

	// EventShutdown is the modem announcing it is shutting down.
	EventShutdown Event = "shutdown"

	// EventTimeout is the modem failing to respond.
	EventTimeout Event = "timeout"

	// EventLost is the transport failing.
	EventLost Event = "lost"

	// EventReopened is the transport being reopened and answering commands.
	EventReopened Event = "reopened"
)

// transitions is the connectivity state table.
//
// Startup is never re-entered, and ShuttingDown is only reachable via an
// explicit shutdown.
var transitions = fsm.Events{
	{Name: string(EventExchange), Src: []string{"Startup"}, Dst: "Online"},
	{Name: string(EventShutdown), Src: []string{"Online"}, Dst: "ShuttingDown"},
	{Name: string(EventTimeout), Src: []string{"Startup", "Online", "ShuttingDown"}, Dst: "Offline"},
	{Name: string(EventLost), Src: []string{"Startup", "Online", "ShuttingDown"}, Dst: "Offline"},
	{Name: string(EventReopened), Src: []string{"Offline"}, Dst: "Online"},
}

func newFSM(initial Status, callbacks fsm.Callbacks) *fsm.FSM {
	return fsm.NewFSM(initial.String(), transitions, callbacks)
}

// Next returns the status that results from the event occurring in the from
// status, and whether the event causes a transition.
func Next(from Status, ev Event) (Status, bool) {
	f := newFSM(from, nil)
	if !f.Can(string(ev)) {
		return from, false
	}
	if err := f.Event(context.Background(), string(ev)); err != nil {
		return from, false
	}
	return statusValues[f.Current()], true
}
