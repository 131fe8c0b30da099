// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package pdu

import "fmt"

// Status is the TP-Status of a status report.
type Status byte

// StatusClass groups TP-Status values by outcome.
type StatusClass int

const (
	// StatusSuccess indicates the message was delivered.
	StatusSuccess StatusClass = iota

	// StatusPending indicates the SC is still trying to deliver the message.
	StatusPending

	// StatusPermanent indicates the SC has given up on the message.
	StatusPermanent
)

func (c StatusClass) String() string {
	switch c {
	case StatusSuccess:
		return "success"
	case StatusPending:
		return "pending"
	}
	return "permanent"
}

// Class returns the outcome class of the status.
//
// 0x00-0x1f are successful, 0x20-0x3f temporary with the SC still trying,
// and the remainder are failures where the SC will make no further attempts.
func (s Status) Class() StatusClass {
	switch {
	case s < 0x20:
		return StatusSuccess
	case s < 0x40:
		return StatusPending
	}
	return StatusPermanent
}

// Final returns true if no further reports are expected for the message.
func (s Status) Final() bool {
	return s.Class() != StatusPending
}

func (s Status) String() string {
	return fmt.Sprintf("0x%02x(%s)", byte(s), s.Class())
}
