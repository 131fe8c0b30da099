// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

// Package events defines the events emitted by the gateway and distributes
// them to subscribers.
package events

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/smsgw/gnss"
	"github.com/warthog618/smsgw/link"
	"github.com/warthog618/smsgw/pdu"
)

// Type identifies the kind of an event.
type Type string

// Event types.
const (
	Incoming           Type = "incoming"
	Outgoing           Type = "outgoing"
	DeliveryReport     Type = "delivery"
	ModemStatusUpdate  Type = "modem_status_update"
	GNSSPositionReport Type = "gnss_position_report"
)

// Types lists all event types.
var Types = []Type{Incoming, Outgoing, DeliveryReport, ModemStatusUpdate, GNSSPositionReport}

// ParseType converts the name of an event type to a Type.
func ParseType(s string) (Type, error) {
	t := Type(strings.TrimSpace(s))
	for _, v := range Types {
		if t == v {
			return t, nil
		}
	}
	return "", errors.Errorf("unknown event type %q", s)
}

// Status is the state of a message.
type Status int

// Message status values.
const (
	Sent Status = iota
	Delivered
	Received
	TemporaryFailure
	PermanentFailure
	Pending
)

var statusNames = map[Status]string{
	Sent:             "sent",
	Delivered:        "delivered",
	Received:         "received",
	TemporaryFailure: "temporary_failure",
	PermanentFailure: "permanent_failure",
	Pending:          "pending",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Final returns true if the status is terminal.
func (s Status) Final() bool {
	switch s {
	case Delivered, Received, PermanentFailure:
		return true
	}
	return false
}

// StatusFromReport maps a TP-Status to the message status it implies.
func StatusFromReport(st pdu.Status) Status {
	switch st.Class() {
	case pdu.StatusSuccess:
		return Delivered
	case pdu.StatusPending:
		return TemporaryFailure
	}
	return PermanentFailure
}

// Message is an incoming or outgoing SMS.
type Message struct {
	// ID is zero until the message is assigned an identity.
	ID          int64  `json:"message_id"`
	PhoneNumber string `json:"phone_number"`
	Content     string `json:"message_content"`

	// Reference is the TP-MR of the final segment of an outgoing message,
	// once acknowledged.
	Reference *byte `json:"message_reference"`

	Outgoing    bool   `json:"is_outgoing"`
	Status      Status `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt int64  `json:"completed_at,omitempty"`

	// Parts is the number of segments carrying the message.
	Parts int `json:"parts,omitempty"`

	// Partial marks an incoming multipart message with missing segments.
	Partial bool `json:"partial,omitempty"`
}

// Report is a delivery report for a sent message.
type Report struct {
	Status      byte   `json:"status"`
	PhoneNumber string `json:"phone_number"`
	Reference   byte   `json:"reference_id"`
	Final       bool   `json:"is_final"`
	CreatedAt   int64  `json:"created_at"`
}

// Delivery is a delivery report and the message it applies to.
type Delivery struct {
	// MessageID is nil for reports that match no outstanding message.
	MessageID *int64 `json:"message_id"`
	Report    Report `json:"report"`
}

// StatusUpdate is a change in the modem connectivity status.
type StatusUpdate struct {
	Previous link.Status `json:"previous"`
	Current  link.Status `json:"current"`
}

// Event is a tagged record published by the gateway.
type Event struct {
	Type Type        `json:"type"`
	Data interface{} `json:"data"`
}

// NewIncoming creates an incoming message event.
func NewIncoming(m Message) Event {
	return Event{Type: Incoming, Data: m}
}

// NewOutgoing creates an outgoing message event.
func NewOutgoing(m Message) Event {
	return Event{Type: Outgoing, Data: m}
}

// NewDelivery creates a delivery report event.
func NewDelivery(d Delivery) Event {
	return Event{Type: DeliveryReport, Data: d}
}

// NewStatusUpdate creates a modem status update event.
func NewStatusUpdate(prev, cur link.Status) Event {
	return Event{Type: ModemStatusUpdate, Data: StatusUpdate{Previous: prev, Current: cur}}
}

// NewPosition creates a GNSS position report event.
func NewPosition(f gnss.Fix) Event {
	return Event{Type: GNSSPositionReport, Data: f}
}

// Publisher receives events.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to a Publisher.
type PublisherFunc func(ev Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev Event) {
	f(ev)
}

// Unix returns t as unix seconds, or zero for the zero time.
func Unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
