// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package pdu

import (
	"strings"
	"time"

	"github.com/warthog618/sms"
	"github.com/warthog618/sms/encoding/pdumode"
	"github.com/warthog618/sms/encoding/tpdu"
)

// MessageType is the TP-MTI of a decoded TPDU.
type MessageType int

const (
	// Deliver is an SMS-DELIVER, an incoming message.
	Deliver MessageType = iota

	// Submit is an SMS-SUBMIT, an outgoing message.
	Submit

	// Report is an SMS-STATUS-REPORT.
	Report
)

func (t MessageType) String() string {
	switch t {
	case Deliver:
		return "deliver"
	case Submit:
		return "submit"
	case Report:
		return "status-report"
	}
	return "unknown"
}

// PDU is a decoded TPDU, either a *Message or a *StatusReport.
type PDU interface {
	MessageType() MessageType
}

// Concat is the concatenation information of a multipart segment.
type Concat struct {
	Ref   uint16
	Count int
	// Index is 1-based.
	Index int
}

// Message is a decoded SMS-DELIVER, or SMS-SUBMIT when decoded with AsMO.
type Message struct {
	Type MessageType
	SMSC Address

	// Address is the originator of a DELIVER, or the destination of a SUBMIT.
	Address Address

	// Reference is the TP-MR of a SUBMIT.
	Reference byte

	// Timestamp is the SC timestamp of a DELIVER.
	Timestamp time.Time

	PID      byte
	DCS      byte
	Alphabet Alphabet
	Text     string

	// Concat is nil unless the message is one segment of a multipart message.
	Concat *Concat

	// StatusReport indicates a status report was requested (SUBMIT) or will
	// be returned (DELIVER).
	StatusReport bool
}

// MessageType returns the type of the message.
func (m *Message) MessageType() MessageType {
	return m.Type
}

// StatusReport is a decoded SMS-STATUS-REPORT.
type StatusReport struct {
	SMSC Address

	// Reference is the TP-MR of the SUBMIT being reported.
	Reference byte

	Recipient Address

	// Timestamp is when the SC received the SUBMIT.
	Timestamp time.Time

	// Discharge is when the status was determined.
	Discharge time.Time

	Status Status
}

// MessageType returns Report.
func (r *StatusReport) MessageType() MessageType {
	return Report
}

// DecodeOption modifies the behaviour of Decode.
type DecodeOption func(*decoder)

type decoder struct {
	mo      bool
	tpduLen int
}

// AsMO decodes the PDU in the mobile originated direction, so an MTI of 1 is
// an SMS-SUBMIT.
var AsMO DecodeOption = func(d *decoder) {
	d.mo = true
}

// WithTPDULength checks the TPDU length against the length reported by the
// modem in the +CMT or +CDS header.
func WithTPDULength(n int) DecodeOption {
	return func(d *decoder) {
		d.tpduLen = n
	}
}

// DecodeHex decodes a PDU in the hex form returned by the modem.
func DecodeHex(s string, options ...DecodeOption) (PDU, error) {
	p, err := pdumode.UnmarshalHexString(strings.TrimSpace(s))
	if err != nil {
		return nil, decodeErrorOf(err)
	}
	return decode(p, options...)
}

// Decode decodes a binary PDU, including the SMSC address prefix.
func Decode(b []byte, options ...DecodeOption) (PDU, error) {
	p, err := pdumode.UnmarshalBinary(b)
	if err != nil {
		return nil, decodeErrorOf(err)
	}
	return decode(p, options...)
}

func decode(p *pdumode.PDU, options ...DecodeOption) (PDU, error) {
	d := decoder{}
	for _, option := range options {
		option(&d)
	}
	if d.tpduLen > 0 && len(p.TPDU) != d.tpduLen {
		return nil, decodeError(ReasonLength, "tpdu", "expected %d octets, have %d", d.tpduLen, len(p.TPDU))
	}
	if len(p.TPDU) < 1 {
		return nil, decodeError(ReasonTruncated, "tpdu", "empty")
	}
	hdr := tpdu.TPDU{Direction: tpdu.MT, FirstOctet: tpdu.FirstOctet(p.TPDU[0])}
	var uopts []sms.UnmarshalOption
	if d.mo {
		hdr.Direction = tpdu.MO
		uopts = append(uopts, sms.AsMO)
	}
	st := hdr.SmsType()
	switch st {
	case tpdu.SmsDeliver, tpdu.SmsSubmit, tpdu.SmsStatusReport:
	default:
		return nil, decodeError(ReasonType, "mti", "%s (0x%02x)", st, p.TPDU[0])
	}
	t, err := sms.Unmarshal(p.TPDU, uopts...)
	if err != nil {
		return nil, decodeErrorOf(err)
	}
	smsc := addressOf(p.SMSC.Address)
	if st == tpdu.SmsStatusReport {
		return &StatusReport{
			SMSC:      smsc,
			Reference: t.MR,
			Recipient: addressOf(t.RA),
			Timestamp: t.SCTS.Time,
			Discharge: t.DT.Time,
			Status:    Status(t.ST),
		}, nil
	}
	m, err := newMessage(t)
	if err != nil {
		return nil, err
	}
	m.SMSC = smsc
	return m, nil
}

func newMessage(t *tpdu.TPDU) (*Message, error) {
	alpha, err := t.Alphabet()
	if err != nil || t.DCS.Compressed() {
		return nil, decodeError(ReasonAlphabet, "dcs", "%s", t.DCS)
	}
	m := Message{
		Type:         Deliver,
		Address:      addressOf(t.OA),
		Timestamp:    t.SCTS.Time,
		PID:          t.PID,
		DCS:          byte(t.DCS),
		Alphabet:     alphabetOf(alpha),
		StatusReport: t.FirstOctet.SRR(),
	}
	if t.SmsType() == tpdu.SmsSubmit {
		m.Type = Submit
		m.Address = addressOf(t.DA)
		m.Reference = t.MR
		m.Timestamp = time.Time{}
	}
	if count, idx, ref, ok := t.ConcatInfo(); ok {
		if count == 0 || idx == 0 || idx > count {
			return nil, decodeError(ReasonUDH, "udh", "concat segment %d of %d", idx, count)
		}
		m.Concat = &Concat{Ref: uint16(ref), Count: count, Index: idx}
	}
	if m.Text, err = userText(t, alpha); err != nil {
		return nil, err
	}
	return &m, nil
}
