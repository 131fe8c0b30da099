// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

// Package pdu provides encoding and decoding of SMS TPDUs in the PDU mode
// hex form exchanged with GSM modems.
package pdu

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/sms"
	"github.com/warthog618/sms/encoding/tpdu"
	"github.com/warthog618/sms/encoding/ucs2"
)

const (
	// MaxSegments is the most segments a concatenated message can have.
	MaxSegments = 255

	// DefaultValidityPeriod is the relative TP-VP used unless overridden,
	// 24 hours.
	DefaultValidityPeriod = 167
)

var (
	// ErrInvalidNumber indicates the destination cannot be encoded as an
	// address.
	ErrInvalidNumber = errors.New("invalid number")

	// ErrTooLong indicates the text requires more than MaxSegments segments.
	ErrTooLong = errors.New("message too long")
)

// Segment is one SMS-SUBMIT TPDU of an outgoing message.
type Segment struct {
	// TPDU is the binary TPDU, excluding the SMSC address.
	TPDU []byte

	// Index is the 1-based index of the segment within the message.
	Index int

	// Count is the number of segments in the message.
	Count int

	// Ref is the concatenation reference shared by all segments of a
	// multipart message.
	Ref byte

	Alphabet Alphabet

	// Text is the portion of the message carried by this segment.
	Text string
}

// Hex returns the PDU in the hex form written to the modem, including an empty
// SMSC address so the modem uses its default SMSC.
func (s Segment) Hex() string {
	return "00" + strings.ToUpper(hex.EncodeToString(s.TPDU))
}

// Command returns the +CMGS command to send the segment, without the AT
// prefix.
func (s Segment) Command() string {
	return fmt.Sprintf("+CMGS=%d", len(s.TPDU))
}

// EncodeOption modifies the behaviour of Encode.
type EncodeOption func(*encoder)

type encoder struct {
	ref    byte
	refSet bool
	srr    bool
	vp     byte
	ucs2   bool
}

// WithConcatRef sets the concatenation reference used for multipart messages.
//
// By default a reference is allocated from a rolling counter.
func WithConcatRef(ref byte) EncodeOption {
	return func(e *encoder) {
		e.ref = ref
		e.refSet = true
	}
}

// WithStatusReport controls whether a status report is requested.
// It is requested by default.
func WithStatusReport(srr bool) EncodeOption {
	return func(e *encoder) {
		e.srr = srr
	}
}

// WithValidityPeriod sets the relative validity period, in the TP-VP relative
// format.
func WithValidityPeriod(vp byte) EncodeOption {
	return func(e *encoder) {
		e.vp = vp
	}
}

// WithUCS2 forces the UCS2 alphabet, even if the text fits in GSM7.
var WithUCS2 EncodeOption = func(e *encoder) {
	e.ucs2 = true
}

// fixedCounter is a tpdu.Counter that always returns the same value.
type fixedCounter int

func (c fixedCounter) Count() int {
	return int(c)
}

var concatRefs sms.Counter

// Encode converts the text into one or more SMS-SUBMIT segments addressed to
// the destination.
//
// GSM7 is used unless the text contains a character outside the default
// alphabet and its extension table, in which case every segment is UCS2.
// The TP-MR is left zero for the modem to assign.
func Encode(destination, text string, options ...EncodeOption) ([]Segment, error) {
	e := encoder{srr: true, vp: DefaultValidityPeriod}
	for _, option := range options {
		option(&e)
	}
	tmpl, err := e.template(destination)
	if err != nil {
		return nil, err
	}
	msg := []byte(text)
	if e.ucs2 {
		tmpl.SetDCS(byte(tpdu.DcsUCS2Data))
		msg = ucs2.Encode([]rune(text))
	}
	enc := sms.NewEncoder(sms.WithTemplate(*tmpl))
	enc.MsgCount = fixedCounter(0)
	if e.refSet {
		enc.ConcatRef = fixedCounter(e.ref)
	} else {
		enc.ConcatRef = &concatRefs
	}
	tpdus, err := enc.Encode(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encode")
	}
	if len(tpdus) == 0 {
		// empty text is a single segment with no user data
		tpdus = []tpdu.TPDU{*tmpl}
	}
	if len(tpdus) > MaxSegments {
		return nil, errors.Wrapf(ErrTooLong, "%d segments", len(tpdus))
	}
	segs := make([]Segment, len(tpdus))
	for i := range tpdus {
		if segs[i], err = newSegment(&tpdus[i]); err != nil {
			return nil, err
		}
	}
	return segs, nil
}

// template returns the SMS-SUBMIT that all segments are based on.
func (e *encoder) template(number string) (*tpdu.TPDU, error) {
	da, err := destination(number)
	if err != nil {
		return nil, err
	}
	t, err := tpdu.NewSubmit(tpdu.WithDA(da))
	if err != nil {
		return nil, err
	}
	if e.srr {
		t.FirstOctet |= tpdu.FoSRR
	}
	var vp tpdu.ValidityPeriod
	vp.SetRelative(validityDuration(e.vp))
	t.SetVP(vp)
	return t, nil
}

func newSegment(t *tpdu.TPDU) (Segment, error) {
	b, err := t.MarshalBinary()
	if err != nil {
		return Segment{}, errors.Wrap(err, "marshal")
	}
	alpha, _ := t.Alphabet()
	text, err := userText(t, alpha)
	if err != nil {
		return Segment{}, err
	}
	s := Segment{
		TPDU:     b,
		Index:    1,
		Count:    1,
		Alphabet: alphabetOf(alpha),
		Text:     text,
	}
	if count, idx, ref, ok := t.ConcatInfo(); ok {
		s.Index = idx
		s.Count = count
		s.Ref = byte(ref)
	}
	return s, nil
}

// validityDuration converts a relative TP-VP to the period it represents.
//
// Zero is returned for 0, as that encodes to the 5 minute minimum.
func validityDuration(vp byte) time.Duration {
	switch {
	case vp == 0:
		return 0
	case vp < 144:
		return time.Duration(vp+1) * 5 * time.Minute
	case vp < 168:
		return time.Duration(vp-119) * 30 * time.Minute
	case vp < 197:
		return time.Duration(vp-166) * 24 * time.Hour
	}
	return time.Duration(vp-192) * 7 * 24 * time.Hour
}
