// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package pdu

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/warthog618/sms/encoding/tpdu"
)

// Reason identifies why a PDU could not be decoded.
type Reason int

const (
	// ReasonHex indicates the PDU was not valid hex.
	ReasonHex Reason = iota + 1

	// ReasonTruncated indicates the PDU ended before a mandatory field.
	ReasonTruncated

	// ReasonLength indicates a length field disagrees with the data.
	ReasonLength

	// ReasonType indicates an unsupported message type.
	ReasonType

	// ReasonAlphabet indicates an unsupported or reserved data coding scheme.
	ReasonAlphabet

	// ReasonAddress indicates a malformed address field.
	ReasonAddress

	// ReasonTimestamp indicates a malformed timestamp field.
	ReasonTimestamp

	// ReasonUDH indicates a malformed user data header.
	ReasonUDH

	// ReasonText indicates the user data could not be converted to text.
	ReasonText
)

var reasonNames = map[Reason]string{
	ReasonHex:       "invalid hex",
	ReasonTruncated: "truncated",
	ReasonLength:    "length mismatch",
	ReasonType:      "unsupported message type",
	ReasonAlphabet:  "unsupported alphabet",
	ReasonAddress:   "malformed address",
	ReasonTimestamp: "malformed timestamp",
	ReasonUDH:       "malformed user data header",
	ReasonText:      "undecodable text",
}

func (r Reason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// DecodeError indicates a PDU could not be decoded.
type DecodeError struct {
	Reason Reason
	// Field is the PDU field being decoded.
	Field string
	// Detail provides additional context, if any.
	Detail string
}

func (e DecodeError) Error() string {
	msg := "pdu: " + e.Reason.String()
	if e.Field != "" {
		msg += " in " + e.Field
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func decodeError(r Reason, field string, format string, args ...interface{}) error {
	return DecodeError{Reason: r, Field: field, Detail: fmt.Sprintf(format, args...)}
}

// decodeErrorOf converts an error from the pdumode or tpdu decoders into a
// DecodeError.
func decodeErrorOf(err error) error {
	var ibe hex.InvalidByteError
	if errors.As(err, &ibe) || errors.Is(err, hex.ErrLength) {
		return DecodeError{Reason: ReasonHex, Detail: err.Error()}
	}
	var de tpdu.DecodeError
	if !errors.As(err, &de) {
		return DecodeError{Reason: ReasonText, Detail: err.Error()}
	}
	e := DecodeError{Field: de.Field, Detail: de.Err.Error()}
	fields := strings.Split(de.Field, ".")
	var unsupported tpdu.ErrUnsupportedSmsType
	switch {
	case hasField(fields, "udh", "udhl", "ie", "ied"):
		e.Reason = ReasonUDH
	case de.Err == tpdu.ErrUnderflow:
		e.Reason = ReasonTruncated
	case de.Err == tpdu.ErrOverlength:
		e.Reason = ReasonLength
	case errors.As(de.Err, &unsupported):
		e.Reason = ReasonType
	case hasField(fields, "alphabet", "dcs"):
		e.Reason = ReasonAlphabet
	case hasField(fields, "scts", "dt", "vp"):
		e.Reason = ReasonTimestamp
	case hasField(fields, "addr", "oa", "da", "ra", "toa"):
		e.Reason = ReasonAddress
	default:
		e.Reason = ReasonText
	}
	return e
}

func hasField(fields []string, names ...string) bool {
	for _, f := range fields {
		for _, n := range names {
			if f == n {
				return true
			}
		}
	}
	return false
}
