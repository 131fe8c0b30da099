// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package pdu

import (
	"github.com/warthog618/sms/encoding/gsm7"
	"github.com/warthog618/sms/encoding/tpdu"
	"golang.org/x/text/encoding/charmap"
)

// Alphabet is the character set of the user data.
type Alphabet int

const (
	// GSM7 is the GSM 7-bit default alphabet, with extension table.
	GSM7 Alphabet = iota

	// Data8Bit is 8-bit data.
	Data8Bit

	// UCS2 is the UCS2 alphabet, encoded as UTF-16BE.
	UCS2
)

func (a Alphabet) String() string {
	switch a {
	case GSM7:
		return "gsm7"
	case Data8Bit:
		return "8bit"
	case UCS2:
		return "ucs2"
	}
	return "unknown"
}

func alphabetOf(a tpdu.Alphabet) Alphabet {
	switch a {
	case tpdu.Alpha8Bit:
		return Data8Bit
	case tpdu.AlphaUCS2:
		return UCS2
	}
	return GSM7
}

// IsGSM7 returns true if every character in text can be encoded in the GSM
// 7-bit default alphabet and extension table.
func IsGSM7(text string) bool {
	_, err := gsm7.Encode([]byte(text))
	return err == nil
}

// userText converts the user data of the TPDU to text.
//
// 8-bit data is treated as Latin-1.
func userText(t *tpdu.TPDU, alpha tpdu.Alphabet) (string, error) {
	if alpha == tpdu.Alpha8Bit {
		s, err := charmap.ISO8859_1.NewDecoder().Bytes(t.UD)
		if err != nil {
			return string(t.UD), nil
		}
		return string(s), nil
	}
	b, err := tpdu.DecodeUserData(t.UD, t.UDH, alpha, tpdu.WithAllCharsets)
	if err != nil {
		return "", DecodeError{Reason: ReasonText, Field: "ud", Detail: err.Error()}
	}
	return string(b), nil
}
