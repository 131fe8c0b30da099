// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package pdu

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/warthog618/sms/encoding/semioctet"
	"github.com/warthog618/sms/encoding/tpdu"
)

// maxDigits is the longest number that fits in a TP address field.
const maxDigits = 20

// Address is a TP address field.
type Address struct {
	// Number is the address as text.
	//
	// International numbers are prefixed with '+'.
	Number string
	TOA    byte
}

// NewAddress creates an Address from a phone number.
//
// A leading '+' marks the number as international.
func NewAddress(number string) Address {
	return addressOf(tpAddress(number))
}

// IsAlphanumeric returns true if the address is alphanumeric text rather than
// a number.
func (a Address) IsAlphanumeric() bool {
	ta := tpdu.Address{TOA: a.TOA}
	return ta.TypeOfNumber() == tpdu.TonAlphanumeric
}

func (a Address) String() string {
	return a.Number
}

func addressOf(a tpdu.Address) Address {
	return Address{Number: a.Number(), TOA: a.TOA}
}

func tpAddress(number string) tpdu.Address {
	a := tpdu.NewAddress(tpdu.FromNumber(strings.ToLower(number)))
	if !strings.HasPrefix(number, "+") {
		a.SetTypeOfNumber(tpdu.TonUnknown)
	}
	return a
}

// destination converts the number to a DA, rejecting numbers that cannot be
// encoded.
func destination(number string) (tpdu.Address, error) {
	d := strings.ToLower(strings.TrimPrefix(number, "+"))
	if len(d) == 0 || len(d) > maxDigits {
		return tpdu.Address{}, errors.Wrapf(ErrInvalidNumber, "length %d", len(d))
	}
	if _, err := semioctet.Encode([]byte(d)); err != nil {
		return tpdu.Address{}, errors.Wrap(ErrInvalidNumber, err.Error())
	}
	return tpAddress(number), nil
}
