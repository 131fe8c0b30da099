// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

//go:build linux
// +build linux

package power

import (
	"github.com/pkg/errors"
	"github.com/warthog618/gpiod"
)

// Line is a GPIO output line.
type Line struct {
	*gpiod.Line
}

// Open requests the GPIO line as an inactive output.
func Open(chip string, offset int, activeLow bool) (*Line, error) {
	options := []gpiod.LineReqOption{gpiod.AsOutput(0), gpiod.WithConsumer("smsgw")}
	if activeLow {
		options = append(options, gpiod.AsActiveLow)
	}
	l, err := gpiod.RequestLine(chip, offset, options...)
	if err != nil {
		return nil, errors.Wrapf(err, "request %s:%d", chip, offset)
	}
	return &Line{l}, nil
}
