// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

//go:build !linux
// +build !linux

package power

// Line is a GPIO output line.
type Line struct{}

// Open always fails as GPIO is only supported on Linux.
func Open(chip string, offset int, activeLow bool) (*Line, error) {
	return nil, ErrNotSupported
}

// SetValue always fails.
func (l *Line) SetValue(value int) error {
	return ErrNotSupported
}

// Close is a no-op.
func (l *Line) Close() error {
	return nil
}
