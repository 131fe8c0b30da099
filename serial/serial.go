// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package serial provides the serial port connecting the gateway to the
// physical modem, and the discovery of candidate ports on the host.
package serial

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// AutoPort selects the first serial port found on the host.
const AutoPort = "auto"

var defaultConfig = Config{
	port: AutoPort,
	baud: 115200,
}

// New creates a serial port.
//
// This is currently a simple wrapper around tarm serial.
func New(options ...Option) (*serial.Port, error) {
	cfg := defaultConfig
	for _, option := range options {
		option.applyConfig(&cfg)
	}
	if cfg.port == AutoPort {
		port, err := firstPort()
		if err != nil {
			return nil, err
		}
		cfg.port = port
	}
	config := serial.Config{Name: cfg.port, Baud: cfg.baud}
	p, err := serial.OpenPort(&config)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.port)
	}
	return p, nil
}

// Ports returns the names of the serial ports found on the host.
func Ports() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "list ports")
	}
	return ports, nil
}

func firstPort() (string, error) {
	ports, err := Ports()
	if err != nil {
		return "", err
	}
	return pickPort(ports)
}

// pickPort returns the port most likely to be a modem.
func pickPort(ports []string) (string, error) {
	for _, p := range ports {
		// prefer USB attached modems over onboard UARTs
		if strings.Contains(p, "USB") || strings.Contains(p, "ACM") {
			return p, nil
		}
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found")
	}
	return ports[0], nil
}

// Option modifies the serial port created by New.
type Option interface {
	applyConfig(*Config)
}

// Config contains the configuration parameters for the serial port.
type Config struct {
	port string
	baud int
}

// WithBaud sets the baud rate for the serial port.
func WithBaud(b int) Baud {
	return Baud(b)
}

// WithPort sets the port for the serial port.
//
// AutoPort selects the first port found on the host.
func WithPort(p string) Port {
	return Port(p)
}

// Baud is the bit rate for the serial line.
type Baud int

func (b Baud) applyConfig(c *Config) {
	if b > 0 {
		c.baud = int(b)
	}
}

// Port identifies the serial port on the platform.
type Port string

func (p Port) applyConfig(c *Config) {
	if p != "" {
		c.port = string(p)
	}
}
