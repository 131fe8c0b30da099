// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package gsm

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/warthog618/smsgw/gnss"
	"github.com/warthog618/smsgw/info"
)

// NetworkStatus is the network registration status reported by +CREG.
type NetworkStatus struct {
	// Mode is the unsolicited result code setting.
	Mode int `json:"mode"`

	// Registration is the registration status, 1 being registered on the
	// home network and 5 roaming.
	Registration int  `json:"registration"`
	Registered   bool `json:"registered"`

	// Technology is the access technology, if reported.
	Technology *int `json:"technology,omitempty"`
}

// SignalStrength is the signal quality reported by +CSQ.
type SignalStrength struct {
	// RSSI is in dBm, and zero if unknown.
	RSSI    int    `json:"rssi"`
	BER     int    `json:"ber"`
	Quality string `json:"quality"`
}

// Operator is the current network operator reported by +COPS.
type Operator struct {
	Mode   int    `json:"mode"`
	Format int    `json:"format"`
	Name   string `json:"operator"`
}

// Battery is the battery state reported by +CBC.
type Battery struct {
	Status int `json:"status"`

	// Charge is a percentage.
	Charge int `json:"charge"`

	// Voltage is in volts.
	Voltage float64 `json:"voltage"`
}

// query issues the command and returns the fields of the info line.
func (g *GSM) query(ctx context.Context, cmd, prefix string, nfields int) ([]string, error) {
	i, err := g.Command(ctx, cmd)
	if err != nil {
		return nil, err
	}
	for _, l := range i {
		if !info.HasPrefix(l, prefix) {
			continue
		}
		fields := info.Fields(l, prefix)
		if len(fields) < nfields {
			return nil, errors.Wrapf(ErrMalformedResponse, "%s: %d fields", prefix, len(fields))
		}
		return fields, nil
	}
	return nil, errors.Wrapf(ErrMalformedResponse, "no %s response", prefix)
}

func atoi(prefix, field string) (int, error) {
	v, err := strconv.Atoi(field)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedResponse, "%s: %s", prefix, err)
	}
	return v, nil
}

// parseInts converts the leading fields to integers.
func parseInts(prefix string, fields []string, n int) ([]int, error) {
	v := make([]int, n)
	for i := 0; i < n; i++ {
		var err error
		if v[i], err = atoi(prefix, fields[i]); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func parseReference(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedResponse, "+CMGS: %s", err)
	}
	return byte(v), nil
}

// NetworkStatus returns the network registration status.
func (g *GSM) NetworkStatus(ctx context.Context) (NetworkStatus, error) {
	fields, err := g.query(ctx, "+CREG?", "+CREG", 2)
	if err != nil {
		return NetworkStatus{}, err
	}
	v, err := parseInts("+CREG", fields, 2)
	if err != nil {
		return NetworkStatus{}, err
	}
	ns := NetworkStatus{
		Mode:         v[0],
		Registration: v[1],
		Registered:   v[1] == 1 || v[1] == 5,
	}
	if len(fields) > 4 && fields[4] != "" {
		t, err := atoi("+CREG", fields[4])
		if err != nil {
			return NetworkStatus{}, err
		}
		ns.Technology = &t
	}
	return ns, nil
}

// NewSignalStrength converts the +CSQ rssi and ber to a SignalStrength.
//
// An rssi of 99 indicates the signal is not detectable.
func NewSignalStrength(rssi, ber int) SignalStrength {
	if rssi < 0 || rssi > 31 {
		return SignalStrength{BER: ber, Quality: "unknown"}
	}
	ss := SignalStrength{RSSI: -113 + 2*rssi, BER: ber}
	switch {
	case rssi >= 20:
		ss.Quality = "excellent"
	case rssi >= 15:
		ss.Quality = "good"
	case rssi >= 10:
		ss.Quality = "fair"
	default:
		ss.Quality = "poor"
	}
	return ss
}

// SignalStrength returns the signal quality.
func (g *GSM) SignalStrength(ctx context.Context) (SignalStrength, error) {
	fields, err := g.query(ctx, "+CSQ", "+CSQ", 2)
	if err != nil {
		return SignalStrength{}, err
	}
	v, err := parseInts("+CSQ", fields, 2)
	if err != nil {
		return SignalStrength{}, err
	}
	return NewSignalStrength(v[0], v[1]), nil
}

// Operator returns the current network operator.
//
// The name is empty if the modem is not registered.
func (g *GSM) Operator(ctx context.Context) (Operator, error) {
	fields, err := g.query(ctx, "+COPS?", "+COPS", 1)
	if err != nil {
		return Operator{}, err
	}
	mode, err := atoi("+COPS", fields[0])
	if err != nil {
		return Operator{}, err
	}
	op := Operator{Mode: mode}
	if len(fields) < 3 {
		return op, nil
	}
	if op.Format, err = atoi("+COPS", fields[1]); err != nil {
		return Operator{}, err
	}
	op.Name = info.Unquote(fields[2])
	return op, nil
}

// ServiceProvider returns the service provider name from the SIM.
func (g *GSM) ServiceProvider(ctx context.Context) (string, error) {
	fields, err := g.query(ctx, "+CSPN?", "+CSPN", 1)
	if err != nil {
		return "", err
	}
	name := fields[0]
	if len(name) < 2 || name[0] != '"' || name[len(name)-1] != '"' {
		return "", errors.Wrapf(ErrMalformedResponse, "+CSPN: %s", name)
	}
	return info.Unquote(name), nil
}

// Battery returns the battery state.
func (g *GSM) Battery(ctx context.Context) (Battery, error) {
	fields, err := g.query(ctx, "+CBC", "+CBC", 3)
	if err != nil {
		return Battery{}, err
	}
	v, err := parseInts("+CBC", fields, 3)
	if err != nil {
		return Battery{}, err
	}
	return Battery{Status: v[0], Charge: v[1], Voltage: float64(v[2]) / 1000}, nil
}

// GNSSStatus returns the fix status of the GNSS receiver.
func (g *GSM) GNSSStatus(ctx context.Context) (gnss.Status, error) {
	return gnss.QueryStatus(ctx, g)
}

// GNSSLocation returns the current position.
func (g *GSM) GNSSLocation(ctx context.Context) (gnss.Fix, error) {
	return gnss.Query(ctx, g)
}
