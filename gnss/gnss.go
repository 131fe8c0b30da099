// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

// Package gnss decodes GNSS reports from SIMCom modems and polls the modem
// for position fixes.
package gnss

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/smsgw/info"
)

// Info line prefixes for the navigation information.
const (
	InfoPrefix = "+CGNSINF"
	URCPrefix  = "+UGNSINF"
	StatusCmd  = "+CGPSSTATUS"
)

// Mode is the fix mode.
type Mode int

const (
	// ModeUnknown indicates the mode was not reported.
	ModeUnknown Mode = iota

	// NoFix indicates no position is available.
	NoFix

	// Fix2D is a position without altitude.
	Fix2D

	// Fix3D is a position with altitude.
	Fix3D
)

func (m Mode) String() string {
	switch m {
	case NoFix:
		return "NoFix"
	case Fix2D:
		return "Fix2D"
	case Fix3D:
		return "Fix3D"
	}
	return "Unknown"
}

// MarshalText encodes the mode as its name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Fix is a navigation information report.
type Fix struct {
	Run       bool      `json:"run_status"`
	Fixed     bool      `json:"fix_status"`
	UTC       time.Time `json:"utc_time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"msl_altitude"`

	// Speed over ground in km/h.
	Speed float64 `json:"ground_speed"`

	// Course over ground in degrees.
	Course float64 `json:"ground_course"`

	Mode Mode    `json:"fix_mode"`
	HDOP float64 `json:"hdop"`
	PDOP float64 `json:"pdop"`
	VDOP float64 `json:"vdop"`

	SatellitesInView int `json:"gps_in_view"`
	SatellitesUsed   int `json:"gnss_used"`
	GLONASSInView    int `json:"glonass_in_view"`

	// CN0Max is the maximum carrier to noise ratio in dB-Hz.
	CN0Max int `json:"cn0_max"`

	// HPA and VPA are the horizontal and vertical position accuracy, in
	// metres.
	HPA float64 `json:"hpa"`
	VPA float64 `json:"vpa"`
}

// field indices in the +CGNSINF report.
const (
	fRun = iota
	fFix
	fUTC
	fLat
	fLon
	fAlt
	fSpeed
	fCourse
	fMode
	fReserved1
	fHDOP
	fPDOP
	fVDOP
	fReserved2
	fInView
	fUsed
	fGLONASS
	fReserved3
	fCN0
	fHPA
	fVPA
)

const utcLayout = "20060102150405.000"

// ErrMalformed indicates a report could not be parsed.
var ErrMalformed = errors.New("malformed report")

// ParseFix parses a +CGNSINF info line, or a +UGNSINF indication.
//
// Fields that are empty, as they are before a fix is acquired, are left
// zeroed.
func ParseFix(line string) (Fix, error) {
	prefix := InfoPrefix
	if info.HasPrefix(line, URCPrefix) {
		prefix = URCPrefix
	} else if !info.HasPrefix(line, InfoPrefix) {
		return Fix{}, errors.Wrapf(ErrMalformed, "prefix of %q", line)
	}
	fields := info.Fields(line, prefix)
	if len(fields) < 2 {
		return Fix{}, errors.Wrapf(ErrMalformed, "%d fields", len(fields))
	}
	p := parser{fields: fields}
	f := Fix{
		Run:              p.atoi(fRun) == 1,
		Fixed:            p.atoi(fFix) == 1,
		UTC:              p.utc(fUTC),
		Latitude:         p.atof(fLat),
		Longitude:        p.atof(fLon),
		Altitude:         p.atof(fAlt),
		Speed:            p.atof(fSpeed),
		Course:           p.atof(fCourse),
		Mode:             Mode(p.atoi(fMode)),
		HDOP:             p.atof(fHDOP),
		PDOP:             p.atof(fPDOP),
		VDOP:             p.atof(fVDOP),
		SatellitesInView: p.atoi(fInView),
		SatellitesUsed:   p.atoi(fUsed),
		GLONASSInView:    p.atoi(fGLONASS),
		CN0Max:           p.atoi(fCN0),
		HPA:              p.atof(fHPA),
		VPA:              p.atof(fVPA),
	}
	if p.err != nil {
		return Fix{}, p.err
	}
	if f.Mode < ModeUnknown || f.Mode > Fix3D {
		return Fix{}, errors.Wrapf(ErrMalformed, "fix mode %d", f.Mode)
	}
	return f, nil
}

// parser extracts fields, recording the first error.
type parser struct {
	fields []string
	err    error
}

func (p *parser) field(i int) string {
	if i >= len(p.fields) {
		return ""
	}
	return p.fields[i]
}

func (p *parser) fail(i int, err error) {
	if p.err == nil {
		p.err = errors.Wrapf(ErrMalformed, "field %d: %s", i, err)
	}
}

func (p *parser) atoi(i int) int {
	s := p.field(i)
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.fail(i, err)
	}
	return v
}

func (p *parser) atof(i int) float64 {
	s := p.field(i)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(i, err)
	}
	return v
}

func (p *parser) utc(i int) time.Time {
	s := p.field(i)
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(utcLayout, s, time.UTC)
	if err != nil {
		p.fail(i, err)
	}
	return t
}

// Status is the fix status reported by +CGPSSTATUS.
type Status int

const (
	// StatusUnknown indicates the receiver has not reported.
	StatusUnknown Status = iota

	// StatusNotFix indicates the receiver has no fix.
	StatusNotFix

	// Status2D indicates a 2D fix.
	Status2D

	// Status3D indicates a 3D fix.
	Status3D
)

var statusText = map[string]Status{
	"location unknown": StatusUnknown,
	"location not fix": StatusNotFix,
	"location 2d fix":  Status2D,
	"location 3d fix":  Status3D,
}

func (s Status) String() string {
	switch s {
	case StatusNotFix:
		return "NotFix"
	case Status2D:
		return "2D"
	case Status3D:
		return "3D"
	}
	return "Unknown"
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus parses a +CGPSSTATUS info line, such as
// "+CGPSSTATUS: Location 3D Fix".
func ParseStatus(line string) (Status, error) {
	if !info.HasPrefix(line, StatusCmd) {
		return StatusUnknown, errors.Wrapf(ErrMalformed, "prefix of %q", line)
	}
	v := strings.ToLower(info.Unquote(info.TrimPrefix(line, StatusCmd)))
	s, ok := statusText[v]
	if !ok {
		return StatusUnknown, errors.Wrapf(ErrMalformed, "status %q", v)
	}
	return s, nil
}

// InitCmds returns the commands that power up the GNSS receiver and, if the
// interval is non-zero, enable unsolicited reports every interval fixes.
func InitCmds(urcInterval int) []string {
	return []string{
		"+CGNSPWR=1",
		"+CGPSRST=0",
		fmt.Sprintf("+CGNSURC=%d", urcInterval),
	}
}
