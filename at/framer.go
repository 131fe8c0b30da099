// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package at

import (
	"bytes"

	"github.com/pkg/errors"
)

// FrameKind identifies the type of a Frame.
type FrameKind int

const (
	// FrameLine is a complete line received from the modem.
	FrameLine FrameKind = iota

	// FramePrompt is the ">" send cursor that precedes a PDU write.
	FramePrompt

	// FrameURC is a line identified as the start of, or trailing line of, an
	// unsolicited result code.
	FrameURC
)

func (k FrameKind) String() string {
	switch k {
	case FrameLine:
		return "line"
	case FramePrompt:
		return "prompt"
	case FrameURC:
		return "urc"
	}
	return "unknown"
}

// Frame is a unit recognised on the wire.
type Frame struct {
	Kind FrameKind
	Text string
}

// DefaultBufferSize is the default cap on the partial line retained by the
// Framer.
const DefaultBufferSize = 4096

// ErrFrameOverflow indicates the Framer discarded data as a line exceeded the
// buffer size.
//
// It is not fatal - the Framer resynchronises on the next line terminator.
var ErrFrameOverflow = errors.New("frame overflow")

// Framer splits the byte stream from the modem into Frames.
//
// Lines are terminated by any run of CR and LF, and empty lines are dropped.
// A '>' at the start of a line is returned as a FramePrompt immediately, as
// the modem does not terminate the prompt.
//
// The only state retained between calls to Feed is the partial line.
type Framer struct {
	buf []byte
	max int
	// skipping the remainder of an overflowed line
	skip bool
}

// NewFramer creates a Framer that retains at most max bytes of partial line.
func NewFramer(max int) *Framer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	return &Framer{max: max}
}

// Feed adds the data read from the modem and returns the frames it completes.
//
// If a line exceeds the buffer size the oldest data is discarded and
// ErrFrameOverflow is returned along with any frames found. The frames are
// valid in either case.
func (f *Framer) Feed(p []byte) (frames []Frame, err error) {
	for len(p) > 0 {
		if f.skip {
			idx := bytes.IndexAny(p, "\r\n")
			if idx == -1 {
				return frames, err
			}
			f.skip = false
			p = p[idx:]
		}
		if len(f.buf) == 0 {
			p = trimTerminators(p)
			if len(p) == 0 {
				break
			}
			if p[0] == '>' {
				frames = append(frames, Frame{Kind: FramePrompt, Text: ">"})
				p = bytes.TrimLeft(p[1:], " ")
				continue
			}
		}
		idx := bytes.IndexAny(p, "\r\n")
		if idx == -1 {
			f.buf = append(f.buf, p...)
			if len(f.buf) > f.max {
				f.buf = f.buf[:0]
				f.skip = true
				err = ErrFrameOverflow
			}
			return frames, err
		}
		f.buf = append(f.buf, p[:idx]...)
		p = p[idx:]
		if len(f.buf) > f.max {
			f.buf = f.buf[:0]
			err = ErrFrameOverflow
			continue
		}
		frames = append(frames, Frame{Kind: FrameLine, Text: string(f.buf)})
		f.buf = f.buf[:0]
	}
	return frames, err
}

// Reset discards any partial line.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.skip = false
}

func trimTerminators(p []byte) []byte {
	return bytes.TrimLeft(p, "\r\n")
}
