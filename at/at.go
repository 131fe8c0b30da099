// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package at provides the command dispatcher for an AT modem.
package at

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/info"
)

// AT represents a modem that can be managed using AT commands.
//
// Commands are submitted to a bounded FIFO and written to the modem one at a
// time by a single dispatch loop, which also routes unsolicited result codes
// (indications) to their handlers.
//
// The AT closes the closed channel when the connection to the underlying
// modem is broken (Read returns an error).
//
// When closed, all outstanding commands return ErrClosed and the state of the
// underlying modem becomes unknown.
//
// Once closed the AT cannot be re-opened - it must be recreated.
type AT struct {
	// the underlying modem
	modem io.ReadWriter

	// covers queue and done
	mu    sync.Mutex
	queue []*Handle
	done  bool

	// capacity of the queue
	qsize int

	// signals the loop that the queue has changed
	wake chan struct{}

	// channel for changes to inds
	indCh chan func()

	// indications awaiting their handler
	urcCh chan urc

	// closed when modem is closed
	closed chan struct{}

	// the error that terminated the reader
	readErr error

	// indications mapped by prefix
	inds map[string]indication // only modified in loop

	// commands issued by Init.
	initCmds []string

	// the minimum time between an escape command and the subsequent command
	escTime time.Duration

	// default command deadline
	timeout time.Duration

	// cap on the framer buffer
	bufSize int

	log      *logrus.Entry
	activity func(Activity)
}

// Option is a construction option for an AT.
type Option func(*AT)

// Activity is a liveness observation made by the dispatch loop.
type Activity int

const (
	// ActivityExchange indicates a command completed with a response from the
	// modem, successful or not.
	ActivityExchange Activity = iota

	// ActivityTimeout indicates a command exceeded its deadline.
	ActivityTimeout
)

const (
	// DefaultQueueSize is the default capacity of the command queue.
	DefaultQueueSize = 32

	// DefaultTimeout is the default command deadline.
	DefaultTimeout = 30 * time.Second

	urcQueueSize = 64
)

// New creates a new AT modem.
func New(modem io.ReadWriter, options ...Option) *AT {
	a := &AT{
		modem:   modem,
		qsize:   DefaultQueueSize,
		wake:    make(chan struct{}, 1),
		indCh:   make(chan func()),
		urcCh:   make(chan urc, urcQueueSize),
		closed:  make(chan struct{}),
		escTime: 20 * time.Millisecond,
		timeout: DefaultTimeout,
		bufSize: DefaultBufferSize,
		inds:    make(map[string]indication),
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, option := range options {
		option(a)
	}
	if a.initCmds == nil {
		a.initCmds = []string{
			"Z", // reset to factory defaults (also clears the escape from the rx buffer)
		}
	}
	frames := make(chan Frame)
	go a.reader(frames)
	go a.urcLoop()
	go a.loop(frames)
	return a
}

const (
	sub = 0x1a
	esc = 0x1b
)

// WithEscTime sets the guard time for the modem.
//
// The escape time is the minimum time between an escape command being sent to
// the modem and any subsequent commands.
//
// The default guard time is 20msec.
func WithEscTime(d time.Duration) Option {
	return func(a *AT) {
		a.escTime = d
	}
}

// WithTimeout sets the default deadline for commands.
//
// The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(a *AT) {
		a.timeout = d
	}
}

// WithQueueSize sets the capacity of the command queue.
//
// Submissions beyond the capacity fail with ErrQueueFull.
func WithQueueSize(n int) Option {
	return func(a *AT) {
		if n > 0 {
			a.qsize = n
		}
	}
}

// WithBufferSize sets the maximum length of a line read from the modem.
func WithBufferSize(n int) Option {
	return func(a *AT) {
		a.bufSize = n
	}
}

// WithLogger sets the logger used by the AT.
func WithLogger(l *logrus.Entry) Option {
	return func(a *AT) {
		a.log = l
	}
}

// WithActivityHandler registers a function called by the dispatch loop for
// each liveness observation.
//
// The handler must not block.
func WithActivityHandler(f func(Activity)) Option {
	return func(a *AT) {
		a.activity = f
	}
}

// InfoHandler receives indication info.
type InfoHandler func([]string)

// WithIndication adds an indication during construction.
func WithIndication(prefix string, handler InfoHandler, options ...IndicationOption) Option {
	ind := newIndication(prefix, handler, options...)
	return func(a *AT) {
		a.inds[prefix] = ind
	}
}

// WithInitCmds specifies the commands issued by Init.
//
// The default command is ATZ.
func WithInitCmds(cmds ...string) Option {
	return func(a *AT) {
		a.initCmds = cmds
	}
}

// Closed returns a channel which will block while the modem is not closed.
func (a *AT) Closed() <-chan struct{} {
	return a.closed
}

// Submit adds the command to the queue and returns a handle to track it.
//
// The command should NOT include the AT prefix, nor <CR><LF> suffix which is
// automatically added.
//
// Submit never blocks. If the queue is at capacity ErrQueueFull is returned.
func (a *AT) Submit(cmd string, options ...CommandOption) (*Handle, error) {
	return a.submit(reqCommand, cmd, "", options...)
}

// SubmitSMS adds an SMS command to the queue.
//
// An SMS command is issued in two steps; first the command line:
//
//	AT<command><CR>
//
// which the modem responds to with a ">" prompt, after which the SMS PDU is
// sent to the modem:
//
//	<sms><Ctrl-Z>
//
// The modem then completes the command as per other commands.
func (a *AT) SubmitSMS(cmd string, sms string, options ...CommandOption) (*Handle, error) {
	return a.submit(reqSMS, cmd, sms, options...)
}

func (a *AT) submit(kind reqKind, cmd, sms string, options ...CommandOption) (*Handle, error) {
	h := &Handle{
		a:       a,
		kind:    kind,
		cmd:     cmd,
		sms:     sms,
		timeout: a.timeout,
		cmdID:   parseCmdID(cmd),
		done:    make(chan struct{}),
	}
	for _, option := range options {
		option(h)
	}
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if len(a.queue) >= a.qsize {
		a.mu.Unlock()
		return nil, ErrQueueFull
	}
	a.queue = append(a.queue, h)
	a.mu.Unlock()
	a.signal()
	return h, nil
}

func (a *AT) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// withdraw removes a queued command.
func (a *AT) withdraw(h *Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, q := range a.queue {
		if q == h {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			h.complete(Cancelled, nil, ErrCancelled)
			return nil
		}
	}
	return ErrNotQueued
}

// next pops the head of the queue and marks it as sent.
func (a *AT) next() *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	h := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	h.setState(Sent)
	return h
}

// QueueLen returns the number of commands waiting for the transport.
func (a *AT) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Command issues the command to the modem and returns the result.
//
// The return value includes the info (the lines returned by the modem between
// the command and the status line), or an error if the command did not
// complete successfully.
//
// If the context is done while the command is still queued then the command
// is withdrawn.
func (a *AT) Command(ctx context.Context, cmd string, options ...CommandOption) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := a.Submit(cmd, options...)
	if err != nil {
		return nil, err
	}
	return a.await(ctx, h)
}

// SMSCommand issues an SMS command to the modem, and returns the result.
//
// The format of the sms is a hex coded SMS PDU, as the modem is configured in
// PDU mode.
func (a *AT) SMSCommand(ctx context.Context, cmd string, sms string, options ...CommandOption) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := a.SubmitSMS(cmd, sms, options...)
	if err != nil {
		return nil, err
	}
	return a.await(ctx, h)
}

func (a *AT) await(ctx context.Context, h *Handle) ([]string, error) {
	i, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		// best effort - a sent command runs to completion
		h.Cancel()
	}
	return i, err
}

// AddIndication adds a handler for a set of lines beginning with the prefixed
// line and the following trailing lines.
func (a *AT) AddIndication(prefix string, handler InfoHandler, options ...IndicationOption) (err error) {
	ind := newIndication(prefix, handler, options...)
	errs := make(chan error)
	indf := func() {
		if _, ok := a.inds[ind.prefix]; ok {
			errs <- ErrIndicationExists
			return
		}
		a.inds[ind.prefix] = ind
		close(errs)
	}
	select {
	case <-a.closed:
		err = ErrClosed
	case a.indCh <- indf:
		err = <-errs
	}
	return
}

// CancelIndication removes any indication corresponding to the prefix.
func (a *AT) CancelIndication(prefix string) {
	done := make(chan struct{})
	indf := func() {
		delete(a.inds, prefix)
		close(done)
	}
	select {
	case <-a.closed:
	case a.indCh <- indf:
		<-done
	}
}

// Init initialises the modem by escaping any outstanding SMS commands
// and then issuing the init commands.
//
// The Init is intended to be called after creation and before any other commands
// are issued in order to get the modem into a known state.
//
// The default init commands can be overridden by the cmds parameter.
func (a *AT) Init(ctx context.Context, cmds ...string) error {
	// escape any outstanding SMS operations then CR to flush the command
	// buffer
	h, err := a.submit(reqEscape, "", "\r\n")
	if err != nil {
		return err
	}
	if _, err = a.await(ctx, h); err != nil {
		return err
	}
	if cmds == nil {
		cmds = a.initCmds
	}
	for _, cmd := range cmds {
		_, err := a.Command(ctx, cmd)
		switch errors.Cause(err) {
		case nil:
		case context.DeadlineExceeded, context.Canceled, ErrClosed, ErrQueueFull:
			return err
		default:
			return errors.Wrapf(err, "AT%s returned error", cmd)
		}
	}
	return nil
}

// urc is an indication and its lines, ready for its handler.
type urc struct {
	handler InfoHandler
	lines   []string
}

// urcLoop runs indication handlers, decoupled from the dispatch loop so that
// handlers cannot delay command processing.
func (a *AT) urcLoop() {
	for u := range a.urcCh {
		u.handler(u.lines)
	}
}

// reader takes frames from the modem and passes them to the dispatch loop.
//
// reader exits when the modem read fails.
func (a *AT) reader(out chan<- Frame) {
	defer close(out) // tell the loop we're done - the loop will close the AT.
	framer := NewFramer(a.bufSize)
	buf := make([]byte, 512)
	for {
		n, err := a.modem.Read(buf)
		if n > 0 {
			frames, ferr := framer.Feed(buf[:n])
			if ferr != nil {
				a.log.WithField("size", a.bufSize).Warn(ferr)
			}
			for _, f := range frames {
				out <- f
			}
		}
		if err != nil {
			a.readErr = err
			return
		}
	}
}

// cmdState is the state of the dispatch loop.
type cmdState struct {
	// the command occupying the transport
	active *Handle

	// info collected for the active command
	info []string

	// fires when the active command exceeds its deadline
	deadline *time.Timer

	// while non-nil, the transport is held for an escape guard
	guard <-chan time.Time

	// indication collecting trailing lines
	ind *indication

	// lines collected for ind
	indLines []string
}

// loop is responsible for the interface to the modem.
//
// It serialises the issuing of commands and awaits the responses.
// Indications are routed to their handlers regardless of any active command.
// If no command is active then other lines received are discarded.
//
// The loop terminates when the reader closes.
func (a *AT) loop(frames <-chan Frame) {
	var s cmdState
	for {
		if s.active == nil && s.guard == nil {
			a.startNext(&s)
		}
		var deadline <-chan time.Time
		if s.deadline != nil {
			deadline = s.deadline.C
		}
		select {
		case <-a.wake:
		case f := <-a.indCh:
			f()
		case <-s.guard:
			s.guard = nil
		case <-deadline:
			a.expire(&s)
		case f, ok := <-frames:
			if !ok {
				a.shutdown(&s)
				return
			}
			a.processFrame(&s, f)
		}
	}
}

// startNext writes the next queued command to the modem, if any.
func (a *AT) startNext(s *cmdState) {
	for {
		h := a.next()
		if h == nil {
			return
		}
		var err error
		switch h.kind {
		case reqEscape:
			err = a.escape([]byte(h.sms)...)
			s.guard = time.After(a.escTime)
			if err != nil {
				h.complete(Rejected, nil, errors.Wrap(err, "write"))
			} else {
				h.complete(Completed, nil, nil)
			}
			return
		case reqSMS:
			err = a.writeSMSCommand(h.cmd)
		default:
			err = a.writeCommand(h.cmd)
		}
		if err != nil {
			h.complete(Rejected, nil, errors.Wrap(err, "write"))
			continue
		}
		h.setState(AwaitingResponse)
		s.active = h
		s.info = nil
		s.deadline = time.NewTimer(h.timeout)
		return
	}
}

// finish completes the active command and frees the transport.
func (a *AT) finish(s *cmdState, st State, err error) {
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	s.active.complete(st, s.info, err)
	s.active = nil
	s.info = nil
}

// expire times out the active command and resynchronises the transport.
func (a *AT) expire(s *cmdState) {
	h := s.active
	s.deadline = nil
	if h == nil {
		return
	}
	a.log.WithFields(logrus.Fields{
		"cmd":     h.cmd,
		"timeout": h.timeout,
	}).Warn("command timed out")
	s.active.complete(TimedOut, s.info, ErrTimeout)
	s.active = nil
	s.info = nil
	// the modem is in an unknown state, so escape any SMS in progress and
	// resync with a line terminator before resuming the queue.
	var err error
	if h.kind == reqSMS {
		err = a.escape()
	} else {
		_, err = a.modem.Write([]byte("\r\n"))
	}
	if err != nil {
		a.log.WithError(err).Warn("resync write failed")
	}
	s.guard = time.After(a.escTime)
	a.notify(ActivityTimeout)
}

// shutdown fails all outstanding commands once the modem is closed.
func (a *AT) shutdown(s *cmdState) {
	a.mu.Lock()
	a.done = true
	pending := a.queue
	a.queue = nil
	a.mu.Unlock()
	if a.readErr != nil && a.readErr != io.EOF {
		a.log.WithError(a.readErr).Warn("modem read failed")
	}
	if s.active != nil {
		a.finish(s, Rejected, ErrClosed)
	}
	for _, h := range pending {
		h.complete(Rejected, nil, ErrClosed)
	}
	close(a.urcCh)
	close(a.closed)
}

func (a *AT) notify(act Activity) {
	if a.activity != nil {
		a.activity(act)
	}
}

// classify tags frames that belong to indications as FrameURC.
//
// Trailing lines owed to an open indication take priority, then indication
// prefixes, and anything else is left for the command path.
func (a *AT) classify(s *cmdState, f Frame) Frame {
	if f.Kind == FramePrompt {
		return f
	}
	if s.ind != nil {
		f.Kind = FrameURC
		return f
	}
	if ind, ok := a.matchIndication(s, f.Text); ok {
		s.ind = &ind
		f.Kind = FrameURC
	}
	return f
}

// processFrame routes a frame to the indication or the command path.
func (a *AT) processFrame(s *cmdState, f Frame) {
	switch a.classify(s, f).Kind {
	case FramePrompt:
		a.processPrompt(s)
	case FrameURC:
		a.processURC(s, f.Text)
	default:
		a.processLine(s, f.Text)
	}
}

// processURC collects the lines of the open indication and passes them to
// the handler once complete.
func (a *AT) processURC(s *cmdState, line string) {
	s.indLines = append(s.indLines, line)
	if len(s.indLines) >= s.ind.lines {
		a.urcCh <- urc{handler: s.ind.handler, lines: s.indLines}
		s.ind = nil
		s.indLines = nil
	}
}

// processLine adds a line to the response of the active command.
func (a *AT) processLine(s *cmdState, line string) {
	if s.guard != nil || s.active == nil {
		a.log.WithField("line", line).Debug("discarding line")
		return
	}
	h := s.active
	switch parseRxLine(line, h.cmdID) {
	case rxlStatusOK:
		a.finish(s, Completed, nil)
		a.notify(ActivityExchange)
	case rxlStatusError:
		a.finish(s, Rejected, newError(line))
		a.notify(ActivityExchange)
	case rxlEchoCmdLine:
	case rxlUnknown:
		if h.kind == reqSMS && line[len(line)-1] == sub && strings.HasPrefix(line, h.sms) {
			// swallow echoed SMS PDU
			return
		}
		s.info = append(s.info, line)
	default:
		s.info = append(s.info, line)
	}
}

// processPrompt writes the PDU for an SMS command awaiting the prompt.
func (a *AT) processPrompt(s *cmdState) {
	h := s.active
	if s.guard != nil || h == nil || h.kind != reqSMS || h.prompted {
		a.log.Debug("discarding prompt")
		return
	}
	h.prompted = true
	if err := a.writeSMS(h.sms); err != nil {
		if eerr := a.escape(); eerr != nil {
			a.log.WithError(eerr).Warn("escape write failed")
		}
		a.finish(s, Rejected, errors.Wrap(err, "write"))
		s.guard = time.After(a.escTime)
	}
}

// matchIndication returns the indication matching the line.
//
// Lines carrying the info prefix of the active command are assumed to be
// the response to that command, not an indication.
func (a *AT) matchIndication(s *cmdState, line string) (indication, bool) {
	if s.active != nil && len(s.active.cmdID) > 0 && info.HasPrefix(line, s.active.cmdID) {
		return indication{}, false
	}
	var match indication
	found := false
	// longest prefix wins, so +CMTI: is not mistaken for +CMT:
	for prefix, ind := range a.inds {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(match.prefix) {
			match = ind
			found = true
		}
	}
	return match, found
}

// issue an escape command
func (a *AT) escape(b ...byte) error {
	cmd := append([]byte(string(rune(esc))+"\r\n"), b...)
	_, err := a.modem.Write(cmd)
	return err
}

// writeCommand writes a one line command to the modem.
func (a *AT) writeCommand(cmd string) error {
	cmdLine := "AT" + cmd + "\r\n"
	_, err := a.modem.Write([]byte(cmdLine))
	return err
}

// writeSMSCommand writes a the first line of an SMS command to the modem.
func (a *AT) writeSMSCommand(cmd string) error {
	cmdLine := "AT" + cmd + "\r"
	_, err := a.modem.Write([]byte(cmdLine))
	return err
}

// writeSMS writes the second line of a two line SMS command to the modem.
func (a *AT) writeSMS(sms string) error {
	_, err := a.modem.Write([]byte(sms + string(rune(sub))))
	return err
}

// CMEError indicates a CME Error was returned by the modem.
//
// The value is the error value, in string form, which may be the numeric or
// textual, depending on the modem configuration.
type CMEError string

// CMSError indicates a CMS Error was returned by the modem.
//
// The value is the error value, in string form, which may be the numeric or
// textual, depending on the modem configuration.
type CMSError string

func (e CMEError) Error() string {
	return string("CME Error: " + e)
}

func (e CMSError) Error() string {
	return string("CMS Error: " + e)
}

var (
	// ErrClosed indicates an operation cannot be performed as the modem has
	// been closed.
	ErrClosed = errors.New("closed")

	// ErrError indicates the modem returned a generic AT ERROR in response to
	// an operation.
	ErrError = errors.New("ERROR")

	// ErrIndicationExists indicates there is already a indication registered
	// for a prefix.
	ErrIndicationExists = errors.New("indication exists")

	// ErrQueueFull indicates the command queue is at capacity.
	ErrQueueFull = errors.New("command queue full")

	// ErrTimeout indicates a command exceeded its deadline.
	ErrTimeout = errors.New("command timed out")

	// ErrCancelled indicates a command was withdrawn before being sent.
	ErrCancelled = errors.New("command cancelled")

	// ErrNotQueued indicates a command cannot be cancelled as it has left the
	// queue.
	ErrNotQueued = errors.New("command not queued")
)

// IsRejection returns true if the error was returned by the modem in response
// to a command.
func IsRejection(err error) bool {
	switch errors.Cause(err).(type) {
	case CMSError, CMEError:
		return true
	}
	return errors.Cause(err) == ErrError
}

// newError parses a line and creates an error corresponding to the content.
func newError(line string) error {
	var err error
	switch {
	case strings.HasPrefix(line, "ERROR"):
		err = ErrError
	case strings.HasPrefix(line, "+CMS ERROR:"):
		err = CMSError(strings.TrimSpace(line[11:]))
	case strings.HasPrefix(line, "+CME ERROR:"):
		err = CMEError(strings.TrimSpace(line[11:]))
	}
	return err
}

// Received line types.
type rxl int

const (
	rxlUnknown rxl = iota
	rxlEchoCmdLine
	rxlInfo
	rxlStatusOK
	rxlStatusError
)

// indication represents an unsolicited result code (URC) from the modem, such
// as a received SMS message.
//
// Indications are lines prefixed with a particular pattern, and may include a
// number of trailing lines. The matching lines are bundled into a slice and
// sent to the handler.
type indication struct {
	prefix  string
	lines   int
	handler InfoHandler
}

func newIndication(prefix string, handler InfoHandler, options ...IndicationOption) indication {
	ind := indication{
		prefix:  prefix,
		handler: handler,
		lines:   1,
	}
	for _, option := range options {
		option(&ind)
	}
	return ind
}

// IndicationOption alters the behavior of the indication.
type IndicationOption func(*indication)

// WithTrailingLines indicates the indication includes a number of lines after
// the line containing the indication.
func WithTrailingLines(l int) IndicationOption {
	return func(ind *indication) {
		ind.lines = l + 1
	}
}

// WithTrailingLine indicates the indication includes one line after the line
// containing the indication.
var WithTrailingLine = WithTrailingLines(1)

// parseCmdID returns the identifier component of the command.
//
// This is the section prior to any '=' or '?' and is generally, but not
// always, used to prefix info lines corresponding to the command.
func parseCmdID(cmdLine string) string {
	if idx := strings.IndexAny(cmdLine, "=?"); idx != -1 {
		return cmdLine[0:idx]
	}
	return cmdLine
}

// parseRxLine parses a received line and identifies the line type.
func parseRxLine(line string, cmdID string) rxl {
	switch {
	case line == "OK":
		return rxlStatusOK
	case strings.HasPrefix(line, "ERROR"),
		strings.HasPrefix(line, "+CME ERROR:"),
		strings.HasPrefix(line, "+CMS ERROR:"):
		return rxlStatusError
	case len(cmdID) > 0 && strings.HasPrefix(line, cmdID+":"):
		return rxlInfo
	case strings.HasPrefix(line, "AT"+cmdID):
		return rxlEchoCmdLine
	default:
		// No attempt to identify SMS PDUs at this level, so they will
		// be caught here, along with other unidentified lines.
		return rxlUnknown
	}
}
