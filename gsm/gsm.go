// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package gsm provides an SMS gateway core over a GSM modem.
//
// The GSM decorates the AT modem with SMS submission, delivery report
// correlation, incoming message reassembly, connectivity monitoring and GNSS
// position reporting, and publishes the resulting events.
package gsm

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/at"
	"github.com/warthog618/smsgw/events"
	"github.com/warthog618/smsgw/gnss"
	"github.com/warthog618/smsgw/info"
	"github.com/warthog618/smsgw/link"
	"github.com/warthog618/smsgw/pdu"
	"github.com/warthog618/smsgw/tracker"
)

// DefaultHousekeepingPeriod is the period between checks for expired partial
// messages and unreported deliveries.
const DefaultHousekeepingPeriod = time.Minute

// GSM modem decorates the AT modem with GSM specific functionality.
type GSM struct {
	*at.AT
	pub        events.Publisher
	tracker    *tracker.Tracker
	ownTracker bool
	monitor    *link.Monitor
	reasm      *pdu.Reassembler
	poller     *gnss.Poller
	log        *logrus.Entry

	atOptions    []at.Option
	encOptions   []pdu.EncodeOption
	reasmTimeout time.Duration
	housekeeping time.Duration
	gnss         bool
	gnssPoll     time.Duration
	gnssURC      int

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option is a construction option for a GSM.
type Option func(*GSM)

// WithPublisher sets the recipient of the events generated by the modem.
func WithPublisher(p events.Publisher) Option {
	return func(g *GSM) {
		g.pub = p
	}
}

// WithTracker provides the delivery tracker.
//
// This allows outstanding messages to survive the modem being recreated.
// By default the GSM creates its own, which is closed with the GSM.
func WithTracker(t *tracker.Tracker) Option {
	return func(g *GSM) {
		g.tracker = t
	}
}

// WithMonitor provides the connectivity monitor.
//
// The owner of a provided monitor is responsible for publishing its status
// changes. By default the GSM creates its own, which publishes status updates
// to the publisher.
func WithMonitor(m *link.Monitor) Option {
	return func(g *GSM) {
		g.monitor = m
	}
}

// WithLogger sets the logger for the GSM and its components.
func WithLogger(l *logrus.Entry) Option {
	return func(g *GSM) {
		g.log = l
	}
}

// WithGNSS enables the GNSS receiver.
//
// The position is polled every pollInterval, if non-zero, and reported by the
// modem every urcInterval fixes, if non-zero.
func WithGNSS(pollInterval time.Duration, urcInterval int) Option {
	return func(g *GSM) {
		g.gnss = true
		g.gnssPoll = pollInterval
		g.gnssURC = urcInterval
	}
}

// WithReassemblyTimeout sets the period a partial incoming message is held
// awaiting its missing segments.
func WithReassemblyTimeout(d time.Duration) Option {
	return func(g *GSM) {
		g.reasmTimeout = d
	}
}

// WithHousekeepingPeriod sets the period between expiry checks.
func WithHousekeepingPeriod(d time.Duration) Option {
	return func(g *GSM) {
		if d > 0 {
			g.housekeeping = d
		}
	}
}

// WithEncodeOptions sets the options used to encode outgoing messages.
func WithEncodeOptions(options ...pdu.EncodeOption) Option {
	return func(g *GSM) {
		g.encOptions = append(g.encOptions, options...)
	}
}

// WithATOptions passes options through to the underlying AT modem.
func WithATOptions(options ...at.Option) Option {
	return func(g *GSM) {
		g.atOptions = append(g.atOptions, options...)
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// New creates a new GSM modem.
func New(modem io.ReadWriter, options ...Option) *GSM {
	g := &GSM{
		pub:          nopPublisher{},
		reasmTimeout: pdu.DefaultReassemblyTimeout,
		housekeeping: DefaultHousekeepingPeriod,
		done:         make(chan struct{}),
	}
	for _, option := range options {
		option(g)
	}
	if g.log == nil {
		g.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if g.tracker == nil {
		g.tracker = tracker.New()
		g.ownTracker = true
	}
	if g.monitor == nil {
		g.monitor = link.NewMonitor(
			link.WithChangeHandler(g.publishStatus),
			link.WithLogger(g.log.WithField("module", "link")))
	}
	g.reasm = pdu.NewReassembler(g.reasmTimeout)
	atOptions := []at.Option{
		at.WithLogger(g.log.WithField("module", "at")),
		at.WithActivityHandler(g.monitor.Activity),
		at.WithIndication("+CMT:", g.handleSMS, at.WithTrailingLine),
		at.WithIndication("+CDS:", g.handleStatusReport, at.WithTrailingLine),
		at.WithIndication("SHUTTING DOWN", g.handleShutdown),
		at.WithIndication("RING", g.handleRing),
		at.WithIndication("+CGREG:", g.handleRegistration),
	}
	if g.gnss {
		atOptions = append(atOptions, at.WithIndication(gnss.URCPrefix+":", g.handlePosition))
		g.poller = gnss.NewPoller(g, g.gnssPoll, g.publishFix,
			gnss.WithLogger(g.log.WithField("module", "gnss")))
	}
	g.AT = at.New(modem, append(atOptions, g.atOptions...)...)
	g.wg.Add(1)
	go g.watch()
	return g
}

// Monitor returns the connectivity monitor.
func (g *GSM) Monitor() *link.Monitor {
	return g.monitor
}

// Tracker returns the delivery tracker.
func (g *GSM) Tracker() *tracker.Tracker {
	return g.tracker
}

// watch reports the loss of the underlying modem.
func (g *GSM) watch() {
	defer g.wg.Done()
	select {
	case <-g.AT.Closed():
		g.log.Warn("modem closed")
		g.monitor.Lost()
	case <-g.done:
	}
}

// InitCmds returns the commands issued by Init.
func (g *GSM) InitCmds() []string {
	cmds := []string{
		"Z",                    // reset to factory defaults
		"",                     // check the modem responds
		"E0",                   // echo off
		"+CMGF=0",              // PDU mode
		`+CSCS="GSM"`,          // GSM character set
		"+CNMI=2,2,0,1,0",      // route messages and status reports to the TE
		"+CSMP=49,167,0,0",     // request status reports, 24h validity
		`+CPMS="ME","ME","ME"`, // modem storage
	}
	if g.gnss {
		cmds = append(cmds, gnss.InitCmds(g.gnssURC)...)
	}
	return cmds
}

// Init initialises the GSM modem.
//
// A successful Init brings an Offline modem back Online.
func (g *GSM) Init(ctx context.Context) error {
	if err := g.AT.Init(ctx, g.InitCmds()...); err != nil {
		return err
	}
	g.monitor.Reopened()
	return nil
}

// Start starts the background housekeeping and the GNSS poller.
//
// They run until the context is done or the GSM is closed.
func (g *GSM) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		select {
		case <-g.done:
		case <-ctx.Done():
		}
	}()
	g.wg.Add(1)
	go g.housekeep(ctx)
	if g.poller != nil {
		g.poller.Start(ctx)
	}
}

// Close stops the background activity of the GSM.
//
// It does not close the underlying modem, but once Close returns the loss of
// the modem is no longer reported to the monitor.
func (g *GSM) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		if g.poller != nil {
			g.poller.Stop()
		}
		g.wg.Wait()
		if g.ownTracker {
			g.tracker.Close()
		}
	})
}

func (g *GSM) housekeep(ctx context.Context) {
	defer g.wg.Done()
	t := time.NewTicker(g.housekeeping)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			g.Expire(now)
		}
	}
}

// Expire emits partial messages whose missing segments have timed out, and
// drops outgoing messages that were never reported.
func (g *GSM) Expire(now time.Time) {
	for _, in := range g.reasm.Expire(now) {
		g.log.WithFields(logrus.Fields{
			"from":    in.From.Number,
			"parts":   in.Parts,
			"missing": in.Missing,
		}).Warn("partial message expired")
		g.publishIncoming(in)
	}
	for _, e := range g.tracker.Expire() {
		g.log.WithFields(logrus.Fields{
			"message_id": e.ID,
			"phone":      e.Phone,
			"status":     e.Status,
		}).Warn("no delivery report received")
	}
}

// SendSMS sends an SMS message to the number.
//
// The message is split into as many segments as required, and each is
// submitted in turn. The returned message carries the reference of the final
// segment, which is the segment matched to delivery reports.
func (g *GSM) SendSMS(ctx context.Context, number string, text string) (*events.Message, error) {
	segs, err := pdu.Encode(number, text, g.encOptions...)
	if err != nil {
		return nil, err
	}
	id := g.tracker.Register(number, text, len(segs))
	if id == 0 {
		return nil, at.ErrClosed
	}
	var entry tracker.Entry
	for i, seg := range segs {
		entry, err = g.sendSegment(ctx, id, seg, i == len(segs)-1)
		if err != nil {
			g.tracker.Fail(id)
			g.log.WithFields(logrus.Fields{
				"message_id": id,
				"segment":    seg.Index,
				"count":      seg.Count,
			}).WithError(err).Warn("send failed")
			return nil, err
		}
	}
	ref := entry.Ref
	m := events.Message{
		ID:          id,
		PhoneNumber: number,
		Content:     text,
		Reference:   &ref,
		Outgoing:    true,
		Status:      events.Sent,
		CreatedAt:   events.Unix(entry.Created),
		Parts:       len(segs),
	}
	g.pub.Publish(events.NewOutgoing(m))
	return &m, nil
}

// sendSegment submits a segment of message id.
//
// The reference is recorded with the tracker as the command completes, so
// it is known before the modem can deliver a status report for it.
func (g *GSM) sendSegment(ctx context.Context, id int64, seg pdu.Segment, last bool) (tracker.Entry, error) {
	var entry tracker.Entry
	var rerr error
	ack := func(lines []string, err error) {
		if err != nil {
			return
		}
		var mr byte
		if mr, rerr = cmgsReference(lines); rerr != nil {
			return
		}
		entry, _ = g.tracker.Acknowledge(id, mr, last)
	}
	if _, err := g.SMSCommand(ctx, seg.Command(), seg.Hex(), at.WithCompletion(ack)); err != nil {
		return tracker.Entry{}, err
	}
	return entry, rerr
}

// cmgsReference extracts the message reference from a +CMGS response,
// ignoring any lines other than well-formed.
func cmgsReference(lines []string) (byte, error) {
	for _, l := range lines {
		if info.HasPrefix(l, "+CMGS") {
			return parseReference(info.TrimPrefix(l, "+CMGS"))
		}
	}
	return 0, ErrMalformedResponse
}

func (g *GSM) publishStatus(prev, cur link.Status) {
	g.pub.Publish(events.NewStatusUpdate(prev, cur))
}

func (g *GSM) publishFix(f gnss.Fix) {
	g.pub.Publish(events.NewPosition(f))
}

func (g *GSM) publishIncoming(in *pdu.Incoming) {
	created := in.Timestamp
	if created.IsZero() {
		created = time.Now()
	}
	m := events.Message{
		ID:          g.tracker.Allocate(),
		PhoneNumber: in.From.Number,
		Content:     in.Text,
		Status:      events.Received,
		CreatedAt:   events.Unix(created),
		Partial:     in.Partial,
	}
	if in.Parts > 1 {
		m.Parts = in.Parts
	}
	g.pub.Publish(events.NewIncoming(m))
}

var (
	// ErrMalformedResponse indicates the modem returned a badly formed
	// response.
	ErrMalformedResponse = errors.New("modem returned malformed response")
)
