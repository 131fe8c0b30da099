// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package main

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/at"
	"github.com/warthog618/smsgw/config"
	"github.com/warthog618/smsgw/events"
	"github.com/warthog618/smsgw/gnss"
	"github.com/warthog618/smsgw/gsm"
	"github.com/warthog618/smsgw/link"
	"github.com/warthog618/smsgw/pdu"
	"github.com/warthog618/smsgw/serial"
	"github.com/warthog618/smsgw/trace"
	"github.com/warthog618/smsgw/tracker"
)

// initTimeout bounds the initialisation of a freshly opened modem.
const initTimeout = time.Minute

// port is an open serial port.
type port interface {
	io.ReadWriter
	Close() error
}

// gateway owns the modem, reopening it whenever it is lost.
//
// The tracker and monitor outlive any one modem.
type gateway struct {
	cfg     *config.Config
	pub     events.Publisher
	tracker *tracker.Tracker
	monitor *link.Monitor
	log     *logrus.Entry
	open    func() (port, error)

	// signalled when the monitor reports the modem Offline
	offline chan struct{}

	mu    sync.RWMutex
	modem *gsm.GSM
}

func newGateway(cfg *config.Config, pub events.Publisher, tr *tracker.Tracker, log *logrus.Entry) *gateway {
	g := &gateway{
		cfg:     cfg,
		pub:     pub,
		tracker: tr,
		log:     log,
		offline: make(chan struct{}, 1),
	}
	g.open = func() (port, error) {
		return serial.New(serial.WithPort(cfg.Modem.Device), serial.WithBaud(cfg.Modem.Baud))
	}
	return g
}

// statusChanged is the monitor change handler.
func (g *gateway) statusChanged(prev, cur link.Status) {
	g.pub.Publish(events.NewStatusUpdate(prev, cur))
	if cur == link.Offline {
		select {
		case g.offline <- struct{}{}:
		default:
		}
	}
}

// run opens and initialises the modem, and reopens it whenever it is lost,
// until the context is done.
func (g *gateway) run(ctx context.Context) {
	b := backoff.Backoff{
		Min:    g.cfg.Modem.ReopenDelay,
		Max:    g.cfg.Modem.ReopenMaxDelay,
		Jitter: true,
	}
	connect := time.NewTimer(0)
	defer connect.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-connect.C:
		}
		p, m, err := g.connect(ctx)
		if err != nil {
			d := b.Duration()
			g.log.WithError(err).WithField("retry", d).Warn("modem unavailable")
			connect.Reset(d)
			continue
		}
		b.Reset()
		select {
		case <-ctx.Done():
		case <-m.Closed():
			g.log.Warn("modem disconnected")
		case <-g.offline:
			g.log.Warn("modem offline")
		}
		g.disconnect(p, m)
		connect.Reset(b.Duration())
	}
}

func (g *gateway) connect(ctx context.Context) (port, *gsm.GSM, error) {
	p, err := g.open()
	if err != nil {
		return nil, nil, err
	}
	// discard any stale signal from the previous modem
	select {
	case <-g.offline:
	default:
	}
	var rw io.ReadWriter = p
	if g.cfg.Log.Trace {
		rw = trace.New(p, trace.WithLogger(g.log.WithField("module", "trace")))
	}
	m := gsm.New(rw, g.gsmOptions()...)
	ictx, cancel := context.WithTimeout(ctx, initTimeout)
	err = m.Init(ictx)
	cancel()
	if err != nil {
		g.disconnect(p, m)
		return nil, nil, errors.Wrap(err, "init")
	}
	m.Start(ctx)
	g.mu.Lock()
	g.modem = m
	g.mu.Unlock()
	g.log.WithField("device", g.cfg.Modem.Device).Info("modem connected")
	return p, m, nil
}

func (g *gateway) disconnect(p port, m *gsm.GSM) {
	g.mu.Lock()
	if g.modem == m {
		g.modem = nil
	}
	g.mu.Unlock()
	p.Close()
	select {
	case <-m.Closed():
	case <-time.After(time.Second):
	}
	m.Close()
}

func (g *gateway) gsmOptions() []gsm.Option {
	c := g.cfg
	options := []gsm.Option{
		gsm.WithPublisher(g.pub),
		gsm.WithTracker(g.tracker),
		gsm.WithMonitor(g.monitor),
		gsm.WithLogger(g.log.WithField("module", "gsm")),
		gsm.WithReassemblyTimeout(c.SMS.ReassemblyTimeout),
		gsm.WithEncodeOptions(
			pdu.WithStatusReport(c.SMS.StatusReports),
			pdu.WithValidityPeriod(byte(c.SMS.ValidityPeriod))),
		gsm.WithATOptions(
			at.WithTimeout(c.Modem.CommandTimeout),
			at.WithQueueSize(c.Modem.QueueSize),
			at.WithBufferSize(c.Modem.LineBufferSize)),
	}
	if c.Modem.GNSS.Enabled {
		options = append(options, gsm.WithGNSS(c.Modem.GNSS.PollInterval, c.Modem.GNSS.URCInterval))
	}
	return options
}

// current returns the modem if it is connected.
func (g *gateway) current() (*gsm.GSM, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.modem == nil {
		return nil, ErrOffline
	}
	return g.modem, nil
}

func (g *gateway) SendSMS(ctx context.Context, number, text string) (*events.Message, error) {
	if g.cfg.SMS.InternationalOnly && !strings.HasPrefix(number, "+") {
		return nil, ErrNotInternational
	}
	m, err := g.current()
	if err != nil {
		return nil, err
	}
	return m.SendSMS(ctx, number, text)
}

func (g *gateway) NetworkStatus(ctx context.Context) (gsm.NetworkStatus, error) {
	m, err := g.current()
	if err != nil {
		return gsm.NetworkStatus{}, err
	}
	return m.NetworkStatus(ctx)
}

func (g *gateway) SignalStrength(ctx context.Context) (gsm.SignalStrength, error) {
	m, err := g.current()
	if err != nil {
		return gsm.SignalStrength{}, err
	}
	return m.SignalStrength(ctx)
}

func (g *gateway) Operator(ctx context.Context) (gsm.Operator, error) {
	m, err := g.current()
	if err != nil {
		return gsm.Operator{}, err
	}
	return m.Operator(ctx)
}

func (g *gateway) ServiceProvider(ctx context.Context) (string, error) {
	m, err := g.current()
	if err != nil {
		return "", err
	}
	return m.ServiceProvider(ctx)
}

func (g *gateway) Battery(ctx context.Context) (gsm.Battery, error) {
	m, err := g.current()
	if err != nil {
		return gsm.Battery{}, err
	}
	return m.Battery(ctx)
}

func (g *gateway) GNSSStatus(ctx context.Context) (gnss.Status, error) {
	m, err := g.current()
	if err != nil {
		return 0, err
	}
	return m.GNSSStatus(ctx)
}

func (g *gateway) GNSSLocation(ctx context.Context) (gnss.Fix, error) {
	m, err := g.current()
	if err != nil {
		return gnss.Fix{}, err
	}
	return m.GNSSLocation(ctx)
}

var (
	// ErrOffline indicates the modem is not connected.
	ErrOffline = errors.New("modem offline")

	// ErrNotInternational indicates a destination not in international
	// format.
	ErrNotInternational = errors.New("number must be in international format")
)
