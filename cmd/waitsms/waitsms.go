// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// waitsms waits for SMSs to be received by the modem, and dumps them to stdout.
//
// Delivery reports and modem status changes are also displayed, so it can be
// run alongside sendsms to watch the progress of sent messages.
//
// The modem device provided must support notifications, or no SMSs will be
// seen. (the notification port is typically USB2, hence the default)
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/at"
	"github.com/warthog618/smsgw/events"
	"github.com/warthog618/smsgw/gsm"
	"github.com/warthog618/smsgw/serial"
	"github.com/warthog618/smsgw/trace"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB2", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	period := flag.Duration("p", 10*time.Minute, "period to wait")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	verbose := flag.Bool("v", false, "log modem interactions")
	hex := flag.Bool("x", false, "hex dump modem responses")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())
	p, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.WithError(err).Fatal("open modem")
	}
	defer p.Close()
	var mio io.ReadWriter = p
	if *hex {
		mio = trace.New(p, trace.WithReadFormat("r: %v"))
	} else if *verbose {
		mio = trace.New(p)
	}
	hub := events.NewHub()
	defer hub.Close()
	sub := hub.Subscribe(16)
	g := gsm.New(mio,
		gsm.WithPublisher(hub),
		gsm.WithATOptions(at.WithTimeout(*timeout)))
	defer g.Close()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, *period)
	defer cancel()
	if err = g.Init(ctx); err != nil {
		log.WithError(err).Fatal("init modem")
	}
	g.Start(ctx)
	go pollSignalQuality(ctx, g, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("exiting...")
			return
		case <-g.Closed():
			log.Fatal("modem closed, exiting...")
		case ev := <-sub.C():
			display(log, ev)
		}
	}
}

func display(log *logrus.Entry, ev events.Event) {
	switch d := ev.Data.(type) {
	case events.Message:
		log.WithFields(logrus.Fields{
			"from":    d.PhoneNumber,
			"parts":   d.Parts,
			"partial": d.Partial,
		}).Info(d.Content)
	case events.Delivery:
		l := log.WithFields(logrus.Fields{
			"number":    d.Report.PhoneNumber,
			"reference": d.Report.Reference,
			"status":    d.Report.Status,
			"final":     d.Report.Final,
		})
		if d.MessageID != nil {
			l = l.WithField("message_id", *d.MessageID)
		}
		l.Info("delivery report")
	case events.StatusUpdate:
		log.WithField("previous", d.Previous).Infof("modem %s", d.Current)
	default:
		log.WithField("type", ev.Type).Info("event")
	}
}

// pollSignalQuality reads the signal quality every minute.
//
// This runs in parallel with the event loop to demonstrate separate
// goroutines interacting with the modem.
func pollSignalQuality(ctx context.Context, g *gsm.GSM, log *logrus.Entry) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ss, err := g.SignalStrength(ctx)
			if err != nil {
				log.WithError(err).Warn("signal quality")
				continue
			}
			log.WithFields(logrus.Fields{
				"rssi": ss.RSSI,
				"ber":  ss.BER,
			}).Infof("signal %s", ss.Quality)
		case <-ctx.Done():
			return
		}
	}
}
