// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// sendsms sends an SMS and waits for its delivery report.
package main

import (
	"context"
	"flag"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/at"
	"github.com/warthog618/smsgw/events"
	"github.com/warthog618/smsgw/gsm"
	"github.com/warthog618/smsgw/pdu"
	"github.com/warthog618/smsgw/serial"
	"github.com/warthog618/smsgw/trace"
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	num := flag.String("n", "+12345", "number to send to, in international format")
	msg := flag.String("m", "Zoot Zoot", "the message to send")
	timeout := flag.Duration("t", 5*time.Second, "command timeout period")
	wait := flag.Duration("w", time.Minute, "period to wait for the delivery report, zero to not wait")
	verbose := flag.Bool("v", false, "log modem interactions")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())
	p, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.WithError(err).Fatal("open modem")
	}
	defer p.Close()
	var mio io.ReadWriter = p
	if *verbose {
		mio = trace.New(p)
	}
	hub := events.NewHub()
	defer hub.Close()
	reports := hub.Subscribe(4, events.DeliveryReport)
	g := gsm.New(mio,
		gsm.WithPublisher(hub),
		gsm.WithEncodeOptions(pdu.WithStatusReport(*wait > 0)),
		gsm.WithATOptions(at.WithTimeout(*timeout)))
	defer g.Close()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout*4)
	defer cancel()
	if err = g.Init(ctx); err != nil {
		log.WithError(err).Fatal("init modem")
	}
	m, err := g.SendSMS(ctx, *num, *msg)
	if err != nil {
		log.WithError(err).Fatal("send")
	}
	log = log.WithField("message_id", m.ID)
	log.WithField("reference", *m.Reference).Info("sent")
	if *wait <= 0 {
		return
	}
	expired := time.After(*wait)
	for {
		select {
		case ev := <-reports.C():
			d := ev.Data.(events.Delivery)
			if d.MessageID == nil || *d.MessageID != m.ID {
				continue
			}
			log.WithFields(logrus.Fields{
				"status": pdu.Status(d.Report.Status),
				"final":  d.Report.Final,
			}).Info("delivery report")
			if d.Report.Final {
				return
			}
		case <-expired:
			log.Warn("no delivery report")
			return
		}
	}
}
