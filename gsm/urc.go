// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package gsm

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/events"
	"github.com/warthog618/smsgw/gnss"
	"github.com/warthog618/smsgw/info"
	"github.com/warthog618/smsgw/pdu"
	"github.com/warthog618/smsgw/tracker"
)

// decodeIndication decodes the PDU trailing a +CMT or +CDS indication.
//
// The length reported in the header is the TPDU length, which is checked
// against the PDU.
func decodeIndication(prefix string, lines []string) (pdu.PDU, error) {
	if len(lines) < 2 {
		return nil, errors.Wrapf(ErrMalformedResponse, "%s missing PDU", prefix)
	}
	fields := info.Fields(lines[0], prefix)
	n, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedResponse, "%s length: %s", prefix, err)
	}
	return pdu.DecodeHex(lines[1], pdu.WithTPDULength(n))
}

// handleSMS handles a +CMT indication carrying a received message.
func (g *GSM) handleSMS(lines []string) {
	p, err := decodeIndication("+CMT", lines)
	if err != nil {
		g.log.WithError(err).WithField("lines", lines).Warn("dropped incoming message")
		return
	}
	m, ok := p.(*pdu.Message)
	if !ok || m.Type != pdu.Deliver {
		g.log.WithField("type", p.MessageType()).Warn("unexpected PDU in +CMT")
		return
	}
	in := g.reasm.Add(m, time.Now())
	if in == nil {
		if m.Concat != nil {
			g.log.WithFields(logrus.Fields{
				"from":  m.Address.Number,
				"index": m.Concat.Index,
				"count": m.Concat.Count,
			}).Debug("awaiting segments")
		}
		return
	}
	g.log.WithFields(logrus.Fields{
		"from":  in.From.Number,
		"parts": in.Parts,
	}).Info("message received")
	g.publishIncoming(in)
}

// handleStatusReport handles a +CDS indication carrying a delivery report.
func (g *GSM) handleStatusReport(lines []string) {
	p, err := decodeIndication("+CDS", lines)
	if err != nil {
		g.log.WithError(err).WithField("lines", lines).Warn("dropped status report")
		return
	}
	sr, ok := p.(*pdu.StatusReport)
	if !ok {
		g.log.WithField("type", p.MessageType()).Warn("unexpected PDU in +CDS")
		return
	}
	o := g.tracker.Report(sr.Recipient.Number, sr.Reference, sr.Status)
	log := g.log.WithFields(logrus.Fields{
		"reference": sr.Reference,
		"status":    sr.Status,
		"result":    o.Result,
	})
	if o.Result == tracker.Duplicate {
		log.WithField("message_id", o.Entry.ID).Debug("duplicate delivery report")
		return
	}
	created := sr.Discharge
	if created.IsZero() {
		created = time.Now()
	}
	d := events.Delivery{
		Report: events.Report{
			Status:      byte(sr.Status),
			PhoneNumber: sr.Recipient.Number,
			Reference:   sr.Reference,
			Final:       sr.Status.Final(),
			CreatedAt:   events.Unix(created),
		},
	}
	if o.Result == tracker.Matched {
		id := o.Entry.ID
		d.MessageID = &id
		log.WithField("message_id", id).Info("delivery report")
	} else {
		log.Warn("orphaned delivery report")
	}
	g.pub.Publish(events.NewDelivery(d))
}

func (g *GSM) handleShutdown(lines []string) {
	g.log.Warn("modem shutting down")
	g.monitor.Shutdown()
}

func (g *GSM) handleRing(lines []string) {
	g.log.Info("incoming call")
}

func (g *GSM) handleRegistration(lines []string) {
	g.log.WithField("status", info.TrimPrefix(lines[0], "+CGREG")).Info("network registration")
}

// handlePosition handles an unsolicited GNSS navigation report.
func (g *GSM) handlePosition(lines []string) {
	f, err := gnss.ParseFix(lines[0])
	if err != nil {
		g.log.WithError(err).Debug("dropped position report")
		return
	}
	if !f.Fixed {
		return
	}
	g.publishFix(f)
}
