// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

// Package mqtt bridges the gateway to an MQTT broker.
//
// Events are published to <prefix>/<type>, and messages published to the
// send topic are sent as SMS.
package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/events"
)

// DefaultTimeout bounds broker operations and sends requested over MQTT.
const DefaultTimeout = 30 * time.Second

// Sender sends SMS messages.
type Sender interface {
	SendSMS(ctx context.Context, number, text string) (*events.Message, error)
}

// Request is the payload of a message published to the send topic.
type Request struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Config contains the broker connection parameters.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Bridge publishes events to, and accepts send requests from, a broker.
type Bridge struct {
	client    paho.Client
	sender    Sender
	prefix    string
	sendTopic string
	qos       byte
	timeout   time.Duration
	log       *logrus.Entry
}

// Option modifies a Bridge created by New.
type Option func(*Bridge)

// WithPrefix sets the root of the event topics.
func WithPrefix(p string) Option {
	return func(b *Bridge) {
		b.prefix = strings.TrimSuffix(p, "/")
	}
}

// WithSendTopic sets the topic subscribed to for send requests.
//
// An empty topic disables sending.
func WithSendTopic(t string) Option {
	return func(b *Bridge) {
		b.sendTopic = t
	}
}

// WithQoS sets the quality of service for publications and subscriptions.
func WithQoS(qos byte) Option {
	return func(b *Bridge) {
		b.qos = qos
	}
}

// WithTimeout sets the bound on broker operations and sends.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger for the bridge.
func WithLogger(l *logrus.Entry) Option {
	return func(b *Bridge) {
		b.log = l
	}
}

// New creates a Bridge over the client.
//
// The client is expected to be connected by the caller, and to call OnConnect
// when the connection is established so the send topic is subscribed.
func New(client paho.Client, sender Sender, options ...Option) *Bridge {
	b := &Bridge{
		client:  client,
		sender:  sender,
		prefix:  "smsgw",
		timeout: DefaultTimeout,
	}
	for _, option := range options {
		option(b)
	}
	if b.log == nil {
		b.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return b
}

// NewClientOptions returns the paho options for the config.
//
// The onConnect handler, typically Bridge.OnConnect, is called on each
// connection to the broker.
func NewClientOptions(cfg Config, onConnect paho.OnConnectHandler, log *logrus.Entry) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	// keep trying in the background if the broker is unavailable at startup
	opts.SetConnectRetry(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	})
	opts.SetOnConnectHandler(onConnect)
	return opts
}

// Topic returns the topic events of type t are published to.
func (b *Bridge) Topic(t events.Type) string {
	return b.prefix + "/" + string(t)
}

// OnConnect subscribes to the send topic.
func (b *Bridge) OnConnect(c paho.Client) {
	if b.sendTopic == "" {
		return
	}
	if err := wait(c.Subscribe(b.sendTopic, b.qos, b.handleSend), b.timeout); err != nil {
		b.log.WithError(err).WithField("topic", b.sendTopic).Error("mqtt subscribe failed")
		return
	}
	b.log.WithField("topic", b.sendTopic).Info("mqtt subscribed")
}

// Publish publishes the event to the topic for its type.
func (b *Bridge) Publish(ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.WithStack(err)
	}
	return wait(b.client.Publish(b.Topic(ev.Type), b.qos, false, payload), b.timeout)
}

// Run publishes the events received from evs until evs is closed or the
// context is done.
func (b *Bridge) Run(ctx context.Context, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if err := b.Publish(ev); err != nil {
				b.log.WithError(err).WithField("type", ev.Type).Warn("mqtt publish failed")
			}
		}
	}
}

func (b *Bridge) handleSend(_ paho.Client, m paho.Message) {
	var req Request
	if err := json.Unmarshal(m.Payload(), &req); err != nil {
		b.log.WithError(err).WithField("topic", m.Topic()).Warn("mqtt bad payload")
		return
	}
	if req.To == "" || req.Message == "" {
		b.log.WithField("topic", m.Topic()).Warn("mqtt request missing to or message")
		return
	}
	// the handler must not block the paho router
	go b.send(req)
}

func (b *Bridge) send(req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	msg, err := b.sender.SendSMS(ctx, req.To, req.Message)
	log := b.log.WithField("to", req.To)
	if err != nil {
		log.WithError(err).Warn("mqtt send failed")
		return
	}
	log.WithField("message_id", msg.ID).Info("mqtt send")
}

func wait(t paho.Token, timeout time.Duration) error {
	if !t.WaitTimeout(timeout) {
		return errors.New("mqtt timeout")
	}
	return errors.WithStack(t.Error())
}
