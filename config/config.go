// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

// Package config provides the configuration of the smsgw daemon.
package config

import (
	"encoding/base64"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/events"
	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Modem    Modem     `yaml:"modem"`
	SMS      SMS       `yaml:"sms"`
	Log      Log       `yaml:"log"`
	HTTP     HTTP      `yaml:"http"`
	Webhooks []Webhook `yaml:"webhooks"`
	MQTT     MQTT      `yaml:"mqtt"`
	Store    Store     `yaml:"store"`
	Power    Power     `yaml:"power"`
}

// Modem configures the serial link and the command dispatcher.
type Modem struct {
	// Device is the serial port, or "auto" to select the first found.
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`

	CommandTimeout time.Duration `yaml:"command_timeout"`
	QueueSize      int           `yaml:"queue_size"`
	LineBufferSize int           `yaml:"line_buffer_size"`

	// OfflineThreshold is the number of consecutive timeouts that take
	// the modem Offline.
	OfflineThreshold int `yaml:"offline_threshold"`

	// ReopenDelay is the initial delay between attempts to reopen the port,
	// which backs off to ReopenMaxDelay.
	ReopenDelay    time.Duration `yaml:"reopen_delay"`
	ReopenMaxDelay time.Duration `yaml:"reopen_max_delay"`

	GNSS GNSS `yaml:"gnss"`
}

// GNSS configures the GNSS receiver.
//
// The receiver is only powered if Enabled.
type GNSS struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// URCInterval is the number of fixes between unsolicited reports, zero
	// disabling them.
	URCInterval int `yaml:"urc_interval"`
}

// SMS configures message submission and tracking.
type SMS struct {
	StatusReports     bool          `yaml:"status_reports"`
	ValidityPeriod    int           `yaml:"validity_period"`
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
	DeliveryWindow    time.Duration `yaml:"delivery_window"`

	// InternationalOnly rejects sends to numbers not in international
	// format.
	InternationalOnly bool `yaml:"international_only"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Trace logs all traffic to and from the modem.
	Trace bool `yaml:"trace"`
}

// HTTP configures the HTTP API.
type HTTP struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// Token, if set, is required as a bearer token on all requests.
	Token string `yaml:"token"`

	// WebSocket enables the event stream at /ws.
	WebSocket bool `yaml:"websocket"`
}

// Webhook configures a destination for events.
type Webhook struct {
	URL string `yaml:"url"`

	// Events filters the events posted. Defaults to incoming only.
	Events  []string          `yaml:"events"`
	Headers map[string]string `yaml:"headers"`

	// ExpectedStatus, if non-zero, is the only status considered a success.
	ExpectedStatus int `yaml:"expected_status"`
}

// MQTT configures the MQTT bridge.
type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Prefix is the root of the event topics.
	Prefix string `yaml:"prefix"`

	// SendTopic is subscribed to for outgoing messages.
	SendTopic string `yaml:"send_topic"`
	QoS       byte   `yaml:"qos"`
}

// Store configures the message store.
type Store struct {
	DSN string `yaml:"dsn"`

	// Key is the base64 encoded 32 byte content encryption key.
	Key string `yaml:"encryption_key"`
}

// Power configures the GPIO line that power cycles the modem.
//
// The line is only requested if Enabled.
type Power struct {
	Enabled bool          `yaml:"enabled"`
	Chip    string        `yaml:"chip"`
	Offset  int           `yaml:"offset"`
	Pulse   time.Duration `yaml:"pulse"`

	// ActiveLow inverts the line.
	ActiveLow bool `yaml:"active_low"`
}

// Default returns the configuration used for anything not set in the file.
func Default() Config {
	return Config{
		Modem: Modem{
			Device:           "auto",
			Baud:             115200,
			CommandTimeout:   30 * time.Second,
			QueueSize:        32,
			LineBufferSize:   4096,
			OfflineThreshold: 3,
			ReopenDelay:      time.Second,
			ReopenMaxDelay:   time.Minute,
		},
		SMS: SMS{
			StatusReports:     true,
			ValidityPeriod:    167,
			ReassemblyTimeout: 30 * time.Minute,
			DeliveryWindow:    24 * time.Hour,
			InternationalOnly: true,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTP{
			Address: "127.0.0.1:3000",
		},
		MQTT: MQTT{
			ClientID:  "smsgw",
			Prefix:    "smsgw",
			SendTopic: "smsgw/send",
		},
		Power: Power{
			Chip:  "gpiochip0",
			Pulse: 1200 * time.Millisecond,
		},
	}
}

// Parse decodes the YAML configuration over the defaults and validates the
// result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the configuration file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Validate checks the configuration for values that cannot be used.
func (c *Config) Validate() error {
	m := c.Modem
	if m.Device == "" {
		return errors.New("modem: device must be set")
	}
	if m.Baud <= 0 {
		return errors.Errorf("modem: invalid baud %d", m.Baud)
	}
	if m.CommandTimeout <= 0 {
		return errors.Errorf("modem: invalid command_timeout %s", m.CommandTimeout)
	}
	if m.QueueSize <= 0 {
		return errors.Errorf("modem: invalid queue_size %d", m.QueueSize)
	}
	if m.LineBufferSize < 256 {
		return errors.Errorf("modem: line_buffer_size %d too small", m.LineBufferSize)
	}
	if m.OfflineThreshold <= 0 {
		return errors.Errorf("modem: invalid offline_threshold %d", m.OfflineThreshold)
	}
	if m.GNSS.PollInterval < 0 || m.GNSS.URCInterval < 0 || m.GNSS.URCInterval > 255 {
		return errors.New("modem: invalid gnss interval")
	}
	if c.SMS.ValidityPeriod < 0 || c.SMS.ValidityPeriod > 255 {
		return errors.Errorf("sms: invalid validity_period %d", c.SMS.ValidityPeriod)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("log: unknown format %q", c.Log.Format)
	}
	if c.HTTP.Enabled && c.HTTP.Address == "" {
		return errors.New("http: address must be set")
	}
	for i, w := range c.Webhooks {
		if err := w.validate(); err != nil {
			return errors.Wrapf(err, "webhook %d", i)
		}
	}
	if c.MQTT.Broker != "" && c.MQTT.QoS > 2 {
		return errors.Errorf("mqtt: invalid qos %d", c.MQTT.QoS)
	}
	if c.Store.DSN != "" {
		if _, err := c.Store.EncryptionKey(); err != nil {
			return err
		}
	}
	if c.Power.Offset < 0 {
		return errors.Errorf("power: invalid offset %d", c.Power.Offset)
	}
	return nil
}

func (w Webhook) validate() error {
	u, err := url.Parse(w.URL)
	if err != nil {
		return errors.Wrap(err, "url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("unsupported url %q", w.URL)
	}
	_, err = w.EventTypes()
	return err
}

// EventTypes returns the event types the webhook is interested in.
func (w Webhook) EventTypes() ([]events.Type, error) {
	if len(w.Events) == 0 {
		return []events.Type{events.Incoming}, nil
	}
	types := make([]events.Type, 0, len(w.Events))
	for _, e := range w.Events {
		t, err := events.ParseType(e)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

// EncryptionKey returns the decoded store key.
func (s Store) EncryptionKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s.Key)
	if err != nil {
		return nil, errors.Wrap(err, "store: encryption_key")
	}
	if len(key) != 32 {
		return nil, errors.Errorf("store: encryption_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
