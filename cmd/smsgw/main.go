// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

// smsgw is an SMS gateway daemon.
//
// It sends and receives SMS through a GSM modem, tracks the delivery of sent
// messages, and distributes the resulting events to webhooks, an MQTT broker
// and a message store. An HTTP API provides sending and modem queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/config"
	"github.com/warthog618/smsgw/events"
	"github.com/warthog618/smsgw/link"
	"github.com/warthog618/smsgw/mqtt"
	"github.com/warthog618/smsgw/power"
	"github.com/warthog618/smsgw/serial"
	"github.com/warthog618/smsgw/store"
	"github.com/warthog618/smsgw/tracker"
	"github.com/warthog618/smsgw/webhook"

	paho "github.com/eclipse/paho.mqtt.golang"
)

var version = "undefined"

func main() {
	cfgFile := flag.String("c", "", "path to configuration file")
	dev := flag.String("d", "", "path to modem device, overriding the configuration")
	baud := flag.Int("b", 0, "baud rate, overriding the configuration")
	level := flag.String("l", "", "log level, overriding the configuration")
	verbose := flag.Bool("v", false, "log modem interactions")
	list := flag.Bool("list", false, "list serial ports and exit")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}
	if *list {
		listPorts()
		return
	}
	cfg, err := loadConfig(*cfgFile)
	if err != nil {
		logrus.WithError(err).Fatal("bad configuration")
	}
	if *dev != "" {
		cfg.Modem.Device = *dev
	}
	if *baud != 0 {
		cfg.Modem.Baud = *baud
	}
	if *level != "" {
		cfg.Log.Level = *level
	}
	if *verbose {
		cfg.Log.Trace = true
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("bad log configuration")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err = run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("smsgw failed")
	}
	log.Info("smsgw stopped")
}

func loadConfig(fn string) (*config.Config, error) {
	if fn == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(fn)
}

func newLogger(cfg config.Log) (*logrus.Entry, error) {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(lvl)
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(l).WithField("version", version), nil
}

func listPorts() {
	ports, err := serial.Ports()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, p := range ports {
		fmt.Println(p)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	hub := events.NewHub(events.WithLogger(log.WithField("module", "events")))
	defer hub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	consume := func(sub *events.Subscription, f func(context.Context, <-chan events.Event)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Close()
			f(ctx, sub.C())
		}()
	}

	var firstID int64 = 1
	var st *store.Store
	if cfg.Store.DSN != "" {
		key, err := cfg.Store.EncryptionKey()
		if err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if st, err = store.Open(sctx, cfg.Store.DSN, key, store.WithLogger(log.WithField("module", "store"))); err != nil {
			return err
		}
		defer st.Close()
		if err = st.Init(sctx); err != nil {
			return err
		}
		last, err := st.MaxID(sctx)
		if err != nil {
			return err
		}
		firstID = last + 1
		// the store records every message, so must not drop events
		consume(hub.SubscribeAll(st.Types()...), st.Run)
	}

	if len(cfg.Webhooks) > 0 {
		hooks := make([]webhook.Hook, 0, len(cfg.Webhooks))
		for _, w := range cfg.Webhooks {
			types, err := w.EventTypes()
			if err != nil {
				return err
			}
			hooks = append(hooks, webhook.Hook{
				URL:            w.URL,
				Types:          types,
				Headers:        w.Headers,
				ExpectedStatus: w.ExpectedStatus,
			})
		}
		d := webhook.New(hooks, webhook.WithLogger(log.WithField("module", "webhook")))
		consume(hub.Subscribe(0, d.Types()...), d.Run)
	}

	tr := tracker.New(tracker.WithWindow(cfg.SMS.DeliveryWindow), tracker.WithFirstID(firstID))
	defer tr.Close()

	gw := newGateway(cfg, hub, tr, log)
	monOptions := []link.Option{
		link.WithThreshold(cfg.Modem.OfflineThreshold),
		link.WithChangeHandler(gw.statusChanged),
		link.WithLogger(log.WithField("module", "link")),
	}
	if cfg.Power.Enabled {
		line, err := power.Open(cfg.Power.Chip, cfg.Power.Offset, cfg.Power.ActiveLow)
		if err != nil {
			return err
		}
		defer line.Close()
		key := power.New(line,
			power.WithPulse(cfg.Power.Pulse),
			power.WithLogger(log.WithField("module", "power")))
		monOptions = append(monOptions, link.WithRepowerer(key))
	}
	gw.monitor = link.NewMonitor(monOptions...)

	if cfg.MQTT.Broker != "" {
		b, client := newBridge(cfg.MQTT, gw, log.WithField("module", "mqtt"))
		defer client.Disconnect(500)
		consume(hub.Subscribe(0), b.Run)
	}

	if cfg.HTTP.Enabled {
		srv := &http.Server{
			Addr:              cfg.HTTP.Address,
			Handler:           newServer(gw, st, hub, cfg, log.WithField("module", "http")).handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		go func() {
			log.WithField("address", cfg.HTTP.Address).Info("http listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("http failed")
			}
		}()
	}

	gw.run(ctx)
	// drain the consumers before the store and tracker are closed
	cancel()
	wg.Wait()
	return nil
}

func newBridge(cfg config.MQTT, s mqtt.Sender, log *logrus.Entry) (*mqtt.Bridge, paho.Client) {
	var b *mqtt.Bridge
	opts := mqtt.NewClientOptions(mqtt.Config{
		Broker:   cfg.Broker,
		ClientID: cfg.ClientID,
		Username: cfg.Username,
		Password: cfg.Password,
	}, func(c paho.Client) { b.OnConnect(c) }, log)
	client := paho.NewClient(opts)
	b = mqtt.New(client, s,
		mqtt.WithPrefix(cfg.Prefix),
		mqtt.WithSendTopic(cfg.SendTopic),
		mqtt.WithQoS(cfg.QoS),
		mqtt.WithLogger(log))
	if t := client.Connect(); t.WaitTimeout(5*time.Second) && t.Error() != nil {
		log.WithError(t.Error()).Warn("mqtt connect failed")
	}
	return b, client
}
