// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/at"
	"github.com/warthog618/smsgw/config"
	"github.com/warthog618/smsgw/events"
	"github.com/warthog618/smsgw/gnss"
	"github.com/warthog618/smsgw/gsm"
	"github.com/warthog618/smsgw/pdu"
	"github.com/warthog618/smsgw/store"
)

// modem is the gateway as seen by the HTTP API.
type modem interface {
	SendSMS(ctx context.Context, number, text string) (*events.Message, error)
	NetworkStatus(ctx context.Context) (gsm.NetworkStatus, error)
	SignalStrength(ctx context.Context) (gsm.SignalStrength, error)
	Operator(ctx context.Context) (gsm.Operator, error)
	ServiceProvider(ctx context.Context) (string, error)
	Battery(ctx context.Context) (gsm.Battery, error)
	GNSSStatus(ctx context.Context) (gnss.Status, error)
	GNSSLocation(ctx context.Context) (gnss.Fix, error)
}

type messageStore interface {
	Messages(ctx context.Context, phone string, limit, offset int) ([]events.Message, error)
	LatestNumbers(ctx context.Context, limit, offset int) ([]string, error)
	DeliveryReports(ctx context.Context, messageID int64, limit, offset int) ([]store.DeliveryReport, error)
}

// subscriber is the source of events streamed to websocket clients.
type subscriber interface {
	Subscribe(size int, types ...events.Type) *events.Subscription
}

// defaultPageSize is the number of records returned if no limit is given.
const defaultPageSize = 50

// wsWriteTimeout limits the time taken to write an event to a websocket
// client.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// clients are authenticated by token, not origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

type response struct {
	Success  bool        `json:"success"`
	Response interface{} `json:"response"`
	Error    *string     `json:"error"`
}

type sendRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (p *page) normalise() {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
}

type messagesRequest struct {
	PhoneNumber string `json:"phone_number"`
	page
}

type reportsRequest struct {
	MessageID int64 `json:"message_id"`
	page
}

type server struct {
	modem modem
	store messageStore
	hub   subscriber
	token string
	log   *logrus.Entry
}

func newServer(m modem, st *store.Store, hub *events.Hub, cfg *config.Config, log *logrus.Entry) *server {
	s := &server{modem: m, token: cfg.HTTP.Token, log: log}
	if st != nil {
		s.store = st
	}
	if hub != nil && cfg.HTTP.WebSocket {
		s.hub = hub
	}
	return s
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sms/send", s.post(s.send))
	mux.HandleFunc("/sms/network-status", s.get(func(ctx context.Context) (interface{}, error) {
		return s.modem.NetworkStatus(ctx)
	}))
	mux.HandleFunc("/sms/signal-strength", s.get(func(ctx context.Context) (interface{}, error) {
		return s.modem.SignalStrength(ctx)
	}))
	mux.HandleFunc("/sms/network-operator", s.get(func(ctx context.Context) (interface{}, error) {
		return s.modem.Operator(ctx)
	}))
	mux.HandleFunc("/sms/service-provider", s.get(func(ctx context.Context) (interface{}, error) {
		return s.modem.ServiceProvider(ctx)
	}))
	mux.HandleFunc("/sms/battery-level", s.get(func(ctx context.Context) (interface{}, error) {
		return s.modem.Battery(ctx)
	}))
	mux.HandleFunc("/gnss/status", s.get(func(ctx context.Context) (interface{}, error) {
		return s.modem.GNSSStatus(ctx)
	}))
	mux.HandleFunc("/gnss/location", s.get(func(ctx context.Context) (interface{}, error) {
		return s.modem.GNSSLocation(ctx)
	}))
	if s.store != nil {
		mux.HandleFunc("/db/sms", s.post(s.messages))
		mux.HandleFunc("/db/latest-numbers", s.post(s.latestNumbers))
		mux.HandleFunc("/db/delivery-reports", s.post(s.deliveryReports))
	}
	if s.hub != nil {
		mux.HandleFunc("/ws", s.stream)
	}
	return s.authenticate(mux)
}

func (s *server) authenticate(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			s.reply(w, http.StatusUnauthorized, nil, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type queryFunc func(ctx context.Context) (interface{}, error)

func (s *server) get(f queryFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.reply(w, http.StatusMethodNotAllowed, nil, errors.New("method not allowed"))
			return
		}
		v, err := f(r.Context())
		s.reply(w, statusOf(err), v, err)
	}
}

type postFunc func(r *http.Request) (interface{}, error)

func (s *server) post(f postFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.reply(w, http.StatusMethodNotAllowed, nil, errors.New("method not allowed"))
			return
		}
		v, err := f(r)
		s.reply(w, statusOf(err), v, err)
	}
}

func (s *server) send(r *http.Request) (interface{}, error) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.To == "" || req.Content == "" {
		return nil, badRequest{errors.New("to and content are required")}
	}
	return s.modem.SendSMS(r.Context(), req.To, req.Content)
}

func (s *server) messages(r *http.Request) (interface{}, error) {
	var req messagesRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.PhoneNumber == "" {
		return nil, badRequest{errors.New("phone_number is required")}
	}
	req.normalise()
	msgs, err := s.store.Messages(r.Context(), req.PhoneNumber, req.Limit, req.Offset)
	if msgs == nil && err == nil {
		msgs = []events.Message{}
	}
	return msgs, err
}

func (s *server) latestNumbers(r *http.Request) (interface{}, error) {
	var req page
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	req.normalise()
	numbers, err := s.store.LatestNumbers(r.Context(), req.Limit, req.Offset)
	if numbers == nil && err == nil {
		numbers = []string{}
	}
	return numbers, err
}

func (s *server) deliveryReports(r *http.Request) (interface{}, error) {
	var req reportsRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.MessageID <= 0 {
		return nil, badRequest{errors.New("message_id is required")}
	}
	req.normalise()
	reports, err := s.store.DeliveryReports(r.Context(), req.MessageID, req.Limit, req.Offset)
	if reports == nil && err == nil {
		reports = []store.DeliveryReport{}
	}
	return reports, err
}

// stream writes events to a websocket client until the client goes away or
// the hub is closed.
func (s *server) stream(w http.ResponseWriter, r *http.Request) {
	// subscribe before the upgrade completes so the client sees every event
	// published once it is connected
	sub := s.hub.Subscribe(0)
	defer sub.Close()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()
	log := s.log.WithField("remote", r.RemoteAddr)
	log.Debug("websocket connected")

	// client messages are ignored, but must be read to process control
	// frames and detect the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-gone:
			log.Debug("websocket disconnected")
			return
		}
	}
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64*1024))
	if err := dec.Decode(v); err != nil {
		return badRequest{errors.Wrap(err, "invalid request")}
	}
	return nil
}

// badRequest is an error in the request, rather than in handling it.
type badRequest struct {
	error
}

func statusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var br badRequest
	switch cause := errors.Cause(err); {
	case errors.As(err, &br), cause == ErrNotInternational,
		cause == pdu.ErrInvalidNumber, cause == pdu.ErrTooLong:
		return http.StatusBadRequest
	case cause == ErrOffline, cause == at.ErrQueueFull, cause == at.ErrClosed:
		return http.StatusServiceUnavailable
	case cause == at.ErrTimeout, cause == context.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case cause == gnss.ErrNoFix:
		return http.StatusNotFound
	case at.IsRejection(err), cause == gsm.ErrMalformedResponse, cause == gnss.ErrMalformed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *server) reply(w http.ResponseWriter, status int, v interface{}, err error) {
	resp := response{Success: err == nil, Response: v}
	if err != nil {
		msg := err.Error()
		resp.Error = &msg
		resp.Response = nil
		s.log.WithError(err).WithField("status", status).Debug("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
