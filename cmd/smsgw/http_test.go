// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/smsgw/at"
	"github.com/warthog618/smsgw/config"
	"github.com/warthog618/smsgw/events"
	"github.com/warthog618/smsgw/gnss"
	"github.com/warthog618/smsgw/gsm"
	"github.com/warthog618/smsgw/pdu"
	"github.com/warthog618/smsgw/store"
)

type fakeModem struct {
	err  error
	sent []string
}

func (m *fakeModem) SendSMS(ctx context.Context, number, text string) (*events.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, number+":"+text)
	return &events.Message{ID: 7, PhoneNumber: number, Content: text, Outgoing: true}, nil
}

func (m *fakeModem) NetworkStatus(ctx context.Context) (gsm.NetworkStatus, error) {
	return gsm.NetworkStatus{Mode: 0, Registration: 1, Registered: true}, m.err
}

func (m *fakeModem) SignalStrength(ctx context.Context) (gsm.SignalStrength, error) {
	return gsm.NewSignalStrength(20, 0), m.err
}

func (m *fakeModem) Operator(ctx context.Context) (gsm.Operator, error) {
	return gsm.Operator{Name: "Telstra"}, m.err
}

func (m *fakeModem) ServiceProvider(ctx context.Context) (string, error) {
	return "Boost", m.err
}

func (m *fakeModem) Battery(ctx context.Context) (gsm.Battery, error) {
	return gsm.Battery{Charge: 80, Voltage: 4.1}, m.err
}

func (m *fakeModem) GNSSStatus(ctx context.Context) (gnss.Status, error) {
	return gnss.Status3D, m.err
}

func (m *fakeModem) GNSSLocation(ctx context.Context) (gnss.Fix, error) {
	return gnss.Fix{Run: true, Fixed: true, Latitude: -33.8, Longitude: 151.2}, m.err
}

type fakeStore struct {
	phone         string
	messageID     int64
	limit, offset int
	msgs          []events.Message
	numbers       []string
	reports       []store.DeliveryReport
}

func (s *fakeStore) Messages(ctx context.Context, phone string, limit, offset int) ([]events.Message, error) {
	s.phone = phone
	s.limit = limit
	s.offset = offset
	return s.msgs, nil
}

func (s *fakeStore) LatestNumbers(ctx context.Context, limit, offset int) ([]string, error) {
	s.limit = limit
	s.offset = offset
	return s.numbers, nil
}

func (s *fakeStore) DeliveryReports(ctx context.Context, messageID int64, limit, offset int) ([]store.DeliveryReport, error) {
	s.messageID = messageID
	s.limit = limit
	s.offset = offset
	return s.reports, nil
}

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testServer(m modem, st messageStore, token string) http.Handler {
	s := newServer(m, nil, nil, &config.Config{HTTP: config.HTTP{Token: token}}, quietLogger())
	s.store = st
	return s.handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, response) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var resp response
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestQueries(t *testing.T) {
	h := testServer(&fakeModem{}, nil, "")
	patterns := []struct {
		path string
		resp string
	}{
		{"/sms/network-status", `{"mode":0,"registration":1,"registered":true}`},
		{"/sms/signal-strength", `{"rssi":-73,"ber":0,"quality":"excellent"}`},
		{"/sms/network-operator", `{"mode":0,"format":0,"operator":"Telstra"}`},
		{"/sms/service-provider", `"Boost"`},
		{"/sms/battery-level", `{"status":0,"charge":80,"voltage":4.1}`},
		{"/gnss/status", `"3D"`},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, p.path, nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.JSONEq(t, `{"success":true,"error":null,"response":`+p.resp+`}`, w.Body.String())
		}
		t.Run(p.path, f)
	}
}

func TestLocation(t *testing.T) {
	h := testServer(&fakeModem{}, nil, "")
	code, resp := do(t, h, http.MethodGet, "/gnss/location", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	fix := resp.Response.(map[string]interface{})
	assert.Equal(t, -33.8, fix["latitude"])
	assert.Equal(t, true, fix["fix_status"])
}

func TestQueryErrors(t *testing.T) {
	patterns := []struct {
		name   string
		err    error
		status int
	}{
		{"offline", ErrOffline, http.StatusServiceUnavailable},
		{"queue full", errors.Wrap(at.ErrQueueFull, "AT+CSQ"), http.StatusServiceUnavailable},
		{"timeout", at.ErrTimeout, http.StatusGatewayTimeout},
		{"rejected", at.CMEError("10"), http.StatusBadGateway},
		{"error", at.ErrError, http.StatusBadGateway},
		{"malformed", errors.Wrap(gsm.ErrMalformedResponse, "+CSQ"), http.StatusBadGateway},
		{"no fix", gnss.ErrNoFix, http.StatusNotFound},
		{"other", errors.New("whatever"), http.StatusInternalServerError},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			h := testServer(&fakeModem{err: p.err}, nil, "")
			code, resp := do(t, h, http.MethodGet, "/sms/signal-strength", "")
			assert.Equal(t, p.status, code)
			assert.False(t, resp.Success)
			assert.Nil(t, resp.Response)
			require.NotNil(t, resp.Error)
			assert.Equal(t, p.err.Error(), *resp.Error)
		}
		t.Run(p.name, f)
	}
}

func TestSend(t *testing.T) {
	m := &fakeModem{}
	h := testServer(m, nil, "")
	code, resp := do(t, h, http.MethodPost, "/sms/send", `{"to":"+61412345678","content":"hello"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.Equal(t, []string{"+61412345678:hello"}, m.sent)
	msg := resp.Response.(map[string]interface{})
	assert.Equal(t, float64(7), msg["message_id"])
	assert.Equal(t, true, msg["is_outgoing"])
}

func TestSendErrors(t *testing.T) {
	patterns := []struct {
		name   string
		method string
		body   string
		err    error
		status int
	}{
		{"get", http.MethodGet, "", nil, http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, `{"to":`, nil, http.StatusBadRequest},
		{"no body", http.MethodPost, "", nil, http.StatusBadRequest},
		{"missing to", http.MethodPost, `{"content":"hello"}`, nil, http.StatusBadRequest},
		{"missing content", http.MethodPost, `{"to":"+61412345678"}`, nil, http.StatusBadRequest},
		{"not international", http.MethodPost, `{"to":"0412345678","content":"hi"}`,
			ErrNotInternational, http.StatusBadRequest},
		{"invalid number", http.MethodPost, `{"to":"+61abc","content":"hi"}`,
			errors.Wrap(pdu.ErrInvalidNumber, "+61abc"), http.StatusBadRequest},
		{"too long", http.MethodPost, `{"to":"+61412345678","content":"hi"}`,
			pdu.ErrTooLong, http.StatusBadRequest},
		{"offline", http.MethodPost, `{"to":"+61412345678","content":"hi"}`,
			ErrOffline, http.StatusServiceUnavailable},
		{"rejected", http.MethodPost, `{"to":"+61412345678","content":"hi"}`,
			at.CMSError("500"), http.StatusBadGateway},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			m := &fakeModem{err: p.err}
			h := testServer(m, nil, "")
			code, resp := do(t, h, p.method, "/sms/send", p.body)
			assert.Equal(t, p.status, code)
			assert.False(t, resp.Success)
			assert.NotNil(t, resp.Error)
			assert.Empty(t, m.sent)
		}
		t.Run(p.name, f)
	}
}

func TestMessages(t *testing.T) {
	st := &fakeStore{msgs: []events.Message{
		{ID: 2, PhoneNumber: "+61412345678", Content: "two", CreatedAt: 1700000100},
		{ID: 1, PhoneNumber: "+61412345678", Content: "one", CreatedAt: 1700000000},
	}}
	h := testServer(&fakeModem{}, st, "")

	code, resp := do(t, h, http.MethodPost, "/db/sms", `{"phone_number":"+61412345678","limit":2,"offset":4}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, "+61412345678", st.phone)
	assert.Equal(t, 2, st.limit)
	assert.Equal(t, 4, st.offset)
	msgs := resp.Response.([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].(map[string]interface{})["message_content"])

	// defaults
	code, _ = do(t, h, http.MethodPost, "/db/sms", `{"phone_number":"+61412345678","offset":-1}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, defaultPageSize, st.limit)
	assert.Equal(t, 0, st.offset)

	// empty page is an empty list
	st.msgs = nil
	code, resp = do(t, h, http.MethodPost, "/db/sms", `{"phone_number":"+61400000000"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{}, resp.Response)

	code, resp = do(t, h, http.MethodPost, "/db/sms", `{"limit":2}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
}

func TestLatestNumbers(t *testing.T) {
	st := &fakeStore{numbers: []string{"+61412345679", "+61412345678"}}
	h := testServer(&fakeModem{}, st, "")

	code, resp := do(t, h, http.MethodPost, "/db/latest-numbers", `{"limit":2,"offset":1}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, []interface{}{"+61412345679", "+61412345678"}, resp.Response)
	assert.Equal(t, 2, st.limit)
	assert.Equal(t, 1, st.offset)

	st.numbers = nil
	code, resp = do(t, h, http.MethodPost, "/db/latest-numbers", `{}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{}, resp.Response)
	assert.Equal(t, defaultPageSize, st.limit)

	code, _ = do(t, h, http.MethodGet, "/db/latest-numbers", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestDeliveryReports(t *testing.T) {
	st := &fakeStore{reports: []store.DeliveryReport{
		{ID: 3, MessageID: 7, Status: 0, Final: true, CreatedAt: 1700000060},
	}}
	h := testServer(&fakeModem{}, st, "")

	code, resp := do(t, h, http.MethodPost, "/db/delivery-reports", `{"message_id":7,"limit":5}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, int64(7), st.messageID)
	assert.Equal(t, 5, st.limit)
	reports := resp.Response.([]interface{})
	require.Len(t, reports, 1)
	assert.Equal(t, map[string]interface{}{
		"report_id":  float64(3),
		"message_id": float64(7),
		"status":     float64(0),
		"is_final":   true,
		"created_at": float64(1700000060),
	}, reports[0])

	st.reports = nil
	code, resp = do(t, h, http.MethodPost, "/db/delivery-reports", `{"message_id":8,"offset":-3}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{}, resp.Response)
	assert.Equal(t, 0, st.offset)

	code, resp = do(t, h, http.MethodPost, "/db/delivery-reports", `{"limit":5}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
}

func TestNoStore(t *testing.T) {
	h := testServer(&fakeModem{}, nil, "")
	for _, path := range []string{"/db/sms", "/db/latest-numbers", "/db/delivery-reports", "/ws"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"phone_number":"+61412345678"}`))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func wsServer(t *testing.T, hub *events.Hub, token string) string {
	cfg := &config.Config{HTTP: config.HTTP{Token: token, WebSocket: true}}
	srv := httptest.NewServer(newServer(&fakeModem{}, nil, hub, cfg, quietLogger()).handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestStream(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()
	url := wsServer(t, hub, "")

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Nil(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	hub.Publish(events.NewIncoming(events.Message{ID: 3, PhoneNumber: "+61412345678", Content: "hi"}))
	hub.Publish(events.NewDelivery(events.Delivery{Report: events.Report{Status: 0x40}}))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev map[string]interface{}
	require.Nil(t, conn.ReadJSON(&ev))
	assert.Equal(t, "incoming", ev["type"])
	data := ev["data"].(map[string]interface{})
	assert.Equal(t, float64(3), data["message_id"])
	assert.Equal(t, "hi", data["message_content"])
	require.Nil(t, conn.ReadJSON(&ev))
	assert.Equal(t, "delivery", ev["type"])

	// closing the hub ends the stream
	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err)
}

func TestStreamToken(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()
	url := wsServer(t, hub, "s3cret")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Equal(t, websocket.ErrBadHandshake, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer s3cret")
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.Nil(t, err)
	conn.Close()
}

func TestStreamNotUpgraded(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()
	url := wsServer(t, hub, "")
	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws"))
	require.Nil(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestToken(t *testing.T) {
	h := testServer(&fakeModem{}, nil, "s3cret")
	patterns := []struct {
		name   string
		auth   string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer guess", http.StatusUnauthorized},
		{"not bearer", "s3cret", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusOK},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sms/service-provider", nil)
			if p.auth != "" {
				req.Header.Set("Authorization", p.auth)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, p.status, w.Code)
		}
		t.Run(p.name, f)
	}
}
