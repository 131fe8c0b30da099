// SPDX-License-Identifier: MIT
//
// Copyright © 2024 Kent Gibson <warthog618@gmail.com>.

// Package store persists messages and delivery reports to MySQL.
//
// The store is a sink for gateway events. Message content is sealed before
// it is written.
package store

import (
	"context"
	"database/sql"

	// registers the mysql driver
	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/smsgw/events"
	"github.com/warthog618/smsgw/pdu"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
	message_id BIGINT NOT NULL PRIMARY KEY,
	phone_number VARCHAR(32) NOT NULL,
	message_content VARBINARY(4096) NOT NULL,
	message_reference TINYINT UNSIGNED NULL,
	is_outgoing BOOLEAN NOT NULL,
	status TINYINT UNSIGNED NOT NULL,
	created_at BIGINT NOT NULL,
	completed_at BIGINT NULL,
	INDEX phone_created (phone_number, created_at)
)`,
	`CREATE TABLE IF NOT EXISTS delivery_reports (
	report_id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	message_id BIGINT NOT NULL,
	status TINYINT UNSIGNED NOT NULL,
	is_final BOOLEAN NOT NULL,
	created_at BIGINT NOT NULL,
	INDEX message (message_id)
)`,
}

const insertMessage = `INSERT INTO messages
	(message_id, phone_number, message_content, message_reference, is_outgoing, status, created_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const (
	insertReport = `INSERT INTO delivery_reports (message_id, status, is_final, created_at) VALUES (?, ?, ?, ?)`
	updateStatus = `UPDATE messages SET status = ?, completed_at = ? WHERE message_id = ?`
	selectMaxID  = `SELECT COALESCE(MAX(message_id), 0) FROM messages`
)

const selectByPhone = `SELECT message_id, phone_number, message_content, message_reference,
	is_outgoing, status, created_at, completed_at
	FROM messages WHERE phone_number = ? ORDER BY created_at DESC, message_id DESC LIMIT ? OFFSET ?`

// ErrNoID indicates a message without an id was presented for storage.
var ErrNoID = errors.New("message has no id")

const selectLatestNumbers = `SELECT phone_number FROM messages
	GROUP BY phone_number ORDER BY MAX(created_at) DESC LIMIT ? OFFSET ?`

const selectReports = `SELECT report_id, message_id, status, is_final, created_at
	FROM delivery_reports WHERE message_id = ? ORDER BY created_at DESC, report_id DESC LIMIT ? OFFSET ?`

// DeliveryReport is a stored delivery report.
type DeliveryReport struct {
	ID        int64 `json:"report_id"`
	MessageID int64 `json:"message_id"`
	Status    byte  `json:"status"`
	Final     bool  `json:"is_final"`
	CreatedAt int64 `json:"created_at"`
}

// Store is a MySQL backed message store.
type Store struct {
	db     *sql.DB
	cipher *Cipher
	log    *logrus.Entry
}

// Option modifies a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Open connects to the database identified by the DSN.
func Open(ctx context.Context, dsn string, key []byte, options ...Option) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping store")
	}
	s, err := New(db, key, options...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New creates a Store over an open database.
func New(db *sql.DB, key []byte, options ...Option) (*Store, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, cipher: c}
	for _, option := range options {
		option(s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Init creates the tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create table")
		}
	}
	return nil
}

// MaxID returns the highest message id in the store, or zero if empty.
//
// Messages are stored with the id assigned by the tracker, so the tracker
// should allocate from beyond this.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, selectMaxID).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "max id")
	}
	return id, nil
}

// InsertMessage stores the message.
//
// The message must carry its id. Storing a message with an id already in
// the store fails.
func (s *Store) InsertMessage(ctx context.Context, m events.Message) error {
	if m.ID == 0 {
		return ErrNoID
	}
	content, err := s.cipher.Seal(m.Content)
	if err != nil {
		return err
	}
	var ref, completed interface{}
	if m.Reference != nil {
		ref = int64(*m.Reference)
	}
	if m.CompletedAt != 0 {
		completed = m.CompletedAt
	} else if m.Status.Final() {
		completed = m.CreatedAt
	}
	_, err = s.db.ExecContext(ctx, insertMessage,
		m.ID, m.PhoneNumber, content, ref, m.Outgoing, int64(m.Status), m.CreatedAt, completed)
	return errors.Wrapf(err, "insert message %d", m.ID)
}

// InsertReport stores the delivery report and updates the status of the
// message it applies to.
func (s *Store) InsertReport(ctx context.Context, id int64, r events.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "insert report")
	}
	defer tx.Rollback()
	if _, err = tx.ExecContext(ctx, insertReport, id, int64(r.Status), r.Final, r.CreatedAt); err != nil {
		return errors.Wrap(err, "insert report")
	}
	var completed interface{}
	if r.Final {
		completed = r.CreatedAt
	}
	status := events.StatusFromReport(pdu.Status(r.Status))
	if _, err = tx.ExecContext(ctx, updateStatus, int64(status), completed, id); err != nil {
		return errors.Wrap(err, "update status")
	}
	return errors.Wrap(tx.Commit(), "insert report")
}

// Messages returns a page of the messages exchanged with the phone number,
// most recent first.
func (s *Store) Messages(ctx context.Context, phone string, limit, offset int) ([]events.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectByPhone, phone, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()
	var msgs []events.Message
	for rows.Next() {
		var (
			m         events.Message
			content   []byte
			ref       sql.NullInt64
			status    int64
			completed sql.NullInt64
		)
		err = rows.Scan(&m.ID, &m.PhoneNumber, &content, &ref, &m.Outgoing, &status, &m.CreatedAt, &completed)
		if err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if m.Content, err = s.cipher.Open(content); err != nil {
			return nil, errors.Wrapf(err, "message %d", m.ID)
		}
		if ref.Valid {
			r := byte(ref.Int64)
			m.Reference = &r
		}
		m.Status = events.Status(status)
		m.CompletedAt = completed.Int64
		msgs = append(msgs, m)
	}
	return msgs, errors.Wrap(rows.Err(), "query messages")
}

// LatestNumbers returns a page of the phone numbers messages have been
// exchanged with, most recently active first.
func (s *Store) LatestNumbers(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, selectLatestNumbers, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "query numbers")
	}
	defer rows.Close()
	var numbers []string
	for rows.Next() {
		var n string
		if err = rows.Scan(&n); err != nil {
			return nil, errors.Wrap(err, "scan number")
		}
		numbers = append(numbers, n)
	}
	return numbers, errors.Wrap(rows.Err(), "query numbers")
}

// DeliveryReports returns a page of the delivery reports received for the
// message, most recent first.
func (s *Store) DeliveryReports(ctx context.Context, messageID int64, limit, offset int) ([]DeliveryReport, error) {
	rows, err := s.db.QueryContext(ctx, selectReports, messageID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "query reports")
	}
	defer rows.Close()
	var reports []DeliveryReport
	for rows.Next() {
		var r DeliveryReport
		if err = rows.Scan(&r.ID, &r.MessageID, &r.Status, &r.Final, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan report")
		}
		reports = append(reports, r)
	}
	return reports, errors.Wrap(rows.Err(), "query reports")
}

// Run stores the events received from evs until evs is closed or the context
// is done.
//
// Failures are logged and the event dropped.
func (s *Store) Run(ctx context.Context, evs <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if err := s.Handle(ctx, ev); err != nil {
				s.log.WithError(err).WithField("type", ev.Type).Error("store failed")
			}
		}
	}
}

// Types returns the event types stored by Handle.
func (s *Store) Types() []events.Type {
	return []events.Type{events.Incoming, events.Outgoing, events.DeliveryReport}
}

// Handle stores a single event.
func (s *Store) Handle(ctx context.Context, ev events.Event) error {
	switch d := ev.Data.(type) {
	case events.Message:
		return s.InsertMessage(ctx, d)
	case events.Delivery:
		if d.MessageID == nil {
			s.log.WithField("reference", d.Report.Reference).Debug("orphaned report not stored")
			return nil
		}
		return s.InsertReport(ctx, *d.MessageID, d.Report)
	}
	return nil
}
