/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package cdr persists best-effort call-detail records. The session
// engine hands it an update after every participant upsert or remove;
// writes never block the control path and failures are the caller's to
// log and swallow.
package cdr

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tejzpr/pbxlink/callcontrol"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
	session_id     TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	dn             TEXT NOT NULL,
	participant_id INTEGER NOT NULL,
	call_id        INTEGER NOT NULL,
	status         TEXT NOT NULL,
	direction      TEXT NOT NULL,
	party_number   TEXT NOT NULL DEFAULT '',
	party_name     TEXT NOT NULL DEFAULT '',
	established_at DATETIME,
	updated_at     DATETIME NOT NULL,
	PRIMARY KEY (session_id, dn, participant_id)
);
CREATE INDEX IF NOT EXISTS idx_call_records_call_id ON call_records(call_id);
CREATE INDEX IF NOT EXISTS idx_call_records_updated ON call_records(updated_at);
`

// Store writes call-detail records to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the call-record database under dataDir with WAL
// mode enabled and the schema applied.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "pbxlink.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	slog.Info("call record database opened", "path", dbPath)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes one call-record update, keyed on
// (session, dn, participant id). Repeated updates for the same leg
// overwrite the previous row.
func (s *Store) Upsert(ctx context.Context, rec callcontrol.CallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (session_id, user_id, dn, participant_id,
		 call_id, status, direction, party_number, party_name,
		 established_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, dn, participant_id) DO UPDATE SET
		 call_id = excluded.call_id,
		 status = excluded.status,
		 direction = excluded.direction,
		 party_number = excluded.party_number,
		 party_name = excluded.party_name,
		 established_at = excluded.established_at,
		 updated_at = excluded.updated_at`,
		rec.SessionID, rec.UserID, rec.DN, rec.ParticipantID,
		rec.CallID, rec.Status, rec.Direction, rec.PartyNumber, rec.PartyName,
		rec.EstablishedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting call record: %w", err)
	}
	return nil
}

// ListRecent returns the most recent call records for a session, newest
// first, up to limit rows.
func (s *Store) ListRecent(ctx context.Context, sessionID string, limit int) ([]callcontrol.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, dn, participant_id, call_id, status,
		 direction, party_number, party_name, established_at, updated_at
		 FROM call_records WHERE session_id = ?
		 ORDER BY updated_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var recs []callcontrol.CallRecord
	for rows.Next() {
		var rec callcontrol.CallRecord
		var established sql.NullTime
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &rec.DN, &rec.ParticipantID,
			&rec.CallID, &rec.Status, &rec.Direction, &rec.PartyNumber,
			&rec.PartyName, &established, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning call record row: %w", err)
		}
		if established.Valid {
			t := established.Time
			rec.EstablishedAt = &t
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call record rows: %w", err)
	}
	return recs, nil
}

// PurgeOlderThan removes records last updated before the cutoff and
// returns the number of rows deleted.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM call_records WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging call records: %w", err)
	}
	return res.RowsAffected()
}
