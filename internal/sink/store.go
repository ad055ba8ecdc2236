// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Thermoquad/bmsmon/pkg/bms"
	"github.com/Thermoquad/bmsmon/pkg/session"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS records (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	device   TEXT NOT NULL,
	name     TEXT,
	response TEXT NOT NULL,
	ts       BIGINT NOT NULL,
	payload  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_query ON records (device, response, ts);
`

// DefaultQueryLimit applies when Query.Limit is zero
const DefaultQueryLimit = 100

// Store keeps every record in a SQLite database. Values are stored as CBOR.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Sink = (*Store)(nil)

// StoredRecord is one row of the history
type StoredRecord struct {
	ID        int64
	Device    session.Identity
	Response  string
	Timestamp time.Time
	Values    bms.Record
}

// Query selects history rows. Empty strings match everything.
type Query struct {
	Device   string
	Response string
	Limit    int
}

// OpenStore opens or creates the database at path
func OpenStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer. The driver serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	logger.Named("store").Debug("Store opened", zap.String("path", path))
	return &Store{db: db, logger: logger.Named("store")}, nil
}

// Write implements Sink
func (s *Store) Write(ctx context.Context, device session.Identity, data session.Data) error {
	payload, err := cbor.Marshal(map[string]interface{}(data.Values))
	if err != nil {
		return fmt.Errorf("encode %s: %w", data.Response, err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO records (device, name, response, ts, payload) VALUES (?, ?, ?, ?, ?)",
		device.ID, device.Name, data.Response, data.Timestamp.UnixMilli(), payload)
	if err != nil {
		return fmt.Errorf("store %s: %w", data.Response, err)
	}
	return nil
}

// Recent returns the newest rows matching q, newest first
func (s *Store) Recent(ctx context.Context, q Query) ([]StoredRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device, name, response, ts, payload FROM records
		WHERE (? = '' OR device = ?) AND (? = '' OR response = ?)
		ORDER BY ts DESC, id DESC LIMIT ?`,
		q.Device, q.Device, q.Response, q.Response, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var (
			r       StoredRecord
			name    sql.NullString
			ts      int64
			payload []byte
		)
		if err := rows.Scan(&r.ID, &r.Device.ID, &name, &r.Response, &ts, &payload); err != nil {
			return nil, err
		}
		r.Device.Name = name.String
		r.Timestamp = time.UnixMilli(ts)

		var values map[string]interface{}
		if err := cbor.Unmarshal(payload, &values); err != nil {
			s.logger.Warn("Skipping undecodable row", zap.Int64("id", r.ID), zap.Error(err))
			continue
		}
		r.Values = bms.Record(values)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes rows older than before and returns how many went
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE ts < ?", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close implements Sink
func (s *Store) Close() error {
	return s.db.Close()
}
