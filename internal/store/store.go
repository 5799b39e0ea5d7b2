// Package store is the scan broker's sole authoritative state: the
// scans and targets tables behind the db.Database abstraction. Scan and
// schedule writes are single statements run outside an explicit
// transaction (each is atomic on its own); BeginTx groups the
// multi-statement Target Sync pass. Schema migration is a one-shot
// additive CREATE TABLE IF NOT EXISTS, per spec.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scanbroker/core/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	scan_id             TEXT PRIMARY KEY,
	probe_name          TEXT NOT NULL,
	target              TEXT NOT NULL,
	scan_type           TEXT NOT NULL,
	ports               TEXT,
	engine_target_id    TEXT,
	engine_task_id      TEXT,
	engine_report_id    TEXT,
	gvm_status          TEXT NOT NULL,
	gvm_progress        INTEGER NOT NULL DEFAULT 0,
	report_xml          TEXT,
	summary             TEXT,
	error               TEXT,
	created_at          TEXT NOT NULL,
	started_at          TEXT,
	completed_at        TEXT,
	external_target_id  TEXT
);

CREATE INDEX IF NOT EXISTS idx_scans_probe_active
	ON scans(probe_name, completed_at);

CREATE TABLE IF NOT EXISTS targets (
	external_id          TEXT PRIMARY KEY,
	host                 TEXT NOT NULL,
	ports                TEXT,
	scan_type            TEXT NOT NULL,
	criticality          TEXT NOT NULL,
	criticality_weight   INTEGER NOT NULL,
	scan_frequency_hours INTEGER NOT NULL,
	enabled              INTEGER NOT NULL DEFAULT 1,
	tags                 TEXT,
	last_scan_at         TEXT,
	next_scan_at         TEXT NOT NULL,
	last_scan_id         TEXT,
	synced_at            TEXT NOT NULL,
	created_at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_targets_due
	ON targets(enabled, next_scan_at);
`

// Store owns the scans and targets tables.
type Store struct {
	conn db.Database
}

// Open opens a SQLite-backed Store at path and runs schema migration.
func Open(ctx context.Context, path string) (*Store, error) {
	conn, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{conn: conn}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// BeginTx starts a transaction for callers that need to group several
// writes (Target Sync's upsert-then-deactivate pass).
func (s *Store) BeginTx(ctx context.Context) (db.Tx, error) {
	return s.conn.BeginTx(ctx, nil)
}

// Ping verifies the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// timeFmt / timeParse: RFC3339 UTC with trailing Z, matching §6.
func timeFmt(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timePtrFmt(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeFmt(*t)
}

func timeParse(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTimeParse(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := timeParse(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func intsToJSON(v []int) any {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func jsonToInts(ns sql.NullString) []int {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []int
	_ = json.Unmarshal([]byte(ns.String), &out)
	return out
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func strPtrToAny(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
