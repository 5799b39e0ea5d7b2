package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scanbroker/core/internal/db"
	"github.com/scanbroker/core/internal/domain"
)

// UpsertTarget inserts or overwrites identity/config columns for one
// target row, keyed by external_id. next_scan_at is set to now only on
// insert (scan-immediately semantics); on update it is left untouched by
// this call, matching §4.6's ownership split (Sync owns identity/config
// columns, Scheduler owns schedule columns).
func (s *Store) UpsertTarget(ctx context.Context, ex db.Executor, t *domain.Target, now time.Time) error {
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = ex.Exec(ctx, `
		INSERT INTO targets (
			external_id, host, ports, scan_type, criticality, criticality_weight,
			scan_frequency_hours, enabled, tags, next_scan_at, synced_at, created_at
		) VALUES (?,?,?,?,?,?, ?,?,?,?,?,?)
		ON CONFLICT(external_id) DO UPDATE SET
			host = excluded.host,
			ports = excluded.ports,
			scan_type = excluded.scan_type,
			criticality = excluded.criticality,
			criticality_weight = excluded.criticality_weight,
			scan_frequency_hours = excluded.scan_frequency_hours,
			enabled = excluded.enabled,
			tags = excluded.tags,
			synced_at = excluded.synced_at`,
		t.ExternalID, t.Host, intsToJSON(t.Ports), string(t.ScanType), string(t.Criticality), t.Criticality.Weight(),
		t.ScanFrequencyHours, boolToInt(t.Enabled), string(tagsJSON), timeFmt(now), timeFmt(now), timeFmt(now),
	)
	return err
}

// DeactivateAbsent sets enabled = 0 for every target row whose
// external_id is not in present.
func (s *Store) DeactivateAbsent(ctx context.Context, ex db.Executor, present []string) error {
	if len(present) == 0 {
		_, err := ex.Exec(ctx, `UPDATE targets SET enabled = 0`)
		return err
	}
	placeholders := make([]byte, 0, len(present)*2)
	args := make([]any, 0, len(present))
	for i, id := range present {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE targets SET enabled = 0 WHERE external_id NOT IN (%s)`, string(placeholders))
	_, err := ex.Exec(ctx, query, args...)
	return err
}

// RecordDispatch updates a target's schedule columns after the
// Scheduler successfully submits a scan for it.
func (s *Store) RecordDispatch(ctx context.Context, externalID, scanID string, now time.Time, nextScanAt time.Time) error {
	_, err := s.conn.Exec(ctx, `
		UPDATE targets SET last_scan_at = ?, last_scan_id = ?, next_scan_at = ?
		WHERE external_id = ?`,
		timeFmt(now), scanID, timeFmt(nextScanAt), externalID,
	)
	return err
}

// GetTarget fetches one target by external_id.
func (s *Store) GetTarget(ctx context.Context, externalID string) (*domain.Target, error) {
	row := s.conn.QueryRow(ctx, targetQueryColumns+` FROM targets WHERE external_id = ?`, externalID)
	t, err := targetFromRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTargets returns every target row.
func (s *Store) ListTargets(ctx context.Context) ([]*domain.Target, error) {
	rows, err := s.conn.Query(ctx, targetQueryColumns+` FROM targets ORDER BY external_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Target
	for rows.Next() {
		t, err := targetFromRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DueTargets returns enabled targets whose next_scan_at has passed,
// ordered by criticality_weight desc, next_scan_at asc, per §4.7.
func (s *Store) DueTargets(ctx context.Context, now time.Time) ([]*domain.Target, error) {
	rows, err := s.conn.Query(ctx, targetQueryColumns+`
		FROM targets
		WHERE enabled = 1 AND next_scan_at <= ?
		ORDER BY criticality_weight DESC, next_scan_at ASC`, timeFmt(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Target
	for rows.Next() {
		t, err := targetFromRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const targetQueryColumns = `SELECT
	external_id, host, ports, scan_type, criticality, criticality_weight,
	scan_frequency_hours, enabled, tags, last_scan_at, next_scan_at,
	last_scan_id, synced_at, created_at`

func targetFromRow(row scanScanner) (*domain.Target, error) {
	var (
		t                                        domain.Target
		scanType, criticality                    string
		ports, tags, lastScanAt, lastScanID       sql.NullString
		enabledInt                               int
		nextScanAt, syncedAt, createdAt           string
	)
	if err := row.Scan(
		&t.ExternalID, &t.Host, &ports, &scanType, &criticality, &t.CriticalityWeight,
		&t.ScanFrequencyHours, &enabledInt, &tags, &lastScanAt, &nextScanAt,
		&lastScanID, &syncedAt, &createdAt,
	); err != nil {
		return nil, err
	}

	t.ScanType = domain.ScanType(scanType)
	t.Criticality = domain.Criticality(criticality)
	t.Ports = jsonToInts(ports)
	t.Enabled = enabledInt != 0
	t.LastScanID = strPtr(lastScanID)

	if tags.Valid && tags.String != "" {
		m := map[string]string{}
		if err := json.Unmarshal([]byte(tags.String), &m); err == nil {
			t.Tags = m
		}
	}

	var err error
	if t.LastScanAt, err = nullableTimeParse(lastScanAt); err != nil {
		return nil, fmt.Errorf("parse last_scan_at: %w", err)
	}
	if t.NextScanAt, err = timeParse(nextScanAt); err != nil {
		return nil, fmt.Errorf("parse next_scan_at: %w", err)
	}
	if t.SyncedAt, err = timeParse(syncedAt); err != nil {
		return nil, fmt.Errorf("parse synced_at: %w", err)
	}
	if t.CreatedAt, err = timeParse(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
