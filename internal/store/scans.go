package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scanbroker/core/internal/domain"
)

// InsertScan persists a newly submitted scan row in status New.
func (s *Store) InsertScan(ctx context.Context, scan *domain.Scan) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO scans (
			scan_id, probe_name, target, scan_type, ports,
			engine_target_id, engine_task_id, engine_report_id,
			gvm_status, gvm_progress, report_xml, summary, error,
			created_at, started_at, completed_at, external_target_id
		) VALUES (?,?,?,?,?, ?,?,?, ?,?,?,?,?, ?,?,?,?)`,
		scan.ScanID, scan.ProbeName, scan.Target, string(scan.ScanType), intsToJSON(scan.Ports),
		nullStr(scan.EngineTargetID), nullStr(scan.EngineTaskID), nullStr(scan.EngineReportID),
		string(scan.GVMStatus), scan.GVMProgress, nil, nil, strPtrToAny(scan.Error),
		timeFmt(scan.CreatedAt), timePtrFmt(scan.StartedAt), timePtrFmt(scan.CompletedAt), strPtrToAny(scan.ExternalTargetID),
	)
	return err
}

// UpdateScanStage persists engine_target_id/engine_task_id/engine_report_id
// and gvm_status/gvm_progress/started_at as the worker advances stages.
func (s *Store) UpdateScanStage(ctx context.Context, scan *domain.Scan) error {
	_, err := s.conn.Exec(ctx, `
		UPDATE scans SET
			engine_target_id = ?, engine_task_id = ?, engine_report_id = ?,
			gvm_status = ?, gvm_progress = ?, started_at = ?
		WHERE scan_id = ?`,
		nullStr(scan.EngineTargetID), nullStr(scan.EngineTaskID), nullStr(scan.EngineReportID),
		string(scan.GVMStatus), scan.GVMProgress, timePtrFmt(scan.StartedAt),
		scan.ScanID,
	)
	return err
}

// UpdateScanPoll persists the result of one get_task poll.
func (s *Store) UpdateScanPoll(ctx context.Context, scanID string, status domain.GVMStatus, progress int) error {
	_, err := s.conn.Exec(ctx, `
		UPDATE scans SET gvm_status = ?, gvm_progress = ? WHERE scan_id = ?`,
		string(status), progress, scanID,
	)
	return err
}

// FinalizeScanReport sets report_xml and summary exactly once, guarded by
// a conditional update so a racing restart-recovery worker is a no-op.
// Returns whether this call actually performed the write.
func (s *Store) FinalizeScanReport(ctx context.Context, scanID string, reportXML string, summary *domain.Summary, completedAt time.Time) (bool, error) {
	sb, err := json.Marshal(summary)
	if err != nil {
		return false, fmt.Errorf("marshal summary: %w", err)
	}
	res, err := s.conn.Exec(ctx, `
		UPDATE scans SET
			gvm_status = ?, report_xml = ?, summary = ?, completed_at = ?
		WHERE scan_id = ? AND report_xml IS NULL`,
		string(domain.StatusDone), reportXML, string(sb), timeFmt(completedAt), scanID,
	)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// FinalizeScan sets completed_at (and optionally error) for a scan that
// terminated without a report (Stopped, Interrupted, timeout, hard
// engine failure).
func (s *Store) FinalizeScan(ctx context.Context, scanID string, status domain.GVMStatus, errMsg *string, completedAt time.Time) error {
	_, err := s.conn.Exec(ctx, `
		UPDATE scans SET gvm_status = ?, error = ?, completed_at = ?
		WHERE scan_id = ? AND completed_at IS NULL`,
		string(status), strPtrToAny(errMsg), timeFmt(completedAt), scanID,
	)
	return err
}

// GetScan fetches one scan by id.
func (s *Store) GetScan(ctx context.Context, scanID string) (*domain.Scan, error) {
	row := s.conn.QueryRow(ctx, scanQueryColumns+` FROM scans WHERE scan_id = ?`, scanID)
	scan, err := scanFromRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return scan, err
}

// ListScans returns every scan ordered by created_at desc.
func (s *Store) ListScans(ctx context.Context) ([]*domain.Scan, error) {
	rows, err := s.conn.Query(ctx, scanQueryColumns+` FROM scans ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Scan
	for rows.Next() {
		scan, err := scanFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
	return out, rows.Err()
}

// IncompleteScans returns every scan with completed_at IS NULL, for
// restart recovery.
func (s *Store) IncompleteScans(ctx context.Context) ([]*domain.Scan, error) {
	rows, err := s.conn.Query(ctx, scanQueryColumns+` FROM scans WHERE completed_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Scan
	for rows.Next() {
		scan, err := scanFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
	return out, rows.Err()
}

// ActiveScanCounts returns, for every probe name with at least one
// active scan, the count of scans with completed_at IS NULL.
func (s *Store) ActiveScanCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT probe_name, COUNT(*) FROM scans
		WHERE completed_at IS NULL GROUP BY probe_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		out[name] = count
	}
	return out, rows.Err()
}

const scanQueryColumns = `SELECT
	scan_id, probe_name, target, scan_type, ports,
	engine_target_id, engine_task_id, engine_report_id,
	gvm_status, gvm_progress, report_xml, summary, error,
	created_at, started_at, completed_at, external_target_id`

type scanScanner interface {
	Scan(dest ...any) error
}

func scanFromRow(row scanScanner) (*domain.Scan, error) {
	return scanFromRows(row)
}

func scanFromRows(row scanScanner) (*domain.Scan, error) {
	var (
		scan                                                    domain.Scan
		scanType                                                string
		gvmStatus                                                string
		ports, engineTargetID, engineTaskID, engineReportID      sql.NullString
		reportXML, summaryJSON, errStr                           sql.NullString
		createdAt                                                string
		startedAt, completedAt, externalTargetID                 sql.NullString
	)
	if err := row.Scan(
		&scan.ScanID, &scan.ProbeName, &scan.Target, &scanType, &ports,
		&engineTargetID, &engineTaskID, &engineReportID,
		&gvmStatus, &scan.GVMProgress, &reportXML, &summaryJSON, &errStr,
		&createdAt, &startedAt, &completedAt, &externalTargetID,
	); err != nil {
		return nil, err
	}

	scan.ScanType = domain.ScanType(scanType)
	scan.GVMStatus = domain.GVMStatus(gvmStatus)
	scan.Ports = jsonToInts(ports)
	scan.EngineTargetID = orEmpty(engineTargetID)
	scan.EngineTaskID = orEmpty(engineTaskID)
	scan.EngineReportID = orEmpty(engineReportID)
	scan.ReportXML = strPtr(reportXML)
	scan.Error = strPtr(errStr)
	scan.ExternalTargetID = strPtr(externalTargetID)

	if summaryJSON.Valid && summaryJSON.String != "" {
		var sum domain.Summary
		if err := json.Unmarshal([]byte(summaryJSON.String), &sum); err == nil {
			scan.Summary = &sum
		}
	}

	ts, err := timeParse(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	scan.CreatedAt = ts

	if scan.StartedAt, err = nullableTimeParse(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if scan.CompletedAt, err = nullableTimeParse(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}

	return &scan, nil
}

func orEmpty(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
