package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scanbroker/core/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scanbroker.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndGetScan(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	scan := &domain.Scan{
		ScanID:    "scan-1",
		ProbeName: "gvm-1",
		Target:    "10.0.0.1",
		ScanType:  domain.ScanTypeFull,
		GVMStatus: domain.StatusNew,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertScan(ctx, scan))

	got, err := s.GetScan(ctx, "scan-1")
	require.NoError(t, err)
	require.Equal(t, "gvm-1", got.ProbeName)
	require.Equal(t, domain.StatusNew, got.GVMStatus)
	require.Nil(t, got.CompletedAt)
}

func TestGetScan_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetScan(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeScanReport_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	scan := &domain.Scan{
		ScanID: "scan-2", ProbeName: "gvm-1", Target: "10.0.0.2",
		ScanType: domain.ScanTypeFull, GVMStatus: domain.StatusRunning, CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertScan(ctx, scan))

	summary := &domain.Summary{HostsScanned: 1, VulnsHigh: 2}
	wrote, err := s.FinalizeScanReport(ctx, "scan-2", "<report/>", summary, time.Now())
	require.NoError(t, err)
	require.True(t, wrote)

	wroteAgain, err := s.FinalizeScanReport(ctx, "scan-2", "<report/>", summary, time.Now())
	require.NoError(t, err)
	require.False(t, wroteAgain)

	got, err := s.GetScan(ctx, "scan-2")
	require.NoError(t, err)
	require.NotNil(t, got.ReportXML)
	require.Equal(t, 2, got.Summary.VulnsHigh)
	require.NotNil(t, got.CompletedAt)
}

func TestActiveScanCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertScan(ctx, &domain.Scan{ScanID: "a", ProbeName: "gvm-1", Target: "t", ScanType: domain.ScanTypeFull, GVMStatus: domain.StatusNew, CreatedAt: time.Now()}))
	require.NoError(t, s.InsertScan(ctx, &domain.Scan{ScanID: "b", ProbeName: "gvm-1", Target: "t", ScanType: domain.ScanTypeFull, GVMStatus: domain.StatusRunning, CreatedAt: time.Now()}))
	require.NoError(t, s.InsertScan(ctx, &domain.Scan{ScanID: "c", ProbeName: "gvm-2", Target: "t", ScanType: domain.ScanTypeFull, GVMStatus: domain.StatusNew, CreatedAt: time.Now()}))

	errMsg := "failed"
	require.NoError(t, s.FinalizeScan(ctx, "c", domain.StatusInterrupted, &errMsg, time.Now()))

	counts, err := s.ActiveScanCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts["gvm-1"])
	require.Equal(t, 0, counts["gvm-2"])
}

func TestUpsertTarget_InsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	now := time.Now()
	target := &domain.Target{
		ExternalID: "asset-1", Host: "10.0.0.5", ScanType: domain.ScanTypeFull,
		Criticality: domain.CriticalityHigh, ScanFrequencyHours: 24, Enabled: true,
	}
	require.NoError(t, s.UpsertTarget(ctx, tx, target, now))
	require.NoError(t, tx.Commit(ctx))

	got, err := s.GetTarget(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, 3, got.CriticalityWeight)
	require.True(t, got.Enabled)
	require.WithinDuration(t, now, got.NextScanAt, time.Second)

	// Update: next_scan_at must not move on a plain re-sync.
	recordedNext := got.NextScanAt
	tx2, err := s.BeginTx(ctx)
	require.NoError(t, err)
	target.Criticality = domain.CriticalityLow
	require.NoError(t, s.UpsertTarget(ctx, tx2, target, now.Add(time.Hour)))
	require.NoError(t, tx2.Commit(ctx))

	got2, err := s.GetTarget(ctx, "asset-1")
	require.NoError(t, err)
	require.Equal(t, domain.CriticalityLow, got2.Criticality)
	require.Equal(t, recordedNext.Unix(), got2.NextScanAt.Unix())
}

func TestDeactivateAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.UpsertTarget(ctx, tx, &domain.Target{ExternalID: "a", Host: "h", ScanType: domain.ScanTypeFull, Criticality: domain.CriticalityLow, ScanFrequencyHours: 1, Enabled: true}, now))
	require.NoError(t, s.UpsertTarget(ctx, tx, &domain.Target{ExternalID: "b", Host: "h", ScanType: domain.ScanTypeFull, Criticality: domain.CriticalityLow, ScanFrequencyHours: 1, Enabled: true}, now))
	require.NoError(t, tx.Commit(ctx))

	tx2, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.DeactivateAbsent(ctx, tx2, []string{"a"}))
	require.NoError(t, tx2.Commit(ctx))

	gotA, err := s.GetTarget(ctx, "a")
	require.NoError(t, err)
	require.True(t, gotA.Enabled)

	gotB, err := s.GetTarget(ctx, "b")
	require.NoError(t, err)
	require.False(t, gotB.Enabled)
}

func TestDueTargets_OrderedByCriticalityThenTime(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.UpsertTarget(ctx, tx, &domain.Target{ExternalID: "low", Host: "h", ScanType: domain.ScanTypeFull, Criticality: domain.CriticalityLow, ScanFrequencyHours: 1, Enabled: true}, now.Add(-time.Hour)))
	require.NoError(t, s.UpsertTarget(ctx, tx, &domain.Target{ExternalID: "critical", Host: "h", ScanType: domain.ScanTypeFull, Criticality: domain.CriticalityCritical, ScanFrequencyHours: 1, Enabled: true}, now.Add(-time.Minute)))
	require.NoError(t, tx.Commit(ctx))

	due, err := s.DueTargets(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "critical", due[0].ExternalID)
	require.Equal(t, "low", due[1].ExternalID)
}
