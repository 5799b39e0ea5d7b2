// Package scanmanager is the per-scan orchestrator: it accepts
// submissions, selects a probe, and drives each scan's worker loop
// forward by polling the engine until the scan reaches a terminal
// state. One worker goroutine per live scan, serialized internally, per
// spec.md §4.5 / §5.
package scanmanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scanbroker/core/internal/circuitbreaker"
	"github.com/scanbroker/core/internal/config"
	"github.com/scanbroker/core/internal/domain"
	"github.com/scanbroker/core/internal/engine"
	"github.com/scanbroker/core/internal/errs"
	"github.com/scanbroker/core/internal/metrics"
	"github.com/scanbroker/core/internal/probeselector"
	"github.com/scanbroker/core/internal/report"
	"github.com/scanbroker/core/internal/store"
)

// SubmissionRequest carries validated caller intent for a new scan.
type SubmissionRequest struct {
	Target           string
	ScanType         domain.ScanType
	Ports            []int
	ProbeName        string // explicit bypass; empty selects automatically
	ExternalTargetID string // set when the scheduler originates the scan
}

// Manager drives every scan's lifecycle.
type Manager struct {
	store    *store.Store
	pool     engine.EnginePool
	cfg      config.ScanConfig
	source   config.SourceConfig
	logger   *slog.Logger
	metrics  *metrics.Registry
	history  *probeselector.History
	registry *registry

	shutdownCtx    context.Context
	shutdownCancel func()
}

// New builds a Manager. Call Recover once at startup to re-adopt any
// incomplete scans left over from a previous process.
func New(st *store.Store, pool engine.EnginePool, scanCfg config.ScanConfig, sourceCfg config.SourceConfig, logger *slog.Logger, reg *metrics.Registry) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:          st,
		pool:           pool,
		cfg:            scanCfg,
		source:         sourceCfg,
		logger:         logger,
		metrics:        reg,
		history:        probeselector.NewHistory(scanCfg.MaxConsecutiveSameProbe),
		registry:       newRegistry(),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// History returns the shared recent-assignment deque, exposed for the
// additive /probes/{name}/history diagnostic endpoint.
func (m *Manager) History() *probeselector.History {
	return m.history
}

// Shutdown cancels every live worker's context. In-flight scans are left
// in their last persisted state and re-adopted on next start.
func (m *Manager) Shutdown() {
	m.shutdownCancel()
	m.registry.cancelAll()
}

var validScanTypes = map[domain.ScanType]bool{domain.ScanTypeFull: true, domain.ScanTypeDirected: true}

func validate(req SubmissionRequest) error {
	if req.Target == "" {
		return errs.New(errs.ValidationError, "", fmt.Errorf("target must not be empty"))
	}
	if !validScanTypes[req.ScanType] {
		return errs.New(errs.ValidationError, "", fmt.Errorf("scan_type must be one of full, directed"))
	}
	if req.ScanType == domain.ScanTypeDirected {
		if len(req.Ports) == 0 {
			return errs.New(errs.ValidationError, "", fmt.Errorf("ports are required for a directed scan"))
		}
		for _, p := range req.Ports {
			if p < 1 || p > 65535 {
				return errs.New(errs.ValidationError, "", fmt.Errorf("port %d out of range 1-65535", p))
			}
		}
	}
	return nil
}

// Submit validates req, selects a probe, persists the new scan row, and
// spawns its worker. Returns the assigned scan_id and probe_name.
func (m *Manager) Submit(ctx context.Context, req SubmissionRequest) (string, string, error) {
	if err := validate(req); err != nil {
		return "", "", err
	}

	activeCounts, err := m.store.ActiveScanCounts(ctx)
	if err != nil {
		return "", "", fmt.Errorf("load active scan counts: %w", err)
	}

	candidateNames := m.pool.Names()
	if req.ProbeName == "" {
		// Breaker-open probes only drop out of automatic selection;
		// an explicit probe_name still bypasses straight through.
		candidateNames = m.availableProbeNames()
	}
	probeName, err := probeselector.Select(candidateNames, activeCounts, m.history, m.cfg.MaxConsecutiveSameProbe, req.ProbeName)
	if err != nil {
		return "", "", err
	}

	scanID := uuid.NewString()
	now := time.Now()
	scan := &domain.Scan{
		ScanID:    scanID,
		ProbeName: probeName,
		Target:    req.Target,
		ScanType:  req.ScanType,
		Ports:     req.Ports,
		GVMStatus: domain.StatusNew,
		CreatedAt: now,
	}
	if req.ExternalTargetID != "" {
		scan.ExternalTargetID = &req.ExternalTargetID
	}

	if err := m.store.InsertScan(ctx, scan); err != nil {
		return "", "", fmt.Errorf("insert scan: %w", err)
	}
	m.history.Record(probeName)
	if m.metrics != nil {
		m.metrics.ScanSubmitted(probeName)
		m.refreshActiveScanGauge(ctx)
	}

	m.spawnWorker(scan)
	return scanID, probeName, nil
}

// refreshActiveScanGauge re-reads the Store's live active-scan counts
// and republishes them, so probe_active_scans/probe_utilization_ratio
// reflect this submission immediately rather than waiting on the next
// one to trigger a refresh.
func (m *Manager) refreshActiveScanGauge(ctx context.Context) {
	counts, err := m.store.ActiveScanCounts(ctx)
	if err != nil {
		m.logger.Warn("refresh active scan gauge failed", "error", err)
		return
	}
	m.metrics.SetProbeActiveScans(counts)
}

// Recover re-adopts every scan row with completed_at IS NULL, spawning a
// worker that resumes from its stored engine ids.
func (m *Manager) Recover(ctx context.Context) error {
	incomplete, err := m.store.IncompleteScans(ctx)
	if err != nil {
		return fmt.Errorf("load incomplete scans: %w", err)
	}
	for _, scan := range incomplete {
		m.logger.Info("re-adopting incomplete scan", "scan_id", scan.ScanID, "gvm_status", scan.GVMStatus)
		m.spawnWorker(scan)
	}
	return nil
}

func (m *Manager) spawnWorker(scan *domain.Scan) {
	workerCtx, cancel := context.WithCancel(m.shutdownCtx)
	if !m.registry.adopt(scan.ScanID, scan.ProbeName, cancel) {
		cancel()
		return
	}
	go func() {
		defer m.registry.release(scan.ScanID)
		defer cancel()
		w := &worker{mgr: m, scan: scan, client: m.pool.Get(scan.ProbeName)}
		w.run(workerCtx)
	}()
}

// availableProbeNames returns every configured probe whose circuit
// breaker is not open, preserving configuration order. If every probe
// is open (single-probe deployments, or a correlated outage), every
// name is returned so the Probe Selector still has candidates.
func (m *Manager) availableProbeNames() []string {
	all := m.pool.Names()
	available := make([]string, 0, len(all))
	for _, name := range all {
		client := m.pool.Get(name)
		if client == nil || client.BreakerState() != circuitbreaker.StateOpen {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return all
	}
	return available
}

func parseReport(xmlText string) *domain.Summary {
	return report.Parse(xmlText)
}
