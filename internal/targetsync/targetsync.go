// Package targetsync periodically reconciles the local target table
// against an upstream inventory source, following the ticker-driven
// pollLoop shape of the teacher's internal/triggers.FilesystemConnector,
// retargeted from filesystem events to an HTTP source.
package targetsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/scanbroker/core/internal/config"
	"github.com/scanbroker/core/internal/domain"
	"github.com/scanbroker/core/internal/logging"
	"github.com/scanbroker/core/internal/metrics"
	"github.com/scanbroker/core/internal/store"
)

// upstreamTarget is the wire shape of one element in the source's JSON
// array response. Fields are pointers where a missing value must be
// distinguished from a zero value for §4.6's mandatory-field check.
type upstreamTarget struct {
	ExternalID         *string           `json:"external_id"`
	Host               *string           `json:"host"`
	Ports              []int             `json:"ports"`
	ScanType           *string           `json:"scan_type"`
	Criticality        *string           `json:"criticality"`
	ScanFrequencyHours *int              `json:"scan_frequency_hours"`
	Enabled            *bool             `json:"enabled"`
	Tags               map[string]string `json:"tags"`
}

// upstreamResponse is the wire shape of the upstream source's response
// body: a wrapper object carrying the target array, per §4.6.
type upstreamResponse struct {
	Targets []upstreamTarget `json:"targets"`
}

func (u upstreamTarget) missingField() string {
	switch {
	case u.ExternalID == nil || *u.ExternalID == "":
		return "external_id"
	case u.Host == nil || *u.Host == "":
		return "host"
	case u.ScanType == nil || *u.ScanType == "":
		return "scan_type"
	case u.Criticality == nil || *u.Criticality == "":
		return "criticality"
	case u.ScanFrequencyHours == nil || *u.ScanFrequencyHours <= 0:
		return "scan_frequency_hours"
	case u.Enabled == nil:
		return "enabled"
	default:
		return ""
	}
}

// Syncer drives periodic reconciliation against one upstream source URL.
type Syncer struct {
	store  *store.Store
	cfg    config.SourceConfig
	client *http.Client
	logger interface {
		Error(msg string, args ...any)
		Warn(msg string, args ...any)
		Info(msg string, args ...any)
	}
	metrics *metrics.Registry

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New builds a Syncer. A zero-value cfg.URL means the caller should
// never call Start (the spec disables Target Sync and the Scheduler
// together when no source is configured).
func New(st *store.Store, cfg config.SourceConfig, reg *metrics.Registry) *Syncer {
	return &Syncer{
		store:   st,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logging.Op(),
		metrics: reg,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the reconciliation loop until ctx is canceled or Stop is
// called. Safe to call at most once.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	interval := s.cfg.SyncInterval
	if interval <= 0 {
		interval = time.Minute
	}

	s.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// Stop halts the reconciliation loop.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

// runOnce performs exactly one reconciliation iteration per §4.6. Any
// fetch-or-parse error is logged and the Store is left untouched.
func (s *Syncer) runOnce(ctx context.Context) {
	upstream, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn("target sync fetch failed", "error", err)
		s.recordOutcome("error", 0)
		return
	}

	present := make([]string, 0, len(upstream))
	now := time.Now()

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		s.logger.Error("target sync begin tx failed", "error", err)
		s.recordOutcome("error", 0)
		return
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	accepted := 0
	for _, u := range upstream {
		if field := u.missingField(); field != "" {
			s.logger.Warn("target sync skipping malformed entry", "missing_field", field)
			continue
		}

		target := &domain.Target{
			ExternalID:         *u.ExternalID,
			Host:               *u.Host,
			Ports:              u.Ports,
			ScanType:           domain.ScanType(*u.ScanType),
			Criticality:        domain.Criticality(*u.Criticality),
			ScanFrequencyHours: *u.ScanFrequencyHours,
			Enabled:            *u.Enabled,
			Tags:               u.Tags,
		}
		if err := s.store.UpsertTarget(ctx, tx, target, now); err != nil {
			s.logger.Error("target sync upsert failed", "external_id", target.ExternalID, "error", err)
			s.recordOutcome("error", 0)
			return
		}
		present = append(present, target.ExternalID)
		accepted++
	}

	if err := s.store.DeactivateAbsent(ctx, tx, present); err != nil {
		s.logger.Error("target sync deactivate failed", "error", err)
		s.recordOutcome("error", 0)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("target sync commit failed", "error", err)
		s.recordOutcome("error", 0)
		return
	}
	committed = true

	s.logger.Info("target sync complete", "targets_seen", accepted)
	s.recordOutcome("success", accepted)
}

func (s *Syncer) recordOutcome(outcome string, targetsSeen int) {
	if s.metrics != nil {
		s.metrics.RecordSyncRun(outcome, targetsSeen)
	}
}

func (s *Syncer) fetch(ctx context.Context) ([]upstreamTarget, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var out upstreamResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return out.Targets, nil
}
