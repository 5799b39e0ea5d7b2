// Package scheduler periodically emits scans for due targets. It
// replaces the teacher's cron-expression scheduler (internal/scheduler,
// built on robfig/cron) with a fixed-interval ticker loop, since §4.7
// fixes the dispatch cadence to one configured interval rather than
// per-target cron expressions; the start/stop/mutex shape is otherwise
// carried over unchanged.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/scanbroker/core/internal/config"
	"github.com/scanbroker/core/internal/logging"
	"github.com/scanbroker/core/internal/metrics"
	"github.com/scanbroker/core/internal/scanmanager"
	"github.com/scanbroker/core/internal/store"
)

// Scheduler emits a scan submission for every enabled target whose
// next_scan_at has passed, ordered by criticality.
type Scheduler struct {
	store   *store.Store
	manager *scanmanager.Manager
	cfg     config.SourceConfig
	metrics *metrics.Registry

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// New builds a Scheduler. Callers must not call Start when cfg.URL is
// empty -- the Scheduler is disabled together with Target Sync in that
// case, per §4.7.
func New(st *store.Store, mgr *scanmanager.Manager, cfg config.SourceConfig, reg *metrics.Registry) *Scheduler {
	return &Scheduler{
		store:   st,
		manager: mgr,
		cfg:     cfg,
		metrics: reg,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the dispatch loop until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	interval := s.cfg.SchedulerInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop halts the dispatch loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueTargets(ctx, now)
	if err != nil {
		logging.Op().Error("scheduler load due targets failed", "error", err)
		return
	}

	for _, target := range due {
		scanID, _, err := s.manager.Submit(ctx, scanmanager.SubmissionRequest{
			Target:           target.Host,
			ScanType:         target.ScanType,
			Ports:            target.Ports,
			ExternalTargetID: target.ExternalID,
		})
		if err != nil {
			logging.Op().Warn("scheduler dispatch failed", "external_id", target.ExternalID, "error", err)
			s.recordOutcome("error")
			continue
		}

		nextScanAt := now.Add(time.Duration(target.ScanFrequencyHours) * time.Hour)
		if err := s.store.RecordDispatch(ctx, target.ExternalID, scanID, now, nextScanAt); err != nil {
			logging.Op().Error("scheduler record dispatch failed", "external_id", target.ExternalID, "error", err)
			continue
		}
		s.recordOutcome("success")
	}
}

func (s *Scheduler) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSchedulerDispatch(outcome)
	}
}
