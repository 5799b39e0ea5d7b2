package scanmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/scanbroker/core/internal/domain"
	"github.com/scanbroker/core/internal/engine"
	"github.com/scanbroker/core/internal/errs"
)

const maxTransientRetries = 5

// worker drives exactly one scan from whatever stage it is resuming at
// through to a terminal state. Single-threaded per scan; the Store is
// the only shared resource it touches.
type worker struct {
	mgr    *Manager
	scan   *domain.Scan
	client engine.Client

	transientFailures int
}

func (w *worker) run(ctx context.Context) {
	log := w.mgr.logger.With("scan_id", w.scan.ScanID, "probe_name", w.scan.ProbeName)

	if w.client == nil {
		log.Error("probe no longer configured")
		w.finalizeWithError(ctx, domain.StatusInterrupted, "probe no longer configured")
		return
	}

	resourceName := "scan-" + w.scan.ScanID

	if w.scan.EngineTargetID == "" {
		targetID, err := w.client.CreateTarget(ctx, resourceName, w.scan.Target, w.scan.Ports)
		if err != nil {
			w.finishOnHardFailure(ctx, log, "create_target", err)
			return
		}
		w.scan.EngineTargetID = targetID
		if err := w.mgr.store.UpdateScanStage(ctx, w.scan); err != nil {
			log.Error("persist create_target", "error", err)
		}
	}

	if w.scan.EngineTaskID == "" {
		taskID, err := w.client.CreateTask(ctx, resourceName, w.scan.EngineTargetID, string(w.scan.ScanType))
		if err != nil {
			w.finishOnHardFailure(ctx, log, "create_task", err)
			return
		}
		w.scan.EngineTaskID = taskID
		if err := w.mgr.store.UpdateScanStage(ctx, w.scan); err != nil {
			log.Error("persist create_task", "error", err)
		}
	}

	if w.scan.StartedAt == nil {
		reportID, err := w.client.StartTask(ctx, w.scan.EngineTaskID)
		if err != nil {
			w.finishOnHardFailure(ctx, log, "start_task", err)
			return
		}
		now := time.Now()
		w.scan.EngineReportID = reportID
		w.scan.StartedAt = &now
		w.scan.GVMStatus = domain.StatusRequested
		if err := w.mgr.store.UpdateScanStage(ctx, w.scan); err != nil {
			log.Error("persist start_task", "error", err)
		}
	}

	w.pollLoop(ctx, log)
}

func (w *worker) pollLoop(ctx context.Context, log interface {
	Error(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}) {
	ticker := time.NewTicker(w.mgr.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if w.scan.StartedAt != nil && time.Since(*w.scan.StartedAt) > w.mgr.cfg.MaxDuration {
			log.Warn("scan exceeded max_duration")
			_ = w.client.DeleteTask(ctx, w.scan.EngineTaskID)
			w.finalizeWithError(ctx, domain.StatusInterrupted, "timeout")
			return
		}

		pollStart := time.Now()
		status, err := w.client.GetTask(ctx, w.scan.EngineTaskID)
		if w.mgr.metrics != nil {
			w.mgr.metrics.ObservePoll(w.scan.ProbeName, time.Since(pollStart))
		}
		if err != nil {
			if w.handleTransientOrFinish(ctx, log, "get_task", err) {
				return
			}
			continue
		}
		w.transientFailures = 0

		w.scan.GVMStatus = domain.GVMStatus(status.GVMStatus)
		w.scan.GVMProgress = status.GVMProgress
		if err := w.mgr.store.UpdateScanPoll(ctx, w.scan.ScanID, w.scan.GVMStatus, w.scan.GVMProgress); err != nil {
			log.Error("persist poll", "error", err)
		}

		switch {
		case w.scan.GVMStatus == domain.StatusDone:
			w.onDone(ctx, log)
			return
		case w.scan.GVMStatus.Terminal():
			w.onTerminalNonSuccess(ctx, log)
			return
		}
	}
}

// handleTransientOrFinish counts a transient engine error against the
// worker's local retry budget. Returns true if the scan was finalized
// (caller should stop polling).
func (w *worker) handleTransientOrFinish(ctx context.Context, log interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}, op string, err error) bool {
	if errs.Is(err, errs.AuthFailed) || errs.Is(err, errs.EngineProtocolError) {
		log.Error("engine hard error", "op", op, "error", err)
		w.finalizeWithError(ctx, domain.StatusInterrupted, err.Error())
		return true
	}

	w.transientFailures++
	log.Warn("transient engine error", "op", op, "error", err, "attempt", w.transientFailures)
	if w.transientFailures > maxTransientRetries {
		w.finalizeWithError(ctx, domain.StatusInterrupted, fmt.Sprintf("%s: retry budget exceeded: %v", op, err))
		return true
	}
	return false
}

func (w *worker) finishOnHardFailure(ctx context.Context, log interface {
	Error(msg string, args ...any)
}, op string, err error) {
	log.Error("scan stage failed", "op", op, "error", err)
	w.finalizeWithError(ctx, domain.StatusInterrupted, fmt.Sprintf("%s: %v", op, err))
}

// finalizeWithError marks the scan failed with msg and records the
// terminal metric. Best-effort: a Store error here is logged and not
// retried, and no terminal metric is recorded for it.
func (w *worker) finalizeWithError(ctx context.Context, status domain.GVMStatus, msg string) {
	completedAt := time.Now()
	if err := w.mgr.store.FinalizeScan(ctx, w.scan.ScanID, status, &msg, completedAt); err != nil {
		w.mgr.logger.Error("finalize with error", "scan_id", w.scan.ScanID, "error", err)
		return
	}
	w.recordTerminalMetric(string(status), completedAt)
}

func (w *worker) onDone(ctx context.Context, log interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}) {
	xmlText, err := w.client.GetReport(ctx, w.scan.EngineReportID)
	if err != nil {
		log.Error("get_report failed", "error", err)
		w.finalizeWithError(ctx, domain.StatusDone, fmt.Sprintf("get_report: %v", err))
		return
	}

	summary := parseReport(xmlText)
	completedAt := time.Now()
	wrote, err := w.mgr.store.FinalizeScanReport(ctx, w.scan.ScanID, xmlText, summary, completedAt)
	if err != nil {
		log.Error("persist report", "error", err)
		return
	}
	if !wrote {
		// A racing restart-recovery worker already finalized this scan.
		return
	}
	w.recordTerminalMetric(string(domain.StatusDone), completedAt)

	if w.mgr.cfg.CleanupAfterReport {
		_ = w.client.DeleteTask(ctx, w.scan.EngineTaskID)
		_ = w.client.DeleteTarget(ctx, w.scan.EngineTargetID)
	}

	w.fireCallback(ctx, summary, completedAt)
}

func (w *worker) onTerminalNonSuccess(ctx context.Context, log interface {
	Error(msg string, args ...any)
}) {
	completedAt := time.Now()
	if err := w.mgr.store.FinalizeScan(ctx, w.scan.ScanID, w.scan.GVMStatus, nil, completedAt); err != nil {
		log.Error("finalize terminal non-success", "error", err)
		return
	}
	w.recordTerminalMetric(string(w.scan.GVMStatus), completedAt)
}

func (w *worker) recordTerminalMetric(status string, completedAt time.Time) {
	if w.mgr.metrics == nil {
		return
	}
	duration := time.Duration(0)
	if w.scan.StartedAt != nil {
		duration = completedAt.Sub(*w.scan.StartedAt)
	} else {
		duration = completedAt.Sub(w.scan.CreatedAt)
	}
	w.mgr.metrics.ScanTerminal(status, duration)
	w.mgr.refreshActiveScanGauge(context.Background())
}

// callbackPayload is the fixed JSON document POSTed when a scan
// originating from the scheduler reaches Done and its report is stored.
// Scans that end Stopped, Interrupted or with an error send no callback.
type callbackPayload struct {
	ExternalTargetID string          `json:"external_target_id"`
	ScanID           string          `json:"scan_id"`
	ProbeName        string          `json:"probe_name"`
	Host             string          `json:"host"`
	GVMStatus        string          `json:"gvm_status"`
	CompletedAt      string          `json:"completed_at"`
	Summary          *domain.Summary `json:"summary"`
	DurationSeconds  float64         `json:"duration_seconds"`
}

const callbackRetries = 3

func (w *worker) fireCallback(ctx context.Context, summary *domain.Summary, completedAt time.Time) {
	if w.mgr.source.CallbackURL == "" || w.scan.ExternalTargetID == nil {
		return
	}

	duration := 0.0
	if w.scan.StartedAt != nil {
		duration = completedAt.Sub(*w.scan.StartedAt).Seconds()
	}
	payload := callbackPayload{
		ExternalTargetID: *w.scan.ExternalTargetID,
		ScanID:           w.scan.ScanID,
		ProbeName:        w.scan.ProbeName,
		Host:             w.scan.Target,
		GVMStatus:        string(w.scan.GVMStatus),
		CompletedAt:      completedAt.UTC().Format(time.RFC3339),
		Summary:          summary,
		DurationSeconds:  duration,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		w.mgr.logger.Error("marshal callback payload", "scan_id", w.scan.ScanID, "error", err)
		return
	}

	for attempt := 1; attempt <= callbackRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.mgr.source.CallbackURL, bytes.NewReader(body))
		if err != nil {
			w.mgr.logger.Error("build callback request", "scan_id", w.scan.ScanID, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return
			}
			err = fmt.Errorf("callback status %d", resp.StatusCode)
		}

		w.mgr.logger.Warn("callback delivery failed", "scan_id", w.scan.ScanID, "attempt", attempt, "error", err)
		if attempt < callbackRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}
}
