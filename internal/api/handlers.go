package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/scanbroker/core/internal/domain"
	"github.com/scanbroker/core/internal/errs"
	"github.com/scanbroker/core/internal/scanmanager"
	"github.com/scanbroker/core/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps a Manager/Store error onto an HTTP status code.
// ValidationError maps to 422; unexpected Store errors map to 500;
// everything else the Scan Manager's own retry/finalize logic owns.
func statusForError(err error) int {
	if errs.Is(err, errs.ValidationError) || errs.Is(err, errs.ProbeNotFound) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

type createScanRequest struct {
	Target    string   `json:"target"`
	ScanType  string   `json:"scan_type"`
	Ports     []int    `json:"ports,omitempty"`
	ProbeName string   `json:"probe_name,omitempty"`
}

type createScanResponse struct {
	ScanID    string `json:"scan_id"`
	ProbeName string `json:"probe_name"`
	Message   string `json:"message"`
}

// CreateScan handles POST /scans.
func (h *Handler) CreateScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	scanID, probeName, err := h.cfg.Manager.Submit(r.Context(), scanmanager.SubmissionRequest{
		Target:    req.Target,
		ScanType:  domain.ScanType(req.ScanType),
		Ports:     req.Ports,
		ProbeName: req.ProbeName,
	})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createScanResponse{
		ScanID:    scanID,
		ProbeName: probeName,
		Message:   "scan submitted",
	})
}

// ListScans handles GET /scans.
func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := h.cfg.Store.ListScans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(scans), "scans": scans})
}

// GetScan handles GET /scans/{id}.
func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	scan, err := h.cfg.Store.GetScan(r.Context(), id)
	if err != nil {
		writeNotFoundOr500(w, err, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

type scanReportResponse struct {
	ScanID      string          `json:"scan_id"`
	ProbeName   string          `json:"probe_name"`
	GVMStatus   string          `json:"gvm_status"`
	Target      string          `json:"target"`
	CompletedAt *time.Time      `json:"completed_at"`
	ReportXML   *string         `json:"report_xml"`
	Summary     *domain.Summary `json:"summary"`
	Error       *string         `json:"error"`
}

// GetScanReport handles GET /scans/{id}/report.
func (h *Handler) GetScanReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	scan, err := h.cfg.Store.GetScan(r.Context(), id)
	if err != nil {
		writeNotFoundOr500(w, err, "scan not found")
		return
	}
	if scan.ReportXML == nil {
		writeError(w, http.StatusConflict, "report not available: scan has not reached Done")
		return
	}
	writeJSON(w, http.StatusOK, scanReportResponse{
		ScanID:      scan.ScanID,
		ProbeName:   scan.ProbeName,
		GVMStatus:   string(scan.GVMStatus),
		Target:      scan.Target,
		CompletedAt: scan.CompletedAt,
		ReportXML:   scan.ReportXML,
		Summary:     scan.Summary,
		Error:       scan.Error,
	})
}

// ListProbes handles GET /probes: configured probes plus their current
// active-scan counts, read live from the Store.
func (h *Handler) ListProbes(w http.ResponseWriter, r *http.Request) {
	counts, err := h.cfg.Store.ActiveScanCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	probes := make([]domain.Probe, 0, len(h.cfg.Probes))
	for _, pc := range h.cfg.Probes {
		probes = append(probes, domain.Probe{
			Name:        pc.Name,
			Host:        pc.Host,
			Port:        pc.Port,
			ActiveScans: counts[pc.Name],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"probes": probes})
}

// ProbeHistory handles GET /probes/{name}/history: the shared
// recent-assignment deque, filtered to entries for this probe. Additive
// endpoint, not in the fixed §6 table.
func (h *Handler) ProbeHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if h.cfg.Pool.Get(name) == nil {
		writeError(w, http.StatusNotFound, "unknown probe: "+name)
		return
	}

	var recent []string
	if mgrHistory := h.cfg.Manager.History(); mgrHistory != nil {
		recent = mgrHistory.Recent()
	}

	matches := make([]string, 0, len(recent))
	for _, p := range recent {
		if p == name {
			matches = append(matches, p)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"probe_name": name, "recent_dispatches": matches})
}

// ListTargets handles GET /targets.
func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.cfg.Store.ListTargets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(targets), "targets": targets})
}

// GetTarget handles GET /targets/{external_id}.
func (h *Handler) GetTarget(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("external_id")
	target, err := h.cfg.Store.GetTarget(r.Context(), externalID)
	if err != nil {
		writeNotFoundOr500(w, err, "target not found")
		return
	}
	writeJSON(w, http.StatusOK, target)
}

type healthResponse struct {
	Status string            `json:"status"`
	Probes map[string]string `json:"probes"`
}

type healthErrorResponse struct {
	Detail healthResponse `json:"detail"`
}

// Health handles GET /health: a live ping to every configured probe.
// Responds 200 "healthy" if every probe answers, otherwise 503 with a
// "degraded" status and the per-probe detail map.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	probes := map[string]string{}
	healthy := true
	for name, client := range h.cfg.Pool.All() {
		if err := client.Ping(ctx); err != nil {
			probes[name] = "unreachable: " + err.Error()
			healthy = false
			continue
		}
		probes[name] = "connected"
	}

	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, healthErrorResponse{
			Detail: healthResponse{Status: "degraded", Probes: probes},
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Probes: probes})
}

func writeNotFoundOr500(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFoundMsg)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
