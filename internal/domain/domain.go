// Package domain holds the scan broker's core data model: the Scan and
// Target rows persisted by the Store, and the enums and derived values
// shared across every other package.
package domain

import "time"

// ScanType selects whether a scan targets every port or an explicit list.
type ScanType string

const (
	ScanTypeFull     ScanType = "full"
	ScanTypeDirected ScanType = "directed"
)

// GVMStatus mirrors the engine's own status vocabulary verbatim; the
// control plane never renames or reinterprets these strings.
type GVMStatus string

const (
	StatusNew            GVMStatus = "New"
	StatusRequested      GVMStatus = "Requested"
	StatusQueued         GVMStatus = "Queued"
	StatusRunning        GVMStatus = "Running"
	StatusDone           GVMStatus = "Done"
	StatusStopped        GVMStatus = "Stopped"
	StatusInterrupted    GVMStatus = "Interrupted"
	StatusStopRequested  GVMStatus = "Stop Requested"
)

// Terminal reports whether s is a terminal engine status: no further
// progress is possible once a scan reaches one of these.
func (s GVMStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusStopped, StatusInterrupted:
		return true
	default:
		return false
	}
}

// Criticality is a target's priority label, used to order scheduler
// dispatch.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityHigh     Criticality = "high"
	CriticalityMedium   Criticality = "medium"
	CriticalityLow      Criticality = "low"
)

// Weight derives the numeric scheduling priority for a criticality
// label. Unknown labels weight as low.
func (c Criticality) Weight() int {
	switch c {
	case CriticalityCritical:
		return 4
	case CriticalityHigh:
		return 3
	case CriticalityMedium:
		return 2
	case CriticalityLow:
		return 1
	default:
		return 1
	}
}

// Summary is the derived report digest, null until the engine report has
// been parsed.
type Summary struct {
	HostsScanned int `json:"hosts_scanned"`
	VulnsHigh    int `json:"vulns_high"`
	VulnsMedium  int `json:"vulns_medium"`
	VulnsLow     int `json:"vulns_low"`
	VulnsLog     int `json:"vulns_log"`
}

// Scan is one assessment run owned by the control plane.
type Scan struct {
	ScanID           string     `json:"scan_id"`
	ProbeName        string     `json:"probe_name"`
	Target           string     `json:"target"`
	ScanType         ScanType   `json:"scan_type"`
	Ports            []int      `json:"ports,omitempty"`
	EngineTargetID   string     `json:"engine_target_id,omitempty"`
	EngineTaskID     string     `json:"engine_task_id,omitempty"`
	EngineReportID   string     `json:"engine_report_id,omitempty"`
	GVMStatus        GVMStatus  `json:"gvm_status"`
	GVMProgress      int        `json:"gvm_progress"`
	ReportXML        *string    `json:"report_xml,omitempty"`
	Summary          *Summary   `json:"summary,omitempty"`
	Error            *string    `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ExternalTargetID *string    `json:"external_target_id,omitempty"`
}

// IsComplete reports whether this scan has reached a final state, per
// the invariant completed_at != nil <=> terminal status or error set.
func (s *Scan) IsComplete() bool {
	return s.CompletedAt != nil
}

// Target is a row in the local target table, reconciled from the
// upstream inventory source.
type Target struct {
	ExternalID         string            `json:"external_id"`
	Host               string            `json:"host"`
	Ports              []int             `json:"ports,omitempty"`
	ScanType           ScanType          `json:"scan_type"`
	Criticality        Criticality       `json:"criticality"`
	ScanFrequencyHours int               `json:"scan_frequency_hours"`
	Enabled            bool              `json:"enabled"`
	Tags               map[string]string `json:"tags,omitempty"`
	CriticalityWeight  int               `json:"criticality_weight"`
	LastScanAt         *time.Time        `json:"last_scan_at,omitempty"`
	NextScanAt         time.Time         `json:"next_scan_at"`
	LastScanID         *string           `json:"last_scan_id,omitempty"`
	SyncedAt           time.Time         `json:"synced_at"`
	CreatedAt          time.Time         `json:"created_at"`
}

// Probe describes one configured scan engine and its live state, as
// surfaced by the /probes endpoint.
type Probe struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	ActiveScans int    `json:"active_scans"`
}
