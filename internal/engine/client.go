// Package engine implements the per-probe Engine Client: a handle on one
// Greenbone/OpenVAS instance reachable over GMP/TLS. The wire protocol is
// hand-rolled XML-over-TLS since it is explicitly treated as opaque by
// the spec and no pack library ships a GMP client; everything around it
// (retry, circuit breaking, timeouts) follows the teacher's
// internal/backend Client shape.
package engine

import (
	"context"
	"time"

	"github.com/scanbroker/core/internal/circuitbreaker"
	"github.com/scanbroker/core/internal/config"
	"github.com/scanbroker/core/internal/metrics"
)

// Status is the engine-reported (status, progress) pair returned by
// get_task. These pass through the control plane unchanged.
type Status struct {
	GVMStatus   string
	GVMProgress int
}

// Client is the narrow per-probe operation set the Scan Manager drives.
// Implementations must retry transient failures internally per §4.2 and
// return a *errs.EngineError classifying any failure that survives
// retries.
type Client interface {
	// CreateTarget creates (or, if adapter-named, reuses) an engine
	// target resource for host/ports and returns its engine id.
	CreateTarget(ctx context.Context, name, host string, ports []int) (string, error)
	// CreateTask creates (or reuses) a task bound to targetID using the
	// configured scan configuration and scanner.
	CreateTask(ctx context.Context, name, targetID string, scanType string) (string, error)
	// StartTask starts taskID and returns the engine's report id.
	StartTask(ctx context.Context, taskID string) (string, error)
	// GetTask returns the authoritative, never-cached (status, progress).
	GetTask(ctx context.Context, taskID string) (Status, error)
	// GetReport fetches the opaque report XML. Called at most once per
	// scan, when the task first reaches Done.
	GetReport(ctx context.Context, reportID string) (string, error)
	// DeleteTask and DeleteTarget are best-effort cleanup.
	DeleteTask(ctx context.Context, taskID string) error
	DeleteTarget(ctx context.Context, targetID string) error
	// Ping is a cheap reachability check for the /health endpoint.
	Ping(ctx context.Context) error
	// Name returns the probe name this client was built for.
	Name() string
	// BreakerState reports this client's circuit breaker state, used to
	// prune unreachable probes before probe selection.
	BreakerState() circuitbreaker.State
}

// EnginePool is the narrow surface the Scan Manager needs from a Pool,
// factored out so tests can substitute an in-memory fake.
type EnginePool interface {
	Get(name string) Client
	Names() []string
	All() map[string]Client
}

// Pool holds one Client per configured probe, plus a shared circuit
// breaker registry so the Probe Selector can exclude unreachable probes.
type Pool struct {
	clients  map[string]Client
	names    []string
	breakers *circuitbreaker.Registry
}

// NewPool builds a Client for every configured probe, all sharing one
// circuit breaker registry. reg may be nil, in which case breaker state
// transitions are not published as metrics.
func NewPool(probes []config.ProbeConfig, scanCfg config.ScanConfig, timeout time.Duration, reg *metrics.Registry) *Pool {
	p := &Pool{clients: make(map[string]Client, len(probes)), breakers: circuitbreaker.NewRegistry()}
	for _, pc := range probes {
		p.clients[pc.Name] = newGMPClient(pc, scanCfg, timeout, p.breakers, reg)
		p.names = append(p.names, pc.Name)
	}
	return p
}

// Get returns the Client for a probe name, or nil if unconfigured.
func (p *Pool) Get(name string) Client {
	return p.clients[name]
}

// Names returns every configured probe name, in configuration order.
func (p *Pool) Names() []string {
	return p.names
}

// All returns every Client, keyed by probe name.
func (p *Pool) All() map[string]Client {
	return p.clients
}
