package scanmanager

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scanbroker/core/internal/circuitbreaker"
	"github.com/scanbroker/core/internal/config"
	"github.com/scanbroker/core/internal/domain"
	"github.com/scanbroker/core/internal/engine"
	"github.com/scanbroker/core/internal/store"
)

// fakeClient implements engine.Client in memory, scripted per test.
type fakeClient struct {
	mu       sync.Mutex
	name     string
	statuses []engine.Status // returned by successive GetTask calls
	pollIdx  int
	reportXML string
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) CreateTarget(ctx context.Context, name, host string, ports []int) (string, error) {
	return "target-" + name, nil
}

func (f *fakeClient) CreateTask(ctx context.Context, name, targetID string, scanType string) (string, error) {
	return "task-" + name, nil
}

func (f *fakeClient) StartTask(ctx context.Context, taskID string) (string, error) {
	return "report-" + taskID, nil
}

func (f *fakeClient) GetTask(ctx context.Context, taskID string) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollIdx >= len(f.statuses) {
		return f.statuses[len(f.statuses)-1], nil
	}
	s := f.statuses[f.pollIdx]
	f.pollIdx++
	return s, nil
}

func (f *fakeClient) GetReport(ctx context.Context, reportID string) (string, error) {
	return f.reportXML, nil
}

func (f *fakeClient) DeleteTask(ctx context.Context, taskID string) error   { return nil }
func (f *fakeClient) DeleteTarget(ctx context.Context, targetID string) error { return nil }
func (f *fakeClient) Ping(ctx context.Context) error                        { return nil }
func (f *fakeClient) BreakerState() circuitbreaker.State                    { return circuitbreaker.StateClosed }

type fakePool struct {
	clients map[string]engine.Client
	names   []string
}

func (p *fakePool) Get(name string) engine.Client   { return p.clients[name] }
func (p *fakePool) Names() []string                 { return p.names }
func (p *fakePool) All() map[string]engine.Client   { return p.clients }

func newTestManager(t *testing.T, client engine.Client) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "scanbroker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pool := &fakePool{clients: map[string]engine.Client{client.Name(): client}, names: []string{client.Name()}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scanCfg := config.ScanConfig{PollInterval: 10 * time.Millisecond, MaxDuration: time.Minute, MaxConsecutiveSameProbe: 3}
	mgr := New(st, pool, scanCfg, config.SourceConfig{}, logger, nil)
	return mgr, st
}

func TestSubmit_HappyPathReachesDone(t *testing.T) {
	client := &fakeClient{
		name: "gvm-1",
		statuses: []engine.Status{
			{GVMStatus: "Queued", GVMProgress: 0},
			{GVMStatus: "Running", GVMProgress: 42},
			{GVMStatus: "Running", GVMProgress: 78},
			{GVMStatus: "Done", GVMProgress: 100},
		},
		reportXML: `<report><hosts><host><ip>192.168.15.20</ip></host></hosts><results></results></report>`,
	}
	mgr, st := newTestManager(t, client)

	scanID, probeName, err := mgr.Submit(context.Background(), SubmissionRequest{Target: "192.168.15.20", ScanType: domain.ScanTypeFull})
	require.NoError(t, err)
	require.Equal(t, "gvm-1", probeName)

	require.Eventually(t, func() bool {
		scan, err := st.GetScan(context.Background(), scanID)
		return err == nil && scan.IsComplete()
	}, 2*time.Second, 10*time.Millisecond)

	scan, err := st.GetScan(context.Background(), scanID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, scan.GVMStatus)
	require.NotNil(t, scan.ReportXML)
	require.Equal(t, 1, scan.Summary.HostsScanned)
}

func TestSubmit_DirectedWithoutPorts_Rejected(t *testing.T) {
	client := &fakeClient{name: "gvm-1", statuses: []engine.Status{{GVMStatus: "Done"}}}
	mgr, _ := newTestManager(t, client)

	_, _, err := mgr.Submit(context.Background(), SubmissionRequest{Target: "10.0.0.5", ScanType: domain.ScanTypeDirected})
	require.Error(t, err)
}

func TestSubmit_ExplicitUnknownProbe(t *testing.T) {
	client := &fakeClient{name: "gvm-1", statuses: []engine.Status{{GVMStatus: "Done"}}}
	mgr, _ := newTestManager(t, client)

	_, _, err := mgr.Submit(context.Background(), SubmissionRequest{Target: "10.0.0.5", ScanType: domain.ScanTypeFull, ProbeName: "gvm-9"})
	require.Error(t, err)
}
