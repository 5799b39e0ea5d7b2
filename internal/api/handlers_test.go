package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scanbroker/core/internal/circuitbreaker"
	"github.com/scanbroker/core/internal/config"
	"github.com/scanbroker/core/internal/engine"
	"github.com/scanbroker/core/internal/scanmanager"
	"github.com/scanbroker/core/internal/store"
)

type testClient struct{ name string }

func (c *testClient) Name() string { return c.name }
func (c *testClient) CreateTarget(ctx context.Context, name, host string, ports []int) (string, error) {
	return "target-" + name, nil
}
func (c *testClient) CreateTask(ctx context.Context, name, targetID, scanType string) (string, error) {
	return "task-" + name, nil
}
func (c *testClient) StartTask(ctx context.Context, taskID string) (string, error) {
	return "report-" + taskID, nil
}
func (c *testClient) GetTask(ctx context.Context, taskID string) (engine.Status, error) {
	return engine.Status{GVMStatus: "Done", GVMProgress: 100}, nil
}
func (c *testClient) GetReport(ctx context.Context, reportID string) (string, error) { return "<report/>", nil }
func (c *testClient) DeleteTask(ctx context.Context, taskID string) error             { return nil }
func (c *testClient) DeleteTarget(ctx context.Context, targetID string) error          { return nil }
func (c *testClient) Ping(ctx context.Context) error                                   { return nil }
func (c *testClient) BreakerState() circuitbreaker.State                              { return circuitbreaker.StateClosed }

type testPool struct{ client engine.Client }

func (p *testPool) Get(name string) engine.Client {
	if name != p.client.Name() {
		return nil
	}
	return p.client
}
func (p *testPool) Names() []string               { return []string{p.client.Name()} }
func (p *testPool) All() map[string]engine.Client { return map[string]engine.Client{p.client.Name(): p.client} }

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "scanbroker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pool := &testPool{client: &testClient{name: "gvm-1"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := scanmanager.New(st, pool, config.ScanConfig{PollInterval: 5 * time.Millisecond, MaxDuration: time.Minute, MaxConsecutiveSameProbe: 3}, config.SourceConfig{}, logger, nil)

	return NewHandler(ServerConfig{
		Store:   st,
		Manager: mgr,
		Pool:    pool,
		Probes:  []config.ProbeConfig{{Name: "gvm-1", Host: "10.0.0.9", Port: 9390}},
	})
}

func TestCreateScan_ThenGet(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	body := `{"target":"10.0.0.1","scan_type":"full"}`
	req := httptest.NewRequest(http.MethodPost, "/scans", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created createScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ScanID)
	require.Equal(t, "gvm-1", created.ProbeName)

	getReq := httptest.NewRequest(http.MethodGet, "/scans/"+created.ScanID, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestCreateScan_InvalidScanType(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/scans", strings.NewReader(`{"target":"10.0.0.1","scan_type":"bogus"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGetScan_NotFound(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/scans/does-not-exist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth_ReportsConfiguredProbes(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
	require.Equal(t, "connected", resp.Probes["gvm-1"])
}

func TestListProbes(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/probes", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

