package targetsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scanbroker/core/internal/config"
	"github.com/scanbroker/core/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "scanbroker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRunOnce_UpsertsTarget(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer shh", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"targets": []map[string]any{
				{
					"external_id":          "host-1",
					"host":                 "10.0.0.1",
					"scan_type":            "full",
					"criticality":          "high",
					"scan_frequency_hours": 24,
					"enabled":              true,
				},
			},
		})
	}))
	defer srv.Close()

	syncer := New(st, config.SourceConfig{URL: srv.URL, AuthToken: "shh", Timeout: 5 * time.Second}, nil)
	syncer.runOnce(ctx)

	target, err := st.GetTarget(ctx, "host-1")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", target.Host)
	require.True(t, target.Enabled)
	require.False(t, target.NextScanAt.IsZero())
}

func TestRunOnce_SkipsMalformedEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"targets": []map[string]any{
				{"external_id": "", "host": "10.0.0.2"},
				{
					"external_id":          "host-3",
					"host":                 "10.0.0.3",
					"scan_type":            "full",
					"criticality":          "low",
					"scan_frequency_hours": 12,
					"enabled":              true,
				},
			},
		})
	}))
	defer srv.Close()

	syncer := New(st, config.SourceConfig{URL: srv.URL, Timeout: 5 * time.Second}, nil)
	syncer.runOnce(ctx)

	_, err := st.GetTarget(ctx, "host-3")
	require.NoError(t, err)

	targets, err := st.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
}

func TestRunOnce_UpstreamErrorLeavesStoreUntouched(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	syncer := New(st, config.SourceConfig{URL: srv.URL, Timeout: 5 * time.Second}, nil)
	syncer.runOnce(ctx)

	targets, err := st.ListTargets(ctx)
	require.NoError(t, err)
	require.Empty(t, targets)
}

func TestRunOnce_DeactivatesAbsentTarget(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"targets": []map[string]any{
					{
						"external_id": "host-a", "host": "10.0.0.10", "scan_type": "full",
						"criticality": "medium", "scan_frequency_hours": 6, "enabled": true,
					},
				},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"targets": []map[string]any{}})
	}))
	defer srv.Close()

	syncer := New(st, config.SourceConfig{URL: srv.URL, Timeout: 5 * time.Second}, nil)
	syncer.runOnce(ctx)
	syncer.runOnce(ctx)

	target, err := st.GetTarget(ctx, "host-a")
	require.NoError(t, err)
	require.False(t, target.Enabled)
}
