package probeselector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect_ExplicitProbe(t *testing.T) {
	name, err := Select([]string{"gvm-1", "gvm-2"}, nil, nil, 3, "gvm-2")
	require.NoError(t, err)
	assert.Equal(t, "gvm-2", name)
}

func TestSelect_ExplicitProbe_NotFound(t *testing.T) {
	_, err := Select([]string{"gvm-1"}, nil, nil, 3, "gvm-9")
	assert.Error(t, err)
}

func TestSelect_MinActiveCount(t *testing.T) {
	counts := map[string]int{"gvm-1": 3, "gvm-2": 1}
	name, err := Select([]string{"gvm-1", "gvm-2"}, counts, NewHistory(3), 3, "")
	require.NoError(t, err)
	assert.Equal(t, "gvm-2", name)
}

func TestSelect_StableNameOrderTiebreak(t *testing.T) {
	counts := map[string]int{"gvm-1": 0, "gvm-2": 0}
	name, err := Select([]string{"gvm-2", "gvm-1"}, counts, NewHistory(3), 3, "")
	require.NoError(t, err)
	assert.Equal(t, "gvm-1", name)
}

func TestSelect_AntiStarvation(t *testing.T) {
	counts := map[string]int{"gvm-1": 0, "gvm-2": 0}
	h := NewHistory(3)
	h.Record("gvm-1")
	h.Record("gvm-1")
	h.Record("gvm-1")

	name, err := Select([]string{"gvm-1", "gvm-2"}, counts, h, 3, "")
	require.NoError(t, err)
	assert.Equal(t, "gvm-2", name)
}

func TestSelect_AntiStarvation_SingleProbeRestoresCandidate(t *testing.T) {
	counts := map[string]int{"gvm-1": 0}
	h := NewHistory(3)
	h.Record("gvm-1")
	h.Record("gvm-1")
	h.Record("gvm-1")

	name, err := Select([]string{"gvm-1"}, counts, h, 3, "")
	require.NoError(t, err)
	assert.Equal(t, "gvm-1", name)
}

func TestSelect_AntiStarvation_SixDispatchesAlternate(t *testing.T) {
	probes := []string{"gvm-1", "gvm-2"}
	counts := map[string]int{"gvm-1": 0, "gvm-2": 0}
	h := NewHistory(3)

	var order []string
	for i := 0; i < 6; i++ {
		name, err := Select(probes, counts, h, 3, "")
		require.NoError(t, err)
		order = append(order, name)
		counts[name]++
		h.Record(name)
	}

	for i := 0; i+2 < len(order); i++ {
		assert.False(t, order[i] == order[i+1] && order[i+1] == order[i+2], "three consecutive same-probe dispatches at %d: %v", i, order)
	}
}

func TestSelect_NoProbesConfigured(t *testing.T) {
	_, err := Select(nil, nil, nil, 3, "")
	assert.Error(t, err)
}
