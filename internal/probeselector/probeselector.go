// Package probeselector implements the stateless probe selection
// algorithm: a pure function over configured probe names, live
// active-scan counts, and recent-dispatch history.
package probeselector

import (
	"fmt"
	"sort"

	"github.com/scanbroker/core/internal/errs"
)

// History is the bounded recent-assignment deque used for anti-
// starvation. Callers own its lifetime; Select only reads it.
type History struct {
	max     int
	entries []string
}

// NewHistory creates a History retaining the last max dispatches.
func NewHistory(max int) *History {
	if max < 1 {
		max = 1
	}
	return &History{max: max}
}

// Record appends a dispatched probe name, trimming to max.
func (h *History) Record(probeName string) {
	h.entries = append(h.entries, probeName)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

// Recent returns the dispatch history, oldest first.
func (h *History) Recent() []string {
	out := make([]string, len(h.entries))
	copy(out, h.entries)
	return out
}

// lastNSame reports whether the last n entries are all the same
// non-empty probe name, and returns it.
func lastNSame(entries []string, n int) (string, bool) {
	if len(entries) < n {
		return "", false
	}
	last := entries[len(entries)-1]
	if last == "" {
		return "", false
	}
	for i := len(entries) - n; i < len(entries); i++ {
		if entries[i] != last {
			return "", false
		}
	}
	return last, true
}

// Select runs the §4.4 algorithm: given the configured probe names,
// per-probe active-scan counts, and recent-assignment history, returns
// one probe name or a *errs.EngineError(ProbeNotFound) if explicitProbe
// is set but unconfigured.
func Select(probes []string, activeCounts map[string]int, history *History, maxConsecutiveSame int, explicitProbe string) (string, error) {
	if explicitProbe != "" {
		for _, p := range probes {
			if p == explicitProbe {
				return explicitProbe, nil
			}
		}
		return "", errs.New(errs.ProbeNotFound, explicitProbe, fmt.Errorf("probe %q is not configured", explicitProbe))
	}

	if len(probes) == 0 {
		return "", errs.New(errs.ProbeNotFound, "", fmt.Errorf("no probes configured"))
	}

	// 1. candidates = probes with the minimum active-scan count.
	minCount := -1
	for _, p := range probes {
		c := activeCounts[p]
		if minCount == -1 || c < minCount {
			minCount = c
		}
	}
	candidates := make([]string, 0, len(probes))
	for _, p := range probes {
		if activeCounts[p] == minCount {
			candidates = append(candidates, p)
		}
	}

	// 2. anti-starvation: drop the probe that has been dispatched the
	// last maxConsecutiveSame times in a row, unless that would empty
	// the candidate set.
	if history != nil {
		if repeated, ok := lastNSame(history.Recent(), maxConsecutiveSame); ok {
			filtered := candidates[:0:0]
			for _, p := range candidates {
				if p != repeated {
					filtered = append(filtered, p)
				}
			}
			if len(filtered) > 0 {
				candidates = filtered
			}
		}
	}

	// 3. stable name-order tiebreak.
	sort.Strings(candidates)
	return candidates[0], nil
}
