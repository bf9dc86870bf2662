package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/orbitaldftu/internal/engine"
)

// TraceSnapshot is the deterministic, golden-compared view of a run.
type TraceSnapshot struct {
	Scenario   string         `json:"scenario"`
	State      string         `json:"state"`
	FinalIndex int            `json:"final_index"`
	Completion *int           `json:"completion"`
	Error      string         `json:"error,omitempty"`
	Attempts   []TraceAttempt `json:"attempts"`
	Archive    []string       `json:"archive"`
}

// TraceAttempt is one solver attempt in a TraceSnapshot.
type TraceAttempt struct {
	Index           int     `json:"index"`
	Attempt         int     `json:"attempt"`
	Outcome         string  `json:"outcome"`
	Residual        float64 `json:"residual,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	UsedFallback    bool    `json:"used_fallback,omitempty"`
}

// Snapshot builds the trace of a scenario result.
func Snapshot(name string, res *Result) TraceSnapshot {
	snap := TraceSnapshot{
		Scenario:   name,
		State:      string(res.Report.State),
		FinalIndex: res.Report.FinalIndex,
		Completion: res.Completion,
		Error:      string(engine.ErrorCode(res.RunErr)),
		Attempts:   []TraceAttempt{},
		Archive:    []string{},
	}
	for _, a := range res.Report.Attempts {
		snap.Attempts = append(snap.Attempts, TraceAttempt{
			Index:           a.Index,
			Attempt:         a.Attempt,
			Outcome:         string(a.Outcome),
			Residual:        a.Residual,
			DurationSeconds: a.Duration.Seconds(),
			UsedFallback:    a.UsedFallback,
		})
	}
	snap.Archive = append(snap.Archive, res.Archive...)
	return snap
}

// MarshalTrace renders a snapshot as indented JSON.
func MarshalTrace(snap TraceSnapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

// AssertGolden compares the trace of res against
// testdata/golden/{name}.golden.
func AssertGolden(t *testing.T, name string, res *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(Snapshot(name, res))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, traceJSON)

	return nil
}
