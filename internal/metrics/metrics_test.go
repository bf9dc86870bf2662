package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/orbitaldftu/internal/model"
)

func TestCollector_ObserveAttempt(t *testing.T) {
	c := NewCollector()

	c.ObserveAttempt(model.IterationRecord{
		Index:    0,
		Outcome:  model.OutcomeTruncated,
		Duration: 2 * time.Minute,
	})
	c.ObserveAttempt(model.IterationRecord{
		Index:        0,
		Attempt:      2,
		Outcome:      model.OutcomeComplete,
		Duration:     30 * time.Minute,
		Residual:     3.2e-11,
		UsedFallback: true,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("truncated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("complete")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.attempts.WithLabelValues("failed")))
	assert.Equal(t, 3.2e-11, testutil.ToFloat64(c.residual))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fallbacks))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.finalIndex))
}

func TestCollector_FinalIndexStartsNegative(t *testing.T) {
	c := NewCollector()
	assert.Equal(t, -1.0, testutil.ToFloat64(c.finalIndex))
}

func TestCollector_ObserveTerminal(t *testing.T) {
	c := NewCollector()

	c.ObserveTerminal(model.StateTimeExhausted, 4)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.terminalState.WithLabelValues("TIME_EXHAUSTED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.terminalState.WithLabelValues("CONVERGED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.terminalState.WithLabelValues("FATAL")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.finalIndex))
}

func TestCollector_FailedAttemptKeepsResidual(t *testing.T) {
	c := NewCollector()

	c.ObserveAttempt(model.IterationRecord{Outcome: model.OutcomeComplete, Residual: 1e-8})
	c.ObserveAttempt(model.IterationRecord{Index: 1, Outcome: model.OutcomeFailed})

	assert.Equal(t, 1e-8, testutil.ToFloat64(c.residual))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.finalIndex))
}

func TestCollector_WriteTextfile(t *testing.T) {
	c := NewCollector()
	c.ObserveAttempt(model.IterationRecord{Outcome: model.OutcomeComplete, Residual: 1e-13, Duration: time.Minute})
	c.ObserveTerminal(model.StateConverged, 0)

	path := filepath.Join(t.TempDir(), "orbitaldftu.prom")
	require.NoError(t, c.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.Contains(text, `orbitaldftu_attempts_total{outcome="complete"} 1`), text)
	assert.True(t, strings.Contains(text, `orbitaldftu_terminal_state{state="CONVERGED"} 1`), text)
	assert.True(t, strings.Contains(text, "orbitaldftu_solver_duration_seconds_count 1"), text)
}

func TestCollector_WriteTextfileEmptyPath(t *testing.T) {
	assert.NoError(t, NewCollector().WriteTextfile(""))
}
