// Package model holds the records shared by the controller, its ledger and
// the command line.
package model

import (
	"time"

	"github.com/roach88/orbitaldftu/internal/config"
	"github.com/roach88/orbitaldftu/internal/dmat"
)

// State is a controller state. Every state except Init and Running is
// terminal.
type State string

const (
	StateInit               State = "INIT"
	StateRunning            State = "RUNNING"
	StateConverged          State = "CONVERGED"
	StateTimeExhausted      State = "TIME_EXHAUSTED"
	StateIterationExhausted State = "ITERATION_EXHAUSTED"
	StateFatal              State = "FATAL"
)

// IsTerminal reports whether the controller stops in s.
func (s State) IsTerminal() bool {
	switch s {
	case StateConverged, StateTimeExhausted, StateIterationExhausted, StateFatal:
		return true
	}
	return false
}

// Outcome classifies one solver attempt.
type Outcome string

const (
	// OutcomeComplete is a finished output; the index advances or stops.
	OutcomeComplete Outcome = "complete"
	// OutcomeTruncated is an output the solver did not finish; the same
	// index is attempted again.
	OutcomeTruncated Outcome = "truncated"
	// OutcomeFailed is an attempt that ended the run with a fatal error.
	OutcomeFailed Outcome = "failed"
)

// IterationRecord describes one invocation attempt. It is created when the
// solver starts and never modified after its output has been inspected.
type IterationRecord struct {
	Index     int           `json:"index"`
	Attempt   int           `json:"attempt"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Outcome   Outcome       `json:"outcome"`
	ExitCode  int           `json:"exit_code"`

	// Residual and Matrix are set only when Succeeded.
	Residual float64    `json:"residual,omitempty"`
	Matrix   dmat.Block `json:"-"`
	// Occupations are the eigen occupations of Matrix, one slice per matrix.
	Occupations [][]float64 `json:"occupations,omitempty"`

	// UsedFallback marks an iteration whose Matrix was carried over from the
	// previous input because extraction from the output failed.
	UsedFallback   bool   `json:"used_fallback"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// Succeeded reports whether the attempt produced a complete output.
func (r IterationRecord) Succeeded() bool {
	return r.Outcome == OutcomeComplete
}

// RunRecord describes one controller process from start to terminal state.
type RunRecord struct {
	RunID      string                  `json:"run_id"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at,omitempty"`
	State      State                   `json:"state"`
	StartIndex int                     `json:"start_index"`
	FinalIndex int                     `json:"final_index"`
	Config     config.RunConfiguration `json:"config"`
}
