package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/orbitaldftu/internal/model"
)

// BeginRun inserts a run row in its starting state.
// Uses ON CONFLICT(run_id) DO NOTHING so a repeated call is a no-op.
func (s *Store) BeginRun(ctx context.Context, run model.RunRecord) error {
	cfgJSON, err := marshalConfig(run.Config)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, state, start_index, final_index, config)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		run.RunID,
		formatTime(run.StartedAt),
		string(run.State),
		run.StartIndex,
		run.FinalIndex,
		cfgJSON,
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}

	return nil
}

// RecordAttempt inserts one solver attempt.
// Uses ON CONFLICT DO NOTHING: (run_id, idx, attempt) identifies an attempt,
// and recording it a second time is silently ignored.
//
// Note: The run referenced by runID must exist (foreign key constraint).
func (s *Store) RecordAttempt(ctx context.Context, runID string, rec model.IterationRecord) error {
	matrix, err := marshalMatrix(rec.Matrix)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	occ, err := marshalOccupations(rec.Occupations)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	var residual any
	if rec.Succeeded() {
		residual = rec.Residual
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attempts
		(run_id, idx, attempt, started_at, duration_ms, outcome, exit_code,
		 residual, used_fallback, fallback_reason, matrix, occupations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		runID,
		rec.Index,
		rec.Attempt,
		formatTime(rec.StartTime),
		rec.Duration.Milliseconds(),
		string(rec.Outcome),
		rec.ExitCode,
		residual,
		rec.UsedFallback,
		rec.FallbackReason,
		matrix,
		occ,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	return nil
}

// FinishRun stores the terminal state of a run. finalIndex is -1 when no
// iteration completed.
func (s *Store) FinishRun(ctx context.Context, runID string, state model.State, finalIndex int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = ?, final_index = ?, finished_at = ?
		WHERE run_id = ?
	`,
		string(state),
		finalIndex,
		formatTime(at),
		runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run: %w: %s", ErrRunNotFound, runID)
	}

	return nil
}
