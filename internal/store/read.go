package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/orbitaldftu/internal/model"
)

// ErrRunNotFound is returned when a run id has no row in the ledger.
var ErrRunNotFound = errors.New("run not found")

// LatestRun returns the most recently started run.
// Returns ErrRunNotFound on an empty ledger.
func (s *Store) LatestRun(ctx context.Context) (*model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, state, start_index, final_index, config
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1
	`)
	return scanRun(row)
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, runID string) (*model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, state, start_index, final_index, config
		FROM runs
		WHERE run_id = ?
	`, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*model.RunRecord, error) {
	var (
		run        model.RunRecord
		startedAt  string
		finishedAt sql.NullString
		state      string
		cfgJSON    string
	)
	err := row.Scan(&run.RunID, &startedAt, &finishedAt, &state, &run.StartIndex, &run.FinalIndex, &cfgJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.State = model.State(state)
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		if run.FinishedAt, err = parseTime(finishedAt.String); err != nil {
			return nil, err
		}
	}
	if run.Config, err = unmarshalConfig(cfgJSON); err != nil {
		return nil, err
	}

	return &run, nil
}

// ListAttempts returns the attempts of a run in the order they were
// recorded. An empty runID lists attempts across all runs.
//
// Returns an empty slice (not nil) if no attempts exist.
func (s *Store) ListAttempts(ctx context.Context, runID string) ([]model.IterationRecord, error) {
	query := `
		SELECT idx, attempt, started_at, duration_ms, outcome, exit_code,
		       residual, used_fallback, fallback_reason, matrix, occupations
		FROM attempts`
	var args []any
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	records := []model.IterationRecord{}
	for rows.Next() {
		rec, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return records, nil
}

func scanAttempt(rows *sql.Rows) (model.IterationRecord, error) {
	var (
		rec        model.IterationRecord
		startedAt  string
		durationMS int64
		outcome    string
		residual   sql.NullFloat64
		matrix     sql.NullString
		occ        sql.NullString
	)
	err := rows.Scan(
		&rec.Index,
		&rec.Attempt,
		&startedAt,
		&durationMS,
		&outcome,
		&rec.ExitCode,
		&residual,
		&rec.UsedFallback,
		&rec.FallbackReason,
		&matrix,
		&occ,
	)
	if err != nil {
		return rec, fmt.Errorf("scan attempt: %w", err)
	}

	rec.Outcome = model.Outcome(outcome)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	if rec.StartTime, err = parseTime(startedAt); err != nil {
		return rec, err
	}
	if residual.Valid {
		rec.Residual = residual.Float64
	}
	if matrix.Valid {
		if rec.Matrix, err = unmarshalMatrix(matrix.String); err != nil {
			return rec, err
		}
	}
	if occ.Valid {
		if rec.Occupations, err = unmarshalOccupations(occ.String); err != nil {
			return rec, err
		}
	}

	return rec, nil
}
