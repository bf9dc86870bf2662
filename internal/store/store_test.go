package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/orbitaldftu/internal/config"
	"github.com/roach88/orbitaldftu/internal/dmat"
	"github.com/roach88/orbitaldftu/internal/model"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(id string, start time.Time) model.RunRecord {
	return model.RunRecord{
		RunID:      id,
		StartedAt:  start,
		State:      model.StateRunning,
		StartIndex: 0,
		FinalIndex: -1,
		Config: config.RunConfiguration{
			FixedStepCount:        25,
			TotalStepLimit:        50,
			ConvergenceThreshold:  1e-14,
			TargetResidual:        1e-12,
			MaxIterations:         10,
			CoreCount:             4,
			WallTimeBudgetSeconds: 3600,
		},
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestClose_Nil(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestRunLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.BeginRun(ctx, testRun("run-1", start)))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, got.State)
	assert.Equal(t, -1, got.FinalIndex)
	assert.True(t, got.FinishedAt.IsZero())
	assert.Equal(t, 1e-12, got.Config.TargetResidual)
	assert.True(t, start.Equal(got.StartedAt))

	end := start.Add(90 * time.Minute)
	require.NoError(t, s.FinishRun(ctx, "run-1", model.StateConverged, 3, end))

	got, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateConverged, got.State)
	assert.Equal(t, 3, got.FinalIndex)
	assert.True(t, end.Equal(got.FinishedAt))
}

func TestBeginRun_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.BeginRun(ctx, testRun("run-1", start)))
	second := testRun("run-1", start.Add(time.Hour))
	second.StartIndex = 7
	require.NoError(t, s.BeginRun(ctx, second))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.StartIndex, "second insert must be ignored")
}

func TestFinishRun_UnknownRun(t *testing.T) {
	s := createTestStore(t)

	err := s.FinishRun(context.Background(), "missing", model.StateFatal, -1, time.Now())
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestLatestRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.LatestRun(ctx)
	require.ErrorIs(t, err, ErrRunNotFound)

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.BeginRun(ctx, testRun("older", start)))
	require.NoError(t, s.BeginRun(ctx, testRun("newer", start.Add(time.Hour))))

	got, err := s.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.RunID)
}

func TestRecordAttempt_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.BeginRun(ctx, testRun("run-1", start)))

	block, err := dmat.Reshape([]float64{1, 0, 0, 1, 0.5, 0, 0, 0.5}, 2)
	require.NoError(t, err)

	truncated := model.IterationRecord{
		Index:     0,
		Attempt:   1,
		StartTime: start,
		Duration:  1500 * time.Millisecond,
		Outcome:   model.OutcomeTruncated,
		ExitCode:  137,
	}
	complete := model.IterationRecord{
		Index:          0,
		Attempt:        2,
		StartTime:      start.Add(2 * time.Second),
		Duration:       2 * time.Minute,
		Outcome:        model.OutcomeComplete,
		Residual:       3.2e-11,
		Matrix:         block,
		Occupations:    [][]float64{{1, 1}, {0.5, 0.5}},
		UsedFallback:   true,
		FallbackReason: "bad element",
	}

	require.NoError(t, s.RecordAttempt(ctx, "run-1", truncated))
	require.NoError(t, s.RecordAttempt(ctx, "run-1", complete))
	// duplicate is ignored
	require.NoError(t, s.RecordAttempt(ctx, "run-1", complete))

	got, err := s.ListAttempts(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, model.OutcomeTruncated, got[0].Outcome)
	assert.Equal(t, 137, got[0].ExitCode)
	assert.Equal(t, 1500*time.Millisecond, got[0].Duration)
	assert.Zero(t, got[0].Residual)
	assert.Nil(t, got[0].Matrix)

	assert.Equal(t, model.OutcomeComplete, got[1].Outcome)
	assert.Equal(t, 2, got[1].Attempt)
	assert.Equal(t, 3.2e-11, got[1].Residual)
	assert.True(t, dmat.Equal(block, got[1].Matrix))
	assert.Equal(t, [][]float64{{1, 1}, {0.5, 0.5}}, got[1].Occupations)
	assert.True(t, got[1].UsedFallback)
	assert.Equal(t, "bad element", got[1].FallbackReason)
	assert.True(t, complete.StartTime.Equal(got[1].StartTime))
}

func TestRecordAttempt_RequiresRun(t *testing.T) {
	s := createTestStore(t)

	err := s.RecordAttempt(context.Background(), "missing", model.IterationRecord{
		Outcome:   model.OutcomeTruncated,
		StartTime: time.Now(),
	})
	assert.Error(t, err, "foreign key must reject attempts for unknown runs")
}

func TestListAttempts_Empty(t *testing.T) {
	s := createTestStore(t)

	got, err := s.ListAttempts(context.Background(), "")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestListAttempts_AllRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.BeginRun(ctx, testRun("a", start)))
	require.NoError(t, s.BeginRun(ctx, testRun("b", start.Add(time.Hour))))

	rec := model.IterationRecord{Outcome: model.OutcomeTruncated, StartTime: start}
	require.NoError(t, s.RecordAttempt(ctx, "a", rec))
	require.NoError(t, s.RecordAttempt(ctx, "b", rec))

	all, err := s.ListAttempts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyB, err := s.ListAttempts(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, onlyB, 1)
}
