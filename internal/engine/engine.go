package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/orbitaldftu/internal/abinit"
	"github.com/roach88/orbitaldftu/internal/archive"
	"github.com/roach88/orbitaldftu/internal/config"
	"github.com/roach88/orbitaldftu/internal/dmat"
	"github.com/roach88/orbitaldftu/internal/model"
	"github.com/roach88/orbitaldftu/internal/runner"
)

// RestartFlag is the value of irdwfk when a restart wavefunction is read.
const RestartFlag = 1

// Solver runs one blocking solver invocation on coreCount cores.
// Implemented by runner.MPISolver (production) and harness.ScriptedSolver.
type Solver interface {
	Run(ctx context.Context, coreCount int) (*runner.Result, error)
}

// Recorder persists runs and attempts. Implemented by store.Store.
type Recorder interface {
	BeginRun(ctx context.Context, run model.RunRecord) error
	RecordAttempt(ctx context.Context, runID string, rec model.IterationRecord) error
	FinishRun(ctx context.Context, runID string, state model.State, finalIndex int, at time.Time) error
}

// Observer is notified of attempts and of the terminal state. Implemented by
// metrics.Collector.
type Observer interface {
	ObserveAttempt(rec model.IterationRecord)
	ObserveTerminal(state model.State, finalIndex int)
}

// Report summarizes a finished Run.
type Report struct {
	RunID      string                  `json:"run_id"`
	State      model.State             `json:"state"`
	StartIndex int                     `json:"start_index"`
	FinalIndex int                     `json:"final_index"`
	Iterations []model.IterationRecord `json:"iterations"`
	Attempts   []model.IterationRecord `json:"attempts"`
	Elapsed    time.Duration           `json:"elapsed"`
}

// Fallbacks returns the indexes whose matrices were carried over from the
// previous input.
func (r *Report) Fallbacks() []int {
	var idx []int
	for _, it := range r.Iterations {
		if it.UsedFallback {
			idx = append(idx, it.Index)
		}
	}
	return idx
}

// Controller runs the convergence loop over a working directory.
//
// A Controller is single-use: Run may be called once.
type Controller struct {
	cfg        config.RunConfiguration
	archive    *archive.Archive
	solver     Solver
	clock      Clock
	logger     *slog.Logger
	recorder   Recorder
	observer   Observer
	ids        RunIDGenerator
	maxRetries int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for durations and the time budget.
func WithClock(c Clock) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) {
		ctl.logger = l
	}
}

// WithRecorder sets the ledger that receives runs and attempts.
func WithRecorder(r Recorder) Option {
	return func(ctl *Controller) {
		ctl.recorder = r
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(ctl *Controller) {
		ctl.observer = o
	}
}

// WithMaxRetries caps the truncated attempts retried at one index.
// Zero, the default, leaves retries bounded only by the time budget.
func WithMaxRetries(n int) Option {
	return func(ctl *Controller) {
		ctl.maxRetries = n
	}
}

// WithRunID sets the run id generator. Default: UUIDv7Generator.
func WithRunID(g RunIDGenerator) Option {
	return func(ctl *Controller) {
		ctl.ids = g
	}
}

// New creates a Controller for the working directory of arc. The
// configuration is validated again here, so an invalid one never reaches the
// solver.
func New(cfg config.RunConfiguration, arc *archive.Archive, solver Solver, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if arc == nil || solver == nil {
		return nil, errors.New("engine: archive and solver are required")
	}

	ctl := &Controller{
		cfg:     cfg,
		archive: arc,
		solver:  solver,
		clock:   SystemClock{},
		logger:  slog.Default(),
		ids:     UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(ctl)
	}
	if ctl.maxRetries < 0 {
		return nil, fmt.Errorf("engine: max retries must be >= 0, got %d", ctl.maxRetries)
	}
	return ctl, nil
}

// run is the mutable controller state. It is owned by one Run call.
type run struct {
	id           string
	start        time.Time
	index        int
	attempt      int
	side         int
	lastIndex    int
	lastDuration time.Duration
	state        model.State
	logger       *slog.Logger
	report       *Report
}

// Run executes the loop until a terminal state. The returned error is nil for
// every terminal state except StateFatal, where it is a *ControllerError. On
// context cancellation the error wraps ctx.Err() and the report keeps the
// non-terminal state the run was in.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	r := &run{
		id:      c.ids.Generate(),
		start:   c.clock.Now(),
		attempt: 1,
		state:   model.StateInit,
	}
	r.logger = c.logger.With("run_id", r.id)
	r.report = &Report{
		RunID:      r.id,
		Iterations: []model.IterationRecord{},
		Attempts:   []model.IterationRecord{},
	}

	resume, err := c.archive.ResumeIndex()
	if err != nil {
		return c.fail(ctx, r, newError(ErrCodeArchiveFailed, -1, c.archive.Dir(), "scan archive", err))
	}
	r.index = resume
	r.lastIndex = resume - 1
	r.report.StartIndex = resume

	c.begin(ctx, r)

	if resume >= c.cfg.MaxIterations {
		r.logger.Info("archive already holds the iteration limit",
			"resume_index", resume, "max_iterations", c.cfg.MaxIterations)
		return c.finish(ctx, r, model.StateIterationExhausted)
	}

	in, err := c.loadInput(r)
	if err != nil {
		return c.fail(ctx, r, err)
	}

	r.state = model.StateRunning
	r.logger.Info("starting iterations",
		"resume_index", resume,
		"max_iterations", c.cfg.MaxIterations,
		"side", r.side)

	for {
		if err := ctx.Err(); err != nil {
			return c.interrupt(ctx, r, err)
		}

		rec, in2, err := c.attempt(ctx, r, in)
		if err != nil {
			return c.fail(ctx, r, err)
		}
		in = in2
		r.lastDuration = rec.Duration

		if !rec.Succeeded() {
			if state, stop := c.retryGuard(r); stop {
				return c.finish(ctx, r, state)
			}
			r.attempt++
			continue
		}

		r.lastIndex = r.index
		if rec.Residual < c.cfg.TargetResidual {
			r.logger.Info("converged", "index", r.index, "residual", rec.Residual,
				"target", c.cfg.TargetResidual)
			return c.finish(ctx, r, model.StateConverged)
		}

		elapsed := c.clock.Now().Sub(r.start)
		if ShouldStopForTime(elapsed, rec.Duration, c.cfg.WallTimeBudget()) {
			r.logger.Info("not enough time for another run",
				"elapsed", elapsed, "last_duration", rec.Duration,
				"budget", c.cfg.WallTimeBudget())
			return c.finish(ctx, r, model.StateTimeExhausted)
		}

		if r.index+1 >= c.cfg.MaxIterations {
			return c.finish(ctx, r, model.StateIterationExhausted)
		}

		remaining := c.cfg.WallTimeBudget() - elapsed
		r.logger.Info(fmt.Sprintf("Remaining time %d minutes, time for one more run",
			int(remaining.Minutes())), "index", r.index+1)

		r.index++
		r.attempt = 1
	}
}

// loadInput reads the live input and derives the matrix side from lpawu.
func (c *Controller) loadInput(r *run) (*abinit.Input, error) {
	path := c.archive.Path(archive.InputFile)
	in, err := abinit.Load(path)
	if err != nil {
		return nil, newError(ErrCodeMalformedInput, r.index, path, "load input", err)
	}

	lpawu, err := in.Ints(abinit.KeyLpawu)
	if err != nil {
		return nil, newError(ErrCodeMalformedInput, r.index, path, "read lpawu", err)
	}
	side, err := dmat.Side(lpawu)
	if err != nil {
		return nil, newError(ErrCodeMalformedInput, r.index, path, "derive matrix side", err)
	}
	r.side = side

	maxL := (side - 1) / 2
	r.logger.Info("orbital angular momentum", "max_lpawu", maxL, "side", side)

	flat, err := in.Floats(abinit.KeyDmatpawu)
	if err != nil {
		return nil, newError(ErrCodeMalformedInput, r.index, path, "read dmatpawu", err)
	}
	if i := dmat.NonFinite(flat); i >= 0 {
		return nil, newError(ErrCodeMalformedInput, r.index, path, "read dmatpawu",
			fmt.Errorf("non-finite value %v at position %d", flat[i], i))
	}
	if _, err := dmat.Reshape(flat, side); err != nil {
		return nil, newError(ErrCodeShapeMismatch, r.index, path, "input dmatpawu", err)
	}
	return in, nil
}

// overrides are recomputed for every attempt.
func (c *Controller) overrides() abinit.OverrideSet {
	set := abinit.OverrideSet{
		abinit.IntOverride(abinit.KeyUsedmatpu, c.cfg.FixedStepCount),
		abinit.IntOverride(abinit.KeyNstep, c.cfg.TotalStepLimit),
		abinit.FloatOverride(abinit.KeyTolvrs, c.cfg.ConvergenceThreshold),
	}
	if c.archive.RestartAvailable() {
		set = append(set, abinit.IntOverride(abinit.KeyIrdwfk, RestartFlag))
	}
	return set
}

// attempt runs the solver once at r.index. It returns the record of the
// attempt and the input to use for the next one. A non-nil error is fatal.
func (c *Controller) attempt(ctx context.Context, r *run, in *abinit.Input) (model.IterationRecord, *abinit.Input, error) {
	inputPath := c.archive.Path(archive.InputFile)
	outputPath := c.archive.Path(archive.OutputFile)
	logger := r.logger.With("index", r.index, "attempt", r.attempt)

	// A controller stopped after the solver finished leaves its output
	// behind; the solver would then write abinit.outA next to it.
	if err := c.archive.DiscardAttempt(); err != nil {
		return model.IterationRecord{}, nil, newError(ErrCodeArchiveFailed, r.index, outputPath, "clear previous output", err)
	}

	abinit.ApplyOverrides(in, c.overrides())
	if err := abinit.Write(in, inputPath); err != nil {
		return model.IterationRecord{}, nil, newError(ErrCodeArchiveFailed, r.index, inputPath, "write input", err)
	}

	rec := model.IterationRecord{
		Index:     r.index,
		Attempt:   r.attempt,
		StartTime: c.clock.Now(),
	}
	logger.Info("starting solver", "restart", c.archive.RestartAvailable())

	res, runErr := c.solver.Run(ctx, c.cfg.CoreCount)
	rec.Duration = c.clock.Now().Sub(rec.StartTime)

	if err := c.archive.ArchiveInput(r.index); err != nil {
		c.record(ctx, r, failed(rec))
		return rec, nil, newError(ErrCodeArchiveFailed, r.index, inputPath, "archive input", err)
	}
	if runErr != nil {
		c.record(ctx, r, failed(rec))
		return rec, nil, newError(ErrCodeSolverFailed, r.index, "", "run solver", runErr)
	}
	rec.ExitCode = res.ExitCode

	if !c.archive.Exists(archive.OutputFile) {
		c.record(ctx, r, failed(rec))
		return rec, nil, NewMissingOutputError(r.index, outputPath)
	}

	fallback, err := in.Floats(abinit.KeyDmatpawu)
	if err != nil {
		c.record(ctx, r, failed(rec))
		return rec, nil, newError(ErrCodeMalformedInput, r.index, inputPath, "read dmatpawu", err)
	}

	ins, err := abinit.Inspect(outputPath, fallback, r.side)
	if err != nil {
		c.record(ctx, r, failed(rec))
		return rec, nil, inspectError(r.index, outputPath, err)
	}

	if !ins.Complete {
		rec.Outcome = model.OutcomeTruncated
		logger.Info("output truncated, retrying same index", "duration", rec.Duration)
		if err := c.archive.DiscardAttempt(); err != nil {
			c.record(ctx, r, rec)
			return rec, nil, newError(ErrCodeArchiveFailed, r.index, outputPath, "discard truncated output", err)
		}
		c.record(ctx, r, rec)
		return rec, in, nil
	}

	rec.Outcome = model.OutcomeComplete
	rec.Residual = ins.Residual
	rec.Matrix = ins.Matrix
	rec.UsedFallback = ins.UsedFallback
	rec.FallbackReason = ins.FallbackReason
	if ins.UsedFallback {
		logger.Warn("matrix extraction failed, carrying previous dmatpawu forward",
			"used_fallback", true, "reason", ins.FallbackReason)
	}

	params, err := dmat.Decompose(ins.Matrix)
	if err != nil {
		c.record(ctx, r, failed(rec))
		return rec, nil, newError(ErrCodeExtractionFailed, r.index, outputPath, "decompose dmatpawu", err)
	}
	rec.Occupations = params.Occupations
	logger.Info("dmatpawu parameters",
		"matrices", params.NumMatrices,
		"occupations", params.Occupations,
		"traces", params.Traces)

	if err := c.commit(r, in, rec); err != nil {
		c.record(ctx, r, failed(rec))
		return rec, nil, err
	}

	logger.Info("iteration complete",
		"residual", rec.Residual,
		"duration", rec.Duration,
		"exit_code", rec.ExitCode)
	c.record(ctx, r, rec)
	return rec, in, nil
}

// commit seeds the input with the new matrices and archives the attempt.
// The output is archived last: its presence marks the index as done for
// the resume scan.
func (c *Controller) commit(r *run, in *abinit.Input, rec model.IterationRecord) error {
	inputPath := c.archive.Path(archive.InputFile)

	promoted, err := c.archive.PromoteRestartFile()
	if err != nil {
		return newError(ErrCodeArchiveFailed, r.index, c.archive.Path(archive.RestartOutFile), "promote restart file", err)
	}
	in.SetFloats(abinit.KeyDmatpawu, rec.Matrix.Flatten(), r.side)
	if promoted {
		in.SetInt(abinit.KeyIrdwfk, RestartFlag)
	}
	if err := abinit.Write(in, inputPath); err != nil {
		return newError(ErrCodeArchiveFailed, r.index, inputPath, "rewrite input", err)
	}

	if err := c.archive.ArchiveLog(r.index); err != nil {
		return newError(ErrCodeArchiveFailed, r.index, c.archive.Path(archive.LogFile), "archive log", err)
	}
	if err := c.archive.ArchiveOutput(r.index); err != nil {
		return newError(ErrCodeArchiveFailed, r.index, c.archive.Path(archive.OutputFile), "archive output", err)
	}
	return nil
}

// retryGuard decides whether a truncated index may be attempted again.
func (c *Controller) retryGuard(r *run) (model.State, bool) {
	elapsed := c.clock.Now().Sub(r.start)
	if ShouldStopForTime(elapsed, r.lastDuration, c.cfg.WallTimeBudget()) {
		r.logger.Info("not enough time to retry truncated run",
			"index", r.index, "elapsed", elapsed, "last_duration", r.lastDuration)
		return model.StateTimeExhausted, true
	}
	if c.maxRetries > 0 && r.attempt > c.maxRetries {
		r.logger.Warn("retry limit reached for truncated run",
			"index", r.index, "retries", r.attempt-1, "max_retries", c.maxRetries)
		return model.StateIterationExhausted, true
	}
	return "", false
}

func inspectError(index int, path string, err error) error {
	switch {
	case dmat.IsShapeMismatch(err):
		return newError(ErrCodeShapeMismatch, index, path, "reshape dmatpawu", err)
	case errors.Is(err, abinit.ErrNoResidual):
		return newError(ErrCodeResidualMissing, index, path, "read residual", err)
	default:
		return newError(ErrCodeExtractionFailed, index, path, "inspect output", err)
	}
}

func failed(rec model.IterationRecord) model.IterationRecord {
	rec.Outcome = model.OutcomeFailed
	rec.Residual = 0
	rec.Matrix = nil
	rec.Occupations = nil
	return rec
}

func (c *Controller) begin(ctx context.Context, r *run) {
	if c.recorder == nil {
		return
	}
	err := c.recorder.BeginRun(ctx, model.RunRecord{
		RunID:      r.id,
		StartedAt:  r.start,
		State:      model.StateRunning,
		StartIndex: r.index,
		FinalIndex: -1,
		Config:     c.cfg,
	})
	if err != nil {
		r.logger.Warn("ledger write failed", "error", err)
	}
}

// record appends rec to the report and forwards it to the ledger and the
// observer. Ledger failures are logged; the archive stays authoritative.
func (c *Controller) record(ctx context.Context, r *run, rec model.IterationRecord) {
	r.report.Attempts = append(r.report.Attempts, rec)
	if rec.Succeeded() {
		r.report.Iterations = append(r.report.Iterations, rec)
	}
	if c.observer != nil {
		c.observer.ObserveAttempt(rec)
	}
	if c.recorder != nil {
		if err := c.recorder.RecordAttempt(ctx, r.id, rec); err != nil {
			r.logger.Warn("ledger write failed", "index", rec.Index, "attempt", rec.Attempt, "error", err)
		}
	}
}

// finish moves to a non-fatal terminal state and writes the completion
// marker.
func (c *Controller) finish(ctx context.Context, r *run, state model.State) (*Report, error) {
	if err := c.archive.WriteCompletion(r.lastIndex); err != nil {
		return c.fail(ctx, r, newError(ErrCodeArchiveFailed, r.lastIndex,
			c.archive.Path(archive.CompletionFile), "write completion marker", err))
	}
	c.end(ctx, r, state)
	r.logger.Info("run finished", "state", state, "final_index", r.lastIndex,
		"elapsed", r.report.Elapsed, "fallbacks", len(r.report.Fallbacks()))
	return r.report, nil
}

// fail moves to StateFatal. No completion marker is written.
func (c *Controller) fail(ctx context.Context, r *run, err error) (*Report, error) {
	c.end(ctx, r, model.StateFatal)
	r.logger.Error("run failed", "state", model.StateFatal, "final_index", r.lastIndex, "error", err)
	return r.report, err
}

// interrupt stops the loop on context cancellation without a terminal state.
func (c *Controller) interrupt(ctx context.Context, r *run, err error) (*Report, error) {
	r.report.State = r.state
	r.report.FinalIndex = r.lastIndex
	r.report.Elapsed = c.clock.Now().Sub(r.start)
	if c.recorder != nil {
		// ctx is already done; the ledger update uses a fresh context.
		if ferr := c.recorder.FinishRun(context.WithoutCancel(ctx), r.id, r.state, r.lastIndex, c.clock.Now()); ferr != nil {
			r.logger.Warn("ledger write failed", "error", ferr)
		}
	}
	r.logger.Warn("run interrupted", "index", r.index, "final_index", r.lastIndex)
	return r.report, fmt.Errorf("run interrupted: %w", err)
}

func (c *Controller) end(ctx context.Context, r *run, state model.State) {
	r.state = state
	r.report.State = state
	r.report.FinalIndex = r.lastIndex
	r.report.Elapsed = c.clock.Now().Sub(r.start)
	if c.observer != nil {
		c.observer.ObserveTerminal(state, r.lastIndex)
	}
	if c.recorder != nil {
		if err := c.recorder.FinishRun(context.WithoutCancel(ctx), r.id, state, r.lastIndex, c.clock.Now()); err != nil {
			r.logger.Warn("ledger write failed", "error", err)
		}
	}
}
