package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/orbitaldftu/internal/abinit"
	"github.com/roach88/orbitaldftu/internal/archive"
	"github.com/roach88/orbitaldftu/internal/dmat"
	"github.com/roach88/orbitaldftu/internal/engine"
	"github.com/roach88/orbitaldftu/internal/metrics"
	"github.com/roach88/orbitaldftu/internal/model"
	"github.com/roach88/orbitaldftu/internal/store"
	"github.com/roach88/orbitaldftu/internal/testutil"
)

// Result is the outcome of running a scenario.
type Result struct {
	Report *engine.Report
	// RunErr is the error returned by the controller, nil unless FATAL or
	// interrupted.
	RunErr error
	// Archive lists the indexed artifacts and the completion marker left in
	// the working directory, sorted.
	Archive []string
	// Completion is the index stored in COMPLETE, if the marker exists.
	Completion *int
	// Invocations is the number of solver runs played.
	Invocations int
	Metrics     *metrics.Collector
	// Errors holds expectation mismatches; empty means the scenario passed.
	Errors []string
}

// Passed reports whether every expectation held.
func (r *Result) Passed() bool {
	return len(r.Errors) == 0
}

// Run prepares dir (which should be empty) from the scenario, runs the
// controller against a ScriptedSolver and checks the expectations.
//
// A non-nil error means the scenario could not be set up; controller
// failures are reported in Result.RunErr and checked against Expect.
func Run(ctx context.Context, s *Scenario, dir string, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg, err := s.RunConfiguration()
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	if err := Prepare(s, dir); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}

	st, err := store.Open(filepath.Join(dir, store.DefaultFileName))
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	defer st.Close()

	clock := testutil.NewFakeClock(testutil.Epoch)
	solver := NewScriptedSolver(dir, clock, s.Runs)
	collector := metrics.NewCollector()
	arc := archive.New(dir)

	ctl, err := engine.New(cfg, arc, solver,
		engine.WithClock(clock),
		engine.WithLogger(logger),
		engine.WithRecorder(st),
		engine.WithObserver(collector),
		engine.WithMaxRetries(s.MaxRetries),
		engine.WithRunID(engine.NewFixedGenerator("scenario-"+s.Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}

	report, runErr := ctl.Run(ctx)
	res := &Result{
		Report:      report,
		RunErr:      runErr,
		Invocations: solver.Invocations(),
		Metrics:     collector,
	}

	names, err := arc.List()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if name == archive.CompletionFile || strings.HasPrefix(name, "abinit_") {
			res.Archive = append(res.Archive, name)
		}
	}
	slices.Sort(res.Archive)

	if idx, ok, err := arc.ReadCompletion(); err != nil {
		return nil, err
	} else if ok {
		res.Completion = &idx
	}

	res.Errors = Check(s.Expect, res)
	return res, nil
}

// Prepare writes the initial abinit.in and abinit.files into dir, plus the
// artifacts of s.Archived already completed iterations.
func Prepare(s *Scenario, dir string) error {
	side, err := dmat.Side(s.Lpawu)
	if err != nil {
		return err
	}

	in := abinit.NewInput()
	in.Set("ecut", "15")
	in.Set("nsppol", "2")
	in.Set("usepawu", "1")
	lpawu := make([]string, len(s.Lpawu))
	for i, l := range s.Lpawu {
		lpawu[i] = strconv.Itoa(l)
	}
	in.Set(abinit.KeyLpawu, lpawu...)
	in.SetFloats(abinit.KeyDmatpawu, s.Dmatpawu, side)
	if err := abinit.Write(in, filepath.Join(dir, archive.InputFile)); err != nil {
		return err
	}

	files := "abinit.in\nabinit.out\nabinit-i\nabinit-o\nabinit\n"
	if err := os.WriteFile(filepath.Join(dir, archive.FilesFile), []byte(files), 0o644); err != nil {
		return err
	}

	for i := 0; i < s.Archived; i++ {
		for _, kind := range []string{archive.KindInput, archive.KindOutput, archive.KindLog} {
			name := filepath.Join(dir, archive.IndexedName(kind, i))
			if err := os.WriteFile(name, []byte("archived by a previous controller\n"), 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

// Check compares a result with the expectations and returns one message per
// mismatch.
func Check(exp Expectation, res *Result) []string {
	var errs []string
	report := res.Report

	if report.State != exp.State {
		errs = append(errs, fmt.Sprintf("state: expected %s, got %s", exp.State, report.State))
	}
	if exp.FinalIndex != nil && report.FinalIndex != *exp.FinalIndex {
		errs = append(errs, fmt.Sprintf("final_index: expected %d, got %d", *exp.FinalIndex, report.FinalIndex))
	}
	if exp.Attempts > 0 && len(report.Attempts) != exp.Attempts {
		errs = append(errs, fmt.Sprintf("attempts: expected %d, got %d", exp.Attempts, len(report.Attempts)))
	}
	if exp.Fallbacks != nil && !slices.Equal(report.Fallbacks(), exp.Fallbacks) {
		errs = append(errs, fmt.Sprintf("fallbacks: expected %v, got %v", exp.Fallbacks, report.Fallbacks()))
	}

	code := string(engine.ErrorCode(res.RunErr))
	if code != exp.Error {
		errs = append(errs, fmt.Sprintf("error: expected %q, got %q (%v)", exp.Error, code, res.RunErr))
	}

	switch {
	case report.State == model.StateFatal && res.Completion != nil:
		errs = append(errs, "completion marker written for a FATAL run")
	case report.State.IsTerminal() && report.State != model.StateFatal && res.Completion == nil:
		errs = append(errs, "completion marker missing")
	case res.Completion != nil && *res.Completion != report.FinalIndex:
		errs = append(errs, fmt.Sprintf("completion marker: expected %d, got %d", report.FinalIndex, *res.Completion))
	}

	return errs
}
