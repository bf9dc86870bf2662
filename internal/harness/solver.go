package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/roach88/orbitaldftu/internal/abinit"
	"github.com/roach88/orbitaldftu/internal/archive"
	"github.com/roach88/orbitaldftu/internal/dmat"
	"github.com/roach88/orbitaldftu/internal/runner"
	"github.com/roach88/orbitaldftu/internal/testutil"
)

// ErrScriptExhausted is returned when the controller invokes the solver more
// often than the scenario scripted.
var ErrScriptExhausted = errors.New("scripted solver: no runs left")

// ScriptedSolver implements engine.Solver by replaying RunSteps in dir.
//
// Thread-safety: calls are serialized by an internal mutex.
type ScriptedSolver struct {
	mu    sync.Mutex
	dir   string
	clock *testutil.FakeClock
	steps []RunStep
	next  int
	cores []int
}

// NewScriptedSolver creates a solver that plays steps in order.
func NewScriptedSolver(dir string, clock *testutil.FakeClock, steps []RunStep) *ScriptedSolver {
	return &ScriptedSolver{dir: dir, clock: clock, steps: steps}
}

// Invocations returns the number of runs played so far.
func (s *ScriptedSolver) Invocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// CoreCounts returns the core count passed to every run.
func (s *ScriptedSolver) CoreCounts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.cores...)
}

// Run writes the artifacts of the next scripted step and advances the clock
// by its duration.
func (s *ScriptedSolver) Run(ctx context.Context, coreCount int) (*runner.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.steps) {
		return nil, ErrScriptExhausted
	}
	step := s.steps[s.next]
	s.next++
	s.cores = append(s.cores, coreCount)

	logPath := filepath.Join(s.dir, archive.LogFile)
	log := fmt.Sprintf("scripted run %d: outcome=%s cores=%d\n", s.next, step.Outcome, coreCount)
	if err := os.WriteFile(logPath, []byte(log), 0o644); err != nil {
		return nil, err
	}

	if step.Outcome != OutcomeMissing {
		if err := s.writeOutput(step); err != nil {
			return nil, err
		}
	}
	if step.Restart {
		wfk := filepath.Join(s.dir, archive.RestartOutFile)
		if err := os.WriteFile(wfk, []byte("scripted wavefunction\n"), 0o644); err != nil {
			return nil, err
		}
	}

	d := time.Duration(step.Duration)
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return &runner.Result{
		ExitCode:   step.ExitCode,
		Duration:   d,
		StdoutPath: logPath,
	}, nil
}

func (s *ScriptedSolver) writeOutput(step RunStep) error {
	in, err := abinit.Load(filepath.Join(s.dir, archive.InputFile))
	if err != nil {
		return err
	}
	lpawu, err := in.Ints(abinit.KeyLpawu)
	if err != nil {
		return err
	}
	side, err := dmat.Side(lpawu)
	if err != nil {
		return err
	}
	flat := step.Dmatpawu
	if len(flat) == 0 {
		if flat, err = in.Floats(abinit.KeyDmatpawu); err != nil {
			return err
		}
	}

	return abinit.WriteFileAtomic(filepath.Join(s.dir, archive.OutputFile), func(w io.Writer) error {
		return WriteOutput(w, step, flat, side)
	})
}

// WriteOutput prints an ABINIT-like main output for step: an SCF table
// ending in step.Residual, a DFT+U section with flat printed as side-wide
// rows, and the completion line unless the step is truncated.
func WriteOutput(w io.Writer, step RunStep, flat []float64, side int) error {
	var b strings.Builder
	b.WriteString(".Version 9.10.3 of ABINIT\n\n")
	b.WriteString(" iter   Etot(hartree)      deltaE(h)  residm     nres2\n")
	residuals := []float64{step.Residual * 1e6, step.Residual * 1e3, step.Residual}
	for i, r := range residuals {
		fmt.Fprintf(&b, " ETOT %2d  -245.%011d    -1.000E-03 1.000E-06 %s\n", i+1, 34588601066+i, abinit.FormatFloat(r))
	}

	b.WriteString("\n ========== DFT+U DATA ===================================================\n")
	b.WriteString(" == Occupation matrix for correlated orbitals:\n\n")
	rowsPerMatrix := side
	if side <= 0 {
		rowsPerMatrix = 1
	}
	for start, spin := 0, 1; start < len(flat); spin++ {
		fmt.Fprintf(&b, " Occupation matrix for spin  %d\n", spin)
		for row := 0; row < rowsPerMatrix && start < len(flat); row++ {
			end := min(start+side, len(flat))
			tokens := make([]string, 0, side)
			for _, v := range flat[start:end] {
				tokens = append(tokens, abinit.FormatFloat(v))
			}
			if step.Outcome == OutcomeMalformed && spin == 1 && row == 0 && len(tokens) > 1 {
				tokens[len(tokens)-1] = "x.xxxxx"
			}
			b.WriteString("     " + strings.Join(tokens, "   ") + "\n")
			start = end
		}
		if step.Outcome == OutcomeBadShape && start >= len(flat) {
			// one stray element makes the length a non-multiple of side²
			b.WriteString("     0\n")
		}
	}
	b.WriteString("\n")

	if step.Outcome != OutcomeTruncated {
		b.WriteString(" Calculation completed.\n")
		b.WriteString(".Delivered   0 WARNINGs and   1 COMMENTs to log file.\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
