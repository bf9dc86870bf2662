package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/orbitaldftu/internal/harness"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	WorkDir string
	Keep    bool
}

// SimulateResult is the payload printed after a scenario.
type SimulateResult struct {
	Scenario    string   `json:"scenario"`
	Passed      bool     `json:"passed"`
	State       string   `json:"state"`
	FinalIndex  int      `json:"final_index"`
	Invocations int      `json:"invocations"`
	Completion  *int     `json:"completion,omitempty"`
	Archive     []string `json:"archive"`
	WorkDir     string   `json:"workdir,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

func (r SimulateResult) String() string {
	var b strings.Builder
	verdict := "PASS"
	if !r.Passed {
		verdict = "FAIL"
	}
	fmt.Fprintf(&b, "%s %s: %s at index %d after %d solver runs\n",
		verdict, r.Scenario, r.State, r.FinalIndex, r.Invocations)
	if r.Completion != nil {
		fmt.Fprintf(&b, "  COMPLETE: %d\n", *r.Completion)
	}
	fmt.Fprintf(&b, "  archive: %s", strings.Join(r.Archive, " "))
	if r.WorkDir != "" {
		fmt.Fprintf(&b, "\n  workdir: %s", r.WorkDir)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "\n  - %s", e)
	}
	return b.String()
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>",
		Short: "Run the controller against a scripted solver",
		Long: `Run the convergence controller end to end against a scripted solver
described by a YAML scenario, without MPI or ABINIT. The scripted solver
writes ABINIT-like outputs and advances a fake clock, so time budgets are
exercised in milliseconds. The scenario's expectations are checked and the
command fails if any does not hold.

Example:
  orbitaldftu simulate testdata/scenarios/fallback.yaml
  orbitaldftu simulate --workdir /tmp/sim --keep scenario.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.WorkDir, "workdir", "", "directory to simulate in (default: a temporary directory)")
	cmd.Flags().BoolVar(&opts.Keep, "keep", false, "keep the temporary directory")

	return cmd
}

func runSimulate(opts *SimulateOptions, path string, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		_ = formatter.Error("SCENARIO", err.Error(), nil)
		return WrapExitError(ExitConfigError, "invalid scenario", err)
	}

	dir := opts.WorkDir
	keep := true
	if dir == "" {
		dir, err = os.MkdirTemp("", "orbitaldftu-sim-")
		if err != nil {
			return WrapExitError(ExitConfigError, "failed to create working directory", err)
		}
		keep = opts.Keep
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return WrapExitError(ExitConfigError, "failed to create working directory", err)
	}
	if !keep {
		defer os.RemoveAll(dir)
	}
	formatter.VerboseLog("simulating %s in %s", scenario.Name, dir)

	res, err := harness.Run(cmd.Context(), scenario, dir, logger)
	if err != nil {
		_ = formatter.Error("SCENARIO", err.Error(), nil)
		return WrapExitError(ExitConfigError, "scenario setup failed", err)
	}

	out := SimulateResult{
		Scenario:    scenario.Name,
		Passed:      res.Passed(),
		Invocations: res.Invocations,
		Completion:  res.Completion,
		Archive:     res.Archive,
		Errors:      res.Errors,
	}
	if out.Archive == nil {
		out.Archive = []string{}
	}
	if res.Report != nil {
		out.State = string(res.Report.State)
		out.FinalIndex = res.Report.FinalIndex
	}
	if keep {
		out.WorkDir = dir
	}

	if err := formatter.Success(out); err != nil {
		return err
	}
	if !out.Passed {
		return NewExitError(ExitRunError, fmt.Sprintf("scenario %s failed %d expectation(s)", scenario.Name, len(out.Errors)))
	}
	return nil
}
