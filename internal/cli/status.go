package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/orbitaldftu/internal/archive"
	"github.com/roach88/orbitaldftu/internal/model"
	"github.com/roach88/orbitaldftu/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	WorkDir  string
	Database string
}

// StatusReport describes what a working directory holds.
type StatusReport struct {
	WorkDir     string           `json:"workdir"`
	ResumeIndex int              `json:"resume_index"`
	Archived    []archive.Entry  `json:"archived"`
	Completion  *int             `json:"completion,omitempty"`
	LatestRun   *model.RunRecord `json:"latest_run,omitempty"`
	Attempts    []AttemptSummary `json:"attempts,omitempty"`
}

// AttemptSummary is one ledger attempt without its matrices.
type AttemptSummary struct {
	Index        int           `json:"index"`
	Attempt      int           `json:"attempt"`
	Outcome      model.Outcome `json:"outcome"`
	Residual     float64       `json:"residual,omitempty"`
	DurationSecs float64       `json:"duration_seconds"`
	UsedFallback bool          `json:"used_fallback,omitempty"`
}

func (s StatusReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Working directory: %s\n", s.WorkDir)
	fmt.Fprintf(&b, "Archived iterations: %d\n", len(s.Archived))
	for _, e := range s.Archived {
		state := "complete"
		if !e.Complete() {
			state = "partial"
		}
		fmt.Fprintf(&b, "  %02d  %s\n", e.Index, state)
	}
	fmt.Fprintf(&b, "Next index: %d\n", s.ResumeIndex)
	if s.Completion != nil {
		fmt.Fprintf(&b, "Completion marker: %d\n", *s.Completion)
	} else {
		fmt.Fprintln(&b, "Completion marker: none")
	}
	if s.LatestRun == nil {
		fmt.Fprint(&b, "Ledger: no runs recorded")
		return b.String()
	}
	fmt.Fprintf(&b, "Latest run: %s (%s), started %s\n",
		s.LatestRun.RunID, s.LatestRun.State, s.LatestRun.StartedAt.Format("2006-01-02 15:04:05"))
	for _, a := range s.Attempts {
		line := fmt.Sprintf("  %02d.%d  %-9s %7.0fs", a.Index, a.Attempt, a.Outcome, a.DurationSecs)
		if a.Residual != 0 {
			line += fmt.Sprintf("  nres2=%g", a.Residual)
		}
		if a.UsedFallback {
			line += "  (matrix carried over)"
		}
		fmt.Fprintln(&b, line)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show archived iterations and the run ledger of a working directory",
		Long: `Show where a working directory stands: the archived iterations, the index
the next run would resume at, the completion marker, and the latest run
recorded in the ledger with its attempts.

Example:
  orbitaldftu status --workdir ./NiO
  orbitaldftu status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.WorkDir, "workdir", ".", "working directory")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite run ledger (default <workdir>/"+store.DefaultFileName+")")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return WrapExitError(ExitConfigError, "invalid working directory", err)
	}
	arc := archive.New(workDir)
	names, err := arc.List()
	if err != nil {
		_ = formatter.Error("ARCHIVE_FAILED", err.Error(), nil)
		return WrapExitError(ExitConfigError, "cannot read working directory", err)
	}

	report := StatusReport{
		WorkDir:     workDir,
		ResumeIndex: archive.ResumeIndex(names),
		Archived:    archive.Entries(names),
	}
	idx, ok, err := arc.ReadCompletion()
	if err != nil {
		return WrapExitError(ExitConfigError, "cannot read completion marker", err)
	}
	if ok {
		report.Completion = &idx
	}

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = filepath.Join(workDir, store.DefaultFileName)
	}
	// Opening creates the database; a directory that was never run has none.
	if _, err := os.Stat(dbPath); err == nil {
		formatter.VerboseLog("reading ledger %s", dbPath)
		if err := readLedger(cmd.Context(), dbPath, &report); err != nil {
			return WrapExitError(ExitConfigError, "cannot read ledger", err)
		}
	}

	return formatter.Success(report)
}

func readLedger(ctx context.Context, path string, report *StatusReport) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.LatestRun(ctx)
	if errors.Is(err, store.ErrRunNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	report.LatestRun = run

	attempts, err := st.ListAttempts(ctx, run.RunID)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		report.Attempts = append(report.Attempts, AttemptSummary{
			Index:        a.Index,
			Attempt:      a.Attempt,
			Outcome:      a.Outcome,
			Residual:     a.Residual,
			DurationSecs: a.Duration.Seconds(),
			UsedFallback: a.UsedFallback,
		})
	}
	return nil
}
