package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/orbitaldftu/internal/archive"
	"github.com/roach88/orbitaldftu/internal/config"
	"github.com/roach88/orbitaldftu/internal/engine"
	"github.com/roach88/orbitaldftu/internal/metrics"
	"github.com/roach88/orbitaldftu/internal/runner"
	"github.com/roach88/orbitaldftu/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	WorkDir       string
	MPIRun        string
	Solver        string
	Database      string
	MetricsFile   string
	MaxRetries    int
	SolverTimeout time.Duration

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.RunIDGenerator
}

// RunSummary is the payload printed when a run ends.
type RunSummary struct {
	RunID      string  `json:"run_id"`
	State      string  `json:"state"`
	StartIndex int     `json:"start_index"`
	FinalIndex int     `json:"final_index"`
	Attempts   int     `json:"attempts"`
	Residual   float64 `json:"residual,omitempty"`
	Fallbacks  []int   `json:"fallbacks,omitempty"`
	Elapsed    string  `json:"elapsed"`
}

func (s RunSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s finished in state %s\n", s.RunID, s.State)
	fmt.Fprintf(&b, "  iterations: %d..%d (%d attempts)\n", s.StartIndex, s.FinalIndex, s.Attempts)
	if s.Residual != 0 {
		fmt.Fprintf(&b, "  final nres2: %g\n", s.Residual)
	}
	if len(s.Fallbacks) > 0 {
		fmt.Fprintf(&b, "  matrices carried over at: %v\n", s.Fallbacks)
	}
	fmt.Fprintf(&b, "  elapsed: %s", s.Elapsed)
	return b.String()
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run ABINIT until the DFT+U occupations converge",
		Long: `Run ABINIT repeatedly in the working directory, which must hold abinit.in
and abinit.files. After each run the final occupation matrices are written
back into abinit.in as dmatpawu and the artifacts are archived as
abinit_NN.{in,out,log}. The loop stops when the final nres2 falls below
--target_nres2, when --max_nruns runs exist, or when another run would not
fit in the wall time. A COMPLETE file records the last completed index.

Under a PBS-like queue system the core count comes from PBS_NODEFILE and the
wall time from PBS_WALLTIME; otherwise --nparal and --nhours are mandatory.

Example:
  orbitaldftu run --nparal 8 --nhours 24
  orbitaldftu run --workdir ./NiO --max_nruns 20 --target_nres2 1e-10`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(opts, cmd)
		},
	}

	config.RegisterFlags(cmd.Flags())
	cmd.Flags().StringVar(&opts.WorkDir, "workdir", ".", "working directory holding abinit.in and abinit.files")
	cmd.Flags().StringVar(&opts.MPIRun, "mpirun", "mpirun", "MPI launcher name or path")
	cmd.Flags().StringVar(&opts.Solver, "solver", "abinit", "ABINIT executable name or path")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite run ledger (default <workdir>/"+store.DefaultFileName+")")
	cmd.Flags().StringVar(&opts.MetricsFile, "metrics-file", "", "write Prometheus metrics to this textfile when the run ends")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "cap on truncated runs retried at one index (0 = time budget only)")
	cmd.Flags().DurationVar(&opts.SolverTimeout, "solver-timeout", 0, "warn when one ABINIT run exceeds this duration")

	return cmd
}

func runController(opts *RunOptions, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	out := cmd.OutOrStdout()
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	// Banner and echoes go to stderr in JSON mode so stdout stays parseable.
	echo := out
	if opts.Format == "json" {
		echo = formatter.GetErrWriter()
	}

	fmt.Fprintln(echo, "ABINIT Orbital DFT+U Executor")
	fmt.Fprintln(echo, "=============================")

	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return WrapExitError(ExitConfigError, "failed to read options", err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		_ = formatter.Error("CONFIG", err.Error(), nil)
		return WrapExitError(ExitConfigError, "invalid configuration", err)
	}

	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return WrapExitError(ExitConfigError, "invalid working directory", err)
	}
	if err := runner.CheckRequiredFiles(workDir, archive.InputFile, archive.FilesFile); err != nil {
		_ = formatter.Error("MISSING_FILE", err.Error(), nil)
		return WrapExitError(ExitConfigError, "missing input files", err)
	}

	paths, err := runner.LookupExecutables(opts.MPIRun, opts.Solver)
	if err != nil {
		_ = formatter.Error("EXECUTABLE_NOT_FOUND", err.Error(), nil)
		return WrapExitError(ExitConfigError, "executable not found", err)
	}
	fmt.Fprintf(echo, "mpirun: %s\n", paths[opts.MPIRun])
	fmt.Fprintf(echo, "abinit: %s\n", paths[opts.Solver])
	printBudget(echo, cfg)

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = filepath.Join(workDir, store.DefaultFileName)
	}
	logger.Debug("opening ledger", "path", dbPath)
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitConfigError, "failed to open ledger", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing ledger", "error", closeErr)
		}
	}()

	collector := metrics.NewCollector()
	solver := &runner.MPISolver{
		Dir:       workDir,
		MPIRun:    paths[opts.MPIRun],
		Solver:    paths[opts.Solver],
		FilesName: archive.FilesFile,
		LogName:   archive.LogFile,
		ErrName:   archive.ErrFile,
		Timeout:   opts.SolverTimeout,
		Logger:    logger,
	}

	runIDs := opts.RunIDs
	if runIDs == nil {
		runIDs = engine.UUIDv7Generator{}
	}
	ctl, err := engine.New(cfg, archive.New(workDir), solver,
		engine.WithLogger(logger),
		engine.WithRecorder(st),
		engine.WithObserver(collector),
		engine.WithMaxRetries(opts.MaxRetries),
		engine.WithRunID(runIDs),
	)
	if err != nil {
		return WrapExitError(ExitConfigError, "invalid configuration", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping after the current run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	report, runErr := ctl.Run(ctx)

	if err := collector.WriteTextfile(opts.MetricsFile); err != nil {
		logger.Error("failed to write metrics", "path", opts.MetricsFile, "error", err)
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			_ = formatter.Error("INTERRUPTED", runErr.Error(), summarize(report))
			return WrapExitError(ExitRunError, "run interrupted", runErr)
		}
		code := string(engine.ErrorCode(runErr))
		if code == "" {
			code = "FATAL"
		}
		_ = formatter.Error(code, runErr.Error(), summarize(report))
		return WrapExitError(ExitRunError, "run failed", runErr)
	}

	return formatter.Success(summarize(report))
}

// printBudget echoes the wall time and the core count the run will use.
func printBudget(w io.Writer, cfg config.RunConfiguration) {
	secs := cfg.WallTimeBudgetSeconds
	fmt.Fprintf(w, "Walltime: %d seconds, %d minutes, %.1f hours\n",
		secs, secs/60, float64(secs)/3600)
	fmt.Fprintf(w, "Number of cores: %d\n", cfg.CoreCount)
}

func summarize(r *engine.Report) RunSummary {
	if r == nil {
		return RunSummary{}
	}
	s := RunSummary{
		RunID:      r.RunID,
		State:      string(r.State),
		StartIndex: r.StartIndex,
		FinalIndex: r.FinalIndex,
		Attempts:   len(r.Attempts),
		Fallbacks:  r.Fallbacks(),
		Elapsed:    r.Elapsed.Round(time.Second).String(),
	}
	if n := len(r.Iterations); n > 0 {
		s.Residual = r.Iterations[n-1].Residual
	}
	return s
}
