// Package runner launches the external solver as a child process.
//
// One invocation is in flight at a time. The child is bound to a fixed core
// count through mpirun, reads its files list from stdin and writes stdout and
// stderr to artifacts in the working directory. Once started, the child is
// never killed by the runner: timeouts are reported, not enforced.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// ExecutableNotFoundError is returned by preflight when a required command is
// not on the search path.
type ExecutableNotFoundError struct {
	Name string
	Err  error
}

func (e *ExecutableNotFoundError) Error() string {
	return fmt.Sprintf("command %q could not be found in PATH, maybe you need to load its module first", e.Name)
}

func (e *ExecutableNotFoundError) Unwrap() error { return e.Err }

// IsExecutableNotFound reports whether err is an ExecutableNotFoundError.
func IsExecutableNotFound(err error) bool {
	var ee *ExecutableNotFoundError
	return errors.As(err, &ee)
}

// MissingFileError is returned when a required input file is absent or is a
// symbolic link whose target does not exist.
type MissingFileError struct {
	Path          string
	BrokenSymlink bool
}

func (e *MissingFileError) Error() string {
	if e.BrokenSymlink {
		return fmt.Sprintf("file %q is a broken symbolic link", e.Path)
	}
	return fmt.Sprintf("file %q could not be found", e.Path)
}

// LookupExecutables resolves every name through the search path and returns
// the absolute paths keyed by name.
func LookupExecutables(names ...string) (map[string]string, error) {
	paths := make(map[string]string, len(names))
	for _, name := range names {
		p, err := exec.LookPath(name)
		if err != nil {
			return nil, &ExecutableNotFoundError{Name: name, Err: err}
		}
		paths[name] = p
	}
	return paths, nil
}

// CheckRequiredFiles verifies that each name exists in dir. A dangling
// symlink is reported separately from a missing file.
func CheckRequiredFiles(dir string, names ...string) error {
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return &MissingFileError{Path: path, BrokenSymlink: true}
		}
		return &MissingFileError{Path: path}
	}
	return nil
}

// Invocation describes one child process run.
type Invocation struct {
	Executable string
	Args       []string
	Dir        string
	StdinPath  string
	StdoutPath string
	StderrPath string
	// Timeout is advisory; exceeding it only sets Result.Overran.
	Timeout time.Duration
}

// Result describes a finished child process.
type Result struct {
	ExitCode   int
	Duration   time.Duration
	StdoutPath string
	// StderrPath is empty when the child wrote nothing to stderr; the empty
	// artifact is deleted.
	StderrPath string
	Overran    bool
}

// Run starts the invocation and blocks until the child exits. A non-zero exit
// status is reported in Result, not as an error. File handles are closed on
// every return path.
func Run(ctx context.Context, inv Invocation, now func() time.Time) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}

	var stdin *os.File
	if inv.StdinPath != "" {
		f, err := os.Open(inv.StdinPath)
		if err != nil {
			return nil, fmt.Errorf("open stdin: %w", err)
		}
		defer f.Close()
		stdin = f
	}
	stdout, err := os.Create(inv.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("create stdout: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(inv.StderrPath)
	if err != nil {
		return nil, fmt.Errorf("create stderr: %w", err)
	}
	defer stderr.Close()

	// exec.Command rather than CommandContext: cancellation must not kill a
	// solver that is already running.
	cmd := exec.Command(inv.Executable, inv.Args...)
	cmd.Dir = inv.Dir
	if stdin != nil {
		cmd.Stdin = stdin
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := now()
	runErr := cmd.Run()
	res := &Result{
		Duration:   now().Sub(start),
		StdoutPath: inv.StdoutPath,
		StderrPath: inv.StderrPath,
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", inv.Executable, runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.Overran = inv.Timeout > 0 && res.Duration > inv.Timeout

	if err := stderr.Close(); err != nil {
		return nil, fmt.Errorf("close stderr: %w", err)
	}
	if fi, err := os.Stat(inv.StderrPath); err == nil && fi.Size() == 0 {
		if err := os.Remove(inv.StderrPath); err != nil {
			return nil, fmt.Errorf("remove empty stderr: %w", err)
		}
		res.StderrPath = ""
	}
	return res, nil
}

// MPISolver runs `mpirun -np N solver < files > log 2> err` in Dir.
type MPISolver struct {
	Dir       string
	MPIRun    string
	Solver    string
	FilesName string
	LogName   string
	ErrName   string
	Timeout   time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Command returns the argv that Run will execute for coreCount cores.
func (s *MPISolver) Command(coreCount int) []string {
	return []string{s.MPIRun, "-np", strconv.Itoa(coreCount), s.Solver}
}

// Run executes one solver invocation on coreCount cores.
func (s *MPISolver) Run(ctx context.Context, coreCount int) (*Result, error) {
	argv := s.Command(coreCount)
	inv := Invocation{
		Executable: argv[0],
		Args:       argv[1:],
		Dir:        s.Dir,
		StdinPath:  filepath.Join(s.Dir, s.FilesName),
		StdoutPath: filepath.Join(s.Dir, s.LogName),
		StderrPath: filepath.Join(s.Dir, s.ErrName),
		Timeout:    s.Timeout,
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("running solver", "command", fmt.Sprintf("%s -np %d %s < %s > %s 2> %s",
		s.MPIRun, coreCount, s.Solver, s.FilesName, s.LogName, s.ErrName))

	res, err := Run(ctx, inv, s.Now)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		logger.Warn("solver exited with non-zero status", "exit_code", res.ExitCode)
	}
	if res.Overran {
		logger.Warn("solver exceeded its advisory timeout", "timeout", s.Timeout, "duration", res.Duration)
	}
	return res, nil
}
