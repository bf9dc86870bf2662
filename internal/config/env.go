package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Option keys shared by flags, environment and Load.
const (
	KeyUsedmatpu   = "usedmatpu"
	KeyNstep       = "nstep"
	KeyTolvrs      = "tolvrs"
	KeyTargetNres2 = "target_nres2"
	KeyMaxNruns    = "max_nruns"
	KeyNhours      = "nhours"
	KeyNparal      = "nparal"

	// Batch-scheduler hints.
	KeyNodeFile = "nodefile"
	KeyWallTime = "walltime"
)

// Environment variables set by PBS-like batch schedulers.
const (
	EnvNodeFile = "PBS_NODEFILE"
	EnvWallTime = "PBS_WALLTIME"
	EnvPrefix   = "ORBITALDFTU"
)

// RegisterFlags adds the executor options to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int(KeyUsedmatpu, DefaultUsedmatpu, "ABINIT variable usedmatpu for each run")
	fs.Int(KeyNstep, DefaultNstep, "ABINIT variable nstep for each run")
	fs.Float64(KeyTolvrs, DefaultTolvrs, "ABINIT variable tolvrs for each run")
	fs.Float64(KeyTargetNres2, DefaultTargetNres2, "stopping criterion on the final nres2 of a run")
	fs.Int(KeyMaxNruns, DefaultMaxNruns, "maximum number of runs allowed")
	fs.Int(KeyNhours, 0, "maximum number of hours, ignored under a queue system, mandatory otherwise")
	fs.Int(KeyNparal, 0, "number of MPI cores, ignored under a queue system, mandatory otherwise")
}

// NewViper binds fs and the environment. Every option can also be given as
// ORBITALDFTU_<OPTION>; the scheduler hints come from PBS_NODEFILE and
// PBS_WALLTIME.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if err := v.BindEnv(KeyNodeFile, EnvNodeFile); err != nil {
		return nil, err
	}
	if err := v.BindEnv(KeyWallTime, EnvWallTime); err != nil {
		return nil, err
	}
	return v, nil
}

// Load resolves the scheduler hints and builds a validated RunConfiguration
// from v.
func Load(v *viper.Viper) (RunConfiguration, error) {
	cores, err := ResolveCoreCount(v.GetString(KeyNodeFile), v.GetInt(KeyNparal))
	if err != nil {
		return RunConfiguration{}, err
	}
	wall, err := ResolveWallTime(v.GetString(KeyWallTime), v.GetInt(KeyNhours))
	if err != nil {
		return RunConfiguration{}, err
	}
	return New(RunConfiguration{
		FixedStepCount:        v.GetInt(KeyUsedmatpu),
		TotalStepLimit:        v.GetInt(KeyNstep),
		ConvergenceThreshold:  v.GetFloat64(KeyTolvrs),
		TargetResidual:        v.GetFloat64(KeyTargetNres2),
		MaxIterations:         v.GetInt(KeyMaxNruns),
		CoreCount:             cores,
		WallTimeBudgetSeconds: wall,
	})
}

// ResolveCoreCount returns the number of lines of the node file when one is
// given, and nparal otherwise.
func ResolveCoreCount(nodeFile string, nparal int) (int, error) {
	if nodeFile != "" {
		n, err := countLines(nodeFile)
		if err != nil {
			return 0, &ConfigError{Field: KeyNodeFile, Message: fmt.Sprintf("read node file: %v", err)}
		}
		if n == 0 {
			return 0, &ConfigError{Field: KeyNodeFile, Message: fmt.Sprintf("node file %s is empty", nodeFile)}
		}
		return n, nil
	}
	if nparal > 0 {
		return nparal, nil
	}
	return 0, &ConfigError{Field: KeyNparal, Message: "no queue system detected and no positive value for 'nparal'"}
}

// ResolveWallTime returns the scheduler wall time in seconds when one is
// given, and nhours*3600 otherwise.
func ResolveWallTime(walltime string, nhours int) (int, error) {
	if walltime != "" {
		secs, err := ParseWallTime(walltime)
		if err != nil {
			return 0, &ConfigError{Field: KeyWallTime, Message: err.Error()}
		}
		return secs, nil
	}
	if nhours > 0 {
		return nhours * 3600, nil
	}
	return 0, &ConfigError{Field: KeyNhours, Message: "no queue system detected and no positive value for 'nhours'"}
}

// ParseWallTime accepts plain seconds or [[HH:]MM:]SS.
func ParseWallTime(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid wall time %q", s)
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid wall time %q", s)
		}
		total = total*60 + n
	}
	if total <= 0 {
		return 0, fmt.Errorf("wall time %q is not positive", s)
	}
	return total, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}
