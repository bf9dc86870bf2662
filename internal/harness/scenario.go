package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/orbitaldftu/internal/config"
	"github.com/roach88/orbitaldftu/internal/model"
)

// Scenario is one scripted controller run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	Config Config `yaml:"config"`

	// MaxRetries caps truncated retries per index; 0 means unbounded.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// Lpawu and Dmatpawu seed the initial abinit.in.
	Lpawu    []int     `yaml:"lpawu"`
	Dmatpawu []float64 `yaml:"dmatpawu"`

	// Archived is the number of complete iterations already in the
	// archive when the controller starts.
	Archived int `yaml:"archived,omitempty"`

	// Runs are played in order, one per solver invocation.
	Runs []RunStep `yaml:"runs"`

	Expect Expectation `yaml:"expect"`
}

// Config mirrors the executor options. Zero values take the defaults.
type Config struct {
	Usedmatpu   int      `yaml:"usedmatpu,omitempty"`
	Nstep       int      `yaml:"nstep,omitempty"`
	Tolvrs      float64  `yaml:"tolvrs,omitempty"`
	TargetNres2 float64  `yaml:"target_nres2,omitempty"`
	MaxNruns    int      `yaml:"max_nruns,omitempty"`
	Nparal      int      `yaml:"nparal,omitempty"`
	Walltime    Duration `yaml:"walltime,omitempty"`
}

// Solver outcomes a RunStep can script.
const (
	OutcomeComplete  = "complete"
	OutcomeTruncated = "truncated"
	OutcomeMissing   = "missing"
	OutcomeMalformed = "malformed"
	OutcomeBadShape  = "badshape"
)

// RunStep is one scripted solver invocation.
type RunStep struct {
	Outcome  string   `yaml:"outcome"`
	Residual float64  `yaml:"residual,omitempty"`
	Duration Duration `yaml:"duration"`
	// Restart makes the run leave a restart wavefunction behind.
	Restart bool `yaml:"restart,omitempty"`
	// Dmatpawu is printed as the final occupation matrices. When empty the
	// matrices of the current input are printed unchanged.
	Dmatpawu []float64 `yaml:"dmatpawu,omitempty"`
	ExitCode int       `yaml:"exit_code,omitempty"`
}

// Expectation is what a scenario run must end in.
type Expectation struct {
	State      model.State `yaml:"state"`
	FinalIndex *int        `yaml:"final_index,omitempty"`
	Attempts   int         `yaml:"attempts,omitempty"`
	// Fallbacks lists the indexes that must carry the fallback flag.
	Fallbacks []int `yaml:"fallbacks,omitempty"`
	// Error is the expected controller error code for FATAL runs.
	Error string `yaml:"error,omitempty"`
}

// Duration is a time.Duration written as "90s" or "1h30m" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "run:" vs "runs:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Lpawu) == 0 {
		return fmt.Errorf("lpawu is required")
	}
	if len(s.Dmatpawu) == 0 {
		return fmt.Errorf("dmatpawu is required")
	}
	if len(s.Runs) == 0 {
		return fmt.Errorf("runs list is required and must be non-empty")
	}
	if s.Archived < 0 {
		return fmt.Errorf("archived must be >= 0")
	}
	for i, r := range s.Runs {
		switch r.Outcome {
		case OutcomeComplete, OutcomeTruncated, OutcomeMissing, OutcomeMalformed, OutcomeBadShape:
		default:
			return fmt.Errorf("runs[%d]: unknown outcome %q", i, r.Outcome)
		}
		if r.Duration < 0 {
			return fmt.Errorf("runs[%d]: duration must be >= 0", i)
		}
	}
	if s.Expect.State == "" {
		return fmt.Errorf("expect.state is required")
	}
	if !s.Expect.State.IsTerminal() {
		return fmt.Errorf("expect.state %q is not a terminal state", s.Expect.State)
	}
	return nil
}

// RunConfiguration builds the validated configuration of the scenario.
func (s *Scenario) RunConfiguration() (config.RunConfiguration, error) {
	c := s.Config
	cfg := config.RunConfiguration{
		FixedStepCount:        orInt(c.Usedmatpu, config.DefaultUsedmatpu),
		TotalStepLimit:        orInt(c.Nstep, config.DefaultNstep),
		ConvergenceThreshold:  orFloat(c.Tolvrs, config.DefaultTolvrs),
		TargetResidual:        orFloat(c.TargetNres2, config.DefaultTargetNres2),
		MaxIterations:         orInt(c.MaxNruns, config.DefaultMaxNruns),
		CoreCount:             orInt(c.Nparal, 1),
		WallTimeBudgetSeconds: int(time.Duration(c.Walltime).Seconds()),
	}
	if cfg.WallTimeBudgetSeconds == 0 {
		cfg.WallTimeBudgetSeconds = int((24 * time.Hour).Seconds())
	}
	return config.New(cfg)
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
