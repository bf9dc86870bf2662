// Package config builds and validates the RunConfiguration of a controller
// run from command-line flags, the environment and batch-scheduler hints.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaCUE string

// Defaults of the executor options.
const (
	DefaultUsedmatpu   = 25
	DefaultNstep       = 50
	DefaultTolvrs      = 1e-14
	DefaultTargetNres2 = 1e-12
	DefaultMaxNruns    = 10
)

// RunConfiguration is the validated, immutable description of one run.
// Obtain one through New; the zero value is not valid.
type RunConfiguration struct {
	// FixedStepCount is the number of SCF steps with dmatpawu held fixed (usedmatpu).
	FixedStepCount int `json:"fixed_step_count"`
	// TotalStepLimit is the SCF step limit of each invocation (nstep).
	TotalStepLimit int `json:"total_step_limit"`
	// ConvergenceThreshold is the solver's internal criterion (tolvrs).
	ConvergenceThreshold float64 `json:"convergence_threshold"`
	// TargetResidual is the controller's stopping criterion (target_nres2).
	TargetResidual float64 `json:"target_residual"`
	MaxIterations  int     `json:"max_iterations"`
	CoreCount      int     `json:"core_count"`

	WallTimeBudgetSeconds int `json:"wall_time_budget_seconds"`
}

// WallTimeBudget returns the wall-time budget as a duration.
func (c RunConfiguration) WallTimeBudget() time.Duration {
	return time.Duration(c.WallTimeBudgetSeconds) * time.Second
}

// ConfigError reports a configuration value that cannot be used.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// New validates c and returns it. Every invariant violation is reported as a
// ConfigError naming the offending option.
func New(c RunConfiguration) (RunConfiguration, error) {
	if err := c.Validate(); err != nil {
		return RunConfiguration{}, err
	}
	return c, nil
}

// Validate checks the run invariants, then checks c against the embedded CUE
// schema.
func (c RunConfiguration) Validate() error {
	switch {
	case c.FixedStepCount < 0:
		return &ConfigError{Field: "usedmatpu", Message: "must not be negative"}
	case c.TotalStepLimit <= c.FixedStepCount:
		return &ConfigError{Field: "nstep", Message: fmt.Sprintf(
			"total number of SCF steps (%d) must be bigger than usedmatpu (%d), the number of steps with dmatpawu fixed",
			c.TotalStepLimit, c.FixedStepCount)}
	case c.ConvergenceThreshold <= 0:
		return &ConfigError{Field: "tolvrs", Message: "must be positive"}
	case c.TargetResidual <= c.ConvergenceThreshold:
		return &ConfigError{Field: "target_nres2", Message: fmt.Sprintf(
			"target value (%g) must be bigger than the solver criterion tolvrs (%g)",
			c.TargetResidual, c.ConvergenceThreshold)}
	case c.MaxIterations < 1:
		return &ConfigError{Field: "max_nruns", Message: "must be at least 1"}
	case c.CoreCount <= 0:
		return &ConfigError{Field: "nparal", Message: "core count must be positive"}
	case c.WallTimeBudgetSeconds <= 0:
		return &ConfigError{Field: "nhours", Message: "wall-time budget must be positive"}
	}
	return validateSchema(c)
}

func validateSchema(c RunConfiguration) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile run schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#RunConfiguration"))
	v := def.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// formatCUEError turns the first CUE error into a ConfigError.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ConfigError{Field: "schema", Message: err.Error()}
	}
	first := errs[0]
	field := "schema"
	if path := first.Path(); len(path) > 0 {
		field = path[len(path)-1]
	}
	return &ConfigError{Field: field, Message: first.Error()}
}
