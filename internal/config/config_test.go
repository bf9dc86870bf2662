package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() RunConfiguration {
	return RunConfiguration{
		FixedStepCount:        DefaultUsedmatpu,
		TotalStepLimit:        DefaultNstep,
		ConvergenceThreshold:  DefaultTolvrs,
		TargetResidual:        DefaultTargetNres2,
		MaxIterations:         DefaultMaxNruns,
		CoreCount:             16,
		WallTimeBudgetSeconds: 3600,
	}
}

func TestNew_Valid(t *testing.T) {
	c, err := New(validConfig())
	require.NoError(t, err)
	assert.Equal(t, time.Hour, c.WallTimeBudget())
}

func TestNew_Invariants(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RunConfiguration)
		field  string
	}{
		{"nstep equal to usedmatpu", func(c *RunConfiguration) { c.TotalStepLimit = c.FixedStepCount }, "nstep"},
		{"nstep below usedmatpu", func(c *RunConfiguration) { c.TotalStepLimit = 10 }, "nstep"},
		{"target equal to tolvrs", func(c *RunConfiguration) { c.TargetResidual = c.ConvergenceThreshold }, "target_nres2"},
		{"target below tolvrs", func(c *RunConfiguration) { c.TargetResidual = 1e-16 }, "target_nres2"},
		{"no runs", func(c *RunConfiguration) { c.MaxIterations = 0 }, "max_nruns"},
		{"no cores", func(c *RunConfiguration) { c.CoreCount = 0 }, "nparal"},
		{"no wall time", func(c *RunConfiguration) { c.WallTimeBudgetSeconds = 0 }, "nhours"},
		{"negative usedmatpu", func(c *RunConfiguration) { c.FixedStepCount = -1 }, "usedmatpu"},
		{"non-positive tolvrs", func(c *RunConfiguration) { c.ConvergenceThreshold = 0 }, "tolvrs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			_, err := New(c)
			require.Error(t, err)
			assert.True(t, IsConfigError(err))

			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestValidateSchema_AcceptsValid(t *testing.T) {
	require.NoError(t, validateSchema(validConfig()))
}

func TestValidateSchema_RejectsCrossFieldViolation(t *testing.T) {
	c := validConfig()
	c.TotalStepLimit = c.FixedStepCount
	err := validateSchema(c)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestParseWallTime(t *testing.T) {
	tests := map[string]int{
		"3600":       3600,
		"01:00:00":   3600,
		"90:00":      5400,
		" 48:00:00 ": 172800,
	}
	for in, want := range tests {
		got, err := ParseWallTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "abc", "0", "1:2:3:4", "-5"} {
		_, err := ParseWallTime(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolveCoreCount(t *testing.T) {
	nodeFile := filepath.Join(t.TempDir(), "nodes")
	require.NoError(t, os.WriteFile(nodeFile, []byte("n1\nn1\nn2\nn2\n\n"), 0o644))

	n, err := ResolveCoreCount(nodeFile, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "node file overrides nparal")

	n, err = ResolveCoreCount("", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = ResolveCoreCount("", 0)
	assert.True(t, IsConfigError(err))

	_, err = ResolveCoreCount(filepath.Join(t.TempDir(), "missing"), 2)
	assert.True(t, IsConfigError(err))
}

func TestResolveWallTime(t *testing.T) {
	secs, err := ResolveWallTime("7200", 1)
	require.NoError(t, err)
	assert.Equal(t, 7200, secs, "scheduler wall time overrides nhours")

	secs, err = ResolveWallTime("", 3)
	require.NoError(t, err)
	assert.Equal(t, 10800, secs)

	_, err = ResolveWallTime("", 0)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KeyNhours, ce.Field)
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoad_FromFlags(t *testing.T) {
	t.Setenv(EnvNodeFile, "")
	t.Setenv(EnvWallTime, "")

	v, err := NewViper(newFlags(t, "--nparal", "8", "--nhours", "2", "--max_nruns", "4"))
	require.NoError(t, err)

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 8, c.CoreCount)
	assert.Equal(t, 7200, c.WallTimeBudgetSeconds)
	assert.Equal(t, 4, c.MaxIterations)
	assert.Equal(t, DefaultUsedmatpu, c.FixedStepCount)
	assert.Equal(t, DefaultNstep, c.TotalStepLimit)
	assert.Equal(t, DefaultTolvrs, c.ConvergenceThreshold)
	assert.Equal(t, DefaultTargetNres2, c.TargetResidual)
}

func TestLoad_SchedulerHints(t *testing.T) {
	nodeFile := filepath.Join(t.TempDir(), "nodes")
	require.NoError(t, os.WriteFile(nodeFile, []byte("a\nb\nc\n"), 0o644))
	t.Setenv(EnvNodeFile, nodeFile)
	t.Setenv(EnvWallTime, "1800")

	v, err := NewViper(newFlags(t))
	require.NoError(t, err)

	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 3, c.CoreCount)
	assert.Equal(t, 1800, c.WallTimeBudgetSeconds)
}

func TestLoad_MissingHints(t *testing.T) {
	t.Setenv(EnvNodeFile, "")
	t.Setenv(EnvWallTime, "")

	v, err := NewViper(newFlags(t, "--nhours", "1"))
	require.NoError(t, err)
	_, err = Load(v)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KeyNparal, ce.Field)
}

func TestLoad_InvalidCombination(t *testing.T) {
	t.Setenv(EnvNodeFile, "")
	t.Setenv(EnvWallTime, "")

	v, err := NewViper(newFlags(t, "--nparal", "4", "--nhours", "1", "--usedmatpu", "60"))
	require.NoError(t, err)
	_, err = Load(v)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KeyNstep, ce.Field)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv(EnvNodeFile, "")
	t.Setenv(EnvWallTime, "")
	t.Setenv("ORBITALDFTU_MAX_NRUNS", "7")

	v, err := NewViper(newFlags(t, "--nparal", "4", "--nhours", "1"))
	require.NoError(t, err)
	c, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 7, c.MaxIterations)
}
