package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/orbitaldftu/internal/archive"
	"github.com/roach88/orbitaldftu/internal/harness"
	"github.com/roach88/orbitaldftu/internal/store"
)

func executeStatus(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	outBuf := &bytes.Buffer{}
	cmd.SetOut(outBuf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"status"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return outBuf.String(), err
}

func TestStatusFreshArchive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, harness.Prepare(&harness.Scenario{
		Lpawu:    []int{1},
		Dmatpawu: testDmatpawu,
		Archived: 2,
	}, dir))
	require.NoError(t, archive.New(dir).WriteCompletion(1))

	out, err := executeStatus(t, "--workdir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Archived iterations: 2")
	assert.Contains(t, out, "Next index: 2")
	assert.Contains(t, out, "Completion marker: 1")
	assert.Contains(t, out, "Ledger: no runs recorded")
	assert.NoFileExists(t, filepath.Join(dir, store.DefaultFileName))
}

func TestStatusPartialIteration(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, harness.Prepare(&harness.Scenario{
		Lpawu:    []int{1},
		Dmatpawu: testDmatpawu,
		Archived: 1,
	}, dir))
	// A controller that stopped mid-iteration leaves only the input archived.
	require.NoError(t, archive.New(dir).ArchiveInput(1))

	out, err := executeStatus(t, "--workdir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "  01  partial")
	assert.Contains(t, out, "Next index: 1")
	assert.Contains(t, out, "Completion marker: none")
}

func TestStatusWithLedger(t *testing.T) {
	dir, mpirun, solver := setupRunDir(t, &harness.RunStep{
		Outcome:  harness.OutcomeComplete,
		Residual: 1e-13,
	})
	_, stderr, err := executeRun(t, "--workdir", dir, "--mpirun", mpirun, "--solver", solver,
		"--nparal", "1", "--nhours", "1")
	require.NoError(t, err, stderr)

	out, err := executeStatus(t, "--workdir", dir, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   StatusReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.ResumeIndex)
	require.NotNil(t, resp.Data.Completion)
	assert.Equal(t, 0, *resp.Data.Completion)
	require.NotNil(t, resp.Data.LatestRun)
	assert.Equal(t, "CONVERGED", string(resp.Data.LatestRun.State))
	require.Len(t, resp.Data.Attempts, 1)
	assert.Equal(t, "complete", string(resp.Data.Attempts[0].Outcome))
	assert.InDelta(t, 1e-13, resp.Data.Attempts[0].Residual, 1e-20)
}

func TestStatusMissingWorkdir(t *testing.T) {
	_, err := executeStatus(t, "--workdir", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, GetExitCode(err))
}
