package abinit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/orbitaldftu/internal/dmat"
)

func TestOutput_Complete(t *testing.T) {
	out, err := ReadOutput(filepath.Join("testdata", "complete.out"))
	require.NoError(t, err)
	assert.True(t, out.IsFinished())

	res, err := out.Residuals()
	require.NoError(t, err)
	assert.Equal(t, []float64{4.281e+01, 2.113, 3.217e-11}, res)

	dm, err := out.FinalDmatpawu()
	require.NoError(t, err)
	assert.Equal(t, []float64{
		0.90036, 0.0012, 0,
		0.0012, 0.8, 0,
		0, 0, 0.1,
		0.1, 0, 0,
		0, 0.2, 0,
		0, 0, 0.3,
	}, dm)
}

func TestOutput_Truncated(t *testing.T) {
	out, err := ReadOutput(filepath.Join("testdata", "truncated.out"))
	require.NoError(t, err)
	assert.False(t, out.IsFinished())

	res, err := Inspect(filepath.Join("testdata", "truncated.out"), nil, 3)
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Nil(t, res.Matrix)
}

func TestOutput_MissingFile(t *testing.T) {
	_, err := Inspect(filepath.Join(t.TempDir(), "abinit.out"), nil, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOutput_NoResidual(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abinit.out")
	require.NoError(t, os.WriteFile(path, []byte(" Calculation completed.\n"), 0o644))

	_, err := Inspect(path, nil, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResidual)
}

func TestInspect_Complete(t *testing.T) {
	res, err := Inspect(filepath.Join("testdata", "complete.out"), nil, 3)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.False(t, res.UsedFallback)
	assert.Equal(t, 3.217e-11, res.Residual)
	require.Len(t, res.Matrix, 2)
	assert.Equal(t, 0.0012, res.Matrix[0].At(1, 0))
}

func TestInspect_ExtractionFallback(t *testing.T) {
	fallback := []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	res, err := Inspect(filepath.Join("testdata", "malformed.out"), fallback, 3)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.True(t, res.UsedFallback)
	assert.Contains(t, res.FallbackReason, "x.xxxxx")
	assert.Equal(t, fallback, res.Matrix.Flatten())
	assert.Equal(t, 4.281e-13, res.Residual)
}

func TestInspect_NonFiniteMatrixFallsBack(t *testing.T) {
	for _, tok := range []string{"NaN", "Inf", "-Infinity"} {
		t.Run(tok, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "abinit.out")
			body := ` iter   Etot(hartree)      deltaE(h)  residm     nres2
 ETOT  1  -245.34588601066    -2.453E+02 8.134E-03 4.281E-13

 ========== DFT+U DATA ===================================================
 Occupation matrix for spin  1
     ` + tok + `   0.00000   0.00000
     0.00000   1.00000   0.00000
     0.00000   0.00000   1.00000

 Calculation completed.
`
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

			out, err := ReadOutput(path)
			require.NoError(t, err)
			_, err = out.FinalDmatpawu()
			var extractErr *ExtractionError
			require.ErrorAs(t, err, &extractErr)

			fallback := []float64{0.9, 0, 0, 0, 0.8, 0, 0, 0, 0.1}
			res, err := Inspect(path, fallback, 3)
			require.NoError(t, err)
			assert.True(t, res.Complete)
			assert.True(t, res.UsedFallback)
			assert.Contains(t, res.FallbackReason, "non-finite")
			assert.Equal(t, fallback, res.Matrix.Flatten())
		})
	}
}

func TestInspect_ShapeMismatch(t *testing.T) {
	// two 3x3 matrices do not fit side 5
	_, err := Inspect(filepath.Join("testdata", "complete.out"), nil, 5)
	require.Error(t, err)
	assert.True(t, dmat.IsShapeMismatch(err))
}

func TestResiduals_HeaderColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abinit.out")
	content := " iter   Etot(hartree)     deltaE(h)  residm     vres2    magn\n" +
		" ETOT  1  -10.0  -1.0E+01 1.0E-03 5.0E-02  1.99\n" +
		" ETOT  2  -10.1  -1.0E-01 1.0E-05 ********  1.99\n" +
		" ETOT  3  -10.2  -1.0E-01 1.0E-07 5.0E-09  2.00\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	out, err := ReadOutput(path)
	require.NoError(t, err)
	res, err := out.Residuals()
	require.NoError(t, err)
	assert.Equal(t, []float64{5e-2, 5e-9}, res)
}
