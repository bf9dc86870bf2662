package abinit

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/roach88/orbitaldftu/internal/dmat"
)

const (
	completedMarker  = "Calculation completed."
	occupationMarker = "Occupation matrix for spin"
	// default position of nres2 in an ETOT row when no header was seen
	defaultResidualColumn = 5
)

var dftuSectionMarkers = []string{"LDA+U DATA", "DFT+U DATA"}

// ErrNoResidual is returned when a completed output has no SCF residual rows.
var ErrNoResidual = errors.New("no SCF residual found in output")

// ExtractionError is returned when the final occupation matrices cannot be
// read from an otherwise complete output.
type ExtractionError struct {
	Path   string
	Line   int
	Reason string
}

func (e *ExtractionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: cannot extract dmatpawu: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: cannot extract dmatpawu: %s", e.Path, e.Reason)
}

// IsExtractionError reports whether err is an ExtractionError.
func IsExtractionError(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

// Output holds the lines of an ABINIT main output file.
type Output struct {
	path  string
	lines []string
}

// ReadOutput loads path. A missing file is reported with an error that
// satisfies errors.Is(err, os.ErrNotExist).
func ReadOutput(path string) (*Output, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	o := &Output{path: path}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		o.lines = append(o.lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return o, nil
}

// IsFinished reports whether the solver reached its normal end.
func (o *Output) IsFinished() bool {
	for i := len(o.lines) - 1; i >= 0; i-- {
		if strings.Contains(o.lines[i], completedMarker) {
			return true
		}
	}
	return false
}

// Residuals returns the nres2 history of every SCF cycle in the output.
func (o *Output) Residuals() ([]float64, error) {
	column := defaultResidualColumn
	var out []float64
	for _, line := range o.lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "iter" {
			for i, f := range fields {
				if f == "nres2" || f == "vres2" {
					// rows carry a leading "ETOT" label the header lacks
					column = i + 1
				}
			}
			continue
		}
		if fields[0] != "ETOT" || len(fields) <= column {
			continue
		}
		v, err := parseScalar(fields[column])
		if err != nil {
			// overflowed Fortran fields print as asterisks
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, ErrNoResidual
	}
	return out, nil
}

// FinalResidual returns the last entry of Residuals.
func (o *Output) FinalResidual() (float64, error) {
	res, err := o.Residuals()
	if err != nil {
		return 0, err
	}
	return res[len(res)-1], nil
}

// FinalDmatpawu returns the occupation matrices printed in the last DFT+U
// section, flattened in print order.
func (o *Output) FinalDmatpawu() ([]float64, error) {
	var flat []float64
	found := false
	for i := 0; i < len(o.lines); i++ {
		line := o.lines[i]
		if isSectionMarker(line) {
			flat = flat[:0]
			found = false
			continue
		}
		if !strings.Contains(line, occupationMarker) {
			continue
		}
		found = true
		rows := 0
		for i+1 < len(o.lines) {
			next := strings.Fields(o.lines[i+1])
			if len(next) == 0 {
				if rows > 0 {
					break
				}
				i++
				continue
			}
			if _, err := parseScalar(next[0]); err != nil {
				break
			}
			i++
			for _, tok := range next {
				v, err := parseScalar(tok)
				if err != nil {
					return nil, &ExtractionError{Path: o.path, Line: i + 1, Reason: fmt.Sprintf("bad matrix element %q", tok)}
				}
				flat = append(flat, v)
			}
			rows++
		}
		if rows == 0 {
			return nil, &ExtractionError{Path: o.path, Line: i + 1, Reason: "occupation matrix header without rows"}
		}
	}
	if !found || len(flat) == 0 {
		return nil, &ExtractionError{Path: o.path, Reason: "no occupation matrices found"}
	}
	if i := dmat.NonFinite(flat); i >= 0 {
		return nil, &ExtractionError{Path: o.path, Reason: fmt.Sprintf("non-finite matrix element %v at position %d", flat[i], i)}
	}
	out := make([]float64, len(flat))
	copy(out, flat)
	return out, nil
}

func isSectionMarker(line string) bool {
	for _, m := range dftuSectionMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// InspectionResult is what the controller learns from one output file.
type InspectionResult struct {
	Complete bool
	Residual float64
	Matrix   dmat.Block
	// UsedFallback is set when Matrix is the previous input block because
	// extraction from the output failed. FallbackReason holds the cause.
	UsedFallback   bool
	FallbackReason string
}

// Inspect reads the output at path. A truncated output yields Complete=false
// and no error. When the occupation matrices cannot be extracted, fallback
// (the flat dmatpawu of the current input) is used instead and the result is
// flagged. Reshaping into side x side matrices may fail with
// dmat.ShapeMismatchError.
func Inspect(path string, fallback []float64, side int) (*InspectionResult, error) {
	out, err := ReadOutput(path)
	if err != nil {
		return nil, err
	}
	if !out.IsFinished() {
		return &InspectionResult{Complete: false}, nil
	}

	res := &InspectionResult{Complete: true}
	res.Residual, err = out.FinalResidual()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	flat, err := out.FinalDmatpawu()
	if err != nil {
		if !IsExtractionError(err) {
			return nil, err
		}
		res.UsedFallback = true
		res.FallbackReason = err.Error()
		flat = fallback
	}

	res.Matrix, err = dmat.Reshape(flat, side)
	if err != nil {
		return nil, err
	}
	return res, nil
}
