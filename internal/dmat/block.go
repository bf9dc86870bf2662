package dmat

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Block is an ordered sequence of square occupation matrices.
type Block []*mat.Dense

// ShapeMismatchError is returned when a flat sequence cannot be split into
// square matrices of the requested side.
type ShapeMismatchError struct {
	Length int
	Side   int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("dmatpawu has %d elements, not a multiple of %dx%d", e.Length, e.Side, e.Side)
}

// IsShapeMismatch reports whether err is a ShapeMismatchError.
func IsShapeMismatch(err error) bool {
	var se *ShapeMismatchError
	return errors.As(err, &se)
}

// Side returns the matrix dimension for the given lpawu values: 2*max(lpawu)+1.
// Species without correlated orbitals carry lpawu=-1 and never win the max.
func Side(lpawu []int) (int, error) {
	if len(lpawu) == 0 {
		return 0, fmt.Errorf("lpawu is empty")
	}
	maxL := lpawu[0]
	for _, l := range lpawu[1:] {
		if l > maxL {
			maxL = l
		}
	}
	if maxL < 0 {
		return 0, fmt.Errorf("lpawu has no correlated species (max %d)", maxL)
	}
	return 2*maxL + 1, nil
}

// Reshape splits flat into len(flat)/(side*side) row-major matrices.
// The input slice is copied; the returned block does not alias it.
func Reshape(flat []float64, side int) (Block, error) {
	if side <= 0 {
		return nil, fmt.Errorf("invalid matrix side %d", side)
	}
	n := side * side
	if len(flat) == 0 || len(flat)%n != 0 {
		return nil, &ShapeMismatchError{Length: len(flat), Side: side}
	}
	block := make(Block, 0, len(flat)/n)
	for off := 0; off < len(flat); off += n {
		data := make([]float64, n)
		copy(data, flat[off:off+n])
		block = append(block, mat.NewDense(side, side, data))
	}
	return block, nil
}

// Flatten returns the row-major concatenation of every matrix in b.
func (b Block) Flatten() []float64 {
	var out []float64
	for _, m := range b {
		r, c := m.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				out = append(out, m.At(i, j))
			}
		}
	}
	return out
}

// Side returns the dimension of the matrices in b, or 0 for an empty block.
func (b Block) Side() int {
	if len(b) == 0 {
		return 0
	}
	r, _ := b[0].Dims()
	return r
}

// Clone returns a deep copy of b.
func (b Block) Clone() Block {
	if b == nil {
		return nil
	}
	out := make(Block, len(b))
	for i, m := range b {
		out[i] = mat.DenseCopyOf(m)
	}
	return out
}

// Equal reports whether a and b hold identical matrices in the same order.
func Equal(a, b Block) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !mat.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Params summarises a block the way the orbital DFT+U tooling reports it:
// eigen occupations and trace of each matrix.
type Params struct {
	NumMatrices int         `json:"num_matrices"`
	Occupations [][]float64 `json:"occupations"`
	Traces      []float64   `json:"traces"`
}

// Decompose computes the eigen occupations of every matrix in b. Matrices
// are symmetrised first since printed occupations carry rounding noise.
func Decompose(b Block) (*Params, error) {
	p := &Params{NumMatrices: len(b)}
	for i, m := range b {
		r, c := m.Dims()
		if r != c {
			return nil, fmt.Errorf("matrix %d is %dx%d, not square", i, r, c)
		}
		sym := mat.NewSymDense(r, nil)
		for row := 0; row < r; row++ {
			for col := row; col < r; col++ {
				sym.SetSym(row, col, (m.At(row, col)+m.At(col, row))/2)
			}
		}
		var es mat.EigenSym
		if ok := es.Factorize(sym, false); !ok {
			return nil, fmt.Errorf("matrix %d: eigen decomposition failed", i)
		}
		vals := es.Values(nil)
		for k, v := range vals {
			if math.Abs(v) < 1e-12 {
				vals[k] = 0
			}
		}
		p.Occupations = append(p.Occupations, vals)
		p.Traces = append(p.Traces, mat.Trace(m))
	}
	return p, nil
}

// NonFinite returns the position of the first NaN or infinite value in flat,
// or -1 when every value is finite.
func NonFinite(flat []float64) int {
	for i, v := range flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}
