package abinit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Keys the controller reads or writes.
const (
	KeyDmatpawu  = "dmatpawu"
	KeyLpawu     = "lpawu"
	KeyUsedmatpu = "usedmatpu"
	KeyNstep     = "nstep"
	KeyTolvrs    = "tolvrs"
	KeyIrdwfk    = "irdwfk"
)

// RequiredKeys must be present in every controller input.
var RequiredKeys = []string{KeyDmatpawu, KeyLpawu}

// defaultWrap is the number of value tokens written per line.
const defaultWrap = 10

var keyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*[:+?*]?$`)

// units that may follow numeric values and must not be taken for keys.
var units = map[string]bool{
	"ha": true, "hartree": true, "ev": true, "mev": true, "ry": true, "rydberg": true,
	"k": true, "kelvin": true, "angstr": true, "angstrom": true, "bohr": true,
	"au": true, "t": true, "tesla": true, "s": true, "sec": true, "second": true,
	"fs": true, "nm": true,
}

// MalformedInputError is returned when an input lacks a required key.
type MalformedInputError struct {
	Path string
	Key  string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("%s: required variable %q not found", e.Path, e.Key)
}

// IsMalformedInput reports whether err is a MalformedInputError.
func IsMalformedInput(err error) bool {
	var me *MalformedInputError
	return errors.As(err, &me)
}

// Input is an ordered key-value view of an ABINIT input file.
// Values are kept as raw tokens and converted on demand.
type Input struct {
	keys   []string
	values map[string][]string
	wrap   map[string]int
}

// NewInput returns an empty view.
func NewInput() *Input {
	return &Input{values: make(map[string][]string), wrap: make(map[string]int)}
}

// Parse tokenizes an ABINIT input. Comments start with '#' or '!'.
func Parse(r io.Reader) (*Input, error) {
	in := NewInput()
	var current string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := stripComment(sc.Text())
		tokens, err := tokenize(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for _, tok := range tokens {
			if isKey(tok) {
				current = tok
				if _, seen := in.values[tok]; !seen {
					in.keys = append(in.keys, tok)
				}
				in.values[tok] = []string{}
				continue
			}
			if current == "" {
				return nil, fmt.Errorf("line %d: value %q before any variable name", line, tok)
			}
			in.values[current] = append(in.values[current], tok)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return in, nil
}

// Load reads path and checks that every RequiredKeys entry is present.
func Load(path string) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	in, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, key := range RequiredKeys {
		if !in.Has(key) {
			return nil, &MalformedInputError{Path: path, Key: key}
		}
	}
	return in, nil
}

func stripComment(s string) string {
	inQuote := false
	for i, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case (r == '#' || r == '!') && !inQuote:
			return s[:i]
		}
	}
	return s
}

func tokenize(s string) ([]string, error) {
	var out []string
	for {
		s = strings.TrimLeft(s, " \t\r")
		if s == "" {
			return out, nil
		}
		if s[0] == '"' {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated string")
			}
			out = append(out, s[:end+2])
			s = s[end+2:]
			continue
		}
		end := strings.IndexAny(s, " \t\r")
		if end < 0 {
			end = len(s)
		}
		out = append(out, s[:end])
		s = s[end:]
	}
}

func isKey(tok string) bool {
	if units[strings.ToLower(tok)] {
		return false
	}
	return keyPattern.MatchString(tok)
}

// Has reports whether key is defined.
func (in *Input) Has(key string) bool {
	_, ok := in.values[key]
	return ok
}

// Keys returns the variable names in file order.
func (in *Input) Keys() []string {
	out := make([]string, len(in.keys))
	copy(out, in.keys)
	return out
}

// Raw returns a copy of the tokens stored for key.
func (in *Input) Raw(key string) []string {
	v := in.values[key]
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// Floats returns the numeric values of key with n*x repeats expanded.
// Unit tokens are skipped.
func (in *Input) Floats(key string) ([]float64, error) {
	tokens, ok := in.values[key]
	if !ok {
		return nil, fmt.Errorf("variable %q not defined", key)
	}
	var out []float64
	for _, tok := range tokens {
		if units[strings.ToLower(tok)] {
			continue
		}
		vals, err := parseNumber(tok)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, vals...)
	}
	return out, nil
}

// Ints returns the values of key as integers.
func (in *Input) Ints(key string) ([]int, error) {
	vals, err := in.Floats(key)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(vals))
	for i, v := range vals {
		if v != float64(int(v)) {
			return nil, fmt.Errorf("%s: %v is not an integer", key, v)
		}
		out[i] = int(v)
	}
	return out, nil
}

// Set replaces the tokens of key, appending the key if it is new.
func (in *Input) Set(key string, tokens ...string) {
	if _, ok := in.values[key]; !ok {
		in.keys = append(in.keys, key)
	}
	v := make([]string, len(tokens))
	copy(v, tokens)
	in.values[key] = v
}

// SetInt sets a scalar integer variable.
func (in *Input) SetInt(key string, v int) {
	in.Set(key, strconv.Itoa(v))
}

// SetFloat sets a scalar real variable.
func (in *Input) SetFloat(key string, v float64) {
	in.Set(key, FormatFloat(v))
}

// SetFloats sets a vector variable, writing perLine values per line.
func (in *Input) SetFloats(key string, vals []float64, perLine int) {
	tokens := make([]string, len(vals))
	for i, v := range vals {
		tokens[i] = FormatFloat(v)
	}
	in.Set(key, tokens...)
	if perLine > 0 {
		in.wrap[key] = perLine
	}
}

// FormatFloat renders v with the shortest representation that reads back
// to the same float64.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Encode writes the view in ABINIT syntax.
func (in *Input) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, key := range in.keys {
		tokens := in.values[key]
		per := in.wrap[key]
		if per <= 0 {
			per = defaultWrap
		}
		fmt.Fprintf(bw, "%-12s", key)
		if len(tokens) == 0 {
			bw.WriteString("\n")
			continue
		}
		for i := 0; i < len(tokens); i += per {
			end := i + per
			if end > len(tokens) {
				end = len(tokens)
			}
			if i > 0 {
				fmt.Fprintf(bw, "%-12s", "")
			}
			bw.WriteString(" " + strings.Join(tokens[i:end], " ") + "\n")
		}
	}
	return bw.Flush()
}

// Write replaces path with the encoded view. The content goes to a temporary
// file in the same directory which is then renamed over path, so readers see
// either the old or the new input, never a partial one.
func Write(in *Input, path string) error {
	return WriteFileAtomic(path, func(w io.Writer) error { return in.Encode(w) })
}

// WriteFileAtomic writes through fill into a temp file and renames it to path.
func WriteFileAtomic(path string, fill func(io.Writer) error) (err error) {
	mode := os.FileMode(0o644)
	if fi, statErr := os.Stat(path); statErr == nil {
		mode = fi.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if err = fill(tmp); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("write %s: sync: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("write %s: close: %w", path, err)
	}
	if err = os.Chmod(tmp.Name(), mode); err != nil {
		return fmt.Errorf("write %s: chmod: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write %s: rename: %w", path, err)
	}
	return nil
}

// parseNumber handles plain reals, Fortran d exponents, fractions and the
// n*value repeat syntax.
func parseNumber(tok string) ([]float64, error) {
	if i := strings.IndexByte(tok, '*'); i > 0 {
		n, err := strconv.Atoi(tok[:i])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid repeat count in %q", tok)
		}
		v, err := parseScalar(tok[i+1:])
		if err != nil {
			return nil, err
		}
		out := make([]float64, n)
		for k := range out {
			out[k] = v
		}
		return out, nil
	}
	v, err := parseScalar(tok)
	if err != nil {
		return nil, err
	}
	return []float64{v}, nil
}

func parseScalar(tok string) (float64, error) {
	if i := strings.IndexByte(tok, '/'); i > 0 {
		num, err1 := parseScalar(tok[:i])
		den, err2 := parseScalar(tok[i+1:])
		if err1 != nil || err2 != nil || den == 0 {
			return 0, fmt.Errorf("invalid fraction %q", tok)
		}
		return num / den, nil
	}
	s := strings.NewReplacer("d", "e", "D", "e").Replace(tok)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", tok)
	}
	return v, nil
}
