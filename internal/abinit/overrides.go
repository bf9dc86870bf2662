package abinit

import "strconv"

// Override is one variable assignment applied to an Input.
type Override struct {
	Key    string
	Tokens []string
	// PerLine controls line wrapping on write; zero keeps the default.
	PerLine int
}

// OverrideSet is the list of assignments chosen for one invocation.
type OverrideSet []Override

// IntOverride assigns an integer scalar.
func IntOverride(key string, v int) Override {
	return Override{Key: key, Tokens: []string{strconv.Itoa(v)}}
}

// FloatOverride assigns a real scalar.
func FloatOverride(key string, v float64) Override {
	return Override{Key: key, Tokens: []string{FormatFloat(v)}}
}

// VectorOverride assigns a real vector written perLine values per line.
func VectorOverride(key string, vals []float64, perLine int) Override {
	tokens := make([]string, len(vals))
	for i, v := range vals {
		tokens[i] = FormatFloat(v)
	}
	return Override{Key: key, Tokens: tokens, PerLine: perLine}
}

// ApplyOverrides sets every assignment of set on in. Applying the same set
// twice leaves in unchanged the second time.
func ApplyOverrides(in *Input, set OverrideSet) {
	for _, o := range set {
		in.Set(o.Key, o.Tokens...)
		if o.PerLine > 0 {
			in.wrap[o.Key] = o.PerLine
		}
	}
}
