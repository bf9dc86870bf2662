package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/orbitaldftu/internal/config"
	"github.com/roach88/orbitaldftu/internal/dmat"
)

// timeLayout is fixed-width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// storedMatrix is the TEXT form of a dmat.Block.
type storedMatrix struct {
	Side   int       `json:"side"`
	Values []float64 `json:"values"`
}

// marshalJSON encodes v without HTML escaping and without the trailing
// newline json.Encoder adds.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func marshalConfig(c config.RunConfiguration) (string, error) {
	s, err := marshalJSON(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return s, nil
}

func unmarshalConfig(data string) (config.RunConfiguration, error) {
	var c config.RunConfiguration
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return c, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// marshalMatrix returns a NULL-able column value; empty blocks are stored as
// NULL.
func marshalMatrix(b dmat.Block) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	s, err := marshalJSON(storedMatrix{Side: b.Side(), Values: b.Flatten()})
	if err != nil {
		return nil, fmt.Errorf("marshal matrix: %w", err)
	}
	return s, nil
}

func unmarshalMatrix(data string) (dmat.Block, error) {
	var m storedMatrix
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal matrix: %w", err)
	}
	b, err := dmat.Reshape(m.Values, m.Side)
	if err != nil {
		return nil, fmt.Errorf("unmarshal matrix: %w", err)
	}
	return b, nil
}

func marshalOccupations(occ [][]float64) (any, error) {
	if len(occ) == 0 {
		return nil, nil
	}
	s, err := marshalJSON(occ)
	if err != nil {
		return nil, fmt.Errorf("marshal occupations: %w", err)
	}
	return s, nil
}

func unmarshalOccupations(data string) ([][]float64, error) {
	var occ [][]float64
	if err := json.Unmarshal([]byte(data), &occ); err != nil {
		return nil, fmt.Errorf("unmarshal occupations: %w", err)
	}
	return occ, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
