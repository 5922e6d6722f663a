package models

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	DefaultOutputPrefix  = "split"
	DefaultZeroPadDigits = 3
	MaxZeroPadDigits     = 9
)

// SplitJobParams is the immutable input of one split job.
// An empty RangesText and a zero PagesPerFile mean "not provided".
type SplitJobParams struct {
	InputPath        string        `json:"input_path"`
	OutputDir        string        `json:"output_dir"`
	Strategy         SplitStrategy `json:"strategy"`
	RangesText       string        `json:"ranges_text,omitempty"`
	PagesPerFile     int           `json:"pages_per_file,omitempty"`
	OutputPrefix     string        `json:"output_prefix"`
	ZeroPadDigits    int           `json:"zero_pad_digits"`
	PreserveMetadata bool          `json:"preserve_metadata"`
}

// NewSplitJobParams returns params with the documented defaults filled in.
func NewSplitJobParams(inputPath, outputDir string, strategy SplitStrategy) SplitJobParams {
	return SplitJobParams{
		InputPath:        inputPath,
		OutputDir:        outputDir,
		Strategy:         strategy,
		OutputPrefix:     DefaultOutputPrefix,
		ZeroPadDigits:    DefaultZeroPadDigits,
		PreserveMetadata: true,
	}
}

// ToMap flattens the params into the key/value form stored with a history record.
func (p SplitJobParams) ToMap() map[string]any {
	m := map[string]any{
		"input_path":        p.InputPath,
		"output_dir":        p.OutputDir,
		"strategy":          p.Strategy.String(),
		"ranges_text":       nil,
		"pages_per_file":    nil,
		"output_prefix":     p.OutputPrefix,
		"zero_pad_digits":   p.ZeroPadDigits,
		"preserve_metadata": p.PreserveMetadata,
	}
	if p.RangesText != "" {
		m["ranges_text"] = p.RangesText
	}
	if p.PagesPerFile != 0 {
		m["pages_per_file"] = p.PagesPerFile
	}
	return m
}

// ParamsFromMap rebuilds params from a stored key/value payload.
// Numbers may arrive as any Go numeric type or json.Number depending on the backend.
func ParamsFromMap(m map[string]any) (SplitJobParams, error) {
	p := SplitJobParams{
		OutputPrefix:     DefaultOutputPrefix,
		ZeroPadDigits:    DefaultZeroPadDigits,
		PreserveMetadata: true,
	}
	var err error
	if p.InputPath, err = stringField(m, "input_path"); err != nil {
		return p, err
	}
	if p.OutputDir, err = stringField(m, "output_dir"); err != nil {
		return p, err
	}
	name, err := stringField(m, "strategy")
	if err != nil {
		return p, err
	}
	if p.Strategy, err = ParseStrategy(name); err != nil {
		return p, err
	}
	if p.RangesText, err = stringField(m, "ranges_text"); err != nil {
		return p, err
	}
	if v, ok, err := intField(m, "pages_per_file"); err != nil {
		return p, err
	} else if ok {
		p.PagesPerFile = v
	}
	if v, ok := m["output_prefix"].(string); ok {
		p.OutputPrefix = v
	}
	if v, ok, err := intField(m, "zero_pad_digits"); err != nil {
		return p, err
	} else if ok {
		p.ZeroPadDigits = v
	}
	if v, ok := m["preserve_metadata"]; ok && v != nil {
		b, isBool := v.(bool)
		if !isBool {
			return p, fmt.Errorf("field preserve_metadata: expected bool, got %T", v)
		}
		p.PreserveMetadata = b
	}
	return p, nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s: expected string, got %T", key, v)
	}
	return s, nil
}

func intField(m map[string]any, key string) (int, bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int32:
		return int(n), true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, false, fmt.Errorf("field %s: %v is not an integer", key, n)
		}
		return int(n), true, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false, fmt.Errorf("field %s: %w", key, err)
		}
		return int(i), true, nil
	}
	return 0, false, fmt.Errorf("field %s: expected number, got %T", key, v)
}
