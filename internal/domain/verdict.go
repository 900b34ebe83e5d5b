package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// VerdictItem is one provider judgement for a rubric item.
// For matrix rubrics PointID names the dimension and Level the satisfied level label.
type VerdictItem struct {
	PointID    string `json:"pointId"`
	Matched    bool   `json:"matched"`
	ExactMatch bool   `json:"exactMatch"`
	Level      string `json:"level,omitempty"`
	Rationale  string `json:"rationale,omitempty"`
}

// Verdict is the provider-produced judgement. It is never persisted verbatim.
type Verdict struct {
	Breakdown   []VerdictItem `json:"breakdown"`
	Comment     string        `json:"comment,omitempty"`
	StudentName string        `json:"studentName,omitempty"`
}

// DecodeVerdict parses a provider JSON object into a Verdict.
// A missing breakdown array is an error so the gateway can fall back to another provider.
func DecodeVerdict(raw []byte) (Verdict, error) {
	var shape struct {
		Breakdown json.RawMessage `json:"breakdown"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	trimmed := strings.TrimSpace(string(shape.Breakdown))
	if trimmed == "" || trimmed == "null" {
		return Verdict{}, errors.New("decode verdict: breakdown is missing")
	}

	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	for i := range v.Breakdown {
		v.Breakdown[i].PointID = strings.TrimSpace(v.Breakdown[i].PointID)
	}
	v.StudentName = strings.TrimSpace(v.StudentName)
	return v, nil
}
