package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type StrategyType string

const (
	StrategyPointAccumulation StrategyType = "point_accumulation"
	StrategySequentialLogic   StrategyType = "sequential_logic"
	StrategyRubricMatrix      StrategyType = "rubric_matrix"
)

type PickType string

const (
	PickN        PickType = "pick_n"
	PickAll      PickType = "all"
	PickWeighted PickType = "weighted"
)

type RubricMetadata struct {
	QuestionID string `json:"questionId"`
	Title      string `json:"title"`
	Subject    string `json:"subject,omitempty"`
	ExamID     string `json:"examId,omitempty"`
}

type ScoringPoint struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Keywords    []string        `json:"keywords,omitempty"`
	Value       decimal.Decimal `json:"value"`
	StrictMode  bool            `json:"strictMode,omitempty"`
}

type PointStrategy struct {
	Type       PickType `json:"type"`
	MaxPoints  int      `json:"maxPoints,omitempty"`
	StrictMode bool     `json:"strictMode,omitempty"`
}

type LogicStep struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Value       decimal.Decimal `json:"value"`
}

type MatrixLevel struct {
	Label       string          `json:"label"`
	Score       decimal.Decimal `json:"score"`
	Description string          `json:"description,omitempty"`
}

type MatrixDimension struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Weight *decimal.Decimal `json:"weight,omitempty"`
	Levels []MatrixLevel    `json:"levels"`
}

// EffectiveWeight defaults a missing weight to 1.
func (d MatrixDimension) EffectiveWeight() decimal.Decimal {
	if d.Weight == nil {
		return decimal.NewFromInt(1)
	}
	return *d.Weight
}

// Rubric is a tagged union over StrategyType. Only the fields of the declared
// strategy are meaningful; Validate rejects rubrics missing them.
type Rubric struct {
	StrategyType StrategyType     `json:"strategyType"`
	Metadata     RubricMetadata   `json:"metadata"`
	TotalScore   *decimal.Decimal `json:"totalScore,omitempty"`

	Points   []ScoringPoint `json:"points,omitempty"`
	Strategy *PointStrategy `json:"strategy,omitempty"`

	Steps        []LogicStep `json:"steps,omitempty"`
	RequireOrder bool        `json:"requireOrder,omitempty"`

	Dimensions []MatrixDimension `json:"dimensions,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PointStrategyOrDefault treats a missing strategy descriptor as weighted.
func (r Rubric) PointStrategyOrDefault() PointStrategy {
	if r.Strategy == nil || r.Strategy.Type == "" {
		s := PointStrategy{Type: PickWeighted}
		if r.Strategy != nil {
			s.StrictMode = r.Strategy.StrictMode
		}
		return s
	}
	return *r.Strategy
}

// Validate returns a *RubricFormatError listing every structural violation, or nil.
func (r Rubric) Validate() error {
	var v []string
	add := func(format string, args ...any) {
		v = append(v, fmt.Sprintf(format, args...))
	}

	if r.TotalScore != nil && !r.TotalScore.IsPositive() {
		add("totalScore must be positive")
	}

	switch r.StrategyType {
	case StrategyPointAccumulation:
		if len(r.Points) == 0 {
			add("points must not be empty for %s", r.StrategyType)
		}
		seen := make(map[string]struct{}, len(r.Points))
		for i, p := range r.Points {
			id := strings.TrimSpace(p.ID)
			if id == "" {
				add("points[%d].id is required", i)
			} else if _, dup := seen[id]; dup {
				add("points[%d].id %q is duplicated", i, id)
			} else {
				seen[id] = struct{}{}
			}
			if p.Value.IsNegative() {
				add("points[%d].value must not be negative", i)
			}
		}
		s := r.PointStrategyOrDefault()
		switch s.Type {
		case PickN:
			if s.MaxPoints < 1 {
				add("strategy.maxPoints must be at least 1 for pick_n")
			}
		case PickAll, PickWeighted:
		default:
			add("strategy.type %q is not one of pick_n, all, weighted", s.Type)
		}
	case StrategySequentialLogic:
		if len(r.Steps) == 0 {
			add("steps must not be empty for %s", r.StrategyType)
		}
		seen := make(map[string]struct{}, len(r.Steps))
		for i, s := range r.Steps {
			id := strings.TrimSpace(s.ID)
			if id == "" {
				add("steps[%d].id is required", i)
			} else if _, dup := seen[id]; dup {
				add("steps[%d].id %q is duplicated", i, id)
			} else {
				seen[id] = struct{}{}
			}
			if s.Value.IsNegative() {
				add("steps[%d].value must not be negative", i)
			}
		}
	case StrategyRubricMatrix:
		if len(r.Dimensions) == 0 {
			add("dimensions must not be empty for %s", r.StrategyType)
		}
		seen := make(map[string]struct{}, len(r.Dimensions))
		for i, d := range r.Dimensions {
			id := strings.TrimSpace(d.ID)
			if id == "" {
				add("dimensions[%d].id is required", i)
			} else if _, dup := seen[id]; dup {
				add("dimensions[%d].id %q is duplicated", i, id)
			} else {
				seen[id] = struct{}{}
			}
			if d.Weight != nil && d.Weight.IsNegative() {
				add("dimensions[%d].weight must not be negative", i)
			}
			if len(d.Levels) == 0 {
				add("dimensions[%d].levels must not be empty", i)
			}
			labels := make(map[string]struct{}, len(d.Levels))
			for j, l := range d.Levels {
				label := NormalizeLevelLabel(l.Label)
				if label == "" {
					add("dimensions[%d].levels[%d].label is required", i, j)
				} else if _, dup := labels[label]; dup {
					add("dimensions[%d].levels[%d].label %q is duplicated", i, j, l.Label)
				} else {
					labels[label] = struct{}{}
				}
				if l.Score.IsNegative() {
					add("dimensions[%d].levels[%d].score must not be negative", i, j)
				}
			}
		}
	case "":
		add("strategyType is required")
	default:
		add("strategyType %q is not supported", r.StrategyType)
	}

	if len(v) > 0 {
		return &RubricFormatError{Violations: v}
	}
	return nil
}

// NormalizeLevelLabel is the comparison form of a matrix level label.
func NormalizeLevelLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// StoredRubric is a rubric saved under a scope for reuse by question key.
type StoredRubric struct {
	ScopeKey    string    `json:"scopeKey"`
	QuestionKey string    `json:"questionKey"`
	Rubric      Rubric    `json:"rubric"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
