// Package scoring turns a provider verdict into a deterministic score.
// Everything here is pure: the same rubric and verdict always yield the same Result.
package scoring

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/zhiquai/aigrading/internal/domain"
)

const (
	noteNotMatched    = "not matched"
	noteStrictFuzzy   = "strict mode requires an exact match"
	noteOverPickLimit = "matched but outside the maxPoints best matches"
	noteAllRequired   = "every point must match to earn credit"
	noteOrderBroken   = "an earlier step did not count"
	noteCapped        = "capped by the declared total"
	noteNoLevel       = "no level satisfied"
)

// Result is the scored outcome. Score equals the sum of Breakdown awards and never exceeds MaxScore.
type Result struct {
	Score     decimal.Decimal         `json:"score"`
	MaxScore  decimal.Decimal         `json:"maxScore"`
	Breakdown []domain.BreakdownEntry `json:"breakdown"`
	// Ignored holds verdict items that reference nothing in the rubric.
	Ignored []domain.VerdictItem `json:"ignored,omitempty"`
}

// Score validates the rubric and dispatches on its strategy.
func Score(rubric domain.Rubric, verdict domain.Verdict) (Result, error) {
	if err := rubric.Validate(); err != nil {
		return Result{}, err
	}

	var (
		natural decimal.Decimal
		entries []domain.BreakdownEntry
		ignored []domain.VerdictItem
	)
	switch rubric.StrategyType {
	case domain.StrategyPointAccumulation:
		natural, entries, ignored = scorePoints(rubric, verdict)
	case domain.StrategySequentialLogic:
		natural, entries, ignored = scoreSteps(rubric, verdict)
	case domain.StrategyRubricMatrix:
		natural, entries, ignored = scoreMatrix(rubric, verdict)
	}

	maxScore := natural
	if rubric.TotalScore != nil {
		maxScore = *rubric.TotalScore
	}

	l := ledger{max: maxScore}
	for i := range entries {
		want := entries[i].Awarded
		got := l.award(want)
		if got.LessThan(want) && entries[i].Note == "" {
			entries[i].Note = noteCapped
		}
		entries[i].Awarded = got
	}

	return Result{
		Score:     l.total,
		MaxScore:  maxScore,
		Breakdown: entries,
		Ignored:   ignored,
	}, nil
}

// ledger clamps every award to the headroom left under max.
type ledger struct {
	max   decimal.Decimal
	total decimal.Decimal
}

func (l *ledger) award(v decimal.Decimal) decimal.Decimal {
	if !v.IsPositive() {
		return decimal.Zero
	}
	room := l.max.Sub(l.total)
	if !room.IsPositive() {
		return decimal.Zero
	}
	if v.GreaterThan(room) {
		v = room
	}
	l.total = l.total.Add(v)
	return v
}

// judgement is the merged view of every verdict item naming one rubric item.
type judgement struct {
	matched   bool
	exact     bool
	rationale string
}

func indexVerdict(v domain.Verdict, known map[string]struct{}) (map[string]judgement, []domain.VerdictItem) {
	out := make(map[string]judgement, len(v.Breakdown))
	var ignored []domain.VerdictItem
	for _, item := range v.Breakdown {
		if _, ok := known[item.PointID]; !ok {
			ignored = append(ignored, item)
			continue
		}
		j := out[item.PointID]
		if item.Matched {
			j.matched = true
			if item.ExactMatch {
				j.exact = true
			}
		}
		if j.rationale == "" {
			j.rationale = item.Rationale
		}
		out[item.PointID] = j
	}
	return out, ignored
}

func scorePoints(r domain.Rubric, v domain.Verdict) (decimal.Decimal, []domain.BreakdownEntry, []domain.VerdictItem) {
	known := make(map[string]struct{}, len(r.Points))
	for _, p := range r.Points {
		known[p.ID] = struct{}{}
	}
	judged, ignored := indexVerdict(v, known)
	strategy := r.PointStrategyOrDefault()

	entries := make([]domain.BreakdownEntry, len(r.Points))
	effective := make([]bool, len(r.Points))
	for i, p := range r.Points {
		j := judged[p.ID]
		entry := domain.BreakdownEntry{
			ItemID:    p.ID,
			Label:     p.Description,
			Max:       p.Value,
			Matched:   j.matched,
			Rationale: j.rationale,
			Awarded:   decimal.Zero,
		}
		strict := strategy.StrictMode || p.StrictMode
		switch {
		case !j.matched:
			entry.Note = noteNotMatched
		case strict && !j.exact:
			entry.Note = noteStrictFuzzy
		default:
			effective[i] = true
		}
		entries[i] = entry
	}

	natural := decimal.Zero
	switch strategy.Type {
	case domain.PickN:
		natural = topValueSum(r.Points, strategy.MaxPoints)
		for _, idx := range pickTop(r.Points, effective, strategy.MaxPoints) {
			entries[idx].Counted = true
			entries[idx].Awarded = r.Points[idx].Value
		}
		for i := range entries {
			if effective[i] && !entries[i].Counted {
				entries[i].Note = noteOverPickLimit
			}
		}
	case domain.PickAll:
		all := true
		for i, p := range r.Points {
			natural = natural.Add(p.Value)
			if !effective[i] {
				all = false
			}
		}
		for i, p := range r.Points {
			if all {
				entries[i].Counted = true
				entries[i].Awarded = p.Value
			} else if effective[i] {
				entries[i].Note = noteAllRequired
			}
		}
	default:
		for i, p := range r.Points {
			natural = natural.Add(p.Value)
			if effective[i] {
				entries[i].Counted = true
				entries[i].Awarded = p.Value
			}
		}
	}
	return natural, entries, ignored
}

// pickTop returns the indices of at most k eligible points, highest value first,
// ties resolved by original order.
func pickTop(points []domain.ScoringPoint, eligible []bool, k int) []int {
	idx := make([]int, 0, len(points))
	for i := range points {
		if eligible[i] {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return points[idx[a]].Value.GreaterThan(points[idx[b]].Value)
	})
	if len(idx) > k {
		idx = idx[:k]
	}
	return idx
}

func topValueSum(points []domain.ScoringPoint, k int) decimal.Decimal {
	all := make([]bool, len(points))
	for i := range all {
		all[i] = true
	}
	sum := decimal.Zero
	for _, i := range pickTop(points, all, k) {
		sum = sum.Add(points[i].Value)
	}
	return sum
}

func scoreSteps(r domain.Rubric, v domain.Verdict) (decimal.Decimal, []domain.BreakdownEntry, []domain.VerdictItem) {
	known := make(map[string]struct{}, len(r.Steps))
	for _, s := range r.Steps {
		known[s.ID] = struct{}{}
	}
	judged, ignored := indexVerdict(v, known)

	natural := decimal.Zero
	chain := true
	entries := make([]domain.BreakdownEntry, 0, len(r.Steps))
	for _, s := range r.Steps {
		natural = natural.Add(s.Value)
		j := judged[s.ID]
		entry := domain.BreakdownEntry{
			ItemID:    s.ID,
			Label:     s.Description,
			Max:       s.Value,
			Matched:   j.matched,
			Rationale: j.rationale,
			Awarded:   decimal.Zero,
		}
		switch {
		case !j.matched:
			entry.Note = noteNotMatched
			chain = false
		case r.RequireOrder && !chain:
			entry.Note = noteOrderBroken
		default:
			entry.Counted = true
			entry.Awarded = s.Value
		}
		entries = append(entries, entry)
	}
	return natural, entries, ignored
}

func scoreMatrix(r domain.Rubric, v domain.Verdict) (decimal.Decimal, []domain.BreakdownEntry, []domain.VerdictItem) {
	byDim := make(map[string][]domain.VerdictItem, len(r.Dimensions))
	dims := make(map[string]domain.MatrixDimension, len(r.Dimensions))
	for _, d := range r.Dimensions {
		dims[d.ID] = d
	}
	var ignored []domain.VerdictItem
	for _, item := range v.Breakdown {
		d, ok := dims[item.PointID]
		if !ok {
			ignored = append(ignored, item)
			continue
		}
		if item.Matched && levelIndex(d, item.Level) < 0 {
			ignored = append(ignored, item)
			continue
		}
		byDim[item.PointID] = append(byDim[item.PointID], item)
	}

	natural := decimal.Zero
	entries := make([]domain.BreakdownEntry, 0, len(r.Dimensions))
	for _, d := range r.Dimensions {
		weight := d.EffectiveWeight()
		best := -1
		top := decimal.Zero
		for i, l := range d.Levels {
			if i == 0 || l.Score.GreaterThan(top) {
				top = l.Score
			}
		}
		natural = natural.Add(top.Mul(weight))

		rationale := ""
		for _, item := range byDim[d.ID] {
			if rationale == "" {
				rationale = item.Rationale
			}
			if !item.Matched {
				continue
			}
			idx := levelIndex(d, item.Level)
			if best < 0 || d.Levels[idx].Score.GreaterThan(d.Levels[best].Score) ||
				(d.Levels[idx].Score.Equal(d.Levels[best].Score) && idx < best) {
				best = idx
			}
		}

		entry := domain.BreakdownEntry{
			ItemID:    d.ID,
			Label:     d.Name,
			Max:       top.Mul(weight),
			Rationale: rationale,
			Awarded:   decimal.Zero,
		}
		if best < 0 {
			entry.Note = noteNoLevel
		} else {
			entry.Matched = true
			entry.Counted = true
			entry.Level = d.Levels[best].Label
			entry.Awarded = d.Levels[best].Score.Mul(weight)
		}
		entries = append(entries, entry)
	}
	return natural, entries, ignored
}

func levelIndex(d domain.MatrixDimension, label string) int {
	want := domain.NormalizeLevelLabel(label)
	if want == "" {
		return -1
	}
	for i, l := range d.Levels {
		if domain.NormalizeLevelLabel(l.Label) == want {
			return i
		}
	}
	return -1
}
