package scoring

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/zhiquai/aigrading/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func points(values ...string) []domain.ScoringPoint {
	out := make([]domain.ScoringPoint, 0, len(values))
	for i, v := range values {
		out = append(out, domain.ScoringPoint{ID: "p" + string(rune('1'+i)), Value: dec(v)})
	}
	return out
}

func matched(ids ...string) domain.Verdict {
	v := domain.Verdict{}
	for _, id := range ids {
		v.Breakdown = append(v.Breakdown, domain.VerdictItem{PointID: id, Matched: true, ExactMatch: true})
	}
	return v
}

func assertConsistent(t *testing.T, res Result) {
	t.Helper()
	sum := decimal.Zero
	for _, e := range res.Breakdown {
		sum = sum.Add(e.Awarded)
	}
	if !sum.Equal(res.Score) {
		t.Fatalf("breakdown sum %s != score %s", sum, res.Score)
	}
	if res.Score.GreaterThan(res.MaxScore) {
		t.Fatalf("score %s exceeds max %s", res.Score, res.MaxScore)
	}
}

func TestPickNCountsHighestValueMatches(t *testing.T) {
	t.Parallel()

	rubric := domain.Rubric{
		StrategyType: domain.StrategyPointAccumulation,
		Points:       points("1", "3", "2", "3"),
		Strategy:     &domain.PointStrategy{Type: domain.PickN, MaxPoints: 2},
	}
	res, err := Score(rubric, matched("p1", "p2", "p3", "p4"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	assertConsistent(t, res)
	if !res.Score.Equal(dec("6")) || !res.MaxScore.Equal(dec("6")) {
		t.Fatalf("expected 6/6, got %s/%s", res.Score, res.MaxScore)
	}
	counted := 0
	for _, e := range res.Breakdown {
		if e.Counted {
			counted++
			if !e.Awarded.Equal(dec("3")) {
				t.Fatalf("expected only value-3 points counted, got %s for %s", e.Awarded, e.ItemID)
			}
		}
	}
	if counted != 2 {
		t.Fatalf("expected exactly 2 counted points, got %d", counted)
	}
}

func TestPickNTieBreaksByOriginalOrder(t *testing.T) {
	t.Parallel()

	rubric := domain.Rubric{
		StrategyType: domain.StrategyPointAccumulation,
		Points:       points("2", "2", "2"),
		Strategy:     &domain.PointStrategy{Type: domain.PickN, MaxPoints: 2},
	}
	res, err := Score(rubric, matched("p3", "p2", "p1"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !res.Breakdown[0].Counted || !res.Breakdown[1].Counted || res.Breakdown[2].Counted {
		t.Fatalf("expected p1 and p2 counted, got %+v", res.Breakdown)
	}
	if res.Breakdown[2].Note != noteOverPickLimit {
		t.Fatalf("expected over-limit note, got %q", res.Breakdown[2].Note)
	}
}

func TestStrictModeFuzzyMatchScoresZero(t *testing.T) {
	t.Parallel()

	rubric := domain.Rubric{
		StrategyType: domain.StrategyPointAccumulation,
		Points: []domain.ScoringPoint{
			{ID: "blank1", Value: dec("2"), StrictMode: true},
			{ID: "blank2", Value: dec("2")},
		},
		Strategy: &domain.PointStrategy{Type: domain.PickWeighted},
	}
	verdict := domain.Verdict{Breakdown: []domain.VerdictItem{
		{PointID: "blank1", Matched: true, ExactMatch: false},
		{PointID: "blank2", Matched: true, ExactMatch: false},
	}}
	res, err := Score(rubric, verdict)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	assertConsistent(t, res)
	if !res.Breakdown[0].Awarded.IsZero() || res.Breakdown[0].Note != noteStrictFuzzy {
		t.Fatalf("strict fuzzy point must score zero, got %+v", res.Breakdown[0])
	}
	if !res.Score.Equal(dec("2")) {
		t.Fatalf("expected 2, got %s", res.Score)
	}

	rubric.Strategy.StrictMode = true
	res, err = Score(rubric, verdict)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !res.Score.IsZero() {
		t.Fatalf("strategy-wide strict mode must zero fuzzy matches, got %s", res.Score)
	}
}

func TestAllRequiresEveryPoint(t *testing.T) {
	t.Parallel()

	rubric := domain.Rubric{
		StrategyType: domain.StrategyPointAccumulation,
		Points:       points("2", "2", "2"),
		Strategy:     &domain.PointStrategy{Type: domain.PickAll},
	}
	res, err := Score(rubric, matched("p1", "p2"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	assertConsistent(t, res)
	if !res.Score.IsZero() || !res.MaxScore.Equal(dec("6")) {
		t.Fatalf("expected 0/6, got %s/%s", res.Score, res.MaxScore)
	}

	res, err = Score(rubric, matched("p1", "p2", "p3"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	assertConsistent(t, res)
	if !res.Score.Equal(dec("6")) {
		t.Fatalf("expected 6, got %s", res.Score)
	}
}

func TestWeightedSumsMatchedValues(t *testing.T) {
	t.Parallel()

	rubric := domain.Rubric{
		StrategyType: domain.StrategyPointAccumulation,
		Points:       points("1.5", "2.25", "4"),
	}
	res, err := Score(rubric, matched("p1", "p2"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	assertConsistent(t, res)
	if !res.Score.Equal(dec("3.75")) || !res.MaxScore.Equal(dec("7.75")) {
		t.Fatalf("expected 3.75/7.75, got %s/%s", res.Score, res.MaxScore)
	}
}

func TestRequireOrderStopsAtFirstMiss(t *testing.T) {
	t.Parallel()

	rubric := domain.Rubric{
		StrategyType: domain.StrategySequentialLogic,
		Steps: []domain.LogicStep{
			{ID: "s1", Value: dec("2")},
			{ID: "s2", Value: dec("3")},
			{ID: "s3", Value: dec("5")},
		},
		RequireOrder: true,
	}
	res, err := Score(rubric, matched("s1", "s3"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	assertConsistent(t, res)
	if !res.Score.Equal(dec("2")) {
		t.Fatalf("expected 2, got %s", res.Score)
	}
	if res.Breakdown[2].Note != noteOrderBroken {
		t.Fatalf("expected order-broken note on s3, got %q", res.Breakdown[2].Note)
	}

	rubric.RequireOrder = false
	res, err = Score(rubric, matched("s1", "s3"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !res.Score.Equal(dec("7")) {
		t.Fatalf("expected 7 without order requirement, got %s", res.Score)
	}
}

func TestMatrixTakesBestLevelTimesWeight(t *testing.T) {
	t.Parallel()

	weight := dec("2")
	rubric := domain.Rubric{
		StrategyType: domain.StrategyRubricMatrix,
		Dimensions: []domain.MatrixDimension{
			{
				ID:     "clarity",
				Weight: &weight,
				Levels: []domain.MatrixLevel{
					{Label: "Excellent", Score: dec("4")},
					{Label: "Fair", Score: dec("2")},
				},
			},
			{
				ID: "accuracy",
				Levels: []domain.MatrixLevel{
					{Label: "High", Score: dec("3")},
					{Label: "Low", Score: dec("1")},
				},
			},
		},
	}
	verdict := domain.Verdict{Breakdown: []domain.VerdictItem{
		{PointID: "clarity", Matched: true, Level: "fair"},
		{PointID: "clarity", Matched: true, Level: " EXCELLENT "},
		{PointID: "accuracy", Matched: true, Level: "Medium"},
		{PointID: "style", Matched: true, Level: "Good"},
	}}
	res, err := Score(rubric, verdict)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	assertConsistent(t, res)
	if !res.Score.Equal(dec("8")) || !res.MaxScore.Equal(dec("11")) {
		t.Fatalf("expected 8/11, got %s/%s", res.Score, res.MaxScore)
	}
	if res.Breakdown[0].Level != "Excellent" {
		t.Fatalf("expected Excellent level, got %q", res.Breakdown[0].Level)
	}
	if res.Breakdown[1].Counted {
		t.Fatalf("unknown level must not count")
	}
	if len(res.Ignored) != 2 {
		t.Fatalf("expected unknown level and unknown dimension to be ignored, got %+v", res.Ignored)
	}
}

func TestDeclaredTotalCapsScore(t *testing.T) {
	t.Parallel()

	total := dec("5")
	rubric := domain.Rubric{
		StrategyType: domain.StrategyPointAccumulation,
		TotalScore:   &total,
		Points:       points("3", "4"),
	}
	res, err := Score(rubric, matched("p1", "p2"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	assertConsistent(t, res)
	if !res.Score.Equal(dec("5")) || !res.MaxScore.Equal(dec("5")) {
		t.Fatalf("expected 5/5, got %s/%s", res.Score, res.MaxScore)
	}
	if !res.Breakdown[1].Awarded.Equal(dec("2")) || res.Breakdown[1].Note != noteCapped {
		t.Fatalf("expected second point capped at 2, got %+v", res.Breakdown[1])
	}
}

func TestUnknownVerdictItemsAreIgnored(t *testing.T) {
	t.Parallel()

	rubric := domain.Rubric{
		StrategyType: domain.StrategyPointAccumulation,
		Points:       points("1"),
	}
	res, err := Score(rubric, matched("p1", "ghost"))
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(res.Ignored) != 1 || res.Ignored[0].PointID != "ghost" {
		t.Fatalf("expected ghost to be ignored, got %+v", res.Ignored)
	}
	if !res.Score.Equal(dec("1")) {
		t.Fatalf("expected 1, got %s", res.Score)
	}
}

func TestScoreRejectsInvalidRubric(t *testing.T) {
	t.Parallel()

	_, err := Score(domain.Rubric{StrategyType: domain.StrategyRubricMatrix}, domain.Verdict{})
	if !errors.Is(err, domain.ErrRubricFormatInvalid) {
		t.Fatalf("expected ErrRubricFormatInvalid, got %v", err)
	}
}
