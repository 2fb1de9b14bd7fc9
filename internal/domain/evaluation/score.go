package evaluation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

const scorePlaces = 2

var hundred = decimal.NewFromInt(100)

// Result is either incomplete (no score or grade exposed) or complete. A complete
// result always carries TotalScore, even when it is zero.
type Result struct {
	Complete        bool     `json:"complete"`
	TotalScore      *float64 `json:"totalScore,omitempty"`
	NormalizedScore *float64 `json:"normalizedScore,omitempty"`
	Grade           string   `json:"grade,omitempty"`
	CompletedItems  int      `json:"completedItems"`
	TotalItems      int      `json:"totalItems"`
}

func incomplete(completed, total int) Result {
	return Result{CompletedItems: completed, TotalItems: total}
}

// Aggregate combines the assigned entries of one (employee, period, step[, evaluator])
// stream. The weighted total is clamped to [0, ceiling]; the grade is resolved on the total
// rescaled to 0..100 against ceiling.
func Aggregate(entries []ScoredEntry, ceiling float64, grades GradeTable) (Result, error) {
	if !finite(ceiling) || ceiling <= 0 {
		return Result{}, fmt.Errorf("%w: score cap must be positive", ErrValidation)
	}
	completed := 0
	for _, e := range entries {
		if !finite(e.Score) || e.Score < 0 {
			return Result{}, fmt.Errorf("%w: work item %s score %v", ErrInvalidScore, e.WorkItemID, e.Score)
		}
		if !finite(e.Weight) || e.Weight < 0 {
			return Result{}, fmt.Errorf("%w: work item %s weight %v", ErrInvalidScore, e.WorkItemID, e.Weight)
		}
		if e.IsCompleted {
			completed++
		}
	}
	if len(entries) == 0 || completed < len(entries) {
		return incomplete(completed, len(entries)), nil
	}

	total := weightedTotal(entries)
	capDec := decimal.NewFromFloat(ceiling)
	total = clamp(total, decimal.Zero, capDec)
	normalized := clamp(total.Mul(hundred).Div(capDec), decimal.Zero, hundred)

	return complete(total, normalized, completed, grades)
}

func complete(total, normalized decimal.Decimal, items int, grades GradeTable) (Result, error) {
	totalScore := total.Round(scorePlaces).InexactFloat64()
	normalizedScore := normalized.Round(scorePlaces).InexactFloat64()
	grade, err := grades.Resolve(normalizedScore)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Complete:        true,
		TotalScore:      &totalScore,
		NormalizedScore: &normalizedScore,
		Grade:           grade,
		CompletedItems:  items,
		TotalItems:      items,
	}, nil
}

// weightedTotal is Σ(score*weight)/Σweight; an all-zero weight set counts every entry equally.
func weightedTotal(entries []ScoredEntry) decimal.Decimal {
	sum := decimal.Zero
	weights := decimal.Zero
	for _, e := range entries {
		w := decimal.NewFromFloat(e.Weight)
		sum = sum.Add(decimal.NewFromFloat(e.Score).Mul(w))
		weights = weights.Add(w)
	}
	if weights.IsZero() {
		sum = decimal.Zero
		for _, e := range entries {
			sum = sum.Add(decimal.NewFromFloat(e.Score))
		}
		return sum.Div(decimal.NewFromInt(int64(len(entries))))
	}
	return sum.Div(weights)
}

// CombineSecondaryMean averages the totals of every evaluator. Any incomplete
// evaluator makes the combined result incomplete.
func CombineSecondaryMean(perEvaluator map[string]Result, grades GradeTable) (Result, error) {
	if len(perEvaluator) == 0 {
		return incomplete(0, 0), nil
	}
	ids := make([]string, 0, len(perEvaluator))
	for id := range perEvaluator {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sum := decimal.Zero
	done, items, totalItems := 0, 0, 0
	for _, id := range ids {
		r := perEvaluator[id]
		items += r.CompletedItems
		totalItems += r.TotalItems
		if !r.Complete || r.TotalScore == nil {
			continue
		}
		done++
		sum = sum.Add(decimal.NewFromFloat(*r.TotalScore))
	}
	if done < len(ids) {
		return incomplete(items, totalItems), nil
	}
	mean := clamp(sum.Div(decimal.NewFromInt(int64(done))), decimal.Zero, hundred)
	return complete(mean, mean, items, grades)
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
