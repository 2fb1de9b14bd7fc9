package evaluation

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	scoreFloor   = 0.0
	scoreCeiling = 100.0
)

// GradeTable is an immutable partition of [0,100] into labelled bands. Each band covers
// [Min, Max); the band ending at 100 also covers 100.
type GradeTable struct {
	ranges []GradeRange
}

func NewGradeTable(ranges []GradeRange) (GradeTable, error) {
	if err := ValidateGradeRanges(ranges); err != nil {
		return GradeTable{}, err
	}
	return GradeTable{ranges: sortedRanges(ranges)}, nil
}

// ValidateGradeRanges rejects empty tables, blank or duplicate labels, min >= max,
// overlaps and gaps.
func ValidateGradeRanges(ranges []GradeRange) error {
	if len(ranges) == 0 {
		return fmt.Errorf("%w: at least one range is required", ErrInvalidGradeRanges)
	}
	labels := make(map[string]struct{}, len(ranges))
	for _, r := range ranges {
		label := strings.TrimSpace(r.Label)
		if label == "" {
			return fmt.Errorf("%w: label is required", ErrInvalidGradeRanges)
		}
		if _, ok := labels[label]; ok {
			return fmt.Errorf("%w: duplicate label %q", ErrInvalidGradeRanges, label)
		}
		labels[label] = struct{}{}
		if !finite(r.Min) || !finite(r.Max) {
			return fmt.Errorf("%w: range %q has a non-numeric bound", ErrInvalidGradeRanges, label)
		}
		if r.Min >= r.Max {
			return fmt.Errorf("%w: range %q min %.2f must be below max %.2f", ErrInvalidGradeRanges, label, r.Min, r.Max)
		}
		if r.Min < scoreFloor || r.Max > scoreCeiling {
			return fmt.Errorf("%w: range %q exceeds [0,100]", ErrInvalidGradeRanges, label)
		}
	}

	sorted := sortedRanges(ranges)
	if sorted[0].Min != scoreFloor {
		return fmt.Errorf("%w: gap below %.2f", ErrInvalidGradeRanges, sorted[0].Min)
	}
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.Min < prev.Max {
			return fmt.Errorf("%w: %q overlaps %q", ErrInvalidGradeRanges, cur.Label, prev.Label)
		}
		if cur.Min > prev.Max {
			return fmt.Errorf("%w: gap between %.2f and %.2f", ErrInvalidGradeRanges, prev.Max, cur.Min)
		}
	}
	if last := sorted[len(sorted)-1]; last.Max != scoreCeiling {
		return fmt.Errorf("%w: gap above %.2f", ErrInvalidGradeRanges, last.Max)
	}
	return nil
}

func (t GradeTable) Resolve(score float64) (string, error) {
	if !finite(score) || score < scoreFloor || score > scoreCeiling {
		return "", fmt.Errorf("%w: %v", ErrOutOfRange, score)
	}
	for _, r := range t.ranges {
		if score >= r.Min && (score < r.Max || (score == scoreCeiling && r.Max == scoreCeiling)) {
			return strings.TrimSpace(r.Label), nil
		}
	}
	return "", fmt.Errorf("%w: %v", ErrOutOfRange, score)
}

// Ranges returns the bands ordered from the highest band down.
func (t GradeTable) Ranges() []GradeRange {
	out := make([]GradeRange, len(t.ranges))
	for i, r := range t.ranges {
		out[len(t.ranges)-1-i] = r
	}
	return out
}

func sortedRanges(ranges []GradeRange) []GradeRange {
	out := append([]GradeRange(nil), ranges...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Min < out[j].Min })
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
