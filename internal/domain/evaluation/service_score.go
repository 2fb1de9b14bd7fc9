package evaluation

import (
	"context"
	"fmt"
)

// aggregate scores one (employee, period, step[, evaluator]) stream from a single read
// of the scoring-input collaborator.
func (s *Service) aggregate(ctx context.Context, period Period, mapping Mapping, step Step, evaluatorID string) (Result, error) {
	if step == StepCriteria {
		return Result{}, fmt.Errorf("%w: criteria step has no score", ErrValidation)
	}
	if s.scores == nil {
		return incomplete(0, 0), nil
	}
	grades, err := NewGradeTable(period.GradeRanges)
	if err != nil {
		return Result{}, err
	}
	query := EntryQuery{PeriodID: period.ID, EmployeeID: mapping.EmployeeID, Step: step}
	if step == StepSecondary {
		query.EvaluatorID = evaluatorID
	}
	entries, err := s.scores.ScoredEntries(ctx, query)
	if err != nil {
		return Result{}, err
	}
	return Aggregate(entries, period.ScoreCap(step), grades)
}

func (s *Service) scoringContext(ctx context.Context, mappingID string) (Period, Mapping, error) {
	var period Period
	var mapping Mapping
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		period, mapping, err = loadMapping(ctx, tx, mappingID)
		return err
	})
	return period, mapping, err
}

// GetAggregateScore returns Incomplete or Complete{score, grade}. For the secondary step
// without an evaluator id the configured combination policy decides.
func (s *Service) GetAggregateScore(ctx context.Context, mappingID string, step Step, evaluatorID string) (Result, error) {
	step, err := ParseStep(string(step))
	if err != nil {
		return Result{}, err
	}
	period, mapping, err := s.scoringContext(ctx, mappingID)
	if err != nil {
		return Result{}, err
	}
	if step != StepSecondary || evaluatorID != "" {
		return s.aggregate(ctx, period, mapping, step, evaluatorID)
	}
	if s.policy.SecondaryCombination != CombineMean {
		return Result{}, ErrEvaluatorRequired
	}
	perEvaluator, err := s.secondaryScores(ctx, period, mapping)
	if err != nil {
		return Result{}, err
	}
	grades, err := NewGradeTable(period.GradeRanges)
	if err != nil {
		return Result{}, err
	}
	return CombineSecondaryMean(perEvaluator, grades)
}

// GetSecondaryScores returns one independent result per current secondary evaluator.
func (s *Service) GetSecondaryScores(ctx context.Context, mappingID string) (map[string]Result, error) {
	period, mapping, err := s.scoringContext(ctx, mappingID)
	if err != nil {
		return nil, err
	}
	return s.secondaryScores(ctx, period, mapping)
}

func (s *Service) secondaryScores(ctx context.Context, period Period, mapping Mapping) (map[string]Result, error) {
	evaluators, err := s.secondaryRoster(ctx, mapping)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Result, len(evaluators))
	for _, id := range evaluators {
		result, err := s.aggregate(ctx, period, mapping, StepSecondary, id)
		if err != nil {
			return nil, err
		}
		out[id] = result
	}
	return out, nil
}
