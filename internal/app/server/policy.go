package server

import (
	"evalcycle/internal/domain/evaluation"
	"evalcycle/internal/platform/config"
)

// loadPolicy merges the optional policy file over the engine defaults.
func loadPolicy(path string) (evaluation.Policy, error) {
	policy := evaluation.DefaultPolicy()
	file, err := config.LoadPolicy(path)
	if err != nil {
		return policy, err
	}
	if policy.PhaseSequencing, err = evaluation.ParsePhaseSequencing(file.PhaseSequencing); err != nil {
		return policy, err
	}
	if policy.SecondaryCombination, err = evaluation.ParseSecondaryCombination(file.SecondaryCombination); err != nil {
		return policy, err
	}
	if file.MaxSelfEvaluationRate != 0 {
		policy.DefaultMaxSelfEvaluationRate = file.MaxSelfEvaluationRate
	}
	if len(file.GradeRanges) > 0 {
		ranges := make([]evaluation.GradeRange, 0, len(file.GradeRanges))
		for _, band := range file.GradeRanges {
			ranges = append(ranges, evaluation.GradeRange{Label: band.Label, Min: band.Min, Max: band.Max})
		}
		if err := evaluation.ValidateGradeRanges(ranges); err != nil {
			return policy, err
		}
		policy.DefaultGradeRanges = ranges
	}
	return policy, nil
}
