package evaluation

import "fmt"

// Start moves waiting -> in-progress. Status only moves forward.
func (s PeriodStatus) Start() (PeriodStatus, error) {
	if s != PeriodStatusWaiting {
		return s, fmt.Errorf("%w: cannot start a period that is %s", ErrStatusTransition, s)
	}
	return PeriodStatusInProgress, nil
}

// Complete moves in-progress -> completed.
func (s PeriodStatus) Complete() (PeriodStatus, error) {
	if s != PeriodStatusInProgress {
		return s, fmt.Errorf("%w: cannot complete a period that is %s", ErrStatusTransition, s)
	}
	return PeriodStatusCompleted, nil
}

// Successors lists the phases reachable from p under the sequencing policy.
func (p Phase) Successors(seq PhaseSequencing) []Phase {
	i := p.index()
	if i < 0 || i == len(phaseOrder)-1 {
		return nil
	}
	if seq == SequenceSkip {
		return append([]Phase(nil), phaseOrder[i+1:]...)
	}
	return []Phase{phaseOrder[i+1]}
}

// Advance validates target against the successor set of p.
func (p Phase) Advance(target Phase, seq PhaseSequencing) (Phase, error) {
	if target.index() < 0 {
		return p, fmt.Errorf("%w: unknown phase %q", ErrValidation, target)
	}
	for _, next := range p.Successors(seq) {
		if next == target {
			return target, nil
		}
	}
	return p, fmt.Errorf("%w: %s -> %s", ErrPhaseTransition, p, target)
}

// stepWindow is the inclusive phase range in which a step accepts writes without a
// manual override.
var stepWindow = map[Step][2]Phase{
	StepCriteria:  {PhaseSetup, PhasePeerEvaluation},
	StepSelf:      {PhaseSelfEvaluation, PhasePeerEvaluation},
	StepPrimary:   {PhasePeerEvaluation, PhasePeerEvaluation},
	StepSecondary: {PhasePeerEvaluation, PhasePeerEvaluation},
}

func (p Period) EnsureMutable() error {
	if p.Status == PeriodStatusCompleted {
		return ErrPeriodCompleted
	}
	return nil
}

func (p Period) ensureInProgress() error {
	if err := p.EnsureMutable(); err != nil {
		return err
	}
	if p.Status != PeriodStatusInProgress {
		return ErrPeriodNotStarted
	}
	return nil
}

func (p Period) overrideEnabled(step Step) bool {
	switch step {
	case StepCriteria:
		return p.CriteriaSettingEnabled
	case StepSelf:
		return p.SelfEvaluationSettingEnabled
	case StepPrimary, StepSecondary:
		return p.FinalEvaluationSettingEnabled
	}
	return false
}

// StepOpen reports whether the step accepts approval writes right now.
func (p Period) StepOpen(step Step) error {
	if err := p.ensureInProgress(); err != nil {
		return err
	}
	if p.overrideEnabled(step) {
		return nil
	}
	window, ok := stepWindow[step]
	if !ok {
		return fmt.Errorf("%w: unknown step %q", ErrValidation, step)
	}
	i := p.Phase.index()
	if i < window[0].index() || i > window[1].index() {
		return fmt.Errorf("%w: %s in phase %s", ErrStepClosed, step, p.Phase)
	}
	return nil
}

// ScoreCap is the clamp applied to a step's weighted total.
func (p Period) ScoreCap(step Step) float64 {
	if step == StepSelf {
		return p.MaxSelfEvaluationRate
	}
	return DownwardScoreCap
}

func (m Mapping) Editable(step Step) bool {
	switch step {
	case StepSelf:
		return m.SelfEditable
	case StepPrimary:
		return m.PrimaryEditable
	case StepSecondary:
		return m.SecondaryEditable
	}
	return true
}

func validateSelfRate(rate float64) error {
	if !finite(rate) || rate < MinMaxSelfEvaluationRate || rate > MaxMaxSelfEvaluationRate {
		return fmt.Errorf("%w: maxSelfEvaluationRate must be between %.0f and %.0f", ErrValidation, MinMaxSelfEvaluationRate, MaxMaxSelfEvaluationRate)
	}
	return nil
}
