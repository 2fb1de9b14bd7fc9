package evaluation

import "fmt"

type PeriodStatus string

const (
	PeriodStatusWaiting    PeriodStatus = "waiting"
	PeriodStatusInProgress PeriodStatus = "in-progress"
	PeriodStatusCompleted  PeriodStatus = "completed"
)

type Phase string

const (
	PhaseSetup          Phase = "setup"
	PhasePerformance    Phase = "performance"
	PhaseSelfEvaluation Phase = "self-evaluation"
	PhasePeerEvaluation Phase = "peer-evaluation"
	PhaseClosure        Phase = "closure"
)

var phaseOrder = []Phase{PhaseSetup, PhasePerformance, PhaseSelfEvaluation, PhasePeerEvaluation, PhaseClosure}

type Step string

const (
	StepCriteria  Step = "criteria"
	StepSelf      Step = "self"
	StepPrimary   Step = "primary"
	StepSecondary Step = "secondary"
)

type ApprovalStatus string

const (
	ApprovalPending           ApprovalStatus = "pending"
	ApprovalApproved          ApprovalStatus = "approved"
	ApprovalRevisionRequested ApprovalStatus = "revision_requested"
	ApprovalRevisionCompleted ApprovalStatus = "revision_completed"
)

type RecipientType string

const (
	RecipientSelfEvaluator      RecipientType = "self-evaluator"
	RecipientPrimaryEvaluator   RecipientType = "primary-evaluator"
	RecipientSecondaryEvaluator RecipientType = "secondary-evaluator"
)

// PhaseSequencing controls which target phases ChangePeriodPhase accepts.
type PhaseSequencing string

const (
	// SequenceStrict only allows the immediate successor of the current phase.
	SequenceStrict PhaseSequencing = "strict"
	// SequenceSkip allows any later phase.
	SequenceSkip PhaseSequencing = "skip"
)

// SecondaryCombination decides how several secondary evaluators' totals are exposed as one score.
type SecondaryCombination string

const (
	CombineNone SecondaryCombination = "none"
	CombineMean SecondaryCombination = "mean"
)

const (
	DefaultMaxSelfEvaluationRate = 120.0
	MinMaxSelfEvaluationRate     = 100.0
	MaxMaxSelfEvaluationRate     = 200.0
	DownwardScoreCap             = 100.0
)

func ParsePeriodStatus(value string) (PeriodStatus, error) {
	switch s := PeriodStatus(value); s {
	case PeriodStatusWaiting, PeriodStatusInProgress, PeriodStatusCompleted:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown period status %q", ErrValidation, value)
}

func ParsePhase(value string) (Phase, error) {
	for _, p := range phaseOrder {
		if string(p) == value {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: unknown phase %q", ErrValidation, value)
}

func ParseStep(value string) (Step, error) {
	switch s := Step(value); s {
	case StepCriteria, StepSelf, StepPrimary, StepSecondary:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown step %q", ErrValidation, value)
}

func ParseApprovalStatus(value string) (ApprovalStatus, error) {
	switch s := ApprovalStatus(value); s {
	case ApprovalPending, ApprovalApproved, ApprovalRevisionRequested, ApprovalRevisionCompleted:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown approval status %q", ErrValidation, value)
}

func ParseRecipientType(value string) (RecipientType, error) {
	switch t := RecipientType(value); t {
	case RecipientSelfEvaluator, RecipientPrimaryEvaluator, RecipientSecondaryEvaluator:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown recipient type %q", ErrValidation, value)
}

func ParsePhaseSequencing(value string) (PhaseSequencing, error) {
	switch s := PhaseSequencing(value); s {
	case "":
		return SequenceStrict, nil
	case SequenceStrict, SequenceSkip:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown phase sequencing %q", ErrValidation, value)
}

func ParseSecondaryCombination(value string) (SecondaryCombination, error) {
	switch c := SecondaryCombination(value); c {
	case "":
		return CombineNone, nil
	case CombineNone, CombineMean:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown secondary combination %q", ErrValidation, value)
}

// terminal reports whether a step instance counts as submitted.
func (s ApprovalStatus) terminal() bool {
	return s == ApprovalApproved || s == ApprovalRevisionCompleted
}

func (p Phase) index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}
