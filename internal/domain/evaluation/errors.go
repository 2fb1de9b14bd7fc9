package evaluation

import (
	"errors"
	"fmt"
)

// Categories. Every error returned by the engine wraps exactly one of these.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrState      = errors.New("invalid state")
	ErrNotFound   = errors.New("not found")
)

var (
	ErrOutOfRange          = fmt.Errorf("%w: score outside every grade range", ErrValidation)
	ErrInvalidGradeRanges  = fmt.Errorf("%w: invalid grade ranges", ErrValidation)
	ErrInvalidScore        = fmt.Errorf("%w: invalid scored entry", ErrValidation)
	ErrEvaluatorRequired   = fmt.Errorf("%w: evaluator id required for secondary step", ErrValidation)
	ErrNotPrimaryEvaluator = fmt.Errorf("%w: evaluator is not the assigned primary evaluator", ErrValidation)

	ErrAlreadyCompleted = fmt.Errorf("%w: revision response already completed", ErrConflict)
	ErrDuplicateMapping = fmt.Errorf("%w: employee already mapped to period", ErrConflict)

	ErrPeriodCompleted       = fmt.Errorf("%w: completed period cannot be modified", ErrState)
	ErrPeriodNotStarted      = fmt.Errorf("%w: period is not in progress", ErrState)
	ErrPhaseTransition       = fmt.Errorf("%w: phase transition not allowed", ErrState)
	ErrStatusTransition      = fmt.Errorf("%w: period status transition not allowed", ErrState)
	ErrNoRecipients          = fmt.Errorf("%w: revision has no recipients", ErrState)
	ErrStepClosed            = fmt.Errorf("%w: step does not accept writes in the current phase", ErrState)
	ErrNotEditable           = fmt.Errorf("%w: step is locked for this employee", ErrState)
	ErrInvalidStepTransition = fmt.Errorf("%w: step status transition not allowed", ErrState)
	ErrEvaluationIncomplete  = fmt.Errorf("%w: evaluation entries are not complete", ErrState)

	ErrPeriodNotFound    = fmt.Errorf("%w: evaluation period not found", ErrNotFound)
	ErrMappingNotFound   = fmt.Errorf("%w: evaluation mapping not found", ErrNotFound)
	ErrRevisionNotFound  = fmt.Errorf("%w: revision request not found", ErrNotFound)
	ErrRecipientNotFound = fmt.Errorf("%w: revision recipient not found", ErrNotFound)
)
