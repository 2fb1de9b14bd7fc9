package evaluation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"evalcycle/internal/domain/activity"
)

func transitionEvents(mapping Mapping, transitions []Transition, actorID string) []activity.Event {
	out := make([]activity.Event, 0, len(transitions))
	for _, t := range transitions {
		out = append(out, activity.Event{
			PeriodID:    mapping.PeriodID,
			EmployeeID:  mapping.EmployeeID,
			MappingID:   mapping.ID,
			Step:        string(t.Step),
			EvaluatorID: t.EvaluatorID,
			Action:      activity.ActionStepStatus,
			From:        string(t.From),
			To:          string(t.To),
			ActorID:     actorID,
		})
	}
	return out
}

func (s *Service) secondaryRoster(ctx context.Context, mapping Mapping) ([]string, error) {
	if s.roster == nil {
		return nil, nil
	}
	return s.roster.SecondaryEvaluators(ctx, mapping.PeriodID, mapping.EmployeeID)
}

// SetStepStatus is the administrative review entry point. revision_requested opens a
// revision request; revision_completed can only come from a recipient response.
func (s *Service) SetStepStatus(ctx context.Context, in StepStatusInput) (StepApprovals, error) {
	step, err := ParseStep(string(in.Step))
	if err != nil {
		return StepApprovals{}, err
	}
	status, err := ParseApprovalStatus(string(in.Status))
	if err != nil {
		return StepApprovals{}, err
	}
	if step == StepSecondary && in.EvaluatorID == "" {
		return StepApprovals{}, ErrEvaluatorRequired
	}

	switch status {
	case ApprovalRevisionCompleted:
		return StepApprovals{}, fmt.Errorf("%w: revision_completed is set by the recipient response", ErrInvalidStepTransition)
	case ApprovalRevisionRequested:
		mapping, err := s.GetMapping(ctx, in.MappingID)
		if err != nil {
			return StepApprovals{}, err
		}
		if _, err := s.RequestRevision(ctx, RevisionInput{
			PeriodID:    mapping.PeriodID,
			EmployeeID:  mapping.EmployeeID,
			Step:        step,
			Comment:     in.Comment,
			RequestedBy: in.ActorID,
			EvaluatorID: in.EvaluatorID,
		}); err != nil {
			return StepApprovals{}, err
		}
		return s.GetStepApprovals(ctx, in.MappingID)
	}

	return s.transitionStep(ctx, in.MappingID, step, in.EvaluatorID, status, in.ActorID, nil)
}

// SubmitEvaluation is an evaluator handing in their step. The evaluator's entries must
// aggregate to a complete result before the instance moves to approved. The primary
// step is accepted only for the roster's primary evaluator; an empty evaluatorID means
// the actor.
func (s *Service) SubmitEvaluation(ctx context.Context, mappingID string, step Step, evaluatorID, actorID string) (StepApprovals, error) {
	step, err := ParseStep(string(step))
	if err != nil {
		return StepApprovals{}, err
	}
	if step == StepSecondary && evaluatorID == "" {
		return StepApprovals{}, ErrEvaluatorRequired
	}
	check := func(period Period, mapping Mapping) error {
		if step == StepPrimary {
			if err := s.ensurePrimaryEvaluator(ctx, mapping, evaluatorID, actorID); err != nil {
				return err
			}
		}
		if !mapping.Editable(step) {
			return fmt.Errorf("%w: %s", ErrNotEditable, step)
		}
		if step == StepCriteria {
			return nil
		}
		result, err := s.aggregate(ctx, period, mapping, step, evaluatorID)
		if err != nil {
			return err
		}
		if !result.Complete {
			return fmt.Errorf("%w: %d of %d items completed", ErrEvaluationIncomplete, result.CompletedItems, result.TotalItems)
		}
		return nil
	}
	return s.transitionStep(ctx, mappingID, step, evaluatorID, ApprovalApproved, actorID, check)
}

func (s *Service) ensurePrimaryEvaluator(ctx context.Context, mapping Mapping, evaluatorID, actorID string) error {
	if evaluatorID == "" {
		evaluatorID = actorID
	}
	if s.roster == nil {
		return ErrNotPrimaryEvaluator
	}
	primary, err := s.roster.PrimaryEvaluator(ctx, mapping.PeriodID, mapping.EmployeeID)
	if err != nil {
		return err
	}
	if primary == "" || primary != evaluatorID {
		return fmt.Errorf("%w: %s", ErrNotPrimaryEvaluator, evaluatorID)
	}
	return nil
}

func (s *Service) transitionStep(ctx context.Context, mappingID string, step Step, evaluatorID string, to ApprovalStatus, actorID string, check func(Period, Mapping) error) (StepApprovals, error) {
	var mapping Mapping
	var roster []string
	var approvals *Approvals
	var transition Transition
	var changed bool
	err := s.withLock(ctx, mappingKey(mappingID), func() error {
		return s.store.WithinTx(ctx, func(tx Tx) error {
			var period Period
			var err error
			if period, mapping, err = loadMapping(ctx, tx, mappingID); err != nil {
				return err
			}
			if err := period.StepOpen(step); err != nil {
				return err
			}
			if check != nil {
				if err := check(period, mapping); err != nil {
					return err
				}
			}
			if roster, err = s.secondaryRoster(ctx, mapping); err != nil {
				return err
			}
			if approvals, err = tx.LoadApprovals(ctx, mappingID); err != nil {
				return err
			}
			if step == StepSecondary {
				if _, tracked := approvals.Secondary[evaluatorID]; !tracked && !slices.Contains(roster, evaluatorID) {
					return fmt.Errorf("%w: evaluator %s is not assigned to this employee", ErrValidation, evaluatorID)
				}
			}
			transition, changed, err = approvals.Transition(step, evaluatorID, to, actorID, s.now())
			if err != nil || !changed {
				return err
			}
			return tx.SaveApprovals(ctx, approvals)
		})
	})
	if err != nil {
		return StepApprovals{}, err
	}
	if changed {
		s.publish(ctx, transitionEvents(mapping, []Transition{transition}, actorID)...)
	}
	return approvals.View(roster), nil
}

func (s *Service) GetStepApprovals(ctx context.Context, mappingID string) (StepApprovals, error) {
	var mapping Mapping
	var approvals *Approvals
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		if _, mapping, err = loadMapping(ctx, tx, mappingID); err != nil {
			return err
		}
		approvals, err = tx.LoadApprovals(ctx, mappingID)
		return err
	})
	if err != nil {
		return StepApprovals{}, err
	}
	roster, err := s.secondaryRoster(ctx, mapping)
	if err != nil {
		return StepApprovals{}, err
	}
	return approvals.View(roster), nil
}

// IsStepSubmitted reports whether every secondary evaluator has an approved or
// revision_completed instance.
func (s *Service) IsStepSubmitted(ctx context.Context, mappingID string) (bool, error) {
	view, err := s.GetStepApprovals(ctx, mappingID)
	if err != nil {
		return false, err
	}
	return view.SecondarySubmitted, nil
}

// CanEdit tells the scoring-input side whether entries for step may change right now.
func (s *Service) CanEdit(ctx context.Context, mappingID string, step Step) (bool, error) {
	step, err := ParseStep(string(step))
	if err != nil {
		return false, err
	}
	var period Period
	var mapping Mapping
	if err := s.store.View(ctx, func(tx Tx) error {
		var err error
		period, mapping, err = loadMapping(ctx, tx, mappingID)
		return err
	}); err != nil {
		return false, err
	}
	if err := period.StepOpen(step); err != nil {
		if errors.Is(err, ErrState) {
			return false, nil
		}
		return false, err
	}
	return mapping.Editable(step), nil
}

func requireComment(comment string) (string, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return "", fmt.Errorf("%w: comment is required", ErrValidation)
	}
	return comment, nil
}
