package evaluation

import (
	"context"
	"fmt"
	"slices"

	"evalcycle/internal/domain/activity"
)

type recipientTarget struct {
	id   string
	role RecipientRole
}

// resolveRecipients reads the roster at request time. The role is frozen on the
// recipient row so later roster changes do not reroute responses.
func (s *Service) resolveRecipients(ctx context.Context, mapping Mapping, step Step, evaluatorID string) ([]recipientTarget, error) {
	switch step {
	case StepCriteria, StepSelf:
		return []recipientTarget{{id: mapping.EmployeeID, role: SelfRole()}}, nil
	case StepPrimary:
		if s.roster == nil {
			return nil, ErrNoRecipients
		}
		primary, err := s.roster.PrimaryEvaluator(ctx, mapping.PeriodID, mapping.EmployeeID)
		if err != nil {
			return nil, err
		}
		if primary == "" {
			return nil, fmt.Errorf("%w: no primary evaluator assigned", ErrNoRecipients)
		}
		return []recipientTarget{{id: primary, role: PrimaryRole()}}, nil
	case StepSecondary:
		evaluators, err := s.secondaryRoster(ctx, mapping)
		if err != nil {
			return nil, err
		}
		if evaluatorID != "" {
			if !slices.Contains(evaluators, evaluatorID) {
				return nil, fmt.Errorf("%w: evaluator %s is not a current secondary evaluator", ErrNoRecipients, evaluatorID)
			}
			evaluators = []string{evaluatorID}
		}
		if len(evaluators) == 0 {
			return nil, fmt.Errorf("%w: no secondary evaluators assigned", ErrNoRecipients)
		}
		out := make([]recipientTarget, 0, len(evaluators))
		for _, id := range evaluators {
			out = append(out, recipientTarget{id: id, role: SecondaryRole(id)})
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown step %q", ErrValidation, step)
}

// RequestRevision fans a request out to every current recipient of the step and moves
// their approval instances to revision_requested in the same unit of work.
func (s *Service) RequestRevision(ctx context.Context, in RevisionInput) (RevisionRequest, error) {
	step, err := ParseStep(string(in.Step))
	if err != nil {
		return RevisionRequest{}, err
	}
	comment, err := requireComment(in.Comment)
	if err != nil {
		return RevisionRequest{}, err
	}

	var mapping Mapping
	if err := s.store.View(ctx, func(tx Tx) error {
		var err error
		mapping, err = tx.FindMapping(ctx, in.PeriodID, in.EmployeeID)
		return err
	}); err != nil {
		return RevisionRequest{}, err
	}

	targets, err := s.resolveRecipients(ctx, mapping, step, in.EvaluatorID)
	if err != nil {
		return RevisionRequest{}, err
	}
	roles := make([]RecipientRole, 0, len(targets))
	for _, target := range targets {
		roles = append(roles, target.role)
	}

	now := s.now()
	req := RevisionRequest{
		ID:          s.newID(),
		PeriodID:    mapping.PeriodID,
		EmployeeID:  mapping.EmployeeID,
		MappingID:   mapping.ID,
		Step:        step,
		Comment:     comment,
		RequestedBy: in.RequestedBy,
		RequestedAt: now,
	}
	for _, target := range targets {
		req.Recipients = append(req.Recipients, RevisionRecipient{
			ID:          s.newID(),
			RequestID:   req.ID,
			RecipientID: target.id,
			Role:        target.role,
		})
	}

	var transitions []Transition
	err = s.withLock(ctx, mappingKey(mapping.ID), func() error {
		return s.store.WithinTx(ctx, func(tx Tx) error {
			period, _, err := loadMapping(ctx, tx, mapping.ID)
			if err != nil {
				return err
			}
			if err := period.StepOpen(step); err != nil {
				return err
			}
			approvals, err := tx.LoadApprovals(ctx, mapping.ID)
			if err != nil {
				return err
			}
			if transitions, err = approvals.RequestRevision(step, roles, in.RequestedBy, now); err != nil {
				return err
			}
			if err := tx.SaveApprovals(ctx, approvals); err != nil {
				return err
			}
			return tx.InsertRevisionRequest(ctx, req)
		})
	})
	if err != nil {
		return RevisionRequest{}, err
	}

	events := []activity.Event{{
		PeriodID:   req.PeriodID,
		EmployeeID: req.EmployeeID,
		MappingID:  req.MappingID,
		Step:       string(step),
		Action:     activity.ActionRevisionRequest,
		Comment:    comment,
		ActorID:    in.RequestedBy,
		OccurredAt: now,
	}}
	events = append(events, transitionEvents(mapping, transitions, in.RequestedBy)...)
	s.publish(ctx, events...)
	return req, nil
}

// MarkRead is idempotent: a second read changes nothing and is not an error.
func (s *Service) MarkRead(ctx context.Context, requestID, recipientID string) (RevisionRecipient, error) {
	var req RevisionRequest
	var changed bool
	now := s.now()
	err := s.withLock(ctx, revisionKey(requestID, recipientID), func() error {
		return s.store.WithinTx(ctx, func(tx Tx) error {
			var err error
			if req, err = s.openRequest(ctx, tx, requestID, recipientID); err != nil {
				return err
			}
			if changed, err = tx.MarkRecipientRead(ctx, requestID, recipientID, now); err != nil {
				return err
			}
			req, err = tx.GetRevisionRequest(ctx, requestID)
			return err
		})
	})
	if err != nil {
		return RevisionRecipient{}, err
	}
	recipient, _ := req.Recipient(recipientID)
	if changed {
		s.publish(ctx, activity.Event{
			PeriodID:   req.PeriodID,
			EmployeeID: req.EmployeeID,
			MappingID:  req.MappingID,
			Step:       string(req.Step),
			Action:     activity.ActionRevisionRead,
			ActorID:    recipientID,
			OccurredAt: now,
		})
	}
	return recipient, nil
}

// Respond completes one recipient. It is not idempotent: the second call for the same
// recipient fails with ErrAlreadyCompleted. The approval record touched is chosen by the
// role frozen on the recipient row.
func (s *Service) Respond(ctx context.Context, requestID, recipientID, comment string) (RevisionRecipient, error) {
	var req RevisionRequest
	var recipient RevisionRecipient
	var transition Transition
	var changed bool
	now := s.now()
	err := s.withLock(ctx, revisionKey(requestID, recipientID), func() error {
		return s.store.WithinTx(ctx, func(tx Tx) error {
			var err error
			if req, err = s.openRequest(ctx, tx, requestID, recipientID); err != nil {
				return err
			}
			recipient, _ = req.Recipient(recipientID)
			if err := tx.CompleteRecipient(ctx, requestID, recipientID, comment, now); err != nil {
				return err
			}
			approvals, err := tx.LoadApprovals(ctx, req.MappingID)
			if err != nil {
				return err
			}
			if transition, changed = approvals.CompleteRevision(req.Step, recipient.Role, recipientID, now); changed {
				if err := tx.SaveApprovals(ctx, approvals); err != nil {
					return err
				}
			}
			if req, err = tx.GetRevisionRequest(ctx, requestID); err != nil {
				return err
			}
			recipient, _ = req.Recipient(recipientID)
			return nil
		})
	})
	if err != nil {
		return RevisionRecipient{}, err
	}

	events := []activity.Event{{
		PeriodID:    req.PeriodID,
		EmployeeID:  req.EmployeeID,
		MappingID:   req.MappingID,
		Step:        string(req.Step),
		EvaluatorID: recipient.Role.EvaluatorID,
		Action:      activity.ActionRevisionRespond,
		Comment:     comment,
		ActorID:     recipientID,
		OccurredAt:  now,
	}}
	if changed {
		mapping := Mapping{ID: req.MappingID, PeriodID: req.PeriodID, EmployeeID: req.EmployeeID}
		events = append(events, transitionEvents(mapping, []Transition{transition}, recipientID)...)
	}
	s.publish(ctx, events...)
	return recipient, nil
}

// openRequest loads a request for a recipient action and rejects completed periods.
func (s *Service) openRequest(ctx context.Context, tx Tx, requestID, recipientID string) (RevisionRequest, error) {
	req, err := tx.GetRevisionRequest(ctx, requestID)
	if err != nil {
		return RevisionRequest{}, err
	}
	if _, ok := req.Recipient(recipientID); !ok {
		return RevisionRequest{}, ErrRecipientNotFound
	}
	period, err := tx.GetPeriod(ctx, req.PeriodID)
	if err != nil {
		return RevisionRequest{}, err
	}
	if err := period.EnsureMutable(); err != nil {
		return RevisionRequest{}, err
	}
	return req, nil
}

func (s *Service) GetRevisionRequest(ctx context.Context, requestID string) (RevisionRequest, error) {
	var req RevisionRequest
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		req, err = tx.GetRevisionRequest(ctx, requestID)
		return err
	})
	return req, err
}

func (s *Service) ListRevisionRequests(ctx context.Context, filter RevisionFilter) ([]RevisionRequest, error) {
	if filter.Step != "" {
		if _, err := ParseStep(string(filter.Step)); err != nil {
			return nil, err
		}
	}
	var out []RevisionRequest
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListRevisionRequests(ctx, filter)
		return err
	})
	return out, err
}
