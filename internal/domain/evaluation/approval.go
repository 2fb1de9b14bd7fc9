package evaluation

import (
	"fmt"
	"sort"
	"time"
)

// Approvals tracks step status for one mapping. Criteria, self and primary share one
// record; secondary keeps one instance per evaluator, keyed by evaluator id.
type Approvals struct {
	MappingID string
	Criteria  StepState
	Self      StepState
	Primary   StepState
	Secondary map[string]*SecondaryStepApproval

	dirtySteps     map[Step]bool
	dirtyEvaluator map[string]bool
}

type Transition struct {
	Step        Step
	EvaluatorID string
	From        ApprovalStatus
	To          ApprovalStatus
}

func NewApprovals(mappingID string) *Approvals {
	return &Approvals{
		MappingID: mappingID,
		Criteria:  StepState{Status: ApprovalPending},
		Self:      StepState{Status: ApprovalPending},
		Primary:   StepState{Status: ApprovalPending},
		Secondary: map[string]*SecondaryStepApproval{},
	}
}

// canTransition encodes the per-instance machine. revision_completed is only reachable
// from revision_requested, and revision_requested can only be left through a response.
func canTransition(from, to ApprovalStatus) bool {
	switch to {
	case ApprovalPending, ApprovalApproved:
		return from != ApprovalRevisionRequested
	case ApprovalRevisionRequested:
		return from == ApprovalPending || from == ApprovalApproved
	case ApprovalRevisionCompleted:
		return from == ApprovalRevisionRequested
	}
	return false
}

func (a *Approvals) Status(step Step, evaluatorID string) (ApprovalStatus, error) {
	if step == StepSecondary {
		if evaluatorID == "" {
			return "", ErrEvaluatorRequired
		}
		if row, ok := a.Secondary[evaluatorID]; ok {
			return row.Status, nil
		}
		return ApprovalPending, nil
	}
	state, err := a.shared(step)
	if err != nil {
		return "", err
	}
	return state.Status, nil
}

// Transition moves one step instance. Setting the current status again is a no-op and
// reports changed=false.
func (a *Approvals) Transition(step Step, evaluatorID string, to ApprovalStatus, actorID string, at time.Time) (Transition, bool, error) {
	if _, err := ParseApprovalStatus(string(to)); err != nil {
		return Transition{}, false, err
	}
	from, err := a.Status(step, evaluatorID)
	if err != nil {
		return Transition{}, false, err
	}
	t := Transition{Step: step, EvaluatorID: evaluatorID, From: from, To: to}
	if from == to {
		return t, false, nil
	}
	if !canTransition(from, to) {
		return Transition{}, false, fmt.Errorf("%w: %s %s -> %s", ErrInvalidStepTransition, step, from, to)
	}
	a.set(step, evaluatorID, to, actorID, at)
	return t, true, nil
}

// RequestRevision drives every recipient's instance into revision_requested. All
// instances are checked before any is written.
func (a *Approvals) RequestRevision(step Step, recipients []RecipientRole, actorID string, at time.Time) ([]Transition, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if step != StepSecondary {
		for _, role := range recipients {
			if role.Type == RecipientSecondaryEvaluator {
				return nil, fmt.Errorf("%w: secondary recipient on %s step", ErrValidation, step)
			}
		}
		from, err := a.Status(step, "")
		if err != nil {
			return nil, err
		}
		if !canTransition(from, ApprovalRevisionRequested) {
			return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStepTransition, step, from)
		}
		t, _, err := a.Transition(step, "", ApprovalRevisionRequested, actorID, at)
		if err != nil {
			return nil, err
		}
		return []Transition{t}, nil
	}

	seen := make(map[string]struct{}, len(recipients))
	for _, role := range recipients {
		if role.Type != RecipientSecondaryEvaluator || role.EvaluatorID == "" {
			return nil, fmt.Errorf("%w: secondary revision needs secondary evaluators", ErrValidation)
		}
		if _, dup := seen[role.EvaluatorID]; dup {
			return nil, fmt.Errorf("%w: duplicate evaluator %s", ErrValidation, role.EvaluatorID)
		}
		seen[role.EvaluatorID] = struct{}{}
		from, _ := a.Status(StepSecondary, role.EvaluatorID)
		if !canTransition(from, ApprovalRevisionRequested) {
			return nil, fmt.Errorf("%w: secondary evaluator %s is %s", ErrInvalidStepTransition, role.EvaluatorID, from)
		}
	}
	out := make([]Transition, 0, len(recipients))
	for _, role := range recipients {
		t, _, err := a.Transition(StepSecondary, role.EvaluatorID, ApprovalRevisionRequested, actorID, at)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CompleteRevision routes a recipient response by role: a secondary evaluator touches
// only its own row, self/primary recipients touch the shared record of the request step.
// A role with no tracked record, or a record no longer awaiting revision, is left alone.
func (a *Approvals) CompleteRevision(step Step, role RecipientRole, actorID string, at time.Time) (Transition, bool) {
	evaluatorID := ""
	switch {
	case step == StepSecondary && role.Type == RecipientSecondaryEvaluator:
		if _, ok := a.Secondary[role.EvaluatorID]; !ok {
			return Transition{}, false
		}
		evaluatorID = role.EvaluatorID
	case step != StepSecondary && (role.Type == RecipientSelfEvaluator || role.Type == RecipientPrimaryEvaluator):
	default:
		return Transition{}, false
	}
	from, err := a.Status(step, evaluatorID)
	if err != nil || from != ApprovalRevisionRequested {
		return Transition{}, false
	}
	a.set(step, evaluatorID, ApprovalRevisionCompleted, actorID, at)
	return Transition{Step: step, EvaluatorID: evaluatorID, From: from, To: ApprovalRevisionCompleted}, true
}

// instances returns the secondary status per evaluator over the union of stored rows and
// the current roster. Roster members without a row are pending.
func (a *Approvals) instances(roster []string) map[string]ApprovalStatus {
	out := make(map[string]ApprovalStatus, len(a.Secondary)+len(roster))
	for id, row := range a.Secondary {
		out[id] = row.Status
	}
	for _, id := range roster {
		if _, ok := out[id]; !ok {
			out[id] = ApprovalPending
		}
	}
	return out
}

// SecondarySubmitted is true iff at least one secondary instance exists and every
// instance is approved or revision_completed.
func (a *Approvals) SecondarySubmitted(roster []string) bool {
	instances := a.instances(roster)
	if len(instances) == 0 {
		return false
	}
	for _, status := range instances {
		if !status.terminal() {
			return false
		}
	}
	return true
}

// SecondaryStatus is the derived aggregate of the secondary instances.
func (a *Approvals) SecondaryStatus(roster []string) ApprovalStatus {
	instances := a.instances(roster)
	if len(instances) == 0 {
		return ApprovalPending
	}
	revised := false
	for _, status := range instances {
		if status == ApprovalRevisionRequested {
			return ApprovalRevisionRequested
		}
		if status == ApprovalRevisionCompleted {
			revised = true
		}
	}
	if !a.SecondarySubmitted(roster) {
		return ApprovalPending
	}
	if revised {
		return ApprovalRevisionCompleted
	}
	return ApprovalApproved
}

func (a *Approvals) SecondaryRows() []SecondaryStepApproval {
	out := make([]SecondaryStepApproval, 0, len(a.Secondary))
	for _, row := range a.Secondary {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvaluatorID < out[j].EvaluatorID })
	return out
}

func (a *Approvals) View(roster []string) StepApprovals {
	return StepApprovals{
		StepApproval: StepApproval{
			MappingID: a.MappingID,
			Criteria:  a.Criteria,
			Self:      a.Self,
			Primary:   a.Primary,
			Secondary: a.SecondaryStatus(roster),
		},
		Secondary:          a.SecondaryRows(),
		SecondarySubmitted: a.SecondarySubmitted(roster),
	}
}

// DirtySteps and DirtyEvaluators tell a store which parts changed since loading.
func (a *Approvals) DirtySteps() []Step {
	out := make([]Step, 0, len(a.dirtySteps))
	for _, step := range []Step{StepCriteria, StepSelf, StepPrimary} {
		if a.dirtySteps[step] {
			out = append(out, step)
		}
	}
	return out
}

func (a *Approvals) DirtyEvaluators() []string {
	out := make([]string, 0, len(a.dirtyEvaluator))
	for id := range a.dirtyEvaluator {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (a *Approvals) Clone() *Approvals {
	out := NewApprovals(a.MappingID)
	out.Criteria, out.Self, out.Primary = a.Criteria, a.Self, a.Primary
	for id, row := range a.Secondary {
		copied := *row
		out.Secondary[id] = &copied
	}
	return out
}

func (a *Approvals) SharedState(step Step) (StepState, error) {
	state, err := a.shared(step)
	if err != nil {
		return StepState{}, err
	}
	return *state, nil
}

func (a *Approvals) shared(step Step) (*StepState, error) {
	switch step {
	case StepCriteria:
		return &a.Criteria, nil
	case StepSelf:
		return &a.Self, nil
	case StepPrimary:
		return &a.Primary, nil
	}
	return nil, fmt.Errorf("%w: %s is not a shared step", ErrValidation, step)
}

func (a *Approvals) set(step Step, evaluatorID string, to ApprovalStatus, actorID string, at time.Time) {
	if step == StepSecondary {
		row, ok := a.Secondary[evaluatorID]
		if !ok {
			row = &SecondaryStepApproval{MappingID: a.MappingID, EvaluatorID: evaluatorID}
			a.Secondary[evaluatorID] = row
		}
		row.Status = to
		row.UpdatedBy = actorID
		row.UpdatedAt = &at
		if a.dirtyEvaluator == nil {
			a.dirtyEvaluator = map[string]bool{}
		}
		a.dirtyEvaluator[evaluatorID] = true
		return
	}
	state, _ := a.shared(step)
	state.Status = to
	state.UpdatedBy = actorID
	state.UpdatedAt = &at
	if a.dirtySteps == nil {
		a.dirtySteps = map[Step]bool{}
	}
	a.dirtySteps[step] = true
}
