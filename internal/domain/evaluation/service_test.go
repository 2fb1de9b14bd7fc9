package evaluation

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"evalcycle/internal/domain/activity"
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	events  *activity.Recorder
	period  Period
	mapping Mapping
}

func newFixture(t *testing.T, policy *Policy) *fixture {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	events := activity.NewRecorder()
	svc := NewService(Deps{Store: store, Scores: store, Roster: store, Sink: events, Policy: policy})

	period, err := svc.CreatePeriod(ctx, CreatePeriodInput{Name: "FY2025"}, "admin")
	if err != nil {
		t.Fatalf("create period: %v", err)
	}
	mapping, err := svc.CreateMapping(ctx, period.ID, "emp1", "admin")
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	store.SetPrimaryEvaluator(period.ID, "emp1", "p1")
	store.SetSecondaryEvaluators(period.ID, "emp1", "e1", "e2")
	return &fixture{svc: svc, store: store, events: events, period: period, mapping: mapping}
}

// startIn starts the period and walks the phases forward one at a time until target.
func (f *fixture) startIn(t *testing.T, target Phase) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.StartPeriod(ctx, f.period.ID, "admin"); err != nil {
		t.Fatalf("start period: %v", err)
	}
	for _, phase := range phaseOrder[1:] {
		if phaseOrder[0] == target {
			break
		}
		period, err := f.svc.ChangePeriodPhase(ctx, f.period.ID, phase, "admin")
		if err != nil {
			t.Fatalf("change phase to %s: %v", phase, err)
		}
		f.period = period
		if phase == target {
			break
		}
	}
}

func (f *fixture) putEntry(evaluatorID, workItemID string, score float64, completed bool) {
	f.store.PutScoredEntry(ScoredEntry{
		ID:          evaluatorID + "-" + workItemID,
		PeriodID:    f.period.ID,
		EmployeeID:  "emp1",
		Step:        StepSecondary,
		EvaluatorID: evaluatorID,
		WorkItemID:  workItemID,
		Score:       score,
		Weight:      1,
		IsCompleted: completed,
	})
}

func (f *fixture) countEvents(action string) int {
	n := 0
	for _, evt := range f.events.Events() {
		if evt.Action == action {
			n++
		}
	}
	return n
}

func TestCreatePeriodDefaultsAndValidation(t *testing.T) {
	f := newFixture(t, nil)
	if f.period.Status != PeriodStatusWaiting || f.period.Phase != PhaseSetup {
		t.Fatalf("unexpected initial state: %s/%s", f.period.Status, f.period.Phase)
	}
	if f.period.MaxSelfEvaluationRate != DefaultMaxSelfEvaluationRate || len(f.period.GradeRanges) != 5 {
		t.Fatalf("expected policy defaults, got %+v", f.period)
	}

	ctx := context.Background()
	if _, err := f.svc.CreatePeriod(ctx, CreatePeriodInput{Name: " "}, "admin"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank name, got %v", err)
	}
	if _, err := f.svc.CreatePeriod(ctx, CreatePeriodInput{Name: "x", MaxSelfEvaluationRate: 90}, "admin"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for rate, got %v", err)
	}
	gapped := []GradeRange{{Label: "A", Min: 50, Max: 100}, {Label: "B", Min: 0, Max: 40}}
	if _, err := f.svc.CreatePeriod(ctx, CreatePeriodInput{Name: "x", GradeRanges: gapped}, "admin"); !errors.Is(err, ErrInvalidGradeRanges) {
		t.Fatalf("expected ErrInvalidGradeRanges, got %v", err)
	}
	if _, err := f.svc.SetGradeRanges(ctx, f.period.ID, gapped, "admin"); !errors.Is(err, ErrInvalidGradeRanges) {
		t.Fatalf("expected replacement to be validated, got %v", err)
	}
}

func TestChangePeriodPhaseSequencing(t *testing.T) {
	ctx := context.Background()
	strict := newFixture(t, nil)
	if _, err := strict.svc.ChangePeriodPhase(ctx, strict.period.ID, PhaseClosure, "admin"); !errors.Is(err, ErrPhaseTransition) {
		t.Fatalf("expected ErrPhaseTransition, got %v", err)
	}
	period, err := strict.svc.ChangePeriodPhase(ctx, strict.period.ID, PhasePerformance, "admin")
	if err != nil || period.Phase != PhasePerformance {
		t.Fatalf("expected performance, got %s (%v)", period.Phase, err)
	}
	if period.Status != PeriodStatusWaiting {
		t.Fatalf("expected phase change to leave status alone, got %s", period.Status)
	}

	skip := newFixture(t, &Policy{PhaseSequencing: SequenceSkip})
	period, err = skip.svc.ChangePeriodPhase(ctx, skip.period.ID, PhaseClosure, "admin")
	if err != nil || period.Phase != PhaseClosure {
		t.Fatalf("expected skip to closure, got %s (%v)", period.Phase, err)
	}
	if skip.countEvents(activity.ActionPeriodPhase) != 1 {
		t.Fatal("expected one phase event")
	}
}

func TestDuplicateMappingIsConflict(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.CreateMapping(context.Background(), f.period.ID, "emp1", "admin")
	if !errors.Is(err, ErrDuplicateMapping) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected duplicate mapping conflict, got %v", err)
	}
	mappings, err := f.svc.ListMappings(context.Background(), f.period.ID)
	if err != nil || len(mappings) != 1 {
		t.Fatalf("expected one mapping, got %d (%v)", len(mappings), err)
	}
}

func TestCompletedPeriodRejectsEveryMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.startIn(t, PhasePeerEvaluation)
	req, err := f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp1", Step: StepPrimary, Comment: "redo", RequestedBy: "admin"})
	if err != nil {
		t.Fatalf("request revision: %v", err)
	}
	if _, err := f.svc.CompletePeriod(ctx, f.period.ID, "admin"); err != nil {
		t.Fatalf("complete period: %v", err)
	}

	yes := true
	rate := 150.0
	calls := map[string]func() error{
		"start":    func() error { _, err := f.svc.StartPeriod(ctx, f.period.ID, "admin"); return err },
		"complete": func() error { _, err := f.svc.CompletePeriod(ctx, f.period.ID, "admin"); return err },
		"phase": func() error {
			_, err := f.svc.ChangePeriodPhase(ctx, f.period.ID, PhaseClosure, "admin")
			return err
		},
		"grades": func() error {
			_, err := f.svc.SetGradeRanges(ctx, f.period.ID, DefaultGradeRanges(), "admin")
			return err
		},
		"settings": func() error {
			_, err := f.svc.UpdatePeriodSettings(ctx, f.period.ID, PeriodSettings{FinalEvaluationSettingEnabled: &yes, MaxSelfEvaluationRate: &rate}, "admin")
			return err
		},
		"invalid grades": func() error {
			_, err := f.svc.SetGradeRanges(ctx, f.period.ID, []GradeRange{{Label: "S", Min: 50, Max: 40}}, "admin")
			return err
		},
		"invalid settings": func() error {
			low := 10.0
			_, err := f.svc.UpdatePeriodSettings(ctx, f.period.ID, PeriodSettings{MaxSelfEvaluationRate: &low}, "admin")
			return err
		},
		"delete":  func() error { return f.svc.DeletePeriod(ctx, f.period.ID, "admin") },
		"mapping": func() error { _, err := f.svc.CreateMapping(ctx, f.period.ID, "emp2", "admin"); return err },
		"editability": func() error {
			_, err := f.svc.SetEditability(ctx, f.mapping.ID, Editability{}, "admin")
			return err
		},
		"step": func() error {
			_, err := f.svc.SetStepStatus(ctx, StepStatusInput{MappingID: f.mapping.ID, Step: StepSelf, Status: ApprovalApproved, ActorID: "admin"})
			return err
		},
		"revision": func() error {
			_, err := f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp1", Step: StepSelf, Comment: "again", RequestedBy: "admin"})
			return err
		},
		"read":    func() error { _, err := f.svc.MarkRead(ctx, req.ID, "p1"); return err },
		"respond": func() error { _, err := f.svc.Respond(ctx, req.ID, "p1", "done"); return err },
	}
	for name, call := range calls {
		err := call()
		if !errors.Is(err, ErrPeriodCompleted) || !errors.Is(err, ErrState) {
			t.Fatalf("%s: expected ErrPeriodCompleted, got %v", name, err)
		}
	}

	period, err := f.svc.GetPeriod(ctx, f.period.ID)
	if err != nil {
		t.Fatalf("get period: %v", err)
	}
	if period.Status != PeriodStatusCompleted || period.Phase != PhasePeerEvaluation || period.DeletedAt != nil {
		t.Fatalf("expected period untouched, got %+v", period)
	}
}

func TestSecondaryFanOutIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.startIn(t, PhasePeerEvaluation)

	f.putEntry("e1", "w1", 80, false)
	f.putEntry("e1", "w2", 90, false)
	f.putEntry("e2", "w3", 70, false)

	f.putEntry("e1", "w1", 80, true)
	f.putEntry("e1", "w2", 90, true)
	if _, err := f.svc.SubmitEvaluation(ctx, f.mapping.ID, StepSecondary, "e1", "e1"); err != nil {
		t.Fatalf("submit e1: %v", err)
	}
	if _, err := f.svc.SubmitEvaluation(ctx, f.mapping.ID, StepSecondary, "e2", "e2"); !errors.Is(err, ErrEvaluationIncomplete) {
		t.Fatalf("expected e2 to be incomplete, got %v", err)
	}
	submitted, err := f.svc.IsStepSubmitted(ctx, f.mapping.ID)
	if err != nil {
		t.Fatalf("is submitted: %v", err)
	}
	if submitted {
		t.Fatal("expected secondary step not submitted while e2 is open")
	}

	f.putEntry("e2", "w3", 70, true)
	view, err := f.svc.SubmitEvaluation(ctx, f.mapping.ID, StepSecondary, "e2", "e2")
	if err != nil {
		t.Fatalf("submit e2: %v", err)
	}
	if !view.SecondarySubmitted || view.StepApproval.Secondary != ApprovalApproved {
		t.Fatalf("expected secondary submitted, got %+v", view)
	}
}

func TestSubmitEvaluationGates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.startIn(t, PhaseSelfEvaluation)

	f.putEntry("e1", "w1", 80, true)
	if _, err := f.svc.SubmitEvaluation(ctx, f.mapping.ID, StepSecondary, "e1", "e1"); !errors.Is(err, ErrStepClosed) {
		t.Fatalf("expected ErrStepClosed before peer evaluation, got %v", err)
	}
	if _, err := f.svc.SubmitEvaluation(ctx, f.mapping.ID, StepSecondary, "", "e1"); !errors.Is(err, ErrEvaluatorRequired) {
		t.Fatalf("expected ErrEvaluatorRequired, got %v", err)
	}

	yes := true
	if _, err := f.svc.UpdatePeriodSettings(ctx, f.period.ID, PeriodSettings{FinalEvaluationSettingEnabled: &yes}, "admin"); err != nil {
		t.Fatalf("settings: %v", err)
	}
	if _, err := f.svc.SetEditability(ctx, f.mapping.ID, Editability{Self: true, Primary: true}, "admin"); err != nil {
		t.Fatalf("editability: %v", err)
	}
	if _, err := f.svc.SubmitEvaluation(ctx, f.mapping.ID, StepSecondary, "e1", "e1"); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("expected ErrNotEditable, got %v", err)
	}
	canEdit, err := f.svc.CanEdit(ctx, f.mapping.ID, StepSecondary)
	if err != nil || canEdit {
		t.Fatalf("expected CanEdit false, got %v (%v)", canEdit, err)
	}
	canEdit, err = f.svc.CanEdit(ctx, f.mapping.ID, StepSelf)
	if err != nil || !canEdit {
		t.Fatalf("expected CanEdit true for self, got %v (%v)", canEdit, err)
	}

	if _, err := f.svc.SetEditability(ctx, f.mapping.ID, Editability{Self: true, Primary: true, Secondary: true}, "admin"); err != nil {
		t.Fatalf("editability: %v", err)
	}
	if _, err := f.svc.SubmitEvaluation(ctx, f.mapping.ID, StepSecondary, "e1", "e1"); err != nil {
		t.Fatalf("expected override to open secondary, got %v", err)
	}
}

func TestSetStepStatusRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.startIn(t, PhasePeerEvaluation)

	in := StepStatusInput{MappingID: f.mapping.ID, Step: StepPrimary, Status: ApprovalRevisionCompleted, ActorID: "admin"}
	if _, err := f.svc.SetStepStatus(ctx, in); !errors.Is(err, ErrInvalidStepTransition) {
		t.Fatalf("expected revision_completed to be rejected, got %v", err)
	}

	in.Status = ApprovalRevisionRequested
	if _, err := f.svc.SetStepStatus(ctx, in); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected comment to be required, got %v", err)
	}

	in.Status = "archived"
	if _, err := f.svc.SetStepStatus(ctx, in); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unknown status to be rejected, got %v", err)
	}

	in = StepStatusInput{MappingID: f.mapping.ID, Step: StepSecondary, Status: ApprovalApproved, EvaluatorID: "stranger", ActorID: "admin"}
	if _, err := f.svc.SetStepStatus(ctx, in); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected unassigned evaluator to be rejected, got %v", err)
	}

	in.EvaluatorID = "e2"
	in.Status = ApprovalRevisionRequested
	in.Comment = "please revisit"
	view, err := f.svc.SetStepStatus(ctx, in)
	if err != nil {
		t.Fatalf("request via step status: %v", err)
	}
	if len(view.Secondary) != 1 || view.Secondary[0].EvaluatorID != "e2" || view.Secondary[0].Status != ApprovalRevisionRequested {
		t.Fatalf("expected only e2 under revision, got %+v", view.Secondary)
	}
	reqs, err := f.svc.ListRevisionRequests(ctx, RevisionFilter{PeriodID: f.period.ID})
	if err != nil || len(reqs) != 1 || len(reqs[0].Recipients) != 1 {
		t.Fatalf("expected one single-recipient request, got %+v (%v)", reqs, err)
	}

	in = StepStatusInput{MappingID: f.mapping.ID, Step: StepSelf, Status: ApprovalApproved, ActorID: "admin"}
	if _, err := f.svc.SetStepStatus(ctx, in); err != nil {
		t.Fatalf("approve self: %v", err)
	}
	before := f.countEvents(activity.ActionStepStatus)
	if _, err := f.svc.SetStepStatus(ctx, in); err != nil {
		t.Fatalf("approve self again: %v", err)
	}
	if f.countEvents(activity.ActionStepStatus) != before {
		t.Fatal("expected a repeated status to publish nothing")
	}
}

func TestRequestRevisionWithoutRecipientsLeavesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if _, err := f.svc.CreateMapping(ctx, f.period.ID, "emp2", "admin"); err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	f.startIn(t, PhasePeerEvaluation)

	for _, step := range []Step{StepPrimary, StepSecondary} {
		_, err := f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp2", Step: step, Comment: "redo", RequestedBy: "admin"})
		if !errors.Is(err, ErrNoRecipients) {
			t.Fatalf("%s: expected ErrNoRecipients, got %v", step, err)
		}
	}
	reqs, err := f.svc.ListRevisionRequests(ctx, RevisionFilter{EmployeeID: "emp2"})
	if err != nil || len(reqs) != 0 {
		t.Fatalf("expected no requests, got %d (%v)", len(reqs), err)
	}
	if f.countEvents(activity.ActionRevisionRequest) != 0 {
		t.Fatal("expected no revision events")
	}
}

func TestRevisionRoutingSecondary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.startIn(t, PhasePeerEvaluation)

	req, err := f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp1", Step: StepSecondary, Comment: "redo", RequestedBy: "admin"})
	if err != nil {
		t.Fatalf("request revision: %v", err)
	}
	if len(req.Recipients) != 2 {
		t.Fatalf("expected fan-out to two evaluators, got %d", len(req.Recipients))
	}
	for _, r := range req.Recipients {
		if r.Role != SecondaryRole(r.RecipientID) {
			t.Fatalf("unexpected role %+v for %s", r.Role, r.RecipientID)
		}
	}

	recipient, err := f.svc.Respond(ctx, req.ID, "e1", "fixed")
	if err != nil {
		t.Fatalf("respond e1: %v", err)
	}
	if !recipient.IsCompleted || recipient.CompletedAt == nil || !recipient.IsRead || recipient.ResponseComment != "fixed" {
		t.Fatalf("unexpected recipient %+v", recipient)
	}

	view, err := f.svc.GetStepApprovals(ctx, f.mapping.ID)
	if err != nil {
		t.Fatalf("get approvals: %v", err)
	}
	statuses := map[string]ApprovalStatus{}
	for _, row := range view.Secondary {
		statuses[row.EvaluatorID] = row.Status
	}
	if statuses["e1"] != ApprovalRevisionCompleted || statuses["e2"] != ApprovalRevisionRequested {
		t.Fatalf("expected only e1 completed, got %v", statuses)
	}
	if view.StepApproval.Primary.Status != ApprovalPending || view.StepApproval.Self.Status != ApprovalPending {
		t.Fatalf("expected shared steps untouched, got %+v", view.StepApproval)
	}
	if view.SecondarySubmitted {
		t.Fatal("expected secondary not submitted while e2 is open")
	}

	if _, err := f.svc.Respond(ctx, req.ID, "e2", "fixed too"); err != nil {
		t.Fatalf("respond e2: %v", err)
	}
	submitted, err := f.svc.IsStepSubmitted(ctx, f.mapping.ID)
	if err != nil || !submitted {
		t.Fatalf("expected submitted after both responses, got %v (%v)", submitted, err)
	}
}

func TestSharedStepRevisionCannotBeReopened(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.startIn(t, PhasePeerEvaluation)

	first, err := f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp1", Step: StepPrimary, Comment: "redo", RequestedBy: "admin"})
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	stepEvents := f.countEvents(activity.ActionStepStatus)
	_, err = f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp1", Step: StepPrimary, Comment: "again", RequestedBy: "admin"})
	if !errors.Is(err, ErrInvalidStepTransition) {
		t.Fatalf("expected ErrInvalidStepTransition for an open primary revision, got %v", err)
	}
	if f.countEvents(activity.ActionStepStatus) != stepEvents {
		t.Fatal("expected the rejected request to publish nothing")
	}
	reqs, err := f.svc.ListRevisionRequests(ctx, RevisionFilter{PeriodID: f.period.ID, Step: StepPrimary})
	if err != nil || len(reqs) != 1 {
		t.Fatalf("expected a single primary request, got %d (%v)", len(reqs), err)
	}

	if _, err := f.svc.Respond(ctx, first.ID, "p1", "ok"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	open, err := f.svc.ListRevisionRequests(ctx, RevisionFilter{RecipientID: "p1", OnlyIncomplete: true})
	if err != nil || len(open) != 0 {
		t.Fatalf("expected no open primary requests, got %d (%v)", len(open), err)
	}
}

func TestRequestRevisionRespectsStepWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.startIn(t, PhaseClosure)

	_, err := f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp1", Step: StepPrimary, Comment: "late", RequestedBy: "admin"})
	if !errors.Is(err, ErrStepClosed) {
		t.Fatalf("expected ErrStepClosed in closure, got %v", err)
	}
	view, err := f.svc.GetStepApprovals(ctx, f.mapping.ID)
	if err != nil {
		t.Fatalf("get approvals: %v", err)
	}
	if view.StepApproval.Primary.Status != ApprovalPending {
		t.Fatalf("expected primary untouched, got %s", view.StepApproval.Primary.Status)
	}
	reqs, err := f.svc.ListRevisionRequests(ctx, RevisionFilter{PeriodID: f.period.ID})
	if err != nil || len(reqs) != 0 {
		t.Fatalf("expected no requests, got %d (%v)", len(reqs), err)
	}

	yes := true
	if _, err := f.svc.UpdatePeriodSettings(ctx, f.period.ID, PeriodSettings{FinalEvaluationSettingEnabled: &yes}, "admin"); err != nil {
		t.Fatalf("settings: %v", err)
	}
	if _, err := f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp1", Step: StepPrimary, Comment: "late", RequestedBy: "admin"}); err != nil {
		t.Fatalf("expected override to open primary, got %v", err)
	}
	_, err = f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp1", Step: StepSelf, Comment: "late", RequestedBy: "admin"})
	if !errors.Is(err, ErrStepClosed) {
		t.Fatalf("expected self to stay closed, got %v", err)
	}
}

func TestSubmitPrimaryRequiresAssignedEvaluator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.startIn(t, PhasePeerEvaluation)
	f.store.PutScoredEntry(ScoredEntry{
		ID:          "p1-w1",
		PeriodID:    f.period.ID,
		EmployeeID:  "emp1",
		Step:        StepPrimary,
		EvaluatorID: "p1",
		WorkItemID:  "w1",
		Score:       95,
		Weight:      1,
		IsCompleted: true,
	})

	for _, tc := range []struct{ evaluator, actor string }{{"emp1", "emp1"}, {"", "emp1"}, {"e1", "admin"}} {
		if _, err := f.svc.SubmitEvaluation(ctx, f.mapping.ID, StepPrimary, tc.evaluator, tc.actor); !errors.Is(err, ErrNotPrimaryEvaluator) {
			t.Fatalf("%q/%q: expected ErrNotPrimaryEvaluator, got %v", tc.evaluator, tc.actor, err)
		}
	}
	view, err := f.svc.GetStepApprovals(ctx, f.mapping.ID)
	if err != nil || view.StepApproval.Primary.Status != ApprovalPending {
		t.Fatalf("expected primary pending, got %+v (%v)", view.StepApproval.Primary, err)
	}

	view, err = f.svc.SubmitEvaluation(ctx, f.mapping.ID, StepPrimary, "", "p1")
	if err != nil {
		t.Fatalf("submit as p1: %v", err)
	}
	if view.StepApproval.Primary.Status != ApprovalApproved || view.StepApproval.Primary.UpdatedBy != "p1" {
		t.Fatalf("expected primary approved by p1, got %+v", view.StepApproval.Primary)
	}
	if _, err := f.svc.SubmitEvaluation(ctx, f.mapping.ID, StepPrimary, "p1", "admin"); err != nil {
		t.Fatalf("admin submitting for p1: %v", err)
	}
}

func TestRevisionRoutingPrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.startIn(t, PhasePeerEvaluation)

	req, err := f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp1", Step: StepPrimary, Comment: "redo", RequestedBy: "admin"})
	if err != nil {
		t.Fatalf("request revision: %v", err)
	}
	if len(req.Recipients) != 1 || req.Recipients[0].RecipientID != "p1" || req.Recipients[0].Role != PrimaryRole() {
		t.Fatalf("unexpected recipients %+v", req.Recipients)
	}
	if _, err := f.svc.Respond(ctx, req.ID, "p1", "ok"); err != nil {
		t.Fatalf("respond: %v", err)
	}

	view, err := f.svc.GetStepApprovals(ctx, f.mapping.ID)
	if err != nil {
		t.Fatalf("get approvals: %v", err)
	}
	if view.StepApproval.Primary.Status != ApprovalRevisionCompleted {
		t.Fatalf("expected primary revision_completed, got %s", view.StepApproval.Primary.Status)
	}
	if len(view.Secondary) != 0 {
		t.Fatalf("expected no secondary rows, got %+v", view.Secondary)
	}
}

func TestRespondIsNotIdempotentButReadIs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.startIn(t, PhaseSelfEvaluation)

	req, err := f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp1", Step: StepSelf, Comment: "redo", RequestedBy: "admin"})
	if err != nil {
		t.Fatalf("request revision: %v", err)
	}

	for i := 0; i < 2; i++ {
		recipient, err := f.svc.MarkRead(ctx, req.ID, "emp1")
		if err != nil {
			t.Fatalf("mark read %d: %v", i, err)
		}
		if !recipient.IsRead || recipient.ReadAt == nil {
			t.Fatalf("expected read recipient, got %+v", recipient)
		}
	}
	if f.countEvents(activity.ActionRevisionRead) != 1 {
		t.Fatal("expected a single read event")
	}

	if _, err := f.svc.Respond(ctx, req.ID, "emp1", "done"); err != nil {
		t.Fatalf("first respond: %v", err)
	}
	_, err = f.svc.Respond(ctx, req.ID, "emp1", "done again")
	if !errors.Is(err, ErrAlreadyCompleted) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}

	stored, err := f.svc.GetRevisionRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	recipient, _ := stored.Recipient("emp1")
	if recipient.ResponseComment != "done" {
		t.Fatalf("expected first response to stick, got %q", recipient.ResponseComment)
	}

	if _, err := f.svc.Respond(ctx, req.ID, "nobody", "x"); !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got %v", err)
	}
	if _, err := f.svc.Respond(ctx, "missing", "emp1", "x"); !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("expected ErrRevisionNotFound, got %v", err)
	}
}

func TestConcurrentRespondHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.startIn(t, PhasePeerEvaluation)

	req, err := f.svc.RequestRevision(ctx, RevisionInput{PeriodID: f.period.ID, EmployeeID: "emp1", Step: StepSecondary, Comment: "redo", RequestedBy: "admin"})
	if err != nil {
		t.Fatalf("request revision: %v", err)
	}

	const callers = 8
	type outcome struct {
		recipient string
		err       error
	}
	results := make(chan outcome, callers*2)
	for i := 0; i < callers; i++ {
		for _, id := range []string{"e1", "e2"} {
			go func(id string) {
				_, err := f.svc.Respond(ctx, req.ID, id, "fixed")
				results <- outcome{recipient: id, err: err}
			}(id)
		}
	}

	wins := map[string]int{}
	for i := 0; i < callers*2; i++ {
		out := <-results
		switch {
		case out.err == nil:
			wins[out.recipient]++
		case errors.Is(out.err, ErrAlreadyCompleted):
		default:
			t.Fatalf("unexpected error: %v", out.err)
		}
	}
	if wins["e1"] != 1 || wins["e2"] != 1 {
		t.Fatalf("expected exactly one winner per recipient, got %v", wins)
	}
	submitted, err := f.svc.IsStepSubmitted(ctx, f.mapping.ID)
	if err != nil || !submitted {
		t.Fatalf("expected submitted, got %v (%v)", submitted, err)
	}
}

func TestGetAggregateScoreSecondaryPolicies(t *testing.T) {
	ctx := context.Background()
	none := newFixture(t, nil)
	none.putEntry("e1", "w1", 80, true)
	none.putEntry("e2", "w2", 90, true)

	if _, err := none.svc.GetAggregateScore(ctx, none.mapping.ID, StepSecondary, ""); !errors.Is(err, ErrEvaluatorRequired) {
		t.Fatalf("expected ErrEvaluatorRequired, got %v", err)
	}
	result, err := none.svc.GetAggregateScore(ctx, none.mapping.ID, StepSecondary, "e2")
	if err != nil || !result.Complete || *result.TotalScore != 90 {
		t.Fatalf("expected e2 score 90, got %+v (%v)", result, err)
	}
	scores, err := none.svc.GetSecondaryScores(ctx, none.mapping.ID)
	if err != nil || len(scores) != 2 || *scores["e1"].TotalScore != 80 {
		t.Fatalf("unexpected per-evaluator scores %+v (%v)", scores, err)
	}
	self, err := none.svc.GetAggregateScore(ctx, none.mapping.ID, StepSelf, "")
	if err != nil || self.Complete {
		t.Fatalf("expected self to be incomplete without entries, got %+v (%v)", self, err)
	}

	mean := newFixture(t, &Policy{SecondaryCombination: CombineMean})
	mean.putEntry("e1", "w1", 80, true)
	mean.putEntry("e2", "w2", 90, true)
	combined, err := mean.svc.GetAggregateScore(ctx, mean.mapping.ID, StepSecondary, "")
	if err != nil || !combined.Complete || *combined.TotalScore != 85 || combined.Grade != "A" {
		t.Fatalf("expected mean 85 graded A, got %+v (%v)", combined, err)
	}
}

type failingSink struct{}

func (failingSink) Publish(context.Context, activity.Event) error {
	return errors.New("sink unavailable")
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(Deps{Store: store, Scores: store, Roster: store, Sink: failingSink{}})

	period, err := svc.CreatePeriod(ctx, CreatePeriodInput{Name: "FY2025"}, "admin")
	if err != nil {
		t.Fatalf("expected create to succeed, got %v", err)
	}
	if _, err := svc.StartPeriod(ctx, period.ID, "admin"); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
}

func TestDeletePeriodHidesIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if err := f.svc.DeletePeriod(ctx, f.period.ID, "admin"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.GetPeriod(ctx, f.period.ID); !errors.Is(err, ErrPeriodNotFound) {
		t.Fatalf("expected ErrPeriodNotFound, got %v", err)
	}
	periods, err := f.svc.ListPeriods(ctx)
	if err != nil || len(periods) != 0 {
		t.Fatalf("expected no periods, got %d (%v)", len(periods), err)
	}
}

func TestPeriodReportExports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &Policy{SecondaryCombination: CombineMean})
	f.putEntry("e1", "w1", 80, true)
	f.putEntry("e2", "w2", 90, true)

	report, err := f.svc.BuildPeriodReport(ctx, f.period.ID)
	if err != nil {
		t.Fatalf("build report: %v", err)
	}
	if len(report.Rows) != 1 || report.Rows[0].EmployeeID != "emp1" {
		t.Fatalf("unexpected rows %+v", report.Rows)
	}
	if report.Rows[0].SecondaryCombined == nil || *report.Rows[0].SecondaryCombined.TotalScore != 85 {
		t.Fatalf("expected combined secondary score, got %+v", report.Rows[0].SecondaryCombined)
	}

	var pdf bytes.Buffer
	if err := WritePeriodReportPDF(&pdf, report); err != nil {
		t.Fatalf("pdf: %v", err)
	}
	if !bytes.HasPrefix(pdf.Bytes(), []byte("%PDF")) {
		t.Fatal("expected a PDF document")
	}

	var xlsx bytes.Buffer
	if err := WritePeriodReportXLSX(&xlsx, report); err != nil {
		t.Fatalf("xlsx: %v", err)
	}
	if !bytes.HasPrefix(xlsx.Bytes(), []byte("PK")) {
		t.Fatal("expected a zip-based workbook")
	}
}
