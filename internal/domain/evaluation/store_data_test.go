package evaluation

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"evalcycle/internal/platform/db"
)

func openPgStore(t *testing.T) *PgStore {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool, "../../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPgStore(pool)
}

func TestPgStoreRevisionLifecycle(t *testing.T) {
	store := openPgStore(t)
	ctx := context.Background()
	svc := NewService(Deps{Store: store, Scores: store, Roster: store})

	period, err := svc.CreatePeriod(ctx, CreatePeriodInput{Name: "pg-" + uuid.NewString()}, "admin")
	if err != nil {
		t.Fatalf("create period: %v", err)
	}
	employeeID := "emp-" + uuid.NewString()
	mapping, err := svc.CreateMapping(ctx, period.ID, employeeID, "admin")
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	if _, err := svc.CreateMapping(ctx, period.ID, employeeID, "admin"); !errors.Is(err, ErrDuplicateMapping) {
		t.Fatalf("expected ErrDuplicateMapping, got %v", err)
	}
	for _, evaluatorID := range []string{"e1", "e2"} {
		if _, err := store.DB.Exec(ctx, `
      INSERT INTO evaluation_lines (period_id, employee_id, evaluator_id, kind) VALUES ($1,$2,$3,'secondary')
    `, period.ID, employeeID, evaluatorID); err != nil {
			t.Fatalf("insert line: %v", err)
		}
	}
	if _, err := svc.StartPeriod(ctx, period.ID, "admin"); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, phase := range []Phase{PhasePerformance, PhaseSelfEvaluation, PhasePeerEvaluation} {
		if _, err := svc.ChangePeriodPhase(ctx, period.ID, phase, "admin"); err != nil {
			t.Fatalf("phase %s: %v", phase, err)
		}
	}

	req, err := svc.RequestRevision(ctx, RevisionInput{PeriodID: period.ID, EmployeeID: employeeID, Step: StepSecondary, Comment: "redo", RequestedBy: "admin"})
	if err != nil {
		t.Fatalf("request revision: %v", err)
	}
	if len(req.Recipients) != 2 {
		t.Fatalf("expected two recipients, got %d", len(req.Recipients))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Respond(ctx, req.ID, "e1", "fixed"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyCompleted) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}

	view, err := svc.GetStepApprovals(ctx, mapping.ID)
	if err != nil {
		t.Fatalf("get approvals: %v", err)
	}
	if view.SecondarySubmitted || len(view.Secondary) != 2 {
		t.Fatalf("unexpected view %+v", view)
	}

	open, err := svc.ListRevisionRequests(ctx, RevisionFilter{RecipientID: "e2", OnlyIncomplete: true, PeriodID: period.ID})
	if err != nil || len(open) != 1 {
		t.Fatalf("expected one open request for e2, got %d (%v)", len(open), err)
	}
}

func TestPgStoreCompleteRecipientIsCompareAndSwap(t *testing.T) {
	store := openPgStore(t)
	ctx := context.Background()
	svc := NewService(Deps{Store: store, Scores: store, Roster: store})

	period, err := svc.CreatePeriod(ctx, CreatePeriodInput{Name: "pg-" + uuid.NewString()}, "admin")
	if err != nil {
		t.Fatalf("create period: %v", err)
	}
	employeeID := "emp-" + uuid.NewString()
	if _, err := svc.CreateMapping(ctx, period.ID, employeeID, "admin"); err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	if _, err := svc.StartPeriod(ctx, period.ID, "admin"); err != nil {
		t.Fatalf("start: %v", err)
	}
	req, err := svc.RequestRevision(ctx, RevisionInput{PeriodID: period.ID, EmployeeID: employeeID, Step: StepCriteria, Comment: "redo", RequestedBy: "admin"})
	if err != nil {
		t.Fatalf("request revision: %v", err)
	}

	now := time.Now().UTC()
	err = store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.CompleteRecipient(ctx, req.ID, employeeID, "first", now); err != nil {
			return err
		}
		return tx.CompleteRecipient(ctx, req.ID, employeeID, "second", now)
	})
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if err := store.WithinTx(ctx, func(tx Tx) error {
		return tx.CompleteRecipient(ctx, req.ID, "nobody", "x", now)
	}); !errors.Is(err, ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got %v", err)
	}
}
