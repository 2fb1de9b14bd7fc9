package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"evalcycle/internal/domain/activity"
	"evalcycle/internal/platform/lock"
	"evalcycle/internal/requestctx"
)

// Policy holds the deployment-level choices the engine leaves open.
type Policy struct {
	PhaseSequencing              PhaseSequencing
	SecondaryCombination         SecondaryCombination
	DefaultGradeRanges           []GradeRange
	DefaultMaxSelfEvaluationRate float64
}

func DefaultGradeRanges() []GradeRange {
	return []GradeRange{
		{Label: "S", Min: 90, Max: 100},
		{Label: "A", Min: 80, Max: 90},
		{Label: "B", Min: 70, Max: 80},
		{Label: "C", Min: 60, Max: 70},
		{Label: "D", Min: 0, Max: 60},
	}
}

func DefaultPolicy() Policy {
	return Policy{
		PhaseSequencing:              SequenceStrict,
		SecondaryCombination:         CombineNone,
		DefaultGradeRanges:           DefaultGradeRanges(),
		DefaultMaxSelfEvaluationRate: DefaultMaxSelfEvaluationRate,
	}
}

type Deps struct {
	Store  Store
	Scores ScoreSource
	Roster Roster
	Locker lock.Locker
	Sink   activity.Sink
	Policy *Policy
}

type Service struct {
	store  Store
	scores ScoreSource
	roster Roster
	locker lock.Locker
	sink   activity.Sink
	policy Policy
	now    func() time.Time
	newID  func() string
}

func NewService(deps Deps) *Service {
	s := &Service{
		store:  deps.Store,
		scores: deps.Scores,
		roster: deps.Roster,
		locker: deps.Locker,
		sink:   deps.Sink,
		policy: DefaultPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	if deps.Policy != nil {
		s.policy = *deps.Policy
		if len(s.policy.DefaultGradeRanges) == 0 {
			s.policy.DefaultGradeRanges = DefaultGradeRanges()
		}
		if s.policy.DefaultMaxSelfEvaluationRate == 0 {
			s.policy.DefaultMaxSelfEvaluationRate = DefaultMaxSelfEvaluationRate
		}
	}
	if s.locker == nil {
		s.locker = lock.NewKeyedMutex()
	}
	if s.sink == nil {
		s.sink = activity.LogSink{}
	}
	return s
}

func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) withLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// publish runs after commit; a failing sink is logged and never undoes the operation.
func (s *Service) publish(ctx context.Context, events ...activity.Event) {
	requestID := requestctx.GetRequestID(ctx)
	for _, evt := range events {
		evt.RequestID = requestID
		if evt.OccurredAt.IsZero() {
			evt.OccurredAt = s.now()
		}
		if err := s.sink.Publish(ctx, evt); err != nil {
			slog.Warn("activity publish failed", "action", evt.Action, "periodId", evt.PeriodID, "err", err)
		}
	}
}

func periodKey(periodID string) string   { return "period:" + periodID }
func mappingKey(mappingID string) string { return "mapping:" + mappingID }
func revisionKey(requestID, recipientID string) string {
	return "revision:" + requestID + ":" + recipientID
}

func (s *Service) CreatePeriod(ctx context.Context, input CreatePeriodInput, actorID string) (Period, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Period{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	ranges := input.GradeRanges
	if len(ranges) == 0 {
		ranges = s.policy.DefaultGradeRanges
	}
	if err := ValidateGradeRanges(ranges); err != nil {
		return Period{}, err
	}
	rate := input.MaxSelfEvaluationRate
	if rate == 0 {
		rate = s.policy.DefaultMaxSelfEvaluationRate
	}
	if err := validateSelfRate(rate); err != nil {
		return Period{}, err
	}

	now := s.now()
	period := Period{
		ID:                    s.newID(),
		Name:                  name,
		Description:           strings.TrimSpace(input.Description),
		Status:                PeriodStatusWaiting,
		Phase:                 PhaseSetup,
		GradeRanges:           append([]GradeRange(nil), ranges...),
		MaxSelfEvaluationRate: rate,
		CreatedBy:             actorID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.store.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertPeriod(ctx, period)
	}); err != nil {
		return Period{}, err
	}
	s.publish(ctx, activity.Event{
		PeriodID:   period.ID,
		Action:     activity.ActionPeriodCreate,
		To:         string(period.Status),
		ActorID:    actorID,
		OccurredAt: now,
	})
	return period, nil
}

func (s *Service) GetPeriod(ctx context.Context, periodID string) (Period, error) {
	var period Period
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		period, err = tx.GetPeriod(ctx, periodID)
		return err
	})
	return period, err
}

func (s *Service) ListPeriods(ctx context.Context) ([]Period, error) {
	var out []Period
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListPeriods(ctx)
		return err
	})
	return out, err
}

// periodChange is what a period mutation reports for the activity log.
type periodChange struct {
	from, to string
}

// mutatePeriod serializes writes per period, rejects completed periods and publishes
// one event once the change has committed.
func (s *Service) mutatePeriod(ctx context.Context, periodID, actorID, action string, fn func(p *Period, now time.Time) (periodChange, error)) (Period, error) {
	var period Period
	var change periodChange
	now := s.now()
	err := s.withLock(ctx, periodKey(periodID), func() error {
		return s.store.WithinTx(ctx, func(tx Tx) error {
			var err error
			period, err = tx.GetPeriod(ctx, periodID)
			if err != nil {
				return err
			}
			if err := period.EnsureMutable(); err != nil {
				return err
			}
			if change, err = fn(&period, now); err != nil {
				return err
			}
			period.UpdatedAt = now
			return tx.UpdatePeriod(ctx, period)
		})
	})
	if err != nil {
		return Period{}, err
	}
	s.publish(ctx, activity.Event{
		PeriodID:   period.ID,
		Action:     action,
		From:       change.from,
		To:         change.to,
		ActorID:    actorID,
		OccurredAt: now,
	})
	return period, nil
}

func (s *Service) StartPeriod(ctx context.Context, periodID, actorID string) (Period, error) {
	return s.mutatePeriod(ctx, periodID, actorID, activity.ActionPeriodStart, func(p *Period, now time.Time) (periodChange, error) {
		next, err := p.Status.Start()
		if err != nil {
			return periodChange{}, err
		}
		change := periodChange{from: string(p.Status), to: string(next)}
		p.Status = next
		p.StartedAt = &now
		return change, nil
	})
}

func (s *Service) CompletePeriod(ctx context.Context, periodID, actorID string) (Period, error) {
	return s.mutatePeriod(ctx, periodID, actorID, activity.ActionPeriodComplete, func(p *Period, now time.Time) (periodChange, error) {
		next, err := p.Status.Complete()
		if err != nil {
			return periodChange{}, err
		}
		change := periodChange{from: string(p.Status), to: string(next)}
		p.Status = next
		p.CompletedAt = &now
		return change, nil
	})
}

func (s *Service) ChangePeriodPhase(ctx context.Context, periodID string, target Phase, actorID string) (Period, error) {
	return s.mutatePeriod(ctx, periodID, actorID, activity.ActionPeriodPhase, func(p *Period, _ time.Time) (periodChange, error) {
		next, err := p.Phase.Advance(target, s.policy.PhaseSequencing)
		if err != nil {
			return periodChange{}, err
		}
		change := periodChange{from: string(p.Phase), to: string(next)}
		p.Phase = next
		return change, nil
	})
}

// SetGradeRanges replaces the whole table; the replacement is validated like a new one.
// A completed period reports ErrPeriodCompleted whatever the input.
func (s *Service) SetGradeRanges(ctx context.Context, periodID string, ranges []GradeRange, actorID string) (Period, error) {
	return s.mutatePeriod(ctx, periodID, actorID, activity.ActionPeriodGradeRanges, func(p *Period, _ time.Time) (periodChange, error) {
		if err := ValidateGradeRanges(ranges); err != nil {
			return periodChange{}, err
		}
		p.GradeRanges = append([]GradeRange(nil), ranges...)
		return periodChange{}, nil
	})
}

func (s *Service) UpdatePeriodSettings(ctx context.Context, periodID string, settings PeriodSettings, actorID string) (Period, error) {
	return s.mutatePeriod(ctx, periodID, actorID, activity.ActionPeriodSettings, func(p *Period, _ time.Time) (periodChange, error) {
		if settings.MaxSelfEvaluationRate != nil {
			if err := validateSelfRate(*settings.MaxSelfEvaluationRate); err != nil {
				return periodChange{}, err
			}
		}
		if settings.CriteriaSettingEnabled != nil {
			p.CriteriaSettingEnabled = *settings.CriteriaSettingEnabled
		}
		if settings.SelfEvaluationSettingEnabled != nil {
			p.SelfEvaluationSettingEnabled = *settings.SelfEvaluationSettingEnabled
		}
		if settings.FinalEvaluationSettingEnabled != nil {
			p.FinalEvaluationSettingEnabled = *settings.FinalEvaluationSettingEnabled
		}
		if settings.MaxSelfEvaluationRate != nil {
			p.MaxSelfEvaluationRate = *settings.MaxSelfEvaluationRate
		}
		return periodChange{}, nil
	})
}

// DeletePeriod soft-deletes; the row stays for history but disappears from reads.
func (s *Service) DeletePeriod(ctx context.Context, periodID, actorID string) error {
	_, err := s.mutatePeriod(ctx, periodID, actorID, activity.ActionPeriodDelete, func(p *Period, now time.Time) (periodChange, error) {
		p.DeletedAt = &now
		return periodChange{}, nil
	})
	return err
}

func (s *Service) CreateMapping(ctx context.Context, periodID, employeeID, actorID string) (Mapping, error) {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return Mapping{}, fmt.Errorf("%w: employeeId is required", ErrValidation)
	}
	now := s.now()
	mapping := Mapping{
		ID:                s.newID(),
		PeriodID:          periodID,
		EmployeeID:        employeeID,
		SelfEditable:      true,
		PrimaryEditable:   true,
		SecondaryEditable: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := s.withLock(ctx, periodKey(periodID), func() error {
		return s.store.WithinTx(ctx, func(tx Tx) error {
			period, err := tx.GetPeriod(ctx, periodID)
			if err != nil {
				return err
			}
			if err := period.EnsureMutable(); err != nil {
				return err
			}
			return tx.InsertMapping(ctx, mapping)
		})
	})
	if err != nil {
		return Mapping{}, err
	}
	s.publish(ctx, activity.Event{
		PeriodID:   periodID,
		EmployeeID: employeeID,
		MappingID:  mapping.ID,
		Action:     activity.ActionMappingCreate,
		ActorID:    actorID,
		OccurredAt: now,
	})
	return mapping, nil
}

func (s *Service) SetEditability(ctx context.Context, mappingID string, flags Editability, actorID string) (Mapping, error) {
	var mapping Mapping
	now := s.now()
	err := s.withLock(ctx, mappingKey(mappingID), func() error {
		return s.store.WithinTx(ctx, func(tx Tx) error {
			var period Period
			var err error
			if period, mapping, err = loadMapping(ctx, tx, mappingID); err != nil {
				return err
			}
			if err := period.EnsureMutable(); err != nil {
				return err
			}
			mapping.SelfEditable = flags.Self
			mapping.PrimaryEditable = flags.Primary
			mapping.SecondaryEditable = flags.Secondary
			mapping.UpdatedAt = now
			return tx.UpdateMapping(ctx, mapping)
		})
	})
	if err != nil {
		return Mapping{}, err
	}
	s.publish(ctx, activity.Event{
		PeriodID:   mapping.PeriodID,
		EmployeeID: mapping.EmployeeID,
		MappingID:  mapping.ID,
		Action:     activity.ActionMappingEditable,
		To:         fmt.Sprintf("self=%t primary=%t secondary=%t", flags.Self, flags.Primary, flags.Secondary),
		ActorID:    actorID,
		OccurredAt: now,
	})
	return mapping, nil
}

func (s *Service) GetMapping(ctx context.Context, mappingID string) (Mapping, error) {
	var mapping Mapping
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		_, mapping, err = loadMapping(ctx, tx, mappingID)
		return err
	})
	return mapping, err
}

func (s *Service) ListMappings(ctx context.Context, periodID string) ([]Mapping, error) {
	var out []Mapping
	err := s.store.View(ctx, func(tx Tx) error {
		if _, err := tx.GetPeriod(ctx, periodID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListMappings(ctx, periodID)
		return err
	})
	return out, err
}

// IsParticipant reports whether userID is the mapped employee or one of the roster's
// evaluators for that employee.
func (s *Service) IsParticipant(ctx context.Context, mapping Mapping, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if mapping.EmployeeID == userID {
		return true, nil
	}
	if s.roster == nil {
		return false, nil
	}
	primary, err := s.roster.PrimaryEvaluator(ctx, mapping.PeriodID, mapping.EmployeeID)
	if err != nil {
		return false, err
	}
	if primary == userID {
		return true, nil
	}
	secondary, err := s.roster.SecondaryEvaluators(ctx, mapping.PeriodID, mapping.EmployeeID)
	if err != nil {
		return false, err
	}
	return slices.Contains(secondary, userID), nil
}

// ListMappingsFor narrows ListMappings to the mappings userID takes part in.
func (s *Service) ListMappingsFor(ctx context.Context, periodID, userID string) ([]Mapping, error) {
	mappings, err := s.ListMappings(ctx, periodID)
	if err != nil {
		return nil, err
	}
	out := make([]Mapping, 0, len(mappings))
	for _, m := range mappings {
		ok, err := s.IsParticipant(ctx, m, userID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// loadMapping returns the mapping together with its (not deleted) period.
func loadMapping(ctx context.Context, tx Tx, mappingID string) (Period, Mapping, error) {
	mapping, err := tx.GetMapping(ctx, mappingID)
	if err != nil {
		return Period{}, Mapping{}, err
	}
	period, err := tx.GetPeriod(ctx, mapping.PeriodID)
	if err != nil {
		return Period{}, Mapping{}, err
	}
	return period, mapping, nil
}
