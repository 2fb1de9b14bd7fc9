package activity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	ActionPeriodCreate      = "evaluation.period.create"
	ActionPeriodStart       = "evaluation.period.start"
	ActionPeriodComplete    = "evaluation.period.complete"
	ActionPeriodPhase       = "evaluation.period.phase"
	ActionPeriodGradeRanges = "evaluation.period.grade_ranges"
	ActionPeriodSettings    = "evaluation.period.settings"
	ActionPeriodDelete      = "evaluation.period.delete"
	ActionMappingCreate     = "evaluation.mapping.create"
	ActionMappingEditable   = "evaluation.mapping.editability"
	ActionStepStatus        = "evaluation.step.status"
	ActionRevisionRequest   = "evaluation.revision.request"
	ActionRevisionRead      = "evaluation.revision.read"
	ActionRevisionRespond   = "evaluation.revision.respond"
)

// Event is one fact about a state transition. From/To hold the old and new status
// (or phase) when the action changes one.
type Event struct {
	ID          string    `json:"id,omitempty"`
	PeriodID    string    `json:"periodId"`
	EmployeeID  string    `json:"employeeId,omitempty"`
	MappingID   string    `json:"mappingId,omitempty"`
	Step        string    `json:"step,omitempty"`
	EvaluatorID string    `json:"evaluatorId,omitempty"`
	Action      string    `json:"action"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	ActorID     string    `json:"actorId"`
	RequestID   string    `json:"requestId,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

type Filter struct {
	PeriodID   string
	EmployeeID string
	Action     string
}

// Sink receives events; the engine never reads them back.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

type Lister interface {
	List(ctx context.Context, filter Filter, limit, offset int) ([]Event, error)
}

type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, evt Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "evaluation activity",
		"action", evt.Action,
		"periodId", evt.PeriodID,
		"mappingId", evt.MappingID,
		"step", evt.Step,
		"evaluatorId", evt.EvaluatorID,
		"from", evt.From,
		"to", evt.To,
		"actorId", evt.ActorID,
		"requestId", evt.RequestID,
	)
	return nil
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// List returns matching events newest first.
func (r *Recorder) List(_ context.Context, filter Filter, limit, offset int) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for i := len(r.events) - 1; i >= 0; i-- {
		evt := r.events[i]
		if filter.matches(evt) {
			out = append(out, evt)
		}
	}
	return page(out, limit, offset), nil
}

func (f Filter) matches(evt Event) bool {
	if f.PeriodID != "" && evt.PeriodID != f.PeriodID {
		return false
	}
	if f.EmployeeID != "" && evt.EmployeeID != f.EmployeeID {
		return false
	}
	if f.Action != "" && evt.Action != f.Action {
		return false
	}
	return true
}

func page(events []Event, limit, offset int) []Event {
	if offset >= len(events) {
		return nil
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}
