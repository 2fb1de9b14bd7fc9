package activity

import (
	"context"
	"fmt"

	"evalcycle/internal/platform/querier"
)

// Store appends events to evaluation_activity_logs.
type Store struct {
	DB querier.Querier
}

func NewStore(db querier.Querier) *Store {
	return &Store{DB: db}
}

func (s *Store) Publish(ctx context.Context, evt Event) error {
	_, err := s.DB.Exec(ctx, `
    INSERT INTO evaluation_activity_logs (period_id, employee_id, mapping_id, step, evaluator_id, action, from_status, to_status, comment, actor_id, request_id, occurred_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
  `, evt.PeriodID, evt.EmployeeID, evt.MappingID, evt.Step, evt.EvaluatorID, evt.Action, evt.From, evt.To, evt.Comment, evt.ActorID, evt.RequestID, evt.OccurredAt)
	return err
}

func (s *Store) Count(ctx context.Context, filter Filter) (int, error) {
	query, args := buildBaseQuery("SELECT COUNT(1)", filter)
	var total int
	if err := s.DB.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) List(ctx context.Context, filter Filter, limit, offset int) ([]Event, error) {
	query, args := buildBaseQuery(`SELECT id::text, period_id, employee_id, mapping_id, step, evaluator_id, action, from_status, to_status, comment, actor_id, request_id, occurred_at`, filter)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var evt Event
		if err := rows.Scan(&evt.ID, &evt.PeriodID, &evt.EmployeeID, &evt.MappingID, &evt.Step, &evt.EvaluatorID, &evt.Action, &evt.From, &evt.To, &evt.Comment, &evt.ActorID, &evt.RequestID, &evt.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func buildBaseQuery(prefix string, filter Filter) (string, []any) {
	query := prefix + " FROM evaluation_activity_logs WHERE 1=1"
	var args []any
	if filter.PeriodID != "" {
		args = append(args, filter.PeriodID)
		query += fmt.Sprintf(" AND period_id = $%d", len(args))
	}
	if filter.EmployeeID != "" {
		args = append(args, filter.EmployeeID)
		query += fmt.Sprintf(" AND employee_id = $%d", len(args))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	return query, args
}
