package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"evalcycle/internal/platform/querier"
)

const uniqueViolation = "23505"

// stepColumns whitelists the step_approvals columns a shared step writes to.
var stepColumns = map[Step][3]string{
	StepCriteria: {"criteria_status", "criteria_updated_by", "criteria_updated_at"},
	StepSelf:     {"self_status", "self_updated_by", "self_updated_at"},
	StepPrimary:  {"primary_status", "primary_updated_by", "primary_updated_at"},
}

// PgStore persists the engine state in Postgres. Reads inside WithinTx lock the rows they
// return so concurrent units of work on the same period or mapping queue up.
type PgStore struct {
	DB *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{DB: db}
}

func (s *PgStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx, forUpdate: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PgStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return fn(&pgTx{q: s.DB})
}

func (s *PgStore) ScoredEntries(ctx context.Context, q EntryQuery) ([]ScoredEntry, error) {
	query := `
    SELECT id, period_id, employee_id, step, COALESCE(evaluator_id, ''), work_item_id, score, weight, is_completed, updated_at
    FROM scored_entries
    WHERE period_id = $1 AND employee_id = $2 AND step = $3
  `
	args := []any{q.PeriodID, q.EmployeeID, string(q.Step)}
	if q.EvaluatorID != "" {
		query += " AND evaluator_id = $4"
		args = append(args, q.EvaluatorID)
	}
	query += " ORDER BY work_item_id"

	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredEntry
	for rows.Next() {
		var e ScoredEntry
		var step string
		if err := rows.Scan(&e.ID, &e.PeriodID, &e.EmployeeID, &step, &e.EvaluatorID, &e.WorkItemID, &e.Score, &e.Weight, &e.IsCompleted, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Step = Step(step)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgStore) PrimaryEvaluator(ctx context.Context, periodID, employeeID string) (string, error) {
	var evaluatorID string
	err := s.DB.QueryRow(ctx, `
    SELECT evaluator_id
    FROM evaluation_lines
    WHERE period_id = $1 AND employee_id = $2 AND kind = 'primary'
    ORDER BY evaluator_id
    LIMIT 1
  `, periodID, employeeID).Scan(&evaluatorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return evaluatorID, err
}

func (s *PgStore) SecondaryEvaluators(ctx context.Context, periodID, employeeID string) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
    SELECT evaluator_id
    FROM evaluation_lines
    WHERE period_id = $1 AND employee_id = $2 AND kind = 'secondary'
    ORDER BY evaluator_id
  `, periodID, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type pgTx struct {
	q         querier.Querier
	forUpdate bool
}

func (t *pgTx) lockClause() string {
	if t.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

const periodColumns = `id, name, COALESCE(description, ''), status, phase, grade_ranges, max_self_evaluation_rate,
      criteria_setting_enabled, self_evaluation_setting_enabled, final_evaluation_setting_enabled,
      started_at, completed_at, COALESCE(created_by, ''), created_at, updated_at, deleted_at`

func scanPeriod(row pgx.Row) (Period, error) {
	var p Period
	var status, phase string
	var ranges []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &status, &phase, &ranges, &p.MaxSelfEvaluationRate,
		&p.CriteriaSettingEnabled, &p.SelfEvaluationSettingEnabled, &p.FinalEvaluationSettingEnabled,
		&p.StartedAt, &p.CompletedAt, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt); err != nil {
		return Period{}, err
	}
	p.Status = PeriodStatus(status)
	p.Phase = Phase(phase)
	if len(ranges) > 0 {
		if err := json.Unmarshal(ranges, &p.GradeRanges); err != nil {
			return Period{}, fmt.Errorf("decode grade ranges: %w", err)
		}
	}
	return p, nil
}

func (t *pgTx) GetPeriod(ctx context.Context, periodID string) (Period, error) {
	p, err := scanPeriod(t.q.QueryRow(ctx, `
    SELECT `+periodColumns+`
    FROM evaluation_periods
    WHERE id = $1 AND deleted_at IS NULL`+t.lockClause(), periodID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Period{}, ErrPeriodNotFound
	}
	return p, err
}

func (t *pgTx) ListPeriods(ctx context.Context) ([]Period, error) {
	rows, err := t.q.Query(ctx, `
    SELECT `+periodColumns+`
    FROM evaluation_periods
    WHERE deleted_at IS NULL
    ORDER BY created_at DESC, id
  `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertPeriod(ctx context.Context, p Period) error {
	ranges, err := json.Marshal(p.GradeRanges)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
    INSERT INTO evaluation_periods
      (id, name, description, status, phase, grade_ranges, max_self_evaluation_rate,
       criteria_setting_enabled, self_evaluation_setting_enabled, final_evaluation_setting_enabled,
       created_by, created_at, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
  `, p.ID, p.Name, nullIfEmpty(p.Description), string(p.Status), string(p.Phase), ranges, p.MaxSelfEvaluationRate,
		p.CriteriaSettingEnabled, p.SelfEvaluationSettingEnabled, p.FinalEvaluationSettingEnabled,
		nullIfEmpty(p.CreatedBy), p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *pgTx) UpdatePeriod(ctx context.Context, p Period) error {
	ranges, err := json.Marshal(p.GradeRanges)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `
    UPDATE evaluation_periods
    SET name = $2, description = $3, status = $4, phase = $5, grade_ranges = $6, max_self_evaluation_rate = $7,
        criteria_setting_enabled = $8, self_evaluation_setting_enabled = $9, final_evaluation_setting_enabled = $10,
        started_at = $11, completed_at = $12, updated_at = $13, deleted_at = $14
    WHERE id = $1
  `, p.ID, p.Name, nullIfEmpty(p.Description), string(p.Status), string(p.Phase), ranges, p.MaxSelfEvaluationRate,
		p.CriteriaSettingEnabled, p.SelfEvaluationSettingEnabled, p.FinalEvaluationSettingEnabled,
		p.StartedAt, p.CompletedAt, p.UpdatedAt, p.DeletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

const mappingColumns = `id, period_id, employee_id, self_editable, primary_editable, secondary_editable, created_at, updated_at`

func scanMapping(row pgx.Row) (Mapping, error) {
	var m Mapping
	err := row.Scan(&m.ID, &m.PeriodID, &m.EmployeeID, &m.SelfEditable, &m.PrimaryEditable, &m.SecondaryEditable, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (t *pgTx) GetMapping(ctx context.Context, mappingID string) (Mapping, error) {
	m, err := scanMapping(t.q.QueryRow(ctx, `
    SELECT `+mappingColumns+`
    FROM evaluation_mappings
    WHERE id = $1`+t.lockClause(), mappingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Mapping{}, ErrMappingNotFound
	}
	return m, err
}

func (t *pgTx) FindMapping(ctx context.Context, periodID, employeeID string) (Mapping, error) {
	m, err := scanMapping(t.q.QueryRow(ctx, `
    SELECT `+mappingColumns+`
    FROM evaluation_mappings
    WHERE period_id = $1 AND employee_id = $2`+t.lockClause(), periodID, employeeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Mapping{}, ErrMappingNotFound
	}
	return m, err
}

func (t *pgTx) ListMappings(ctx context.Context, periodID string) ([]Mapping, error) {
	rows, err := t.q.Query(ctx, `
    SELECT `+mappingColumns+`
    FROM evaluation_mappings
    WHERE period_id = $1
    ORDER BY employee_id
  `, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertMapping(ctx context.Context, m Mapping) error {
	_, err := t.q.Exec(ctx, `
    INSERT INTO evaluation_mappings
      (id, period_id, employee_id, self_editable, primary_editable, secondary_editable, created_at, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
  `, m.ID, m.PeriodID, m.EmployeeID, m.SelfEditable, m.PrimaryEditable, m.SecondaryEditable, m.CreatedAt, m.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateMapping
	}
	return err
}

func (t *pgTx) UpdateMapping(ctx context.Context, m Mapping) error {
	tag, err := t.q.Exec(ctx, `
    UPDATE evaluation_mappings
    SET self_editable = $2, primary_editable = $3, secondary_editable = $4, updated_at = $5
    WHERE id = $1
  `, m.ID, m.SelfEditable, m.PrimaryEditable, m.SecondaryEditable, m.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMappingNotFound
	}
	return nil
}

func scanStepState(status string, by *string, at *time.Time) StepState {
	state := StepState{Status: ApprovalStatus(status), UpdatedAt: at}
	if by != nil {
		state.UpdatedBy = *by
	}
	return state
}

func (t *pgTx) LoadApprovals(ctx context.Context, mappingID string) (*Approvals, error) {
	a := NewApprovals(mappingID)

	var cStatus, sStatus, pStatus string
	var cBy, sBy, pBy *string
	var cAt, sAt, pAt *time.Time
	err := t.q.QueryRow(ctx, `
    SELECT criteria_status, criteria_updated_by, criteria_updated_at,
           self_status, self_updated_by, self_updated_at,
           primary_status, primary_updated_by, primary_updated_at
    FROM step_approvals
    WHERE mapping_id = $1`+t.lockClause(), mappingID).Scan(
		&cStatus, &cBy, &cAt, &sStatus, &sBy, &sAt, &pStatus, &pBy, &pAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		a.Criteria = scanStepState(cStatus, cBy, cAt)
		a.Self = scanStepState(sStatus, sBy, sAt)
		a.Primary = scanStepState(pStatus, pBy, pAt)
	}

	rows, err := t.q.Query(ctx, `
    SELECT evaluator_id, status, updated_by, updated_at
    FROM secondary_step_approvals
    WHERE mapping_id = $1
    ORDER BY evaluator_id`+t.lockClause(), mappingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		row := &SecondaryStepApproval{MappingID: mappingID}
		var status string
		var by *string
		if err := rows.Scan(&row.EvaluatorID, &status, &by, &row.UpdatedAt); err != nil {
			return nil, err
		}
		row.Status = ApprovalStatus(status)
		if by != nil {
			row.UpdatedBy = *by
		}
		a.Secondary[row.EvaluatorID] = row
	}
	return a, rows.Err()
}

// SaveApprovals writes only the columns and rows touched since LoadApprovals.
func (t *pgTx) SaveApprovals(ctx context.Context, a *Approvals) error {
	for _, step := range a.DirtySteps() {
		cols := stepColumns[step]
		state, err := a.SharedState(step)
		if err != nil {
			return err
		}
		if _, err := t.q.Exec(ctx, fmt.Sprintf(`
      INSERT INTO step_approvals (mapping_id, %[1]s, %[2]s, %[3]s)
      VALUES ($1, $2, $3, $4)
      ON CONFLICT (mapping_id) DO UPDATE
      SET %[1]s = EXCLUDED.%[1]s, %[2]s = EXCLUDED.%[2]s, %[3]s = EXCLUDED.%[3]s
    `, cols[0], cols[1], cols[2]), a.MappingID, string(state.Status), nullIfEmpty(state.UpdatedBy), state.UpdatedAt); err != nil {
			return err
		}
	}
	for _, evaluatorID := range a.DirtyEvaluators() {
		row := a.Secondary[evaluatorID]
		if _, err := t.q.Exec(ctx, `
      INSERT INTO secondary_step_approvals (mapping_id, evaluator_id, status, updated_by, updated_at)
      VALUES ($1, $2, $3, $4, $5)
      ON CONFLICT (mapping_id, evaluator_id) DO UPDATE
      SET status = EXCLUDED.status, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
    `, a.MappingID, evaluatorID, string(row.Status), nullIfEmpty(row.UpdatedBy), row.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) InsertRevisionRequest(ctx context.Context, req RevisionRequest) error {
	if _, err := t.q.Exec(ctx, `
    INSERT INTO revision_requests
      (id, period_id, employee_id, mapping_id, step, comment, requested_by, requested_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
  `, req.ID, req.PeriodID, req.EmployeeID, req.MappingID, string(req.Step), req.Comment, req.RequestedBy, req.RequestedAt); err != nil {
		return err
	}
	for _, r := range req.Recipients {
		if _, err := t.q.Exec(ctx, `
      INSERT INTO revision_request_recipients
        (id, request_id, recipient_id, recipient_type, evaluator_id, is_read, is_completed)
      VALUES ($1,$2,$3,$4,$5,false,false)
    `, r.ID, req.ID, r.RecipientID, string(r.Role.Type), nullIfEmpty(r.Role.EvaluatorID)); err != nil {
			return err
		}
	}
	return nil
}

const revisionColumns = `id, period_id, employee_id, mapping_id, step, comment, requested_by, requested_at`

func scanRevision(row pgx.Row) (RevisionRequest, error) {
	var r RevisionRequest
	var step string
	if err := row.Scan(&r.ID, &r.PeriodID, &r.EmployeeID, &r.MappingID, &step, &r.Comment, &r.RequestedBy, &r.RequestedAt); err != nil {
		return RevisionRequest{}, err
	}
	r.Step = Step(step)
	return r, nil
}

func (t *pgTx) GetRevisionRequest(ctx context.Context, requestID string) (RevisionRequest, error) {
	r, err := scanRevision(t.q.QueryRow(ctx, `
    SELECT `+revisionColumns+`
    FROM revision_requests
    WHERE id = $1
  `, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return RevisionRequest{}, ErrRevisionNotFound
	}
	if err != nil {
		return RevisionRequest{}, err
	}
	r.Recipients, err = t.recipients(ctx, r.ID)
	return r, err
}

func (t *pgTx) recipients(ctx context.Context, requestID string) ([]RevisionRecipient, error) {
	rows, err := t.q.Query(ctx, `
    SELECT id, request_id, recipient_id, recipient_type, COALESCE(evaluator_id, ''),
           is_read, read_at, is_completed, COALESCE(response_comment, ''), completed_at
    FROM revision_request_recipients
    WHERE request_id = $1
    ORDER BY recipient_id
  `, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RevisionRecipient
	for rows.Next() {
		var r RevisionRecipient
		var kind string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.RecipientID, &kind, &r.Role.EvaluatorID,
			&r.IsRead, &r.ReadAt, &r.IsCompleted, &r.ResponseComment, &r.CompletedAt); err != nil {
			return nil, err
		}
		r.Role.Type = RecipientType(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) ListRevisionRequests(ctx context.Context, filter RevisionFilter) ([]RevisionRequest, error) {
	query, args := buildRevisionQuery(filter)
	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []RevisionRequest
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Recipients, err = t.recipients(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func buildRevisionQuery(filter RevisionFilter) (string, []any) {
	query := "SELECT " + revisionColumns + " FROM revision_requests rr WHERE 1=1"
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(clause, len(args))
	}
	if filter.PeriodID != "" {
		add(" AND rr.period_id = $%d", filter.PeriodID)
	}
	if filter.EmployeeID != "" {
		add(" AND rr.employee_id = $%d", filter.EmployeeID)
	}
	if filter.Step != "" {
		add(" AND rr.step = $%d", string(filter.Step))
	}
	if filter.RecipientID != "" || filter.OnlyIncomplete {
		sub := " AND EXISTS (SELECT 1 FROM revision_request_recipients r WHERE r.request_id = rr.id"
		if filter.RecipientID != "" {
			args = append(args, filter.RecipientID)
			sub += fmt.Sprintf(" AND r.recipient_id = $%d", len(args))
		}
		if filter.OnlyIncomplete {
			sub += " AND r.is_completed = false"
		}
		query += sub + ")"
	}
	query += " ORDER BY rr.requested_at DESC, rr.id"
	return query, args
}

func (t *pgTx) MarkRecipientRead(ctx context.Context, requestID, recipientID string, at time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx, `
    UPDATE revision_request_recipients
    SET is_read = true, read_at = $3
    WHERE request_id = $1 AND recipient_id = $2 AND is_read = false
  `, requestID, recipientID, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, t.recipientExists(ctx, requestID, recipientID)
}

// CompleteRecipient flips is_completed only while it is still false; losing that race
// surfaces as ErrAlreadyCompleted.
func (t *pgTx) CompleteRecipient(ctx context.Context, requestID, recipientID, comment string, at time.Time) error {
	tag, err := t.q.Exec(ctx, `
    UPDATE revision_request_recipients
    SET is_completed = true, completed_at = $3, response_comment = $4,
        is_read = true, read_at = COALESCE(read_at, $3)
    WHERE request_id = $1 AND recipient_id = $2 AND is_completed = false
  `, requestID, recipientID, at, nullIfEmpty(comment))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if err := t.recipientExists(ctx, requestID, recipientID); err != nil {
		return err
	}
	return ErrAlreadyCompleted
}

func (t *pgTx) recipientExists(ctx context.Context, requestID, recipientID string) error {
	var count int
	if err := t.q.QueryRow(ctx, `
    SELECT COUNT(1)
    FROM revision_request_recipients
    WHERE request_id = $1 AND recipient_id = $2
  `, requestID, recipientID).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return ErrRecipientNotFound
	}
	return nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
