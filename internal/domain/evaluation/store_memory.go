package evaluation

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryState struct {
	periods   map[string]Period
	mappings  map[string]Mapping
	approvals map[string]*Approvals
	revisions map[string]RevisionRequest
	order     []string
}

func newMemoryState() *memoryState {
	return &memoryState{
		periods:   map[string]Period{},
		mappings:  map[string]Mapping{},
		approvals: map[string]*Approvals{},
		revisions: map[string]RevisionRequest{},
	}
}

func (s *memoryState) clone() *memoryState {
	out := newMemoryState()
	for id, p := range s.periods {
		p.GradeRanges = append([]GradeRange(nil), p.GradeRanges...)
		out.periods[id] = p
	}
	for id, m := range s.mappings {
		out.mappings[id] = m
	}
	for id, a := range s.approvals {
		out.approvals[id] = a.Clone()
	}
	for id, r := range s.revisions {
		out.revisions[id] = cloneRevision(r)
	}
	out.order = append([]string(nil), s.order...)
	return out
}

func cloneRevision(r RevisionRequest) RevisionRequest {
	r.Recipients = append([]RevisionRecipient(nil), r.Recipients...)
	return r
}

type rosterKey struct {
	periodID   string
	employeeID string
}

type rosterEntry struct {
	primary   string
	secondary []string
}

// MemoryStore keeps everything in process. WithinTx works on a copy of the state and
// swaps it in on success, so a failed unit of work leaves nothing behind.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState

	dataMu  sync.RWMutex
	roster  map[rosterKey]rosterEntry
	entries []ScoredEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState(), roster: map[rosterKey]rosterEntry{}}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&memoryTx{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memoryTx{state: s.state})
}

// SetPrimaryEvaluator and SetSecondaryEvaluators stand in for the evaluation-line
// collaborator when no database is configured.
func (s *MemoryStore) SetPrimaryEvaluator(periodID, employeeID, evaluatorID string) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	key := rosterKey{periodID, employeeID}
	entry := s.roster[key]
	entry.primary = evaluatorID
	s.roster[key] = entry
}

func (s *MemoryStore) SetSecondaryEvaluators(periodID, employeeID string, evaluatorIDs ...string) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	key := rosterKey{periodID, employeeID}
	entry := s.roster[key]
	entry.secondary = append([]string(nil), evaluatorIDs...)
	s.roster[key] = entry
}

func (s *MemoryStore) PrimaryEvaluator(_ context.Context, periodID, employeeID string) (string, error) {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return s.roster[rosterKey{periodID, employeeID}].primary, nil
}

func (s *MemoryStore) SecondaryEvaluators(_ context.Context, periodID, employeeID string) ([]string, error) {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return append([]string(nil), s.roster[rosterKey{periodID, employeeID}].secondary...), nil
}

// PutScoredEntry inserts or replaces an entry keyed by
// (period, employee, step, evaluator, work item).
func (s *MemoryStore) PutScoredEntry(entry ScoredEntry) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	for i, existing := range s.entries {
		if existing.PeriodID == entry.PeriodID && existing.EmployeeID == entry.EmployeeID &&
			existing.Step == entry.Step && existing.EvaluatorID == entry.EvaluatorID &&
			existing.WorkItemID == entry.WorkItemID {
			s.entries[i] = entry
			return
		}
	}
	s.entries = append(s.entries, entry)
}

func (s *MemoryStore) ScoredEntries(_ context.Context, q EntryQuery) ([]ScoredEntry, error) {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	var out []ScoredEntry
	for _, e := range s.entries {
		if e.PeriodID != q.PeriodID || e.EmployeeID != q.EmployeeID || e.Step != q.Step {
			continue
		}
		if q.EvaluatorID != "" && e.EvaluatorID != q.EvaluatorID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) GetPeriod(_ context.Context, periodID string) (Period, error) {
	p, ok := t.state.periods[periodID]
	if !ok || p.DeletedAt != nil {
		return Period{}, ErrPeriodNotFound
	}
	p.GradeRanges = append([]GradeRange(nil), p.GradeRanges...)
	return p, nil
}

func (t *memoryTx) ListPeriods(_ context.Context) ([]Period, error) {
	var out []Period
	for _, p := range t.state.periods {
		if p.DeletedAt == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memoryTx) InsertPeriod(_ context.Context, period Period) error {
	t.state.periods[period.ID] = period
	return nil
}

func (t *memoryTx) UpdatePeriod(_ context.Context, period Period) error {
	if _, ok := t.state.periods[period.ID]; !ok {
		return ErrPeriodNotFound
	}
	t.state.periods[period.ID] = period
	return nil
}

func (t *memoryTx) GetMapping(_ context.Context, mappingID string) (Mapping, error) {
	m, ok := t.state.mappings[mappingID]
	if !ok {
		return Mapping{}, ErrMappingNotFound
	}
	return m, nil
}

func (t *memoryTx) FindMapping(_ context.Context, periodID, employeeID string) (Mapping, error) {
	for _, m := range t.state.mappings {
		if m.PeriodID == periodID && m.EmployeeID == employeeID {
			return m, nil
		}
	}
	return Mapping{}, ErrMappingNotFound
}

func (t *memoryTx) ListMappings(_ context.Context, periodID string) ([]Mapping, error) {
	var out []Mapping
	for _, m := range t.state.mappings {
		if m.PeriodID == periodID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out, nil
}

func (t *memoryTx) InsertMapping(ctx context.Context, mapping Mapping) error {
	if _, err := t.FindMapping(ctx, mapping.PeriodID, mapping.EmployeeID); err == nil {
		return ErrDuplicateMapping
	}
	t.state.mappings[mapping.ID] = mapping
	return nil
}

func (t *memoryTx) UpdateMapping(_ context.Context, mapping Mapping) error {
	if _, ok := t.state.mappings[mapping.ID]; !ok {
		return ErrMappingNotFound
	}
	t.state.mappings[mapping.ID] = mapping
	return nil
}

func (t *memoryTx) LoadApprovals(_ context.Context, mappingID string) (*Approvals, error) {
	if a, ok := t.state.approvals[mappingID]; ok {
		return a.Clone(), nil
	}
	return NewApprovals(mappingID), nil
}

func (t *memoryTx) SaveApprovals(_ context.Context, approvals *Approvals) error {
	t.state.approvals[approvals.MappingID] = approvals.Clone()
	return nil
}

func (t *memoryTx) InsertRevisionRequest(_ context.Context, req RevisionRequest) error {
	t.state.revisions[req.ID] = cloneRevision(req)
	t.state.order = append(t.state.order, req.ID)
	return nil
}

func (t *memoryTx) GetRevisionRequest(_ context.Context, requestID string) (RevisionRequest, error) {
	r, ok := t.state.revisions[requestID]
	if !ok {
		return RevisionRequest{}, ErrRevisionNotFound
	}
	return cloneRevision(r), nil
}

func (t *memoryTx) ListRevisionRequests(_ context.Context, filter RevisionFilter) ([]RevisionRequest, error) {
	var out []RevisionRequest
	for i := len(t.state.order) - 1; i >= 0; i-- {
		r := t.state.revisions[t.state.order[i]]
		if filter.matches(r) {
			out = append(out, cloneRevision(r))
		}
	}
	return out, nil
}

func (f RevisionFilter) matches(r RevisionRequest) bool {
	if f.PeriodID != "" && r.PeriodID != f.PeriodID {
		return false
	}
	if f.EmployeeID != "" && r.EmployeeID != f.EmployeeID {
		return false
	}
	if f.Step != "" && r.Step != f.Step {
		return false
	}
	if f.RecipientID == "" && !f.OnlyIncomplete {
		return true
	}
	for _, recipient := range r.Recipients {
		if f.RecipientID != "" && recipient.RecipientID != f.RecipientID {
			continue
		}
		if f.OnlyIncomplete && recipient.IsCompleted {
			continue
		}
		return true
	}
	return false
}

func (t *memoryTx) recipient(requestID, recipientID string) (*RevisionRecipient, RevisionRequest, error) {
	r, ok := t.state.revisions[requestID]
	if !ok {
		return nil, RevisionRequest{}, ErrRevisionNotFound
	}
	for i := range r.Recipients {
		if r.Recipients[i].RecipientID == recipientID {
			return &r.Recipients[i], r, nil
		}
	}
	return nil, RevisionRequest{}, ErrRecipientNotFound
}

func (t *memoryTx) MarkRecipientRead(_ context.Context, requestID, recipientID string, at time.Time) (bool, error) {
	recipient, _, err := t.recipient(requestID, recipientID)
	if err != nil {
		return false, err
	}
	return recipient.markRead(at), nil
}

func (t *memoryTx) CompleteRecipient(_ context.Context, requestID, recipientID, comment string, at time.Time) error {
	recipient, _, err := t.recipient(requestID, recipientID)
	if err != nil {
		return err
	}
	return recipient.complete(comment, at)
}
