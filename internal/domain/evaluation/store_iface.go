package evaluation

import (
	"context"
	"time"
)

// Tx is the storage surface available inside one unit of work.
type Tx interface {
	GetPeriod(ctx context.Context, periodID string) (Period, error)
	ListPeriods(ctx context.Context) ([]Period, error)
	InsertPeriod(ctx context.Context, period Period) error
	UpdatePeriod(ctx context.Context, period Period) error

	GetMapping(ctx context.Context, mappingID string) (Mapping, error)
	FindMapping(ctx context.Context, periodID, employeeID string) (Mapping, error)
	ListMappings(ctx context.Context, periodID string) ([]Mapping, error)
	InsertMapping(ctx context.Context, mapping Mapping) error
	UpdateMapping(ctx context.Context, mapping Mapping) error

	LoadApprovals(ctx context.Context, mappingID string) (*Approvals, error)
	SaveApprovals(ctx context.Context, approvals *Approvals) error

	InsertRevisionRequest(ctx context.Context, req RevisionRequest) error
	GetRevisionRequest(ctx context.Context, requestID string) (RevisionRequest, error)
	ListRevisionRequests(ctx context.Context, filter RevisionFilter) ([]RevisionRequest, error)
	MarkRecipientRead(ctx context.Context, requestID, recipientID string, at time.Time) (bool, error)
	// CompleteRecipient must be a compare-and-swap on the completion flag and return
	// ErrAlreadyCompleted when it loses.
	CompleteRecipient(ctx context.Context, requestID, recipientID, comment string, at time.Time) error
}

// Store runs units of work. WithinTx commits only when fn returns nil; View is read-only.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
}

// ScoreSource is the scoring-input collaborator. One call returns one consistent snapshot.
type ScoreSource interface {
	ScoredEntries(ctx context.Context, query EntryQuery) ([]ScoredEntry, error)
}

// Roster resolves the evaluators currently assigned to an employee.
type Roster interface {
	PrimaryEvaluator(ctx context.Context, periodID, employeeID string) (string, error)
	SecondaryEvaluators(ctx context.Context, periodID, employeeID string) ([]string, error)
}
