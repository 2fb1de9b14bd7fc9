package evaluation

import "time"

type GradeRange struct {
	Label string  `json:"label"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

type Period struct {
	ID                            string       `json:"id"`
	Name                          string       `json:"name"`
	Description                   string       `json:"description,omitempty"`
	Status                        PeriodStatus `json:"status"`
	Phase                         Phase        `json:"phase"`
	GradeRanges                   []GradeRange `json:"gradeRanges"`
	MaxSelfEvaluationRate         float64      `json:"maxSelfEvaluationRate"`
	CriteriaSettingEnabled        bool         `json:"criteriaSettingEnabled"`
	SelfEvaluationSettingEnabled  bool         `json:"selfEvaluationSettingEnabled"`
	FinalEvaluationSettingEnabled bool         `json:"finalEvaluationSettingEnabled"`
	StartedAt                     *time.Time   `json:"startedAt,omitempty"`
	CompletedAt                   *time.Time   `json:"completedAt,omitempty"`
	CreatedBy                     string       `json:"createdBy,omitempty"`
	CreatedAt                     time.Time    `json:"createdAt"`
	UpdatedAt                     time.Time    `json:"updatedAt"`
	DeletedAt                     *time.Time   `json:"deletedAt,omitempty"`
}

type CreatePeriodInput struct {
	Name                  string       `json:"name"`
	Description           string       `json:"description"`
	GradeRanges           []GradeRange `json:"gradeRanges"`
	MaxSelfEvaluationRate float64      `json:"maxSelfEvaluationRate"`
}

// PeriodSettings carries optional updates; nil fields are left untouched.
type PeriodSettings struct {
	CriteriaSettingEnabled        *bool    `json:"criteriaSettingEnabled"`
	SelfEvaluationSettingEnabled  *bool    `json:"selfEvaluationSettingEnabled"`
	FinalEvaluationSettingEnabled *bool    `json:"finalEvaluationSettingEnabled"`
	MaxSelfEvaluationRate         *float64 `json:"maxSelfEvaluationRate"`
}

type Mapping struct {
	ID                string    `json:"id"`
	PeriodID          string    `json:"periodId"`
	EmployeeID        string    `json:"employeeId"`
	SelfEditable      bool      `json:"selfEditable"`
	PrimaryEditable   bool      `json:"primaryEditable"`
	SecondaryEditable bool      `json:"secondaryEditable"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type Editability struct {
	Self      bool `json:"self"`
	Primary   bool `json:"primary"`
	Secondary bool `json:"secondary"`
}

type StepState struct {
	Status    ApprovalStatus `json:"status"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
}

// StepApproval is the per-mapping view of all four steps. Secondary is derived from the
// per-evaluator rows and never stored.
type StepApproval struct {
	MappingID string         `json:"mappingId"`
	Criteria  StepState      `json:"criteria"`
	Self      StepState      `json:"self"`
	Primary   StepState      `json:"primary"`
	Secondary ApprovalStatus `json:"secondary"`
}

type SecondaryStepApproval struct {
	MappingID   string         `json:"mappingId"`
	EvaluatorID string         `json:"evaluatorId"`
	Status      ApprovalStatus `json:"status"`
	UpdatedBy   string         `json:"updatedBy,omitempty"`
	UpdatedAt   *time.Time     `json:"updatedAt,omitempty"`
}

type StepApprovals struct {
	StepApproval       StepApproval            `json:"stepApproval"`
	Secondary          []SecondaryStepApproval `json:"secondaryApprovals"`
	SecondarySubmitted bool                    `json:"secondarySubmitted"`
}

type StepStatusInput struct {
	MappingID   string         `json:"mappingId"`
	Step        Step           `json:"step"`
	Status      ApprovalStatus `json:"status"`
	EvaluatorID string         `json:"evaluatorId,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	ActorID     string         `json:"-"`
}

// RecipientRole is resolved once at fan-out time and stored on the recipient row.
// EvaluatorID is only set for secondary evaluators.
type RecipientRole struct {
	Type        RecipientType `json:"recipientType"`
	EvaluatorID string        `json:"evaluatorId,omitempty"`
}

func SelfRole() RecipientRole    { return RecipientRole{Type: RecipientSelfEvaluator} }
func PrimaryRole() RecipientRole { return RecipientRole{Type: RecipientPrimaryEvaluator} }
func SecondaryRole(evaluatorID string) RecipientRole {
	return RecipientRole{Type: RecipientSecondaryEvaluator, EvaluatorID: evaluatorID}
}

type RevisionRequest struct {
	ID          string              `json:"id"`
	PeriodID    string              `json:"periodId"`
	EmployeeID  string              `json:"employeeId"`
	MappingID   string              `json:"mappingId"`
	Step        Step                `json:"step"`
	Comment     string              `json:"comment"`
	RequestedBy string              `json:"requestedBy"`
	RequestedAt time.Time           `json:"requestedAt"`
	Recipients  []RevisionRecipient `json:"recipients"`
}

type RevisionRecipient struct {
	ID              string        `json:"id"`
	RequestID       string        `json:"requestId"`
	RecipientID     string        `json:"recipientId"`
	Role            RecipientRole `json:"role"`
	IsRead          bool          `json:"isRead"`
	ReadAt          *time.Time    `json:"readAt,omitempty"`
	IsCompleted     bool          `json:"isCompleted"`
	ResponseComment string        `json:"responseComment,omitempty"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
}

func (r *RevisionRecipient) markRead(at time.Time) bool {
	if r.IsRead {
		return false
	}
	r.IsRead = true
	r.ReadAt = &at
	return true
}

// complete sets IsCompleted and CompletedAt together.
func (r *RevisionRecipient) complete(comment string, at time.Time) error {
	if r.IsCompleted {
		return ErrAlreadyCompleted
	}
	r.markRead(at)
	r.IsCompleted = true
	r.CompletedAt = &at
	r.ResponseComment = comment
	return nil
}

func (r RevisionRequest) Recipient(recipientID string) (RevisionRecipient, bool) {
	for _, recipient := range r.Recipients {
		if recipient.RecipientID == recipientID {
			return recipient, true
		}
	}
	return RevisionRecipient{}, false
}

type RevisionInput struct {
	PeriodID    string `json:"periodId"`
	EmployeeID  string `json:"employeeId"`
	Step        Step   `json:"step"`
	Comment     string `json:"comment"`
	RequestedBy string `json:"-"`
	// EvaluatorID narrows a secondary revision to one evaluator.
	EvaluatorID string `json:"evaluatorId,omitempty"`
}

type RevisionFilter struct {
	PeriodID       string
	EmployeeID     string
	RecipientID    string
	Step           Step
	OnlyIncomplete bool
}

// ScoredEntry is owned by the scoring-input collaborator; the engine only reads it.
type ScoredEntry struct {
	ID          string    `json:"id"`
	PeriodID    string    `json:"periodId"`
	EmployeeID  string    `json:"employeeId"`
	Step        Step      `json:"step"`
	EvaluatorID string    `json:"evaluatorId,omitempty"`
	WorkItemID  string    `json:"workItemId"`
	Score       float64   `json:"score"`
	Weight      float64   `json:"weight"`
	IsCompleted bool      `json:"isCompleted"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type EntryQuery struct {
	PeriodID    string
	EmployeeID  string
	Step        Step
	EvaluatorID string
}
