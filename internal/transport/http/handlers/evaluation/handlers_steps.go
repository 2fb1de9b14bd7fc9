package evaluationhandler

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"evalcycle/internal/auth"
	"evalcycle/internal/domain/activity"
	"evalcycle/internal/domain/evaluation"
	"evalcycle/internal/transport/http/api"
	"evalcycle/internal/transport/http/middleware"
	"evalcycle/internal/transport/http/shared"
)

var (
	stepNames   = []string{string(evaluation.StepCriteria), string(evaluation.StepSelf), string(evaluation.StepPrimary), string(evaluation.StepSecondary)}
	statusNames = []string{string(evaluation.ApprovalPending), string(evaluation.ApprovalApproved), string(evaluation.ApprovalRevisionRequested), string(evaluation.ApprovalRevisionCompleted)}
)

func (h *Handler) handleGetStepApprovals(w http.ResponseWriter, r *http.Request) {
	mapping, ok := h.visibleMapping(w, r)
	if !ok {
		return
	}
	view, err := h.Service.GetStepApprovals(r.Context(), mapping.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, view, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleIsSubmitted(w http.ResponseWriter, r *http.Request) {
	mapping, ok := h.visibleMapping(w, r)
	if !ok {
		return
	}
	submitted, err := h.Service.IsStepSubmitted(r.Context(), mapping.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, map[string]bool{"secondarySubmitted": submitted}, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleSetStepStatus(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var payload struct {
		Status      string `json:"status"`
		EvaluatorID string `json:"evaluatorId"`
		Comment     string `json:"comment"`
	}
	if err := shared.DecodeJSON(r, &payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	step := chi.URLParam(r, "step")
	v := shared.NewValidator()
	v.Enum("step", step, stepNames, "unknown step")
	v.Required("status", payload.Status, "status is required")
	v.Enum("status", payload.Status, statusNames, "unknown status")
	if payload.Status == string(evaluation.ApprovalRevisionRequested) {
		v.Required("comment", payload.Comment, "comment is required when requesting a revision")
	}
	if v.Reject(w, middleware.GetRequestID(r.Context())) {
		return
	}

	view, err := h.Service.SetStepStatus(r.Context(), evaluation.StepStatusInput{
		MappingID:   chi.URLParam(r, "mappingID"),
		Step:        evaluation.Step(step),
		Status:      evaluation.ApprovalStatus(payload.Status),
		EvaluatorID: payload.EvaluatorID,
		Comment:     payload.Comment,
		ActorID:     user.UserID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, view, middleware.GetRequestID(r.Context()))
}

// handleSubmit lets evaluators hand in their own step; only admins may submit on
// someone else's behalf. The engine checks the primary step against the roster.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var payload struct {
		EvaluatorID string `json:"evaluatorId"`
	}
	if err := shared.DecodeJSON(r, &payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	step := evaluation.Step(chi.URLParam(r, "step"))
	mappingID := chi.URLParam(r, "mappingID")

	evaluatorID := payload.EvaluatorID
	if (step == evaluation.StepSecondary || step == evaluation.StepPrimary) && evaluatorID == "" {
		evaluatorID = user.UserID
	}
	if user.RoleName != auth.RoleAdmin {
		if (step == evaluation.StepSecondary || step == evaluation.StepPrimary) && evaluatorID != user.UserID {
			api.Fail(w, http.StatusForbidden, "forbidden", "cannot submit for another evaluator", middleware.GetRequestID(r.Context()))
			return
		}
		if step == evaluation.StepSelf || step == evaluation.StepCriteria {
			mapping, err := h.Service.GetMapping(r.Context(), mappingID)
			if err != nil {
				h.fail(w, r, err)
				return
			}
			if mapping.EmployeeID != user.UserID {
				api.Fail(w, http.StatusForbidden, "forbidden", "cannot submit another employee's step", middleware.GetRequestID(r.Context()))
				return
			}
		}
	}

	view, err := h.Service.SubmitEvaluation(r.Context(), mappingID, step, evaluatorID, user.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, view, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleCanEdit(w http.ResponseWriter, r *http.Request) {
	mapping, ok := h.visibleMapping(w, r)
	if !ok {
		return
	}
	editable, err := h.Service.CanEdit(r.Context(), mapping.ID, evaluation.Step(chi.URLParam(r, "step")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, map[string]bool{"editable": editable}, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleAggregateScore(w http.ResponseWriter, r *http.Request) {
	mapping, ok := h.visibleMapping(w, r)
	if !ok {
		return
	}
	result, err := h.Service.GetAggregateScore(r.Context(), mapping.ID, evaluation.Step(chi.URLParam(r, "step")), r.URL.Query().Get("evaluatorId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, result, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleSecondaryScores(w http.ResponseWriter, r *http.Request) {
	mapping, ok := h.visibleMapping(w, r)
	if !ok {
		return
	}
	results, err := h.Service.GetSecondaryScores(r.Context(), mapping.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, results, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleRequestRevision(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var payload evaluation.RevisionInput
	if err := shared.DecodeJSON(r, &payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	v := shared.NewValidator()
	v.Required("periodId", payload.PeriodID, "period id is required")
	v.Required("employeeId", payload.EmployeeID, "employee id is required")
	v.Required("step", string(payload.Step), "step is required")
	v.Enum("step", string(payload.Step), stepNames, "unknown step")
	v.Required("comment", payload.Comment, "comment is required")
	if v.Reject(w, middleware.GetRequestID(r.Context())) {
		return
	}
	payload.RequestedBy = user.UserID

	req, err := h.Service.RequestRevision(r.Context(), payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Created(w, req, middleware.GetRequestID(r.Context()))
}

// handleListRevisions defaults non-admins to their own inbox.
func (h *Handler) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	query := r.URL.Query()
	filter := evaluation.RevisionFilter{
		PeriodID:    query.Get("periodId"),
		EmployeeID:  query.Get("employeeId"),
		RecipientID: query.Get("recipientId"),
		Step:        evaluation.Step(query.Get("step")),
	}
	if raw := query.Get("onlyIncomplete"); raw != "" {
		only, err := strconv.ParseBool(raw)
		if err != nil {
			shared.FailValidation(w, middleware.GetRequestID(r.Context()), []shared.ValidationIssue{{Field: "onlyIncomplete", Reason: "must be a boolean"}})
			return
		}
		filter.OnlyIncomplete = only
	}
	if user.RoleName != auth.RoleAdmin {
		filter.RecipientID = user.UserID
	}

	requests, err := h.Service.ListRevisionRequests(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, requests, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleGetRevision(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	req, err := h.Service.GetRevisionRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if user.RoleName != auth.RoleAdmin {
		if _, ok := req.Recipient(user.UserID); !ok {
			h.fail(w, r, evaluation.ErrRevisionNotFound)
			return
		}
	}
	api.Success(w, req, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.ownRecipient(w, r)
	if !ok {
		return
	}
	recipient, err := h.Service.MarkRead(r.Context(), chi.URLParam(r, "requestID"), recipientID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, recipient, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.ownRecipient(w, r)
	if !ok {
		return
	}
	var payload struct {
		Comment string `json:"comment"`
	}
	if err := shared.DecodeJSON(r, &payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	v := shared.NewValidator()
	v.Required("comment", payload.Comment, "comment is required")
	if v.Reject(w, middleware.GetRequestID(r.Context())) {
		return
	}
	recipient, err := h.Service.Respond(r.Context(), chi.URLParam(r, "requestID"), recipientID, payload.Comment)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, recipient, middleware.GetRequestID(r.Context()))
}

// ownRecipient returns the path recipient; non-admins can only act on their own row.
func (h *Handler) ownRecipient(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, _ := middleware.GetUser(r.Context())
	recipientID := chi.URLParam(r, "recipientID")
	if user.RoleName != auth.RoleAdmin && recipientID != user.UserID {
		api.Fail(w, http.StatusForbidden, "forbidden", "cannot act for another recipient", middleware.GetRequestID(r.Context()))
		return "", false
	}
	return recipientID, true
}

func (h *Handler) handlePeriodReport(w http.ResponseWriter, r *http.Request) {
	periodID := chi.URLParam(r, "periodID")
	report, err := h.Service.BuildPeriodReport(r.Context(), periodID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	var (
		buf         bytes.Buffer
		contentType string
		ext         string
	)
	switch format {
	case "", "json":
		api.Success(w, report, middleware.GetRequestID(r.Context()))
		return
	case "pdf":
		err = evaluation.WritePeriodReportPDF(&buf, report)
		contentType, ext = "application/pdf", "pdf"
	case "xlsx":
		err = evaluation.WritePeriodReportXLSX(&buf, report)
		contentType, ext = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx"
	default:
		shared.FailValidation(w, middleware.GetRequestID(r.Context()), []shared.ValidationIssue{{Field: "format", Reason: "must be json, pdf or xlsx"}})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="evaluation-`+periodID+`.`+ext+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) handleListActivity(w http.ResponseWriter, r *http.Request) {
	if h.Activity == nil {
		api.Fail(w, http.StatusNotImplemented, "activity_unavailable", "activity log is not stored", middleware.GetRequestID(r.Context()))
		return
	}
	query := r.URL.Query()
	page, issues := shared.ParsePage(query, 50, 200)
	if len(issues) > 0 {
		shared.FailValidation(w, middleware.GetRequestID(r.Context()), issues)
		return
	}
	events, err := h.Activity.List(r.Context(), activity.Filter{
		PeriodID:   query.Get("periodId"),
		EmployeeID: query.Get("employeeId"),
		Action:     query.Get("action"),
	}, page.Limit, page.Offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, events, middleware.GetRequestID(r.Context()))
}
