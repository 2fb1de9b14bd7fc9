package evaluationhandler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"evalcycle/internal/auth"
	"evalcycle/internal/domain/activity"
	"evalcycle/internal/domain/evaluation"
	"evalcycle/internal/platform/metrics"
	"evalcycle/internal/transport/http/api"
	"evalcycle/internal/transport/http/middleware"
	"evalcycle/internal/transport/http/shared"
)

type Handler struct {
	Service  *evaluation.Service
	Activity activity.Lister
	Metrics  *metrics.Collector
}

func NewHandler(service *evaluation.Service, lister activity.Lister, collector *metrics.Collector) *Handler {
	return &Handler{Service: service, Activity: lister, Metrics: collector}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	read := middleware.RequirePermission(auth.PermPeriodsRead)
	manage := middleware.RequirePermission(auth.PermPeriodsManage)
	mappings := middleware.RequirePermission(auth.PermMappingsManage)
	steps := middleware.RequirePermission(auth.PermStepsWrite)
	review := middleware.RequirePermission(auth.PermRevisionsRequest)
	respond := middleware.RequirePermission(auth.PermRevisionsRespond)
	scores := middleware.RequirePermission(auth.PermScoresRead)

	r.Route("/evaluation", func(r chi.Router) {
		r.With(read).Get("/periods", h.handleListPeriods)
		r.With(manage).Post("/periods", h.handleCreatePeriod)
		r.With(read).Get("/periods/{periodID}", h.handleGetPeriod)
		r.With(manage).Delete("/periods/{periodID}", h.handleDeletePeriod)
		r.With(manage).Post("/periods/{periodID}/start", h.handleStartPeriod)
		r.With(manage).Post("/periods/{periodID}/complete", h.handleCompletePeriod)
		r.With(manage).Put("/periods/{periodID}/phase", h.handleChangePhase)
		r.With(manage).Put("/periods/{periodID}/grade-ranges", h.handleSetGradeRanges)
		r.With(manage).Patch("/periods/{periodID}/settings", h.handleUpdateSettings)
		r.With(read).Get("/periods/{periodID}/mappings", h.handleListMappings)
		r.With(mappings).Post("/periods/{periodID}/mappings", h.handleCreateMapping)
		r.With(middleware.RequirePermission(auth.PermReportsRead)).Get("/periods/{periodID}/report", h.handlePeriodReport)

		r.With(read).Get("/mappings/{mappingID}", h.handleGetMapping)
		r.With(mappings).Put("/mappings/{mappingID}/editability", h.handleSetEditability)
		r.With(read).Get("/mappings/{mappingID}/steps", h.handleGetStepApprovals)
		r.With(read).Get("/mappings/{mappingID}/submitted", h.handleIsSubmitted)
		r.With(review).Put("/mappings/{mappingID}/steps/{step}", h.handleSetStepStatus)
		r.With(steps).Post("/mappings/{mappingID}/steps/{step}/submit", h.handleSubmit)
		r.With(read).Get("/mappings/{mappingID}/steps/{step}/editable", h.handleCanEdit)
		r.With(scores).Get("/mappings/{mappingID}/scores/secondary", h.handleSecondaryScores)
		r.With(scores).Get("/mappings/{mappingID}/scores/{step}", h.handleAggregateScore)

		r.With(review).Post("/revisions", h.handleRequestRevision)
		r.With(read).Get("/revisions", h.handleListRevisions)
		r.With(read).Get("/revisions/{requestID}", h.handleGetRevision)
		r.With(respond).Post("/revisions/{requestID}/recipients/{recipientID}/read", h.handleMarkRead)
		r.With(respond).Post("/revisions/{requestID}/recipients/{recipientID}/respond", h.handleRespond)

		r.With(middleware.RequirePermission(auth.PermActivityRead)).Get("/activity", h.handleListActivity)
	})
}

func (h *Handler) handleListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.Service.ListPeriods(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, periods, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleCreatePeriod(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var payload evaluation.CreatePeriodInput
	if err := shared.DecodeJSON(r, &payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	v := shared.NewValidator()
	v.Required("name", payload.Name, "name is required")
	if v.Reject(w, middleware.GetRequestID(r.Context())) {
		return
	}
	period, err := h.Service.CreatePeriod(r.Context(), payload, user.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Created(w, period, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleGetPeriod(w http.ResponseWriter, r *http.Request) {
	period, err := h.Service.GetPeriod(r.Context(), chi.URLParam(r, "periodID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, period, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleDeletePeriod(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	if err := h.Service.DeletePeriod(r.Context(), chi.URLParam(r, "periodID"), user.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, map[string]string{"status": "deleted"}, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleStartPeriod(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	period, err := h.Service.StartPeriod(r.Context(), chi.URLParam(r, "periodID"), user.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, period, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleCompletePeriod(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	period, err := h.Service.CompletePeriod(r.Context(), chi.URLParam(r, "periodID"), user.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, period, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleChangePhase(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var payload struct {
		Phase string `json:"phase"`
	}
	if err := shared.DecodeJSON(r, &payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	v := shared.NewValidator()
	v.Required("phase", payload.Phase, "phase is required")
	if v.Reject(w, middleware.GetRequestID(r.Context())) {
		return
	}
	period, err := h.Service.ChangePeriodPhase(r.Context(), chi.URLParam(r, "periodID"), evaluation.Phase(payload.Phase), user.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, period, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleSetGradeRanges(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var payload struct {
		GradeRanges []evaluation.GradeRange `json:"gradeRanges"`
	}
	if err := shared.DecodeJSON(r, &payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	period, err := h.Service.SetGradeRanges(r.Context(), chi.URLParam(r, "periodID"), payload.GradeRanges, user.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, period, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var payload evaluation.PeriodSettings
	if err := shared.DecodeJSON(r, &payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	period, err := h.Service.UpdatePeriodSettings(r.Context(), chi.URLParam(r, "periodID"), payload, user.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, period, middleware.GetRequestID(r.Context()))
}

// handleListMappings shows non-admins only the mappings they take part in.
func (h *Handler) handleListMappings(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	periodID := chi.URLParam(r, "periodID")
	var (
		mappings []evaluation.Mapping
		err      error
	)
	if user.RoleName == auth.RoleAdmin {
		mappings, err = h.Service.ListMappings(r.Context(), periodID)
	} else {
		mappings, err = h.Service.ListMappingsFor(r.Context(), periodID, user.UserID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, mappings, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var payload struct {
		EmployeeID string `json:"employeeId"`
	}
	if err := shared.DecodeJSON(r, &payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	v := shared.NewValidator()
	v.Required("employeeId", payload.EmployeeID, "employee id is required")
	if v.Reject(w, middleware.GetRequestID(r.Context())) {
		return
	}
	mapping, err := h.Service.CreateMapping(r.Context(), chi.URLParam(r, "periodID"), payload.EmployeeID, user.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Created(w, mapping, middleware.GetRequestID(r.Context()))
}

func (h *Handler) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	mapping, ok := h.visibleMapping(w, r)
	if !ok {
		return
	}
	api.Success(w, mapping, middleware.GetRequestID(r.Context()))
}

// visibleMapping loads the path mapping. Non-admins outside the mapping get the same
// not-found answer as a missing mapping.
func (h *Handler) visibleMapping(w http.ResponseWriter, r *http.Request) (evaluation.Mapping, bool) {
	user, _ := middleware.GetUser(r.Context())
	mapping, err := h.Service.GetMapping(r.Context(), chi.URLParam(r, "mappingID"))
	if err != nil {
		h.fail(w, r, err)
		return evaluation.Mapping{}, false
	}
	if user.RoleName == auth.RoleAdmin {
		return mapping, true
	}
	ok, err := h.Service.IsParticipant(r.Context(), mapping, user.UserID)
	if err != nil {
		h.fail(w, r, err)
		return evaluation.Mapping{}, false
	}
	if !ok {
		h.fail(w, r, evaluation.ErrMappingNotFound)
		return evaluation.Mapping{}, false
	}
	return mapping, true
}

func (h *Handler) handleSetEditability(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.GetUser(r.Context())
	var payload evaluation.Editability
	if err := shared.DecodeJSON(r, &payload); err != nil {
		api.Fail(w, http.StatusBadRequest, "invalid_payload", "invalid request payload", middleware.GetRequestID(r.Context()))
		return
	}
	mapping, err := h.Service.SetEditability(r.Context(), chi.URLParam(r, "mappingID"), payload, user.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.Success(w, mapping, middleware.GetRequestID(r.Context()))
}
