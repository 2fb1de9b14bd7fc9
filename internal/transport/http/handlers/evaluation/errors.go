package evaluationhandler

import (
	"errors"
	"log/slog"
	"net/http"

	"evalcycle/internal/domain/evaluation"
	"evalcycle/internal/platform/lock"
	"evalcycle/internal/transport/http/api"
	"evalcycle/internal/transport/http/middleware"
)

// fail maps the engine's error categories onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetRequestID(r.Context())
	switch {
	case errors.Is(err, evaluation.ErrValidation):
		api.Fail(w, http.StatusBadRequest, "validation_error", err.Error(), requestID)
	case errors.Is(err, evaluation.ErrNotFound):
		api.Fail(w, http.StatusNotFound, "not_found", err.Error(), requestID)
	case errors.Is(err, evaluation.ErrConflict):
		api.Fail(w, http.StatusConflict, "conflict", err.Error(), requestID)
	case errors.Is(err, evaluation.ErrState):
		api.Fail(w, http.StatusUnprocessableEntity, "invalid_state", err.Error(), requestID)
	case errors.Is(err, lock.ErrNotAcquired):
		if h.Metrics != nil {
			h.Metrics.RecordLockTimeout()
		}
		w.Header().Set("Retry-After", "1")
		api.Fail(w, http.StatusServiceUnavailable, "busy", "resource is busy, retry shortly", requestID)
	default:
		slog.Error("evaluation request failed", "path", r.URL.Path, "requestId", requestID, "err", err)
		api.Fail(w, http.StatusInternalServerError, "internal_error", "internal server error", requestID)
	}
}
