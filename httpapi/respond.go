package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ineyio/usagemeter"
)

const timeFormat = time.RFC3339

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Code: "bad_request"})
		return false
	}
	return true
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, usagemeter.ErrNoCredits):
		return http.StatusPaymentRequired, "no_credits"
	case errors.Is(err, usagemeter.ErrSessionActive):
		return http.StatusConflict, "session_active"
	case errors.Is(err, usagemeter.ErrNoActiveSession):
		return http.StatusNotFound, "no_active_session"
	case errors.Is(err, usagemeter.ErrNotInitialized):
		return http.StatusNotFound, "not_initialized"
	case errors.Is(err, usagemeter.ErrUnknownPlan):
		return http.StatusBadRequest, "unknown_plan"
	case errors.Is(err, usagemeter.ErrLoadFailed),
		errors.Is(err, usagemeter.ErrActorClosed),
		errors.Is(err, usagemeter.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
