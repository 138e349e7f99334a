package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"saldo/internal/core"
	"saldo/internal/log"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps the error taxonomy onto HTTP status codes and the fixed
// message shown for each kind.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, core.ErrStorageConflict):
		return http.StatusConflict, "conflicting update, retry"
	case errors.Is(err, core.ErrDuplicate):
		return http.StatusConflict, "already exists"
	case errors.Is(err, core.ErrSubscriptionInactive):
		return http.StatusConflict, "subscription is inactive"
	case errors.Is(err, core.ErrNotDue):
		return http.StatusConflict, "subscription is not due"
	case errors.Is(err, core.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient funds"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError writes err with its mapped status and message. Only validation
// details reach the caller; internal errors are logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = fmt.Sprintf("failed on '%s' rule", fe.Tag())
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: details})
		return
	}

	status, msg := statusFor(err)
	resp := ErrorResponse{Error: msg}
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		resp.Details = map[string]string{ve.Field: ve.Message}
	}
	if status == http.StatusInternalServerError {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			log.FieldPath, r.URL.Path,
			log.FieldError, err)
	}
	writeJSON(w, status, resp)
}
