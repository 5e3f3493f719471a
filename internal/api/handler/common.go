package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bcnelson/persistence-stack/internal/domain"
	"github.com/bcnelson/persistence-stack/internal/logging"
	"github.com/bcnelson/persistence-stack/internal/validation"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondStandardError writes a JSON error response in the standard shape.
func respondStandardError(w http.ResponseWriter, status int, code, message, field string, details map[string]any) {
	respondJSON(w, status, &domain.StandardErrorResponse{
		Error: domain.StandardError{
			Code:    code,
			Message: message,
			Field:   field,
			Details: details,
		},
	})
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondStandardError(w, status, code, message, "", nil)
}

// respondValidationErrors writes a JSON response for multiple validation errors.
func respondValidationErrors(w http.ResponseWriter, errs validation.ValidationErrors) {
	fields := make(map[string]any, len(errs))
	for _, e := range errs {
		fields[e.Field] = e.Message
	}
	respondStandardError(w, http.StatusBadRequest, domain.ErrCodeValidationError,
		"validation failed", "", map[string]any{"fields": fields})
}

// handleError converts domain errors to HTTP errors.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verrs   validation.ValidationErrors
		saveErr *domain.SaveError
	)
	switch {
	case errors.As(err, &verrs):
		respondValidationErrors(w, verrs)
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, domain.ErrCodeResourceNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		respondError(w, http.StatusConflict, domain.ErrCodeResourceAlreadyExists, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, domain.ErrDanglingIdentity):
		respondError(w, http.StatusGone, domain.ErrCodeResourceNotFound, err.Error())
	case errors.Is(err, domain.ErrStackClosed), errors.Is(err, domain.ErrInvalidParent):
		respondError(w, http.StatusServiceUnavailable, domain.ErrCodeStackClosed, "stack is closed")
	case errors.As(err, &saveErr):
		logging.FromContext(r.Context()).ErrorContext(r.Context(), "save failed", "error", err)
		details := map[string]any{"stack_id": saveErr.NodeID}
		if len(saveErr.StoreFailures) > 0 {
			stores := make(map[string]string, len(saveErr.StoreFailures))
			for id, e := range saveErr.StoreFailures {
				stores[id] = e.Error()
			}
			details["stores"] = stores
		}
		respondStandardError(w, http.StatusInternalServerError, domain.ErrCodeSaveFailed, "save failed", "", details)
	default:
		logging.FromContext(r.Context()).ErrorContext(r.Context(), "request failed", "error", err)
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
	}
}

// decodeJSON decodes JSON from request body.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidInput
	}
	return nil
}
