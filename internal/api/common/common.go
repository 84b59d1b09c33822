package common

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/store"
)

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error string `json:"error"`
	// CurrentVersion is set on version conflicts
	CurrentVersion string `json:"current_version,omitempty"`
}

// WriteJSONResponse writes a JSON response with the given data
func WriteJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// WriteErrorResponse writes a standardized error response
func WriteErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	WriteJSONResponse(w, ErrorResponse{Error: message}, statusCode)
}

// StatusOf maps a store error to its HTTP status code
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrRefNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrKeyAlreadyExist):
		return http.StatusConflict
	case errors.Is(err, store.ErrVersionIsNotSame):
		return http.StatusPreconditionFailed
	case errors.Is(err, store.ErrFailedToLock):
		return http.StatusLocked
	case errors.Is(err, store.ErrValidation), errors.Is(err, store.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError writes the response for an error returned by the service.
// Anonymous callers that were denied are asked to authenticate with challenge
// as the basic auth realm.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error, challenge string) {
	status := StatusOf(err)
	switch status {
	case http.StatusInternalServerError:
		slog.Error("Request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path)
		WriteErrorResponse(w, "internal server error", status)
		return
	case http.StatusForbidden:
		if id, _ := authz.IdentityFromContext(r.Context()); id.IsAnonymous() {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+challenge+`", charset="UTF-8"`)
			WriteErrorResponse(w, "authentication required", http.StatusUnauthorized)
			return
		}
	case http.StatusLocked:
		w.Header().Set("Retry-After", "1")
	}

	resp := ErrorResponse{Error: err.Error()}
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		resp.CurrentVersion = conflict.Current
	}
	WriteJSONResponse(w, resp, status)
}
