// Package errors defines the HTTP error envelope and the mapping from
// domain errors to HTTP responses.
//
// Every error the server returns has the same JSON shape:
//
//	{"error": {"code": "NOT_FOUND", "message": "...", "request_id": "..."}}
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/pinforge/pkg/campaign"
	"github.com/3leaps/pinforge/pkg/generator"
	"github.com/3leaps/pinforge/pkg/provider"
)

// ErrorDetail is the inner error object of the envelope.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON error envelope returned by all endpoints.
type HTTPErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// Common error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// WriteError writes the envelope with the given code, message, and status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	WriteErrorDetails(w, r, status, code, message, nil)
}

// WriteErrorDetails writes the envelope with an optional details map.
func WriteErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	resp := HTTPErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
	if r != nil {
		resp.Error.RequestID = middleware.GetReqID(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// RespondWithError maps a domain error to an HTTP response.
//
// Known sentinel errors map to specific statuses; everything else is a 500
// with a generic message so internal details don't leak to clients.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, provider.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, campaign.ErrValidationFailed):
		WriteError(w, r, http.StatusBadRequest, CodeValidationFailed, err.Error())
	case errors.Is(err, generator.ErrAlreadyRunning):
		WriteError(w, r, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, provider.ErrProviderUnavailable), errors.Is(err, provider.ErrThrottled):
		WriteError(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, err.Error())
	default:
		WriteError(w, r, http.StatusInternalServerError, CodeInternalError, "internal server error")
	}
}

// NotFoundHandler is the router's fallback for unregistered paths.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, CodeNotFound, "resource not found")
}

// MethodNotAllowedHandler is the router's fallback for wrong methods.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}
