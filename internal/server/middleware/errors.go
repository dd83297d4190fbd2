package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/pinforge/internal/errors"
	"github.com/3leaps/pinforge/internal/observability"
)

// ErrorResponse is the JSON envelope written for recovered panics. It is the
// same shape every handler uses.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts handler panics into 500 responses.
//
// The panic value and stack are logged server-side; the client sees only the
// standard envelope with the request ID for correlation.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.ServerLogger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", chimw.GetReqID(r.Context())),
					zap.Stack("stack"))

				detail := apperrors.ErrorDetail{
					Code:      apperrors.CodeInternalError,
					Message:   fmt.Sprintf("panic: %v", rec),
					RequestID: chimw.GetReqID(r.Context()),
				}
				writeErrorResponse(w, detail, http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for wiring clarity at the
// router level.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// writeErrorResponse writes the standard envelope with the given status.
func writeErrorResponse(w http.ResponseWriter, detail apperrors.ErrorDetail, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: detail})
}
