// Package transport contains the HTTP router, middleware chain, and the
// request handlers for the onboarding API.
package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:             http.StatusBadRequest,
	model.ErrUnauthorized:           http.StatusUnauthorized,
	model.ErrForbidden:              http.StatusForbidden,
	model.ErrNotFound:               http.StatusNotFound,
	model.ErrConflict:               http.StatusConflict,
	model.ErrValidationFailed:       http.StatusUnprocessableEntity,
	model.ErrInvalidState:           http.StatusBadRequest,
	model.ErrUnsupportedCombination: http.StatusUnprocessableEntity,
	model.ErrSequenceExhausted:      http.StatusConflict,
	model.ErrInvalidCode:            http.StatusBadRequest,
	model.ErrIllegalState:           http.StatusInternalServerError,
	model.ErrIntegrityViolation:     http.StatusInternalServerError,
	model.ErrInvalidWorkflowState:   http.StatusBadRequest,
	model.ErrAlreadySubmitted:       http.StatusConflict,
	model.ErrExpired:                http.StatusGone,
	model.ErrRateLimited:            http.StatusTooManyRequests,
	model.ErrInternalError:          http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error code, 500 when unknown.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error envelope with the matching HTTP
// status. Errors without an envelope in their chain become a generic 500
// so internal details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// respondError logs err at a level matching its status, stamps the trace id
// and writes it.
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	log := observability.RequestLogger(r.Context(), logger)

	ee, ok := model.AsEnvelope(err)
	if !ok {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		ee = model.NewInternalError()
	} else {
		status := StatusFor(ee.Code)
		switch {
		case ee.Code == model.ErrIllegalState || ee.Code == model.ErrIntegrityViolation ||
			ee.Code == model.ErrSequenceExhausted || status >= 500:
			log.Error("request failed", zap.String("path", r.URL.Path), zap.String("code", ee.Code), zap.Error(err))
		default:
			log.Warn("request rejected", zap.String("path", r.URL.Path), zap.String("code", ee.Code), zap.String("message", ee.Message))
		}
		// Copy so the shared envelope is not stamped with this trace.
		cp := *ee
		ee = &cp
	}
	if ee.TraceID == "" {
		ee.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteError(w, ee)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}
