package model

import (
	"errors"
	"fmt"
)

// Transport-level error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrRateLimited   = "RATE_LIMITED"
	ErrInternalError = "INTERNAL_ERROR"
)

// Domain error codes. Each is stable and safe to branch on in clients.
const (
	ErrNotFound               = "NOT_FOUND"
	ErrInvalidState           = "INVALID_STATE"
	ErrForbidden              = "FORBIDDEN"
	ErrValidationFailed       = "VALIDATION_ERROR"
	ErrConflict               = "CONFLICT"
	ErrUnsupportedCombination = "UNSUPPORTED_COMBINATION"
	ErrSequenceExhausted      = "SEQUENCE_EXHAUSTED"
	ErrInvalidCode            = "INVALID_CODE"
	ErrIllegalState           = "ILLEGAL_STATE"
	ErrIntegrityViolation     = "INTEGRITY_VIOLATION"
	ErrInvalidWorkflowState   = "INVALID_WORKFLOW_STATE"
	ErrAlreadySubmitted       = "ALREADY_SUBMITTED"
	ErrExpired                = "EXPIRED"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details []FieldError   `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// With attaches a structured detail for clients and returns the envelope.
func (e *ErrorEnvelope) With(key string, value any) *ErrorEnvelope {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope unwraps err into an *ErrorEnvelope if one is present in its chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err carries an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInvalidStateError returns an INVALID_STATE error.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewInvalidWorkflowStateError returns an INVALID_WORKFLOW_STATE error.
func NewInvalidWorkflowStateError(status string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrInvalidWorkflowState,
		Message: "Application status does not map to a workflow step",
	}).With("current_status", status)
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationFailed,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewFieldValidationError returns a VALIDATION_ERROR for a single field.
func NewFieldValidationError(field, code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationFailed,
		Message: msg,
		Details: []FieldError{{Field: field, Code: code, Message: msg}},
	}
}

// NewUnsupportedCombinationError returns an UNSUPPORTED_COMBINATION error.
func NewUnsupportedCombinationError(classification, currency string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrUnsupportedCombination,
		Message: "Unable to resolve supplier code prefix for classification/currency",
	}).With("classification", classification).With("currency", currency)
}

// NewSequenceExhaustedError returns a SEQUENCE_EXHAUSTED error.
func NewSequenceExhaustedError(prefix string) *ErrorEnvelope {
	return (&ErrorEnvelope{
		Code:    ErrSequenceExhausted,
		Message: fmt.Sprintf("Supplier code sequence exhausted for prefix %s", prefix),
	}).With("prefix", prefix)
}

// NewInvalidCodeError returns an INVALID_CODE error.
func NewInvalidCodeError(msg string, allowedPrefixes []string) *ErrorEnvelope {
	return (&ErrorEnvelope{Code: ErrInvalidCode, Message: msg}).With("allowed_prefixes", allowedPrefixes)
}

// NewIllegalStateError returns an ILLEGAL_STATE error.
func NewIllegalStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIllegalState, Message: msg}
}

// NewIntegrityViolationError returns an INTEGRITY_VIOLATION error.
func NewIntegrityViolationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIntegrityViolation, Message: msg}
}

// NewAlreadySubmittedError returns an ALREADY_SUBMITTED error.
func NewAlreadySubmittedError(applicationID *int64) *ErrorEnvelope {
	e := &ErrorEnvelope{Code: ErrAlreadySubmitted, Message: "Draft has already been submitted"}
	if applicationID != nil {
		e.With("submitted_application_id", *applicationID)
	}
	return e
}

// NewExpiredError returns an EXPIRED error.
func NewExpiredError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExpired, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}
