// Package errors provides the typed error taxonomy shared by every pipeline stage.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Kinds are stable strings so they can cross the HTTP boundary.
const (
	KindInvalidRequest  = "INVALID_REQUEST"
	KindInvalidState    = "INVALID_STATE"
	KindStageInProgress = "STAGE_IN_PROGRESS"
	KindNotFound        = "NOT_FOUND"
	KindAmbiguousPrompt = "AMBIGUOUS_PROMPT"
	KindSchemaMismatch  = "SCHEMA_MISMATCH"
	KindSyntax          = "SQL_SYNTAX"
	KindBudgetExceeded  = "BUDGET_EXCEEDED"
	KindQueryFailed     = "QUERY_FAILED"
	KindTimeout         = "TIMEOUT"
	KindCanceled        = "CANCELED"
	KindEmptyResult     = "EMPTY_RESULT"
	KindLLMFailed       = "LLM_FAILED"
	KindUnavailable     = "UNAVAILABLE"
	KindUnauthorized    = "UNAUTHORIZED"
	KindInternal        = "INTERNAL"
)

// PipelineError is a typed error with a kind, message and optional details.
type PipelineError struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a PipelineError of the same kind.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetails replaces the error details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *PipelineError) WithDetail(key string, value interface{}) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons. They match any error of the same kind.
var (
	ErrInvalidRequest  = &PipelineError{Kind: KindInvalidRequest, Message: "invalid request"}
	ErrInvalidState    = &PipelineError{Kind: KindInvalidState, Message: "operation not allowed in current state"}
	ErrStageInProgress = &PipelineError{Kind: KindStageInProgress, Message: "another stage is running for this session"}
	ErrSessionNotFound = &PipelineError{Kind: KindNotFound, Message: "session not found"}
	ErrAmbiguousPrompt = &PipelineError{Kind: KindAmbiguousPrompt, Message: "prompt is ambiguous"}
	ErrSchemaMismatch  = &PipelineError{Kind: KindSchemaMismatch, Message: "query references unknown schema entities"}
	ErrSyntax          = &PipelineError{Kind: KindSyntax, Message: "query rejected before execution"}
	ErrBudgetExceeded  = &PipelineError{Kind: KindBudgetExceeded, Message: "execution budget exceeded"}
	ErrTimeout         = &PipelineError{Kind: KindTimeout, Message: "query execution timeout"}
	ErrCanceled        = &PipelineError{Kind: KindCanceled, Message: "query execution canceled"}
	ErrEmptyResult     = &PipelineError{Kind: KindEmptyResult, Message: "query returned no rows"}
	ErrUnavailable     = &PipelineError{Kind: KindUnavailable, Message: "warehouse unavailable"}
)

// New creates a new PipelineError with the given kind and message.
func New(kind, message string) *PipelineError {
	return &PipelineError{
		Kind:    kind,
		Message: message,
	}
}

// Newf creates a new PipelineError with a formatted message.
func Newf(kind, format string, args ...interface{}) *PipelineError {
	return &PipelineError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a PipelineError.
func Wrap(err error, kind, message string) *PipelineError {
	if err == nil {
		return nil
	}
	return &PipelineError{
		Kind:    kind,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, kind, format string, args ...interface{}) *PipelineError {
	if err == nil {
		return nil
	}
	return &PipelineError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// As returns err as a *PipelineError. Plain errors are classified: context
// errors map to TIMEOUT and CANCELED, anything else to INTERNAL.
func As(err error) *PipelineError {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, KindTimeout, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return Wrap(err, KindCanceled, "canceled")
	default:
		return Wrap(err, KindInternal, "internal error")
	}
}

// KindOf extracts the error kind from an error.
func KindOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a PipelineError of the given kind.
func IsKind(err error, kind string) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsInvalidRequest checks if an error is an invalid request error.
func IsInvalidRequest(err error) bool {
	return IsKind(err, KindInvalidRequest)
}

// IsCanceled checks if an error is a cancellation.
func IsCanceled(err error) bool {
	return IsKind(err, KindCanceled)
}

// IsValidation reports whether err was raised while validating input,
// before any warehouse cost was incurred.
func IsValidation(err error) bool {
	switch KindOf(err) {
	case KindInvalidRequest, KindAmbiguousPrompt, KindSchemaMismatch, KindSyntax:
		return true
	}
	return false
}

// IsResource reports whether err was raised by a budget or time limit.
func IsResource(err error) bool {
	switch KindOf(err) {
	case KindBudgetExceeded, KindTimeout, KindCanceled:
		return true
	}
	return false
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

// HTTPStatus maps an error to the HTTP status returned by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidRequest, KindAmbiguousPrompt, KindSchemaMismatch, KindSyntax:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindStageInProgress:
		return http.StatusConflict
	case KindBudgetExceeded, KindQueryFailed:
		return http.StatusUnprocessableEntity
	case KindEmptyResult:
		return http.StatusOK
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return 499
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUnavailable, KindLLMFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
