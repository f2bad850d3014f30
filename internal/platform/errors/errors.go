// Package errors provides coded application errors shared by the service,
// repository and transport layers. Every error carries enough structure
// (code, entity, id, field) for a caller to render a message without parsing
// free text.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeValidation            Code = "VALIDATION_ERROR"
	ErrCodePermissionDenied      Code = "PERMISSION_DENIED"
	ErrCodeWorkflowNotFound      Code = "WORKFLOW_NOT_FOUND"
	ErrCodeWorkflowCompleted     Code = "WORKFLOW_COMPLETED"
	ErrCodeDuplicateWorkflow     Code = "DUPLICATE_WORKFLOW"
	ErrCodeAmountExceedsLimit    Code = "AMOUNT_EXCEEDS_LIMIT"
	ErrCodeConversionUnavailable Code = "CONVERSION_UNAVAILABLE"
	ErrCodeImmutableRecord       Code = "IMMUTABLE_RECORD"
	ErrCodeIntegrityViolation    Code = "INTEGRITY_VIOLATION"
	ErrCodeLevelMismatch         Code = "LEVEL_MISMATCH"
	ErrCodeNotFound              Code = "NOT_FOUND"
	ErrCodeConflict              Code = "CONFLICT"
	ErrCodeInternal              Code = "INTERNAL"
)

// Error is the structured application error.
type Error struct {
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	Entity   string `json:"entity,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Err      error  `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Entity != "" && e.EntityID != "" {
		msg += fmt.Sprintf(" (%s %s)", e.Entity, e.EntityID)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" [field %s]", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so that errors.Is(err, errors.New(code, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithEntity returns a copy of e annotated with the offending entity.
func (e *Error) WithEntity(entity, id string) *Error {
	c := *e
	c.Entity = entity
	c.EntityID = id
	return &c
}

// WithField returns a copy of e annotated with the offending field.
func (e *Error) WithField(field string) *Error {
	c := *e
	c.Field = field
	return &c
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: entity + " not found", Entity: entity, EntityID: id}
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Message: message, Field: field}
}

// Validation reports a malformed configuration field on an entity.
func Validation(entity, field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Message: message, Entity: entity, Field: field}
}

// WorkflowNotFound reports a missing workflow.
func WorkflowNotFound(id string) *Error {
	return &Error{Code: ErrCodeWorkflowNotFound, Message: "workflow not found", Entity: "approval_workflow", EntityID: id}
}

// WorkflowCompleted reports an action attempted on a terminal workflow.
func WorkflowCompleted(id, status string) *Error {
	return &Error{
		Code:     ErrCodeWorkflowCompleted,
		Message:  fmt.Sprintf("workflow is already %s", status),
		Entity:   "approval_workflow",
		EntityID: id,
	}
}

// PermissionDenied reports a missing capability. capability names the flag
// or limit the actor lacked.
func PermissionDenied(capability, message string) *Error {
	return &Error{Code: ErrCodePermissionDenied, Message: message, Field: capability}
}

// ImmutableRecord reports an attempted mutation of an audit entry.
func ImmutableRecord(id string) *Error {
	return &Error{
		Code:     ErrCodeImmutableRecord,
		Message:  "audit entries are append-only",
		Entity:   "approval_audit_log",
		EntityID: id,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal when none is present.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As is re-exported so callers importing this package as "errors" keep
// access to the standard helpers.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is is re-exported from the standard library.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// IntegrityViolation reports an audit entry whose stored hash or chain link
// does not match its content.
func IntegrityViolation(id, message string) *Error {
	return &Error{
		Code:     ErrCodeIntegrityViolation,
		Message:  message,
		Entity:   "approval_audit_log",
		EntityID: id,
	}
}
