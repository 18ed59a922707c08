package engine

import (
	"errors"
	"fmt"
)

// ErrorClass decides how the apply engine reacts to an error.
type ErrorClass string

const (
	// ErrorClassPlanningInput: the detected state is malformed or has
	// dangling references. Planning stops before any side effect.
	ErrorClassPlanningInput ErrorClass = "planning-input"
	// ErrorClassPolicy: a conflict such as a blocked downgrade, resolved by
	// precedence and normally only reported.
	ErrorClassPolicy ErrorClass = "policy"
	// ErrorClassOperation: a package action failed. Vital failures unwind
	// the enclosing boundary.
	ErrorClassOperation ErrorClass = "operation"
	// ErrorClassTransport: the elevated or embedded child went away. Always
	// fatal to the apply.
	ErrorClassTransport ErrorClass = "transport"
)

// Error codes carried in EngineError.Code.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInvalidBoundary    = "INVALID_BOUNDARY"
	ErrCodeDuplicateBoundary  = "DUPLICATE_BOUNDARY"
	ErrCodeInvalidPackage     = "INVALID_PACKAGE"
	ErrCodeSlipstreamMismatch = "SLIPSTREAM_MISMATCH"
	ErrCodePackageFailed      = "PACKAGE_FAILED"
	ErrCodeElevatedTerminated = "ELEVATED_TERMINATED"
	ErrCodeNotElevated        = "NOT_ELEVATED"
	ErrCodeCanceled           = "CANCELED"
)

// EngineError is a classified error. Resource names the package, boundary
// or related bundle involved; Operation the request that was running.
//
//nolint:revive
type EngineError struct {
	Class     ErrorClass     `json:"class"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewPlanningInputError(message string, err error) *EngineError {
	return newError(ErrorClassPlanningInput, message, err)
}

func NewPolicyError(message string, err error) *EngineError {
	return newError(ErrorClassPolicy, message, err)
}

func NewOperationError(message string, err error) *EngineError {
	return newError(ErrorClassOperation, message, err)
}

func NewTransportError(message string, err error) *EngineError {
	return newError(ErrorClassTransport, message, err)
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

// ErrorClass reports the class as a telemetry label.
func (e *EngineError) ErrorClass() string { return string(e.Class) }

// Is matches another *EngineError with the same class and code, so
// sentinel values like &EngineError{Class: ..., Code: ...} work with
// errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

func IsPlanningInput(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPlanningInput
}

func IsPolicy(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPolicy
}

func IsOperation(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassOperation
}

func IsTransport(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransport
}
