package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Pipeline-specific error codes.
const (
	ErrInstanceNotFound = "INSTANCE_NOT_FOUND"
	ErrInstanceBusy     = "INSTANCE_BUSY"
	ErrStageContract    = "STAGE_CONTRACT_VIOLATION"
)

// ErrorEnvelope is the standard error carried across package boundaries and
// returned by the HTTP API. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInstanceNotFoundError returns an INSTANCE_NOT_FOUND error.
func NewInstanceNotFoundError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotFound,
		Message: fmt.Sprintf("workflow instance %q not found", key),
	}
}

// NewInstanceBusyError returns an INSTANCE_BUSY error. Raised when a trigger
// arrives for an instance that another invocation is actively processing.
func NewInstanceBusyError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceBusy,
		Message: fmt.Sprintf("workflow instance %q is already being processed", key),
	}
}

// NewStageContractError returns a STAGE_CONTRACT_VIOLATION error. Raised only
// for programmer errors: a stage adapter that returns a fatal error instead of
// a failed StageResult has broken its contract.
func NewStageContractError(stage string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStageContract,
		Message: fmt.Sprintf("stage %q adapter returned fatal error: %v", stage, cause),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backing store or service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backing store or service did not respond in time",
	}
}
