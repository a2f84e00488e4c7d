package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

// ErrAgentNotFound is wrapped by errors for unknown agent ids.
var ErrAgentNotFound = errors.New("agent not found")

// ErrRunNotFound is wrapped by errors for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

type ErrorType int

const (
	ErrNotFound ErrorType = iota
	ErrValidation
	ErrConfig
	ErrAPI
	ErrThrottled
	ErrStorage
	ErrUnknown
)

// Error is the typed error returned by the service layer.
type Error struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Type.String(), e.Message))

	if len(e.Context) > 0 {
		var ctxParts []string
		for k, v := range e.Context {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

func (t ErrorType) String() string {
	switch t {
	case ErrNotFound:
		return "NotFound"
	case ErrValidation:
		return "Validation"
	case ErrConfig:
		return "Config"
	case ErrAPI:
		return "API"
	case ErrThrottled:
		return "Throttled"
	case ErrStorage:
		return "Storage"
	default:
		return "Unknown"
	}
}

// Advice returns a short operator hint for a service error.
func Advice(err *Error) string {
	switch err.Type {
	case ErrNotFound:
		return "Check the agent id against GET /api/agents and the run id against GET /api/runs"
	case ErrValidation:
		return "Check the request body: prompt is required and max_iterations must not be negative"
	case ErrConfig:
		return "Check the catalog file and the environment variables of the service"
	case ErrAPI:
		return "Check the LLM endpoint, the API key and the provider status"
	case ErrThrottled:
		return "The provider is rate limiting; retry later or lower LLM_REQUESTS_PER_SECOND"
	case ErrStorage:
		return "Check that DATA_DIR is writable and the database file is not locked"
	default:
		return "Review the error details and the service logs"
	}
}

// LogError logs err with advice when it is a service error.
func LogError(err error) {
	var svcErr *Error
	if !errors.As(err, &svcErr) {
		log.Error("Unknown Error: %v", err)
		return
	}
	log.Error("Error Detail: %v\n advice: %s", err, Advice(svcErr))
}

func IsErrorType(err error, errorType ErrorType) bool {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Type == errorType
	}
	return false
}

func WrapError(err error, errorType ErrorType, message string) *Error {
	return NewErrorWithCause(errorType, message, err)
}
