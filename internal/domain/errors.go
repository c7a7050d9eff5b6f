// Package domain provides the canonical error envelope returned to callers.
package domain

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorType categorizes a caller-visible error.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeUpstream       ErrorType = "upstream"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeAudit          ErrorType = "audit"
	ErrorTypeServer         ErrorType = "server"
)

// ErrorCode adds specificity beyond the type.
type ErrorCode string

const (
	ErrorCodeUnknownAgent        ErrorCode = "unknown_agent"
	ErrorCodeInactiveAgent       ErrorCode = "inactive_agent"
	ErrorCodeUnknownProvider     ErrorCode = "unknown_provider"
	ErrorCodeUpstreamUnreachable ErrorCode = "upstream_unreachable"
	ErrorCodeUpstreamTimeout     ErrorCode = "upstream_timeout"
	ErrorCodeAuditUnavailable    ErrorCode = "audit_unavailable"
)

// APIError is the wire error. Callers see it under an "error" envelope; the
// intercepted payloads keep the OpenAI-style shape their SDKs already parse.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`

	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the explicit status or the type's default.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeUpstream, ErrorTypeAudit:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrUnknownAgent rejects calls whose X-Agent-ID is missing or unregistered.
func ErrUnknownAgent(message string) *APIError {
	e := NewAPIError(ErrorTypeAuthentication, message)
	e.Code = ErrorCodeUnknownAgent
	return e
}

func ErrInactiveAgent(message string) *APIError {
	e := NewAPIError(ErrorTypeAuthentication, message)
	e.Code = ErrorCodeInactiveAgent
	return e
}

func ErrUnknownProvider(message string) *APIError {
	e := NewAPIError(ErrorTypeInvalidRequest, message)
	e.Code = ErrorCodeUnknownProvider
	return e
}

func ErrUpstreamUnreachable(message string) *APIError {
	e := NewAPIError(ErrorTypeUpstream, message)
	e.Code = ErrorCodeUpstreamUnreachable
	return e
}

func ErrUpstreamTimeout(message string) *APIError {
	e := NewAPIError(ErrorTypeTimeout, message)
	e.Code = ErrorCodeUpstreamTimeout
	return e
}

func ErrAuditUnavailable(message string) *APIError {
	e := NewAPIError(ErrorTypeAudit, message)
	e.Code = ErrorCodeAuditUnavailable
	return e
}

func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// WriteError writes the error envelope with its status code.
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatusCode())
	json.NewEncoder(w).Encode(errorEnvelope{Error: err})
}
