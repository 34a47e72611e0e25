// Package errors provides unified error handling for the service layer
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Authentication errors (1xxx)
	ErrCodeUnauthorized     ErrorCode = "AUTH_1001"
	ErrCodeInvalidToken     ErrorCode = "AUTH_1002"
	ErrCodeTokenExpired     ErrorCode = "AUTH_1003"
	ErrCodeInvalidSignature ErrorCode = "AUTH_1004"

	// Authorization errors (2xxx)
	ErrCodeForbidden ErrorCode = "AUTHZ_2001"

	// Validation errors (3xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_3003"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"

	// Resource errors (4xxx)
	ErrCodeNotFound      ErrorCode = "RES_4001"
	ErrCodeAlreadyExists ErrorCode = "RES_4002"
	ErrCodeConflict      ErrorCode = "RES_4003"

	// Service errors (5xxx)
	ErrCodeInternal          ErrorCode = "SVC_5001"
	ErrCodeDatabaseError     ErrorCode = "SVC_5002"
	ErrCodeExternalAPI       ErrorCode = "SVC_5004"
	ErrCodeTimeout           ErrorCode = "SVC_5005"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_5006"

	// Ingestion errors (8xxx) — Collector/DiskSpool/OutboxReader
	ErrCodePoisonRecord       ErrorCode = "ING_8001"
	ErrCodeBatchTooLarge      ErrorCode = "ING_8002"
	ErrCodeEventTooLarge      ErrorCode = "ING_8003"
	ErrCodeClockSkew          ErrorCode = "ING_8004"
	ErrCodeSpoolFull          ErrorCode = "ING_8005"
	ErrCodeIntegrityViolation ErrorCode = "ING_8006"

	// Indexing errors (9xxx) — Transformer/AccessFilter/Indexer
	ErrCodeTransformFailed  ErrorCode = "IDX_9001"
	ErrCodeIndexWriteFailed ErrorCode = "IDX_9002"

	// Orchestration errors (10xxx) — LearnerState/RulesEngine/ActionDispatcher
	ErrCodeRuleEvalFailed       ErrorCode = "ORC_10001"
	ErrCodeActionDeliveryFailed ErrorCode = "ORC_10002"
	ErrCodeCircuitOpen          ErrorCode = "ORC_10003"
	ErrCodeUnknownTarget        ErrorCode = "ORC_10004"
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Authentication Errors

func Unauthorized(message string) *ServiceError {
	return New(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(ErrCodeInvalidToken, "Invalid authentication token", http.StatusUnauthorized, err)
}

func TokenExpired() *ServiceError {
	return New(ErrCodeTokenExpired, "Authentication token has expired", http.StatusUnauthorized)
}

func InvalidSignature(err error) *ServiceError {
	return Wrap(ErrCodeInvalidSignature, "Invalid signature", http.StatusUnauthorized, err)
}

// Authorization Errors

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// Validation Errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "Invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "Missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "Invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "Value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// Resource Errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "Resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "Resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Service Errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "Database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

func ExternalAPIError(service string, err error) *ServiceError {
	return Wrap(ErrCodeExternalAPI, "External API call failed", http.StatusBadGateway, err).
		WithDetails("service", service)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "Operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Ingestion Errors

func PoisonRecord(reason string, err error) *ServiceError {
	return Wrap(ErrCodePoisonRecord, "Event failed validation and cannot be retried", http.StatusBadRequest, err).
		WithDetails("reason", reason)
}

func BatchTooLarge(count, max int) *ServiceError {
	return New(ErrCodeBatchTooLarge, "Batch exceeds maximum event count", http.StatusRequestEntityTooLarge).
		WithDetails("count", count).
		WithDetails("max", max)
}

func EventTooLarge(bytes, max int) *ServiceError {
	return New(ErrCodeEventTooLarge, "Event payload exceeds maximum size", http.StatusRequestEntityTooLarge).
		WithDetails("bytes", bytes).
		WithDetails("max", max)
}

func ClockSkew(skew string) *ServiceError {
	return New(ErrCodeClockSkew, "Event timestamp outside acceptable clock skew", http.StatusBadRequest).
		WithDetails("skew", skew)
}

func SpoolFull(dir string) *ServiceError {
	return New(ErrCodeSpoolFull, "Disk spool capacity exceeded", http.StatusServiceUnavailable).
		WithDetails("dir", dir)
}

func IntegrityViolation(reason string) *ServiceError {
	return New(ErrCodeIntegrityViolation, "Segment failed integrity check", http.StatusInternalServerError).
		WithDetails("reason", reason)
}

// Indexing Errors

func TransformFailed(eventID string, err error) *ServiceError {
	return Wrap(ErrCodeTransformFailed, "Event transformation failed", http.StatusInternalServerError, err).
		WithDetails("event_id", eventID)
}

func IndexWriteFailed(index string, err error) *ServiceError {
	return Wrap(ErrCodeIndexWriteFailed, "Search index write failed", http.StatusBadGateway, err).
		WithDetails("index", index)
}

// Orchestration Errors

func RuleEvalFailed(ruleID string, err error) *ServiceError {
	return Wrap(ErrCodeRuleEvalFailed, "Rule evaluation failed", http.StatusInternalServerError, err).
		WithDetails("rule_id", ruleID)
}

func ActionDeliveryFailed(target string, err error) *ServiceError {
	return Wrap(ErrCodeActionDeliveryFailed, "Action delivery to target failed", http.StatusBadGateway, err).
		WithDetails("target", target)
}

func CircuitOpen(target string) *ServiceError {
	return New(ErrCodeCircuitOpen, "Circuit breaker open for target", http.StatusServiceUnavailable).
		WithDetails("target", target)
}

func UnknownTarget(target string) *ServiceError {
	return New(ErrCodeUnknownTarget, "Dispatch target not registered", http.StatusBadRequest).
		WithDetails("target", target)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
