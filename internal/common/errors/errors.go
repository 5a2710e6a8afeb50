// Package errors provides the error taxonomy shared by ingestion, dispatch and
// the workflow job workers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Delivery taxonomy
const (
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodeTemplateMissing  ErrorCode = "TEMPLATE_MISSING"
	ErrCodeSuppressed       ErrorCode = "SUPPRESSED"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrCodeTransientFailure ErrorCode = "TRANSIENT_FAILURE"
	ErrCodePermanentFailure ErrorCode = "PERMANENT_FAILURE"
	ErrCodeCancelled        ErrorCode = "CANCELLED"
)

// Infrastructure
const (
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeConflict       ErrorCode = "CONFLICT"
	ErrCodeStorageFailure ErrorCode = "STORAGE_FAILURE"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata attaches a key to the error and returns it.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

// NewValidationError rejects bad input synchronously; it is never queued.
func NewValidationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidation,
		Message:   "Request validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewTemplateMissingError reports that no template resolved for a request.
func NewTemplateMissingError(tenantID, typeCode, channel, language string) *StandardError {
	return &StandardError{
		Code:    ErrCodeTemplateMissing,
		Message: "No template resolves for this notification",
		Details: fmt.Sprintf("tenant: %s, type: %s, channel: %s, language: %s",
			tenantID, typeCode, channel, language),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewSuppressedError(reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSuppressed,
		Message:   "Notification suppressed by recipient preferences",
		Details:   reason,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewRateLimitedError(tenantID, channel, window string, retryAt time.Time) *StandardError {
	return &StandardError{
		Code:      ErrCodeRateLimited,
		Message:   "Channel quota exhausted for the current window",
		Details:   fmt.Sprintf("tenant: %s, channel: %s, window: %s", tenantID, channel, window),
		Retryable: true,
		Metadata:  map[string]interface{}{"retryAt": retryAt.UTC().Format(time.RFC3339)},
		Timestamp: time.Now().UTC(),
	}
}

// NewTransientFailureError wraps a provider or network failure worth retrying.
func NewTransientFailureError(service string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeTransientFailure,
		Message:   fmt.Sprintf("Transient failure from '%s'", service),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewPermanentFailureError(service, reason string) *StandardError {
	return &StandardError{
		Code:      ErrCodePermanentFailure,
		Message:   fmt.Sprintf("Permanent failure from '%s'", service),
		Details:   reason,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewCancelledError(entryID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCancelled,
		Message:   "Notification cancelled",
		Details:   fmt.Sprintf("entryId: %s", entryID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewNotFoundError(resource, id string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotFound,
		Message:   fmt.Sprintf("%s not found", resource),
		Details:   fmt.Sprintf("id: %s", id),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewConflictError(message, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConflict,
		Message:   message,
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStorageError wraps a database, cache or broker failure.
func NewStorageError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStorageFailure,
		Message:   "Storage operation failed",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewInternalError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// ==========================
// 4. Classification Helpers
// ==========================

// AsStandard extracts the first StandardError in err's chain.
func AsStandard(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// CodeOf returns the code of err, INTERNAL_ERROR for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if stdErr, ok := AsStandard(err); ok {
		return stdErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to the status returned by the API.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidation, ErrCodeTemplateMissing:
		return http.StatusUnprocessableEntity
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeCancelled:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeStorageFailure, ErrCodeTransientFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// BPMNErrorMapping maps internal codes to the error codes modelled in BPMN.
var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeValidation:       "NOTIFICATION_INVALID",
	ErrCodeTemplateMissing:  "NOTIFICATION_TEMPLATE_MISSING",
	ErrCodeSuppressed:       "NOTIFICATION_SUPPRESSED",
	ErrCodeCancelled:        "NOTIFICATION_CANCELLED",
	ErrCodeNotFound:         "NOTIFICATION_NOT_FOUND",
	ErrCodeConflict:         "NOTIFICATION_CONFLICT",
	ErrCodeStorageFailure:   "NOTIFICATION_STORAGE_UNAVAILABLE",
	ErrCodeTransientFailure: "NOTIFICATION_TRANSIENT_FAILURE",
	ErrCodePermanentFailure: "NOTIFICATION_PERMANENT_FAILURE",
	ErrCodeRateLimited:      "NOTIFICATION_RATE_LIMITED",
}

// GetRetryCount returns how many job retries Zeebe should get for a code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeStorageFailure,
		ErrCodeTransientFailure:
		return 3

	case ErrCodeRateLimited:
		return 2

	default:
		return 0 // Business errors: no retry
	}
}

func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeValidation:
		return "VALIDATION"
	case ErrCodeTemplateMissing:
		return "TEMPLATE"
	case ErrCodeSuppressed, ErrCodeCancelled:
		return "POLICY"
	case ErrCodeRateLimited, ErrCodeTransientFailure, ErrCodePermanentFailure:
		return "DELIVERY"
	case ErrCodeStorageFailure, ErrCodeNotFound, ErrCodeConflict:
		return "STORAGE"
	}
	if strings.HasPrefix(string(code), "NOTIFICATION_") {
		return "NOTIFICATION"
	}
	return "OTHER"
}
