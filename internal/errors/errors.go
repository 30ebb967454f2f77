package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

/**
 * Error types for the OCR gateway
 *
 * Every failure inside the orchestrator is one of these codes. The manager
 * flattens them into OCRResult.Error at its public boundary.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Validation errors
	ErrorFileTooLarge      ErrorCode = "FILE_TOO_LARGE"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorInvalidContent    ErrorCode = "INVALID_CONTENT"

	// Backend errors
	ErrorBackendFailed      ErrorCode = "BACKEND_FAILED"
	ErrorBackendTimeout     ErrorCode = "BACKEND_TIMEOUT"
	ErrorNoBackendAvailable ErrorCode = "NO_BACKEND_AVAILABLE"

	// Infrastructure errors
	ErrorPersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
	ErrorQueueFailed       ErrorCode = "QUEUE_FAILED"
)

// OCRError represents a structured OCR error
type OCRError struct {
	Code       ErrorCode
	Message    string
	DocumentID string
	Timestamp  time.Time
	Details    map[string]interface{}
	Cause      error
}

func (e *OCRError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *OCRError) Unwrap() error {
	return e.Cause
}

// IsValidation reports whether the error rejects the input itself
func (e *OCRError) IsValidation() bool {
	switch e.Code {
	case ErrorFileTooLarge, ErrorUnsupportedFormat, ErrorInvalidContent:
		return true
	}
	return false
}

// Factory functions for common errors

func NewFileTooLargeError(documentID string, size, limit int64) *OCRError {
	return &OCRError{
		Code:       ErrorFileTooLarge,
		Message:    fmt.Sprintf("File too large: %s (max: %s)", FormatFileSize(size), FormatFileSize(limit)),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"size":  size,
			"limit": limit,
		},
	}
}

func NewUnsupportedFormatError(documentID string, mimeType string) *OCRError {
	return &OCRError{
		Code:       ErrorUnsupportedFormat,
		Message:    fmt.Sprintf("Unsupported file format: %s", mimeType),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewInvalidContentError(documentID string, cause error) *OCRError {
	return &OCRError{
		Code:       ErrorInvalidContent,
		Message:    "Document content could not be decoded",
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

func NewBackendFailedError(documentID string, backend string, cause error) *OCRError {
	return &OCRError{
		Code:       ErrorBackendFailed,
		Message:    fmt.Sprintf("OCR failed at backend: %s", backend),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"backend": backend,
		},
		Cause: cause,
	}
}

func NewBackendTimeoutError(documentID string, backend string, timeout time.Duration, cause error) *OCRError {
	return &OCRError{
		Code:       ErrorBackendTimeout,
		Message:    fmt.Sprintf("Backend %s timed out after %v", backend, timeout),
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Details: map[string]interface{}{
			"backend":          backend,
			"timeout_duration": timeout.String(),
		},
		Cause: cause,
	}
}

func NewNoBackendAvailableError(documentID string, reason string, cause error) *OCRError {
	return &OCRError{
		Code:       ErrorNoBackendAvailable,
		Message:    reason,
		DocumentID: documentID,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

func NewPersistenceError(operation string, cause error) *OCRError {
	return &OCRError{
		Code:      ErrorPersistenceFailed,
		Message:   fmt.Sprintf("Persistence failed during %s", operation),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"operation": operation,
		},
		Cause: cause,
	}
}

func NewQueueError(jobID string, cause error) *OCRError {
	return &OCRError{
		Code:       ErrorQueueFailed,
		Message:    "Failed to enqueue OCR job",
		DocumentID: jobID,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

// CodeOf returns the code of the first OCRError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ocrErr *OCRError
	if stderrors.As(err, &ocrErr) {
		return ocrErr.Code
	}
	return ""
}

// IsCode checks if the error chain contains an OCRError with code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// ToMap converts error to map for job records
func (e *OCRError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}
	if e.DocumentID != "" {
		result["document_id"] = e.DocumentID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// FormatFileSize renders a byte count the way the upload UI does (1024-based, two decimals)
func FormatFileSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}
	sizes := []string{"Bytes", "KB", "MB", "GB"}
	value := float64(bytes)
	i := 0
	for value >= 1024 && i < len(sizes)-1 {
		value /= 1024
		i++
	}
	s := strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", value), "0"), ".")
	return s + " " + sizes[i]
}
