/**
 * OCR Types - Shared data structures for OCR operations
 *
 * Common types used by the orchestrator, the Vision client and the
 * Tesseract fallback.
 */

package processor

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/adverant/nexus/ocr-gateway/internal/quota"
)

// Method identifies the engine whose text is returned
type Method string

const (
	MethodPrimary  Method = "google-vision"
	MethodFallback Method = "tesseract"
	MethodNone     Method = "none"
)

// FileAttachment is a caller-supplied document reference. Never mutated.
type FileAttachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"` // base64, optionally as a data URL
	Size int64  `json:"size"`
}

// Bytes decodes the attachment content, stripping any data URL prefix
func (a *FileAttachment) Bytes() ([]byte, error) {
	data := a.Data
	if strings.HasPrefix(data, "data:") {
		idx := strings.Index(data, ",")
		if idx < 0 {
			return nil, fmt.Errorf("malformed data URL")
		}
		data = data[idx+1:]
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("attachment has no content")
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		// some clients strip padding
		if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "=")); rawErr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("invalid base64 content: %w", err)
	}
	return decoded, nil
}

// DecodedSize is the byte length the payload decodes to, computed without decoding
func (a *FileAttachment) DecodedSize() int64 {
	data := strings.TrimRight(strings.TrimSpace(a.Base64()), "=")
	return int64(base64.RawStdEncoding.DecodedLen(len(data)))
}

// Base64 returns the payload without any data URL prefix
func (a *FileAttachment) Base64() string {
	if strings.HasPrefix(a.Data, "data:") {
		if idx := strings.Index(a.Data, ","); idx >= 0 {
			return a.Data[idx+1:]
		}
	}
	return a.Data
}

// OCRResult is the normalized outcome for one attachment.
// Confidence is on a 0-100 scale for every backend.
type OCRResult struct {
	Text           string  `json:"text"`
	Method         Method  `json:"method"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime int64   `json:"processingTime"`
	Error          string  `json:"error,omitempty"`
}

// Failed reports whether extraction failed
func (r *OCRResult) Failed() bool {
	return r.Error != ""
}

// RawResult is what a backend returns. Confidence is on a 0-1 scale.
type RawResult struct {
	Text       string
	Confidence float64
	Pages      int
	Source     string // e.g. "text-layer", "recognition", "images:annotate"
}

// Backend is one text-extraction engine
type Backend interface {
	Method() Method
	IsAvailable(ctx context.Context) bool
	ExtractFromDocument(ctx context.Context, att *FileAttachment) (*RawResult, error)
}

// HealthChecker is implemented by backends that can check their dependency
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// QuotaGate is the part of the quota tracker the manager relies on
type QuotaGate interface {
	ShouldUsePrimary(ctx context.Context) bool
	RecordUsage(ctx context.Context, n int)
	CurrentUsage(ctx context.Context) quota.Usage
	Status(ctx context.Context) quota.Status
	Reset(ctx context.Context) error
}

// Config is the orchestrator snapshot, read-only after construction
type Config struct {
	PrimaryEnabled  bool
	FallbackEnabled bool
	MaxFileSize     int64
	Concurrency     int
	PrimaryTimeout  time.Duration
	FallbackTimeout time.Duration
}

// ServiceStatus is one row of the self-test report
type ServiceStatus struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// ServicesReport is the self-test result for both engines
type ServicesReport struct {
	GoogleVision ServiceStatus `json:"googleVision"`
	Tesseract    ServiceStatus `json:"tesseract"`
}
