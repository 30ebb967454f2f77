/**
 * OCR Manager - backend selection, fallback and quota accounting
 *
 * Chooses the primary (Google Vision) or fallback (Tesseract) engine per
 * document, runs it under a per-call timeout, falls back on failure and
 * records billed primary calls. Never returns an error past its public
 * methods: failures are carried in OCRResult.Error.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	ocrerrors "github.com/adverant/nexus/ocr-gateway/internal/errors"
	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"github.com/adverant/nexus/ocr-gateway/internal/quota"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxFileSize     = 10 * 1024 * 1024
	defaultConcurrency     = 3
	defaultPrimaryTimeout  = 30 * time.Second
	defaultFallbackTimeout = 120 * time.Second
	healthCheckTimeout     = 10 * time.Second
)

// ManagerConfig holds manager dependencies. Primary and Fallback may be nil.
type ManagerConfig struct {
	Primary  Backend
	Fallback Backend
	Quota    QuotaGate
	Logger   *logging.Logger
	Config   Config
}

// Manager orchestrates OCR across the configured backends
type Manager struct {
	primary  Backend
	fallback Backend
	quota    QuotaGate
	config   Config
	logger   *logging.Logger

	mu     sync.Mutex
	active bool // backends used since the last Cleanup
}

// NewManager creates a new OCR manager
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Quota == nil {
		return nil, fmt.Errorf("quota tracker is required")
	}

	c := cfg.Config
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.Concurrency < 1 {
		c.Concurrency = defaultConcurrency
	}
	if c.PrimaryTimeout <= 0 {
		c.PrimaryTimeout = defaultPrimaryTimeout
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = defaultFallbackTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	m := &Manager{
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
		quota:    cfg.Quota,
		config:   c,
		logger:   logger,
	}

	logger.Info("OCR manager initialized",
		"primary", cfg.Primary != nil && c.PrimaryEnabled,
		"fallback", cfg.Fallback != nil && c.FallbackEnabled,
		"maxFileSize", ocrerrors.FormatFileSize(c.MaxFileSize),
		"concurrency", c.Concurrency)

	return m, nil
}

// ProcessDocument extracts text from one attachment
func (m *Manager) ProcessDocument(ctx context.Context, att *FileAttachment) *OCRResult {
	start := time.Now()
	if att == nil {
		return failedResult(MethodNone, fmt.Errorf("attachment is required"), start)
	}

	doc := ResolveType(att)
	if err := m.validate(doc); err != nil {
		return m.failed(doc, MethodNone, err, start)
	}

	if m.shouldUsePrimary(ctx) {
		raw, err := m.invoke(ctx, m.primary, doc, m.config.PrimaryTimeout)
		if err == nil {
			// billed even if the caller has gone away meanwhile
			m.quota.RecordUsage(context.WithoutCancel(ctx), 1)
			return m.succeeded(doc, MethodPrimary, raw, start)
		}

		m.logger.Warn("Primary OCR failed", "id", doc.ID, "name", doc.Name, "error", err)
		if !m.fallbackUsable(ctx) {
			return m.failed(doc, MethodPrimary, err, start)
		}

		raw, fbErr := m.invoke(ctx, m.fallback, doc, m.config.FallbackTimeout)
		if fbErr == nil {
			return m.succeeded(doc, MethodFallback, raw, start)
		}
		return m.failed(doc, MethodFallback, ocrerrors.NewNoBackendAvailableError(doc.ID,
			"All OCR backends failed", errors.Join(err, fbErr)), start)
	}

	if m.fallbackUsable(ctx) {
		raw, err := m.invoke(ctx, m.fallback, doc, m.config.FallbackTimeout)
		if err != nil {
			return m.failed(doc, MethodFallback, err, start)
		}
		return m.succeeded(doc, MethodFallback, raw, start)
	}

	return m.failed(doc, MethodNone, ocrerrors.NewNoBackendAvailableError(doc.ID,
		"No OCR backend available: primary not configured or over quota, fallback disabled", nil), start)
}

// ProcessDocuments runs every supported attachment through ProcessDocument.
// Chunks of Concurrency documents run one after another; documents inside a
// chunk run in parallel. Unsupported attachments are absent from the result.
func (m *Manager) ProcessDocuments(ctx context.Context, atts []*FileAttachment) map[string]*OCRResult {
	docs := make([]*FileAttachment, 0, len(atts))
	for _, att := range atts {
		if att == nil {
			continue
		}
		if IsSupported(ResolveType(att)) {
			docs = append(docs, att)
		}
	}

	results := make(map[string]*OCRResult, len(docs))
	if len(docs) == 0 {
		return results
	}

	m.logger.Info("Processing document batch", "documents", len(docs), "skipped", len(atts)-len(docs))

	var mu sync.Mutex
	chunk := m.config.Concurrency
	for start := 0; start < len(docs); start += chunk {
		if err := ctx.Err(); err != nil {
			now := time.Now()
			for _, doc := range docs[start:] {
				results[doc.ID] = failedResult(MethodNone, err, now)
			}
			m.logger.Warn("Batch cancelled", "remaining", len(docs)-start, "error", err)
			break
		}

		var g errgroup.Group
		for _, doc := range docs[start:min(start+chunk, len(docs))] {
			doc := doc
			g.Go(func() error {
				res := m.processSafely(ctx, doc)
				mu.Lock()
				results[doc.ID] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	return results
}

func (m *Manager) processSafely(ctx context.Context, doc *FileAttachment) (res *OCRResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Document processing panicked", "id", doc.ID, "panic", r)
			res = failedResult(MethodNone, fmt.Errorf("internal error: %v", r), start)
		}
	}()
	return m.ProcessDocument(ctx, doc)
}

// Cleanup releases backend resources acquired since the last call.
// Repeated calls are no-ops.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return nil
	}
	m.active = false

	var errs []error
	for _, b := range []Backend{m.primary, m.fallback} {
		if closer, ok := b.(io.Closer); ok && closer != nil {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.Method(), err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Error("OCR cleanup failed", "error", err)
		return err
	}
	m.logger.Info("OCR resources released")
	return nil
}

// TestServices checks both engines
func (m *Manager) TestServices(ctx context.Context) ServicesReport {
	return ServicesReport{
		GoogleVision: m.checkService(ctx, m.primary, m.config.PrimaryEnabled),
		Tesseract:    m.checkService(ctx, m.fallback, m.config.FallbackEnabled),
	}
}

func (m *Manager) checkService(ctx context.Context, b Backend, enabled bool) ServiceStatus {
	if b == nil {
		return ServiceStatus{Error: "not configured"}
	}
	if !enabled {
		return ServiceStatus{Error: "disabled by configuration"}
	}

	if hc, ok := b.(HealthChecker); ok {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer cancel()
		m.markActive()
		if err := hc.HealthCheck(checkCtx); err != nil {
			return ServiceStatus{Error: err.Error()}
		}
	}
	if !b.IsAvailable(ctx) {
		return ServiceStatus{Error: "unavailable"}
	}
	return ServiceStatus{Available: true}
}

// QuotaStatus returns the quota gauge for display
func (m *Manager) QuotaStatus(ctx context.Context) quota.Status {
	return m.quota.Status(ctx)
}

// QuotaUsage returns the detailed monthly usage
func (m *Manager) QuotaUsage(ctx context.Context) quota.Usage {
	return m.quota.CurrentUsage(ctx)
}

// ResetQuota zeroes the current month's usage
func (m *Manager) ResetQuota(ctx context.Context) error {
	return m.quota.Reset(ctx)
}

// Validate checks an attachment the way ProcessDocument does, without
// running any backend
func (m *Manager) Validate(att *FileAttachment) error {
	if att == nil {
		return ocrerrors.NewInvalidContentError("", fmt.Errorf("attachment is required"))
	}
	return m.validate(ResolveType(att))
}

// validate bounds the declared size and the payload itself; the declared
// size comes from the client and cannot be trusted alone
func (m *Manager) validate(doc *FileAttachment) error {
	size := max(doc.Size, doc.DecodedSize())
	if size > m.config.MaxFileSize {
		return ocrerrors.NewFileTooLargeError(doc.ID, size, m.config.MaxFileSize)
	}
	if !IsSupported(doc) {
		return ocrerrors.NewUnsupportedFormatError(doc.ID, doc.Type)
	}
	if _, err := doc.Bytes(); err != nil {
		return ocrerrors.NewInvalidContentError(doc.ID, err)
	}
	return nil
}

// shouldUsePrimary is the strategy selection; it has no side effects
func (m *Manager) shouldUsePrimary(ctx context.Context) bool {
	if m.primary == nil || !m.config.PrimaryEnabled {
		return false
	}
	if !m.primary.IsAvailable(ctx) {
		return false
	}
	return m.quota.ShouldUsePrimary(ctx)
}

func (m *Manager) fallbackUsable(ctx context.Context) bool {
	return m.fallback != nil && m.config.FallbackEnabled && m.fallback.IsAvailable(ctx)
}

type invokeResult struct {
	raw *RawResult
	err error
}

// invoke runs one backend call under its own deadline. A call that ignores
// its context is abandoned when the deadline passes.
func (m *Manager) invoke(ctx context.Context, b Backend, doc *FileAttachment, timeout time.Duration) (*RawResult, error) {
	m.markActive()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("backend panicked: %v", r)}
			}
		}()
		raw, err := b.ExtractFromDocument(callCtx, doc)
		done <- invokeResult{raw: raw, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		select {
		case res = <-done:
		default:
			res = invokeResult{err: callCtx.Err()}
		}
	}

	backend := string(b.Method())
	if res.err == nil && res.raw == nil {
		res.err = fmt.Errorf("backend returned no result")
	}
	if res.err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ocrerrors.NewBackendTimeoutError(doc.ID, backend, timeout, res.err)
		}
		return nil, ocrerrors.NewBackendFailedError(doc.ID, backend, res.err)
	}
	return res.raw, nil
}

func (m *Manager) markActive() {
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()
}

func (m *Manager) succeeded(doc *FileAttachment, method Method, raw *RawResult, start time.Time) *OCRResult {
	res := &OCRResult{
		Text:           raw.Text,
		Method:         method,
		Confidence:     NormalizeConfidence(raw.Confidence, raw.Text),
		ProcessingTime: time.Since(start).Milliseconds(),
	}
	m.logger.Info("OCR completed",
		"id", doc.ID, "name", doc.Name, "method", method, "source", raw.Source, "pages", raw.Pages,
		"chars", len(raw.Text), "confidence", res.Confidence, "ms", res.ProcessingTime)
	return res
}

func (m *Manager) failed(doc *FileAttachment, method Method, err error, start time.Time) *OCRResult {
	res := failedResult(method, err, start)
	var ocrErr *ocrerrors.OCRError
	if errors.As(err, &ocrErr) && ocrErr.IsValidation() {
		m.logger.Warn("Rejected document", "id", doc.ID, "name", doc.Name, "code", ocrErr.Code, "error", res.Error)
		return res
	}
	m.logger.Error("OCR failed", "id", doc.ID, "name", doc.Name, "method", method, "error", res.Error)
	return res
}

func failedResult(method Method, err error, start time.Time) *OCRResult {
	return &OCRResult{
		Method:         method,
		ProcessingTime: time.Since(start).Milliseconds(),
		Error:          errorText(err),
	}
}

// errorText renders err for OCRResult.Error without the code prefix
func errorText(err error) string {
	var ocrErr *ocrerrors.OCRError
	if !errors.As(err, &ocrErr) {
		return err.Error()
	}
	if ocrErr.Cause == nil {
		return ocrErr.Message
	}
	cause := strings.ReplaceAll(ocrErr.Cause.Error(), "\n", "; ")
	return ocrErr.Message + ": " + cause
}

// NormalizeConfidence maps a 0-1 backend score onto 0-100 with two decimals.
// No text means no confidence.
func NormalizeConfidence(raw float64, text string) float64 {
	if strings.TrimSpace(text) == "" || math.IsNaN(raw) {
		return 0
	}
	raw = math.Max(0, math.Min(1, raw))
	return math.Round(raw*10000) / 100
}
