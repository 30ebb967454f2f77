// Package handler exposes the OCR gateway over HTTP.
package handler

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	ocrerrors "github.com/adverant/nexus/ocr-gateway/internal/errors"
	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"github.com/adverant/nexus/ocr-gateway/internal/processor"
	"github.com/adverant/nexus/ocr-gateway/internal/quota"
	"github.com/adverant/nexus/ocr-gateway/internal/storage"
	"github.com/gorilla/mux"
)

const (
	defaultMaxBodyBytes = 64 << 20
	defaultMaxBatch     = 20
)

// OCRService is the orchestrator surface used by the handlers
type OCRService interface {
	ProcessDocuments(ctx context.Context, atts []*processor.FileAttachment) map[string]*processor.OCRResult
	TestServices(ctx context.Context) processor.ServicesReport
	QuotaStatus(ctx context.Context) quota.Status
	QuotaUsage(ctx context.Context) quota.Usage
	ResetQuota(ctx context.Context) error
	Validate(att *processor.FileAttachment) error
}

// JobService submits and looks up async OCR jobs
type JobService interface {
	Enqueue(ctx context.Context, att *processor.FileAttachment) (*storage.JobRecord, error)
	Status(ctx context.Context, jobID string) (*storage.JobRecord, error)
}

// JobResponse is the body of the job endpoints
type JobResponse struct {
	Job        *storage.JobRecord            `json:"job"`
	Attachment processor.ProcessedAttachment `json:"attachment"`
}

// OCRHandler handles OCR HTTP requests
type OCRHandler struct {
	ocr          OCRService
	jobs         JobService
	adminToken   string
	maxBodyBytes int64
	maxBatch     int
	health       func(ctx context.Context) map[string]string
	logger       *logging.Logger
}

// NewOCRHandler creates a new OCR handler. jobs may be nil when no queue is configured.
func NewOCRHandler(cfg *RouterConfig) *OCRHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	return &OCRHandler{
		ocr:          cfg.OCR,
		jobs:         cfg.Jobs,
		adminToken:   cfg.AdminToken,
		maxBodyBytes: maxBody,
		maxBatch:     maxBatch,
		health:       cfg.Health,
		logger:       logger,
	}
}

// Health reports process liveness plus storage connectivity
func (h *OCRHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok", "service": "ocr-gateway"}
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		deps := h.health(ctx)
		for _, state := range deps {
			if state != "ok" {
				body["status"] = "degraded"
			}
		}
		body["dependencies"] = deps
	}
	writeJSON(w, http.StatusOK, body)
}

// Ping answers GET /api/ocr
func (h *OCRHandler) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "OCR API is running"})
}

// ProcessAttachments runs OCR on every PDF or image in the posted array and
// returns all attachments in order, OCR fields filled where applicable.
func (h *OCRHandler) ProcessAttachments(w http.ResponseWriter, r *http.Request) {
	var atts []*processor.FileAttachment
	if err := h.decode(w, r, &atts); err != nil || atts == nil {
		writeError(w, http.StatusBadRequest, "Invalid request body. Expected array of file attachments.")
		return
	}

	docs := 0
	for _, att := range atts {
		if att != nil && processor.IsSupported(processor.ResolveType(att)) {
			docs++
		}
	}
	if docs > h.maxBatch {
		writeErrorDetails(w, http.StatusRequestEntityTooLarge, "Too many documents in one request",
			fmt.Sprintf("%d documents, at most %d; submit larger batches to /api/ocr/jobs", docs, h.maxBatch))
		return
	}

	start := time.Now()
	results := h.ocr.ProcessDocuments(r.Context(), atts)
	processed := processor.ApplyResults(atts, results)

	h.logger.Info("OCR request processed", "attachments", len(atts), "documents", len(results), "duration", time.Since(start))
	writeJSON(w, http.StatusOK, processed)
}

// QuotaStatus returns the quota gauge
func (h *OCRHandler) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ocr.QuotaStatus(r.Context()))
}

// QuotaUsage returns raw monthly usage
func (h *OCRHandler) QuotaUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ocr.QuotaUsage(r.Context()))
}

// ResetQuota zeroes the current month; requires the admin token
func (h *OCRHandler) ResetQuota(w http.ResponseWriter, r *http.Request) {
	if h.adminToken == "" {
		writeError(w, http.StatusForbidden, "Quota reset is disabled")
		return
	}
	token, ok := bearerToken(r)
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "Invalid admin token")
		return
	}

	if err := h.ocr.ResetQuota(r.Context()); err != nil {
		h.logger.Error("Quota reset failed", "error", err)
		writeErrorDetails(w, http.StatusInternalServerError, "Quota reset failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.ocr.QuotaUsage(r.Context()))
}

// Services runs the backend self-test
func (h *OCRHandler) Services(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ocr.TestServices(r.Context()))
}

// SubmitJob enqueues one attachment for async OCR
func (h *OCRHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "Async OCR is not configured")
		return
	}

	var att processor.FileAttachment
	if err := h.decode(w, r, &att); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body. Expected a file attachment.")
		return
	}
	if att.ID == "" || att.Data == "" {
		writeError(w, http.StatusBadRequest, "Attachment id and data are required")
		return
	}
	resolved := processor.ResolveType(&att)

	// reject up front what the consumer would only fail later
	var ocrErr *ocrerrors.OCRError
	if err := h.ocr.Validate(resolved); err != nil {
		if errors.As(err, &ocrErr) && ocrErr.IsValidation() {
			writeOCRError(w, http.StatusUnprocessableEntity, ocrErr)
			return
		}
		writeErrorDetails(w, http.StatusBadRequest, "Invalid attachment", err.Error())
		return
	}

	rec, err := h.jobs.Enqueue(r.Context(), resolved)
	if err != nil {
		h.logger.Error("Failed to enqueue OCR job", "attachment", att.ID, "error", err)
		if errors.As(err, &ocrErr) {
			writeOCRError(w, http.StatusServiceUnavailable, ocrErr)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "Failed to enqueue OCR job")
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse(rec))
}

// GetJob returns the stored job state
func (h *OCRHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "Async OCR is not configured")
		return
	}

	jobID := mux.Vars(r)["id"]
	rec, err := h.jobs.Status(r.Context(), jobID)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load OCR job", "jobId", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(rec))
}

func jobResponse(rec *storage.JobRecord) JobResponse {
	att := &processor.FileAttachment{ID: rec.AttachmentID, Name: rec.Name, Type: rec.Type}
	if rec.Status == storage.JobProcessing {
		return JobResponse{Job: rec, Attachment: processor.MarkProcessing(att)}
	}

	results := map[string]*processor.OCRResult{}
	if rec.Result != nil {
		results[att.ID] = rec.Result
	} else if rec.Error != "" {
		results[att.ID] = &processor.OCRResult{Method: processor.MethodNone, Error: rec.Error}
	}
	return JobResponse{Job: rec, Attachment: processor.ApplyResults([]*processor.FileAttachment{att}, results)[0]}
}

// decode reads a size-limited JSON body into v
func (h *OCRHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(data, v)
}
