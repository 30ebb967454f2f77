/**
 * Google Cloud Vision Client - primary OCR backend
 *
 * Images go through images:annotate (TEXT_DETECTION). PDFs are sent as
 * opaque documents through files:annotate (DOCUMENT_TEXT_DETECTION), which
 * reads at most 5 pages per synchronous call, so longer documents are read
 * in successive 5-page windows up to the configured page cap.
 */

package clients

import (
	"context"
	"fmt"
	"strings"

	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"github.com/adverant/nexus/ocr-gateway/internal/processor"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

const (
	featureTextDetection     = "TEXT_DETECTION"
	featureDocumentDetection = "DOCUMENT_TEXT_DETECTION"

	// files:annotate limit for synchronous requests
	maxSyncPDFPages = 5

	defaultMaxPDFPages = 10
)

// 1x1 white PNG used by HealthCheck
const healthCheckImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAAAAAA6fptVAAAACklEQVR4nGP4DwABAQEAsTj2FAAAAABJRU5ErkJggg=="

// VisionConfig holds Vision client configuration
type VisionConfig struct {
	APIKey            string
	RequestsPerSecond float64
	MaxPDFPages       int
	Logger            *logging.Logger

	// extra client options, e.g. a test endpoint
	Options []option.ClientOption
}

// VisionClient calls the Google Cloud Vision REST API
type VisionClient struct {
	service     *vision.Service
	limiter     *rate.Limiter
	maxPDFPages int
	logger      *logging.Logger
}

// NewVisionClient creates a new Vision client
func NewVisionClient(ctx context.Context, cfg *VisionConfig) (*VisionClient, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, fmt.Errorf("Google Vision API key is required")
	}

	opts := append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, cfg.Options...)
	service, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vision service: %w", err)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	maxPages := cfg.MaxPDFPages
	if maxPages < 1 {
		maxPages = defaultMaxPDFPages
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &VisionClient{
		service:     service,
		limiter:     rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		maxPDFPages: maxPages,
		logger:      logger,
	}, nil
}

func (c *VisionClient) Method() processor.Method {
	return processor.MethodPrimary
}

// IsAvailable is true once the client is constructed; quota is the manager's concern
func (c *VisionClient) IsAvailable(ctx context.Context) bool {
	return c != nil && c.service != nil
}

// ExtractFromDocument dispatches to the PDF or image entry point
func (c *VisionClient) ExtractFromDocument(ctx context.Context, att *processor.FileAttachment) (*processor.RawResult, error) {
	content := strings.TrimSpace(att.Base64())
	if content == "" {
		return nil, fmt.Errorf("attachment %s has no content", att.ID)
	}

	if processor.IsPDF(att) {
		return c.ExtractTextFromPDF(ctx, content)
	}
	return c.ExtractTextFromImage(ctx, content)
}

// ExtractTextFromImage runs TEXT_DETECTION on base64 image content
func (c *VisionClient) ExtractTextFromImage(ctx context.Context, content string) (*processor.RawResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{{
			Image:    &vision.Image{Content: content},
			Features: []*vision.Feature{{Type: featureTextDetection}},
		}},
	}
	resp, err := c.service.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("Google Vision images:annotate failed: %w", err)
	}
	if len(resp.Responses) == 0 {
		return nil, fmt.Errorf("Google Vision returned no response")
	}

	r := resp.Responses[0]
	if err := statusError(r.Error); err != nil {
		return nil, err
	}

	text := ""
	if len(r.TextAnnotations) > 0 {
		text = r.TextAnnotations[0].Description
	}
	confidence := EstimateConfidence(len(text), len(r.TextAnnotations))

	c.logger.Debug("Vision image OCR", "chars", len(text), "detections", len(r.TextAnnotations), "confidence", confidence)
	return &processor.RawResult{Text: strings.TrimSpace(text), Confidence: confidence, Pages: 1, Source: "images:annotate"}, nil
}

// ExtractTextFromPDF runs DOCUMENT_TEXT_DETECTION on base64 PDF content,
// one 5-page window per request, up to maxPDFPages
func (c *VisionClient) ExtractTextFromPDF(ctx context.Context, content string) (*processor.RawResult, error) {
	var (
		texts    []string
		confSum  float64
		confN    int
		words    int
		pageErrs int
		read     int
		total    = c.maxPDFPages
	)

	for first := 1; first <= min(total, c.maxPDFPages); first += maxSyncPDFPages {
		last := min(first+maxSyncPDFPages-1, total, c.maxPDFPages)
		file, err := c.annotatePDFWindow(ctx, content, first, last)
		if err != nil {
			return nil, err
		}
		if first == 1 && file.TotalPages > 0 {
			total = int(file.TotalPages)
		}

		for _, page := range file.Responses {
			read++
			if page.Error != nil && page.Error.Code != 0 {
				pageErrs++
				continue
			}
			if page.FullTextAnnotation == nil {
				continue
			}
			if t := strings.TrimSpace(page.FullTextAnnotation.Text); t != "" {
				texts = append(texts, t)
				words += len(strings.Fields(t))
			}
			for _, p := range page.FullTextAnnotation.Pages {
				if p.Confidence > 0 {
					confSum += p.Confidence
					confN++
				}
			}
		}
	}
	if pageErrs > 0 && len(texts) == 0 {
		return nil, fmt.Errorf("Google Vision failed on all %d pages", pageErrs)
	}
	if total > c.maxPDFPages {
		c.logger.Warn("PDF truncated to page cap", "totalPages", total, "pagesRead", read, "maxPages", c.maxPDFPages)
	}

	text := strings.Join(texts, "\n")
	confidence := EstimateConfidence(len(text), words)
	if confN > 0 && text != "" {
		confidence = confSum / float64(confN)
	}

	c.logger.Debug("Vision PDF OCR", "pages", read, "totalPages", total, "chars", len(text), "confidence", confidence)
	return &processor.RawResult{Text: text, Confidence: confidence, Pages: read, Source: "files:annotate"}, nil
}

// annotatePDFWindow reads pages first..last (1-based, inclusive)
func (c *VisionClient) annotatePDFWindow(ctx context.Context, content string, first, last int) (*vision.AnnotateFileResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	pages := make([]int64, 0, last-first+1)
	for p := first; p <= last; p++ {
		pages = append(pages, int64(p))
	}
	req := &vision.BatchAnnotateFilesRequest{
		Requests: []*vision.AnnotateFileRequest{{
			InputConfig: &vision.InputConfig{Content: content, MimeType: "application/pdf"},
			Features:    []*vision.Feature{{Type: featureDocumentDetection}},
			Pages:       pages,
		}},
	}
	resp, err := c.service.Files.Annotate(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("Google Vision files:annotate failed for pages %d-%d: %w", first, last, err)
	}
	if len(resp.Responses) == 0 {
		return nil, fmt.Errorf("Google Vision returned no response")
	}

	file := resp.Responses[0]
	if err := statusError(file.Error); err != nil {
		return nil, err
	}
	return file, nil
}

// HealthCheck sends a 1x1 image to verify the key and connectivity
func (c *VisionClient) HealthCheck(ctx context.Context) error {
	if _, err := c.ExtractTextFromImage(ctx, healthCheckImage); err != nil {
		return err
	}
	return nil
}

// EstimateConfidence is a fixed heuristic: text detection returns no score,
// so this maps text length and detection count onto a nominal 0.6-0.9.
// It is not a measured probability.
func EstimateConfidence(textLength, detections int) float64 {
	switch {
	case textLength == 0 || detections == 0:
		return 0
	case textLength > 100 && detections > 10:
		return 0.9
	case textLength > 50 && detections > 5:
		return 0.8
	case textLength > 20:
		return 0.7
	default:
		return 0.6
	}
}

func statusError(s *vision.Status) error {
	if s == nil || (s.Code == 0 && s.Message == "") {
		return nil
	}
	return fmt.Errorf("Google Vision error %d: %s", s.Code, s.Message)
}
