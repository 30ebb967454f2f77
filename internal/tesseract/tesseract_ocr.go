/**
 * Tesseract OCR - local fallback engine
 *
 * Free, offline and unlimited. PDFs are read from their embedded text layer
 * when it is usable; otherwise pages are rasterized with MuPDF and recognized.
 * Images are preprocessed before recognition.
 */

package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"github.com/adverant/nexus/ocr-gateway/internal/processor"
	"github.com/otiai10/gosseract/v2"
)

const (
	defaultMaxPDFPages = 10
	defaultRenderDPI   = 200
)

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages   []string
	PoolSize    int
	MaxPDFPages int
	RenderDPI   float64
	Logger      *logging.Logger

	newClient func() recognizer
	openPDF   pdfOpener
}

// TesseractOCR is the fallback backend
type TesseractOCR struct {
	pool        *clientPool
	openPDF     pdfOpener
	maxPDFPages int
	renderDPI   float64
	logger      *logging.Logger
}

// NewTesseractOCR creates a new Tesseract OCR instance. No engine is
// started until the first document arrives.
func NewTesseractOCR(cfg *TesseractConfig) (*TesseractOCR, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{"fra", "eng"}
	}
	maxPages := cfg.MaxPDFPages
	if maxPages < 1 {
		maxPages = defaultMaxPDFPages
	}
	dpi := cfg.RenderDPI
	if dpi <= 0 {
		dpi = defaultRenderDPI
	}
	openPDF := cfg.openPDF
	if openPDF == nil {
		openPDF = openWithFitz
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &TesseractOCR{
		pool:        newClientPool(cfg.PoolSize, languages, cfg.newClient),
		openPDF:     openPDF,
		maxPDFPages: maxPages,
		renderDPI:   dpi,
		logger:      logger,
	}, nil
}

func (t *TesseractOCR) Method() processor.Method {
	return processor.MethodFallback
}

// IsAvailable is always true; the pool recreates engines on demand
func (t *TesseractOCR) IsAvailable(ctx context.Context) bool {
	return true
}

// ExtractFromDocument routes PDFs and images to their extraction paths
func (t *TesseractOCR) ExtractFromDocument(ctx context.Context, att *processor.FileAttachment) (*processor.RawResult, error) {
	data, err := att.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", att.Name, err)
	}

	if processor.IsPDF(att) {
		return t.extractPDF(ctx, data)
	}

	text, confidence, err := t.recognize(ctx, prepareImage(data))
	if err != nil {
		return nil, err
	}
	return &processor.RawResult{Text: text, Confidence: confidence, Pages: 1, Source: "recognition"}, nil
}

func (t *TesseractOCR) extractPDF(ctx context.Context, data []byte) (*processor.RawResult, error) {
	doc, err := t.openPDF(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	if text := textLayer(doc); looksLikeText(text) {
		t.logger.Debug("Using embedded PDF text", "pages", pages, "chars", len(text))
		return &processor.RawResult{Text: text, Confidence: 1.0, Pages: pages, Source: "text-layer"}, nil
	}

	limit := min(pages, t.maxPDFPages)
	if limit < pages {
		t.logger.Warn("PDF page count exceeds OCR limit", "pages", pages, "limit", limit)
	}

	var (
		parts      []string
		confSum    float64
		recognized int
		lastErr    error
	)
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := doc.ImageDPI(i, t.renderDPI)
		if err != nil {
			t.logger.Warn("Failed to render PDF page", "page", i+1, "error", err)
			lastErr = err
			continue
		}
		png, err := encodePNG(preprocessImage(img))
		if err != nil {
			lastErr = err
			continue
		}

		text, confidence, err := t.recognize(ctx, png)
		if err != nil {
			t.logger.Warn("Failed to recognize PDF page", "page", i+1, "error", err)
			lastErr = err
			continue
		}
		parts = append(parts, fmt.Sprintf("--- Page %d ---\n%s", i+1, text))
		confSum += confidence
		recognized++
	}

	if recognized == 0 {
		return nil, fmt.Errorf("no PDF page could be recognized: %w", lastErr)
	}

	return &processor.RawResult{
		Text:       strings.Join(parts, "\n\n"),
		Confidence: confSum / float64(recognized),
		Pages:      recognized,
		Source:     "recognition",
	}, nil
}

// recognize runs one image through a pooled client
func (t *TesseractOCR) recognize(ctx context.Context, img []byte) (string, float64, error) {
	client, err := t.pool.acquire(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("no tesseract engine available: %w", err)
	}

	if err := client.SetImageFromBytes(img); err != nil {
		t.pool.release(client)
		return "", 0, fmt.Errorf("failed to set image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		t.pool.discard(client)
		return "", 0, fmt.Errorf("tesseract OCR failed: %w", err)
	}
	text = strings.TrimSpace(text)

	confidence := wordConfidence(client)
	if confidence == 0 && text != "" {
		confidence = calculateTesseractConfidence(text)
	}
	t.pool.release(client)

	return text, confidence, nil
}

// HealthCheck starts (or reuses) an engine and reads its version
func (t *TesseractOCR) HealthCheck(ctx context.Context) error {
	client, err := t.pool.acquire(ctx)
	if err != nil {
		return fmt.Errorf("tesseract unavailable: %w", err)
	}
	defer t.pool.release(client)

	if client.Version() == "" {
		return fmt.Errorf("tesseract reported no version")
	}
	return nil
}

// Close releases the engines
func (t *TesseractOCR) Close() error {
	return t.pool.Close()
}

// wordConfidence averages Tesseract's per-word confidence on a 0-1 scale
func wordConfidence(c recognizer) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes)) / 100
}

// calculateTesseractConfidence estimates confidence from text quality when
// word confidences are not available
func calculateTesseractConfidence(text string) float64 {
	confidence := 0.5

	if len(text) > 1000 {
		confidence += 0.1
	}
	if len(text) > 5000 {
		confidence += 0.1
	}
	if len(strings.Fields(text)) > 100 {
		confidence += 0.1
	}

	alphaCount := 0
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			alphaCount++
		}
	}
	if len(text) > 0 {
		alphaRatio := float64(alphaCount) / float64(len(text))
		if alphaRatio > 0.5 && alphaRatio < 0.9 {
			confidence += 0.1
		}
	}

	// cap for an unmeasured estimate
	return min(confidence, 0.85)
}
