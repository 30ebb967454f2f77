package processor

import (
	"fmt"
	"math"
)

// ProcessedAttachment is an attachment augmented with its OCR outcome
type ProcessedAttachment struct {
	FileAttachment
	ExtractedText string  `json:"extractedText,omitempty"`
	OCRMethod     Method  `json:"ocrMethod,omitempty"`
	OCRConfidence float64 `json:"ocrConfidence,omitempty"`
	OCRError      string  `json:"ocrError,omitempty"`
	IsProcessing  bool    `json:"isProcessing"`
}

// ContentPart is one block of a chat message
type ContentPart struct {
	Type  string `json:"type"` // "text" or "image"
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// ApplyResults copies each attachment and fills in the OCR fields of those
// present in results. Order is preserved and inputs are not modified.
func ApplyResults(atts []*FileAttachment, results map[string]*OCRResult) []ProcessedAttachment {
	out := make([]ProcessedAttachment, 0, len(atts))
	for _, att := range atts {
		if att == nil {
			continue
		}
		p := ProcessedAttachment{FileAttachment: *att}
		if res, ok := results[att.ID]; ok && res != nil {
			p.ExtractedText = res.Text
			p.OCRMethod = res.Method
			p.OCRConfidence = res.Confidence
			p.OCRError = res.Error
		}
		out = append(out, p)
	}
	return out
}

// MarkProcessing returns the interim state shown while OCR is in flight
func MarkProcessing(att *FileAttachment) ProcessedAttachment {
	return ProcessedAttachment{FileAttachment: *att, IsProcessing: true}
}

// BuildContent renders an attachment as a message content part.
// Failed or pending documents keep their raw data so nothing is dropped.
func BuildContent(p ProcessedAttachment) ContentPart {
	att := &p.FileAttachment

	if IsImage(att) && !IsPDF(att) {
		if p.ExtractedText == "" {
			return ContentPart{Type: "image", Image: p.Data}
		}
		return ContentPart{Type: "text", Text: withOCRHeader(fmt.Sprintf("[Image: %s]", p.Name), p)}
	}

	if IsPDF(att) {
		header := fmt.Sprintf("[PDF: %s]", p.Name)
		switch {
		case p.ExtractedText != "":
			return ContentPart{Type: "text", Text: withOCRHeader(header, p)}
		case p.OCRError != "":
			return ContentPart{Type: "text", Text: fmt.Sprintf("%s\n[Erreur OCR: %s]\n\n%s", header, p.OCRError, p.Data)}
		case p.IsProcessing:
			return ContentPart{Type: "text", Text: fmt.Sprintf("%s\n[OCR en cours...]\n\n%s", header, p.Data)}
		}
		return ContentPart{Type: "text", Text: fmt.Sprintf("%s\n%s", header, p.Data)}
	}

	return ContentPart{Type: "text", Text: fmt.Sprintf("[Fichier: %s]\n%s", p.Name, p.Data)}
}

func withOCRHeader(header string, p ProcessedAttachment) string {
	methodInfo := ""
	if p.OCRMethod != "" {
		methodInfo = fmt.Sprintf("\n[OCR: %s, Confiance: %d%%]", p.OCRMethod, int(math.Round(p.OCRConfidence)))
	}
	return fmt.Sprintf("%s%s\n\n%s", header, methodInfo, p.ExtractedText)
}
