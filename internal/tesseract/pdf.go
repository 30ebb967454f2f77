package tesseract

import (
	"image"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gen2brain/go-fitz"
)

// minDirectTextChars is the shortest text layer trusted without recognition
const minDirectTextChars = 20

// pdfDocument is the subset of *fitz.Document the engine uses
type pdfDocument interface {
	NumPage() int
	Text(pageNumber int) (string, error)
	ImageDPI(pageNumber int, dpi float64) (*image.RGBA, error)
	Close() error
}

type pdfOpener func(data []byte) (pdfDocument, error)

func openWithFitz(data []byte) (pdfDocument, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// textLayer concatenates the embedded text of every page.
// Pages that fail to extract contribute nothing.
func textLayer(doc pdfDocument) string {
	var sb strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(text)
	}
	return sb.String()
}

// looksLikeText accepts a text layer that is long enough and contains letters
func looksLikeText(text string) bool {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minDirectTextChars {
		return false
	}
	return strings.IndexFunc(text, unicode.IsLetter) >= 0
}
