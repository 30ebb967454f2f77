package processor

import (
	"bytes"
	"path/filepath"
	"strings"
)

var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

var imageTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/jpg":  {},
	"image/gif":  {},
	"image/webp": {},
	"image/bmp":  {},
	"image/tiff": {},
}

// DetectMimeTypeFromMagicBytes sniffs the formats the engines can read.
// It returns "" when the signature is unknown.
func DetectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}), bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	}
	return ""
}

// IsPDF reports whether the attachment is a PDF by type or file name
func IsPDF(att *FileAttachment) bool {
	return normalizeType(att.Type) == "application/pdf" ||
		strings.EqualFold(filepath.Ext(att.Name), ".pdf")
}

// IsImage reports whether the attachment is a raster image the engines can
// decode. A declared image type must be one of those formats; other
// declared types fall back to the file extension.
func IsImage(att *FileAttachment) bool {
	if t := normalizeType(att.Type); strings.HasPrefix(t, "image/") {
		_, ok := imageTypes[t]
		return ok
	}
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(att.Name))]
	return ok
}

// IsSupported reports whether the attachment is handled by the OCR core
func IsSupported(att *FileAttachment) bool {
	return IsPDF(att) || IsImage(att)
}

// ResolveType returns a copy whose type is corrected from magic bytes
// when the declared type is empty or generic. The input is not modified.
func ResolveType(att *FileAttachment) *FileAttachment {
	t := normalizeType(att.Type)
	if t != "" && t != "application/octet-stream" {
		return att
	}

	resolved := *att
	if data, err := att.Bytes(); err == nil {
		if detected := DetectMimeTypeFromMagicBytes(data); detected != "" {
			resolved.Type = detected
			return &resolved
		}
	}
	if strings.EqualFold(filepath.Ext(att.Name), ".pdf") {
		resolved.Type = "application/pdf"
	} else if mt, ok := imageExtensions[strings.ToLower(filepath.Ext(att.Name))]; ok {
		resolved.Type = mt
	}
	return &resolved
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if idx := strings.Index(t, ";"); idx >= 0 {
		t = strings.TrimSpace(t[:idx])
	}
	return t
}
