package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adverant/nexus/ocr-gateway/internal/processor"
	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

func newTestVision(t *testing.T, handler http.HandlerFunc) *VisionClient {
	t.Helper()
	return newTestVisionPages(t, 0, handler)
}

func newTestVisionPages(t *testing.T, maxPages int, handler http.HandlerFunc) *VisionClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewVisionClient(context.Background(), &VisionConfig{
		APIKey:            "test-key",
		RequestsPerSecond: 100,
		MaxPDFPages:       maxPages,
		Options:           []option.ClientOption{option.WithEndpoint(srv.URL + "/")},
	})
	if err != nil {
		t.Fatalf("NewVisionClient() error = %v", err)
	}
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNewVisionClientRequiresKey(t *testing.T) {
	if _, err := NewVisionClient(context.Background(), &VisionConfig{}); err == nil {
		t.Fatalf("missing API key should fail")
	}
}

func TestExtractImageUsesTextDetection(t *testing.T) {
	text := strings.Repeat("Facture ", 20)
	c := newTestVision(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "images:annotate") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("API key not sent")
		}
		var req vision.BatchAnnotateImagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Requests) != 1 || req.Requests[0].Features[0].Type != "TEXT_DETECTION" || req.Requests[0].Image.Content != "aW1hZ2U=" {
			t.Errorf("unexpected request %+v", req.Requests)
		}

		annotations := []*vision.EntityAnnotation{{Description: text}}
		for i := 0; i < 20; i++ {
			annotations = append(annotations, &vision.EntityAnnotation{Description: "Facture"})
		}
		writeJSON(t, w, vision.BatchAnnotateImagesResponse{
			Responses: []*vision.AnnotateImageResponse{{TextAnnotations: annotations}},
		})
	})

	att := &processor.FileAttachment{ID: "i1", Name: "scan.png", Type: "image/png", Data: "data:image/png;base64,aW1hZ2U="}
	res, err := c.ExtractFromDocument(context.Background(), att)
	if err != nil {
		t.Fatalf("ExtractFromDocument() error = %v", err)
	}
	if res.Text != strings.TrimSpace(text) || res.Confidence != 0.9 || res.Source != "images:annotate" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExtractPDFUsesFilesAnnotate(t *testing.T) {
	c := newTestVision(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "files:annotate") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req vision.BatchAnnotateFilesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fr := req.Requests[0]
		if fr.InputConfig.MimeType != "application/pdf" || len(fr.Pages) != 5 || fr.Features[0].Type != "DOCUMENT_TEXT_DETECTION" {
			t.Errorf("unexpected file request %+v", fr)
		}

		writeJSON(t, w, vision.BatchAnnotateFilesResponse{
			Responses: []*vision.AnnotateFileResponse{{
				TotalPages: 2,
				Responses: []*vision.AnnotateImageResponse{
					{FullTextAnnotation: &vision.TextAnnotation{Text: "Page un", Pages: []*vision.Page{{Confidence: 0.9}}}},
					{FullTextAnnotation: &vision.TextAnnotation{Text: "Page deux", Pages: []*vision.Page{{Confidence: 0.7}}}},
				},
			}},
		})
	})

	att := &processor.FileAttachment{ID: "p1", Name: "doc.pdf", Type: "application/pdf", Data: "JVBERi0xLjQ="}
	res, err := c.ExtractFromDocument(context.Background(), att)
	if err != nil {
		t.Fatalf("ExtractFromDocument() error = %v", err)
	}
	if res.Text != "Page un\nPage deux" || res.Pages != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Confidence < 0.799 || res.Confidence > 0.801 {
		t.Fatalf("confidence = %v, want page average 0.8", res.Confidence)
	}
}

func TestExtractLongPDFInWindows(t *testing.T) {
	var windows [][]int64
	c := newTestVisionPages(t, 10, func(w http.ResponseWriter, r *http.Request) {
		var req vision.BatchAnnotateFilesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		pages := req.Requests[0].Pages
		windows = append(windows, pages)

		var responses []*vision.AnnotateImageResponse
		for _, p := range pages {
			responses = append(responses, &vision.AnnotateImageResponse{
				FullTextAnnotation: &vision.TextAnnotation{Text: fmt.Sprintf("Page %d", p), Pages: []*vision.Page{{Confidence: 0.9}}},
			})
		}
		writeJSON(t, w, vision.BatchAnnotateFilesResponse{
			Responses: []*vision.AnnotateFileResponse{{TotalPages: 12, Responses: responses}},
		})
	})

	res, err := c.ExtractTextFromPDF(context.Background(), "JVBERi0xLjQ=")
	if err != nil {
		t.Fatalf("ExtractTextFromPDF() error = %v", err)
	}
	if len(windows) != 2 || len(windows[0]) != 5 || windows[1][0] != 6 || windows[1][4] != 10 {
		t.Fatalf("unexpected page windows %v", windows)
	}
	if res.Pages != 10 || !strings.Contains(res.Text, "Page 1\n") || !strings.HasSuffix(res.Text, "Page 10") {
		t.Fatalf("unexpected result pages=%d text=%q", res.Pages, res.Text)
	}
	if strings.Contains(res.Text, "Page 11") {
		t.Fatalf("page cap not honored")
	}
}

func TestExtractPDFStopsAtTotalPages(t *testing.T) {
	requests := 0
	c := newTestVisionPages(t, 20, func(w http.ResponseWriter, r *http.Request) {
		requests++
		writeJSON(t, w, vision.BatchAnnotateFilesResponse{
			Responses: []*vision.AnnotateFileResponse{{TotalPages: 5, Responses: []*vision.AnnotateImageResponse{
				{FullTextAnnotation: &vision.TextAnnotation{Text: "Seule page lisible"}},
			}}},
		})
	})

	if _, err := c.ExtractTextFromPDF(context.Background(), "JVBERi0xLjQ="); err != nil {
		t.Fatalf("ExtractTextFromPDF() error = %v", err)
	}
	if requests != 1 {
		t.Fatalf("a 5-page PDF needs one request, sent %d", requests)
	}
}

func TestVisionErrorsAreReturned(t *testing.T) {
	c := newTestVision(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, vision.BatchAnnotateImagesResponse{
			Responses: []*vision.AnnotateImageResponse{{Error: &vision.Status{Code: 3, Message: "Bad image data."}}},
		})
	})

	_, err := c.ExtractTextFromImage(context.Background(), "Zm9v")
	if err == nil || !strings.Contains(err.Error(), "Bad image data") {
		t.Fatalf("expected Vision status error, got %v", err)
	}
}

func TestVisionHTTPFailure(t *testing.T) {
	c := newTestVision(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"API key not valid"}}`, http.StatusForbidden)
	})

	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatalf("HealthCheck should fail on 403")
	}
}

func TestEstimateConfidence(t *testing.T) {
	cases := []struct {
		length, detections int
		want               float64
	}{
		{0, 0, 0},
		{150, 11, 0.9},
		{150, 10, 0.8},
		{60, 6, 0.8},
		{60, 3, 0.7},
		{21, 1, 0.7},
		{5, 1, 0.6},
	}
	for _, tc := range cases {
		if got := EstimateConfidence(tc.length, tc.detections); got != tc.want {
			t.Errorf("EstimateConfidence(%d, %d) = %v, want %v", tc.length, tc.detections, got, tc.want)
		}
	}
}
