package handler

import (
	"context"
	"net/http"

	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// RouterConfig wires the handlers to their services
type RouterConfig struct {
	OCR            OCRService
	Jobs           JobService // nil disables /api/ocr/jobs
	AdminToken     string     // empty disables quota reset
	AllowedOrigins []string
	MaxBodyBytes   int64
	MaxBatch       int // documents per POST /api/ocr; larger batches belong on /api/ocr/jobs
	Health         func(ctx context.Context) map[string]string
	Logger         *logging.Logger
}

// NewRouter creates the HTTP router with all routes configured
func NewRouter(cfg *RouterConfig) http.Handler {
	h := NewOCRHandler(cfg)
	router := mux.NewRouter()

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := router.PathPrefix("/api/ocr").Subrouter()
	api.HandleFunc("", h.ProcessAttachments).Methods(http.MethodPost)
	api.HandleFunc("", h.Ping).Methods(http.MethodGet)
	api.HandleFunc("/quota", h.QuotaStatus).Methods(http.MethodGet)
	api.HandleFunc("/quota/usage", h.QuotaUsage).Methods(http.MethodGet)
	api.HandleFunc("/quota/reset", h.ResetQuota).Methods(http.MethodPost)
	api.HandleFunc("/services", h.Services).Methods(http.MethodGet)
	api.HandleFunc("/jobs", h.SubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods(http.MethodGet)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
		},
		AllowCredentials: true,
		MaxAge:           300,
	})

	return c.Handler(router)
}
