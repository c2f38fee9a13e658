// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
	"github.com/JakeFAU/policy-news-crawler/internal/metrics"
	"github.com/JakeFAU/policy-news-crawler/internal/orchestrator"
)

// Syncer runs and previews sync passes.
type Syncer interface {
	Run(ctx context.Context, req orchestrator.Request) (crawler.CrawlResult, error)
	FetchListing(ctx context.Context, windowDays int) ([]crawler.Candidate, error)
}

// RunReader exposes run history.
type RunReader interface {
	ListRuns(ctx context.Context, limit, offset int) ([]crawler.CrawlResult, error)
	GetRun(ctx context.Context, runID string) (crawler.CrawlResult, error)
}

// Options configures secrets and defaults of the Server.
type Options struct {
	JWTSecret   string
	CrawlerKey  string
	DefaultDays int
	// SyncTimeout bounds a sync started over HTTP. The run is detached from
	// the request so a dropped client does not abort it half way.
	SyncTimeout time.Duration
	// UploadsDir is served under /uploads when set.
	UploadsDir string
}

// Deps are the collaborators behind the handlers. Runs and Authors are optional.
type Deps struct {
	Syncer  Syncer
	Records crawler.RecordStore
	Authors crawler.AuthorResolver
	Runs    RunReader
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultDays <= 0 {
		opts.DefaultDays = 2
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Minute
	}
	s := &Server{deps: deps, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	if opts.UploadsDir != "" {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(opts.UploadsDir))))
	}

	r.Route("/api/crawler", func(r chi.Router) {
		r.Get("/cron", s.cron)

		r.Group(func(r chi.Router) {
			r.Use(bearerMiddleware(opts.JWTSecret))
			r.Post("/sync", s.sync)
			r.Get("/preview", s.preview)
			r.Get("/runs", s.listRuns)
			r.Get("/runs/{run_id}", s.getRun)
		})

		r.Group(func(r chi.Router) {
			r.Use(crawlerKeyMiddleware(opts.CrawlerKey))
			r.Post("/submit", s.submit)
			r.Post("/check", s.check)
			r.Post("/delete", s.deleteRecords)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", requestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (rw *statusWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// envelope is the response shape shared by every /api/crawler route.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Message: msg})
}
