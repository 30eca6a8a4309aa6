// Package server exposes the speech pipeline over HTTP.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/kaztts-service/internal/config"
	"github.com/book-expert/kaztts-service/internal/core"
	"github.com/book-expert/kaztts-service/internal/storage"
	"github.com/book-expert/kaztts-service/internal/tts/audio"
	"github.com/book-expert/logger"
	"golang.org/x/time/rate"
)

const (
	indexTemplateName = "index.html"
	shutdownGrace     = 5 * time.Second
	maxReplyMargin    = 5 * time.Second
	multipartMemory   = 8 << 20
)

//go:embed templates/index.html
var defaultTemplates embed.FS

// ErrPipelineNil is returned when the server is built without a pipeline.
var ErrPipelineNil = errors.New("pipeline cannot be nil")

// Pipeline is what the handlers need from the tts pipeline.
type Pipeline interface {
	core.AudioPipeline
	Workspace() *storage.Workspace
	Capacity() int
	InUse() int
}

// Transcoder converts a finished WAV file into another container.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string, quality audio.Quality) error
}

// ReadinessCheck reports whether one model environment is usable.
type ReadinessCheck interface {
	Name() string
	Check() error
}

// Server is the HTTP front end of the service.
type Server struct {
	httpServer   *http.Server
	pipeline     Pipeline
	transcoder   Transcoder
	checks       []ReadinessCheck
	limiter      *rate.Limiter
	index        *template.Template
	maxFormBytes int64
	maxTextRunes int
	jobTimeout   time.Duration
	log          *logger.Logger
}

// New builds a Server for cfg. transcoder may be nil, in which case only WAV
// output is offered.
func New(
	cfg *config.Config,
	pipeline Pipeline,
	transcoder Transcoder,
	checks []ReadinessCheck,
	log *logger.Logger,
) (*Server, error) {
	if pipeline == nil {
		return nil, ErrPipelineNil
	}

	index, err := loadIndexTemplate(cfg.Paths.TemplatesDir)
	if err != nil {
		return nil, err
	}

	writeTimeout := time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second

	srv := &Server{
		pipeline:     pipeline,
		transcoder:   transcoder,
		checks:       checks,
		limiter:      newLimiter(cfg.Limits),
		index:        index,
		maxFormBytes: cfg.Server.MaxFormBytes,
		maxTextRunes: cfg.TTS.MaxTextRunes,
		jobTimeout:   jobTimeout(writeTimeout),
		log:          log,
	}

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           loggingMiddleware(log, srv.routes()),
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      writeTimeout,
	}

	return srv, nil
}

// jobTimeout bounds a pipeline job so that it ends before the write timeout,
// leaving a tenth of it (at most maxReplyMargin) to write the response.
// Zero means no bound beyond the request context.
func jobTimeout(writeTimeout time.Duration) time.Duration {
	if writeTimeout <= 0 {
		return 0
	}

	return writeTimeout - min(maxReplyMargin, writeTimeout/10)
}

func newLimiter(limits config.LimitsConfig) *rate.Limiter {
	if limits.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	return rate.NewLimiter(rate.Limit(limits.RequestsPerSecond), limits.Burst)
}

// loadIndexTemplate prefers templates_dir/index.html and falls back to the embedded page.
func loadIndexTemplate(templatesDir string) (*template.Template, error) {
	if templatesDir != "" {
		override := filepath.Join(templatesDir, indexTemplateName)

		_, statErr := os.Stat(override)
		if statErr == nil {
			tmpl, err := template.ParseFiles(override)
			if err != nil {
				return nil, fmt.Errorf("failed to parse template %s: %w", override, err)
			}

			return tmpl, nil
		}
	}

	tmpl, err := template.ParseFS(defaultTemplates, "templates/"+indexTemplateName)
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded template: %w", err)
	}

	return tmpl, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /static/", http.StripPrefix("/static/", noDirListing(http.FileServer(http.Dir(s.pipeline.Workspace().Root())))))

	for _, route := range []struct {
		path    string
		handler http.HandlerFunc
	}{
		{"/synthesize/", s.handleSynthesize},
		{"/convert_voice/", s.handleConvertVoice},
		{"/synthesize_and_convert/", s.handleSynthesizeAndConvert},
	} {
		limited := s.rateLimit(route.handler)
		mux.Handle("POST "+route.path+"{$}", limited)
		mux.Handle("POST "+strings.TrimSuffix(route.path, "/"), limited)
	}

	return mux
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("HTTP server listening on %s", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

// Serve accepts connections on listener until Shutdown is called.
func (s *Server) Serve(listener net.Listener) error {
	s.log.Info("HTTP server listening on %s", listener.Addr())

	err := s.httpServer.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Stopping HTTP server")

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
	}

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	return nil
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.log.Warn("Rate limit exceeded for %s from %s", r.URL.Path, r.RemoteAddr)
			writeDetail(w, http.StatusTooManyRequests, detailRateLimited)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// noDirListing hides directory indexes of the static tree.
func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware records method, path, status and duration of every request.
func loggingMiddleware(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		log.Info("HTTP %s %s -> %d (%s)", r.Method, r.URL.Path, wrapper.statusCode,
			time.Since(start).Round(time.Millisecond))
	})
}

// responseWrapper captures the status code written by a handler.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWrapper) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
