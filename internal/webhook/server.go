package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/deployhook/internal/config"
	"github.com/mattjoyce/deployhook/internal/events"
	"github.com/mattjoyce/deployhook/internal/pipeline"
)

// Executor runs the deployment pipeline for an accepted delivery.
type Executor interface {
	Execute(ctx context.Context, app config.AppConfig, trigger string) (*pipeline.Run, error)
}

// Server is the webhook dispatcher. Every POST is acknowledged with 200 "OK"
// before validation; accepted deliveries run their pipeline in the background.
type Server struct {
	config   Config
	apps     map[string]config.AppConfig
	executor Executor
	reports  http.Handler
	events   events.Publisher
	logger   *slog.Logger
	server   *http.Server

	runs sync.WaitGroup
}

// New creates a dispatcher. reports serves GET requests and may be nil;
// hub may be nil when nobody listens for events.
func New(cfg Config, apps map[string]config.AppConfig, executor Executor, reports http.Handler, hub events.Publisher, logger *slog.Logger) *Server {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if hub == nil {
		hub = events.Discard
	}
	return &Server{
		config:   cfg,
		apps:     apps,
		executor: executor,
		reports:  reports,
		events:   hub,
		logger:   logger,
	}
}

// Start starts the webhook HTTP server (blocking). On cancellation it stops
// accepting deliveries and waits, bounded by the shutdown timeout, for
// running pipelines.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "apps", len(s.apps))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.shutdownTimeout())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		if err := s.Wait(shutdownCtx); err != nil {
			s.logger.Warn("pipelines still running at shutdown", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Wait blocks until every pipeline started by the server finished, or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler returns the dispatcher's HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post("/*", s.handleDelivery)
	r.Get("/*", s.handleReport)
	r.MethodNotAllowed(s.handleOther)

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleDelivery buffers the body, acknowledges, then validates and dispatches.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodySize))
	s.respondText(w, "OK")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.logger.Warn("delivery body too large, dropped", "path", r.URL.Path, "limit", tooLarge.Limit)
		} else {
			s.logger.Warn("failed to read delivery body", "path", r.URL.Path, "error", err)
		}
		return
	}

	s.dispatch(NewRequest(r, body))
}

// dispatch validates req and starts the pipeline of its app.
// It reports whether a pipeline was started.
func (s *Server) dispatch(req *Request) bool {
	name := req.AppName()
	if name == "" {
		return false
	}
	app, ok := s.apps[name]
	if !ok {
		s.logger.Debug("delivery for unknown app dropped", "app", name)
		return false
	}

	if rej := Validate(app, req); rej != nil {
		s.logger.Warn(rej.Diagnostic(), "app", name, "reason", string(rej.Code), "source_ip", req.SourceIP)
		s.events.Publish(events.DeliveryRejected, map[string]any{
			"app":    name,
			"reason": rej.Code,
		})
		return false
	}

	s.logger.Info("received valid hook", "app", name, "service", app.Service)
	s.events.Publish(events.DeliveryAccepted, map[string]any{
		"app":     name,
		"service": app.Service,
	})

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		// Detached from the request: the sender already has its answer.
		_, _ = s.executor.Execute(context.Background(), app, pipeline.TriggerWebhook)
	}()
	return true
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		http.NotFound(w, r)
		return
	}
	s.reports.ServeHTTP(w, r)
}

func (s *Server) handleOther(w http.ResponseWriter, r *http.Request) {
	s.respondText(w, "N/A")
}

func (s *Server) respondText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}
