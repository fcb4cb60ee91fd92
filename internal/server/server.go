// Package server exposes the pipeline over HTTP: a JSON API, a progress
// stream as server-sent events and the stored media.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"codeberg.org/snonux/hanzirecall/internal/processor"
	"codeberg.org/snonux/hanzirecall/internal/progress"
)

// MediaSource serves stored artifacts by key.
type MediaSource interface {
	Open(ctx context.Context, key string) ([]byte, string, error)
}

// Options configures the server.
type Options struct {
	Addr string
	// ReclaimGrace is the default grace period of a media reclaim.
	ReclaimGrace time.Duration
	// KeepAlive is the comment interval on idle event streams.
	KeepAlive time.Duration
	Logger    *slog.Logger
}

// Server is the HTTP front of a processor.
type Server struct {
	proc  *processor.Processor
	hub   *progress.Hub
	media MediaSource
	opts  Options
	log   *slog.Logger
	http  *http.Server
}

// New creates a server. Call ListenAndServe to start it.
func New(proc *processor.Processor, hub *progress.Hub, media MediaSource, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.ReclaimGrace <= 0 {
		opts.ReclaimGrace = time.Hour
	}
	s := &Server{
		proc:  proc,
		hub:   hub,
		media: media,
		opts:  opts,
		log:   opts.Logger.With("component", "server"),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/media/*", s.serveMedia)

	r.Route("/api", func(r chi.Router) {
		r.Post("/collections", s.createCollection)
		r.Route("/collections/{id}", func(r chi.Router) {
			r.Get("/", s.getCollection)
			r.Post("/import", s.importSymbols)
			r.Post("/enrich", s.enrichCollection)
			r.Post("/stop", s.stopCollection)
			r.Post("/retry-failed", s.retryFailed)
			r.Get("/events", s.events)
		})

		r.Post("/cards/{id}/enrich", s.enrichCard)
		r.Delete("/cards/{id}", s.deleteCard)
		r.Get("/jobs/{id}", s.jobStatus)

		r.Post("/disambiguation/check", s.checkDisambiguation)
		r.Post("/disambiguation", s.submitDisambiguation)

		r.Post("/admin/cards/{id}/reenrich", s.adminReenrich)
		r.Post("/admin/media/reclaim", s.reclaimMedia)
	})
	return r
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", "addr", s.opts.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for open requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
