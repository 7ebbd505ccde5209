package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"livestop/internal/config"
	"livestop/internal/handler"
	"livestop/web"
)

// Server is the HTTP server for livestop.
type Server struct {
	mux    *http.ServeMux
	cfg    *config.Config
	logger *slog.Logger
	h      *handler.Handler
}

// New creates a new Server with all routes registered.
func New(cfg *config.Config, h *handler.Handler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{mux: mux, cfg: cfg, logger: logger, h: h}

	// Static files, served from embedded FS; versioned URLs get immutable caching
	staticFS, _ := fs.Sub(web.StaticFiles, "static")
	fileServer := http.FileServer(http.FS(staticFS))
	mux.Handle("GET /static/", http.StripPrefix("/static/", staticCacheHandler(fileServer)))

	mux.HandleFunc("GET /{$}", h.Home)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /stops/nearby", h.Nearby)
	mux.HandleFunc("GET /stops/{id}", h.StopSnapshot)

	return s
}

// Handler returns the routes wrapped in middleware.
func (s *Server) Handler() http.Handler {
	return withMiddleware(s.mux, s.logger, s.h.Ready)
}

// ListenAndServe starts the HTTP server and shuts it down gracefully when
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Snapshots are cut off at SnapshotBudget; leave room to encode.
		WriteTimeout: s.cfg.SnapshotBudget() + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
