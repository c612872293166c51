package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Brownie44l1/breed-api/internal/config"
)

type httpServer struct {
	http   *http.Server
	logger *slog.Logger
	errs   chan error
}

func newHTTPServer(cfg *config.ServerConfig, handler http.Handler, logger *slog.Logger) *httpServer {
	return &httpServer{
		http: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeoutDuration(),
			WriteTimeout: cfg.WriteTimeoutDuration(),
		},
		logger: logger.With("system", "http"),
		errs:   make(chan error, 1),
	}
}

func (s *httpServer) Start() {
	go func() {
		s.logger.Info("server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
			s.errs <- err
		}
	}()
}

// Errors reports a listener failure after Start.
func (s *httpServer) Errors() <-chan error {
	return s.errs
}

func (s *httpServer) Shutdown(ctx context.Context) {
	s.logger.Info("shutting down server")
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown error", "error", err)
		return
	}
	s.logger.Info("server shutdown complete")
}
