package server

import (
	"context"
	"errors"
	"net/http"
)

// This file contains the blocking listen/shutdown methods, which are
// exercised through integration rather than unit tests.

// Handler exposes the configured route handler
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Serve starts the HTTP listener and blocks until shutdown
func (s *Server) Serve() error {
	s.logger.Info("HTTP server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
