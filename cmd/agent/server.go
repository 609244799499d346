package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// httpService runs the API server under the supervisor
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func (s *httpService) String() string { return "http-server" }

// Serve implements suture.Service
func (s *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// wait for in-flight requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	return ctx.Err()
}
