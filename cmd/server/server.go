package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// serve subscribes the gateway, then runs the HTTP server until ctx is done
// and shuts it down gracefully.
func (app *application) serve(ctx context.Context) error {
	if err := app.gateway.Start(ctx); err != nil {
		app.cleanup()
		return fmt.Errorf("failed to start progress gateway: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", app.config.Server.Port))
	if err != nil {
		app.cleanup()
		return fmt.Errorf("failed to listen: %w", err)
	}
	return app.serveListener(ctx, listener)
}

func (app *application) serveListener(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverCtx, cancelServer := context.WithCancel(ctx)
	defer cancelServer()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("starting server", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("server failed", "error", err)
			errCh <- err
			cancelServer()
		}
	}()

	<-serverCtx.Done()
	app.logger.Info("shutting down server...")

	timeout := app.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	// Shutdown does not wait for hijacked websocket connections, so the
	// gateway closes them itself.
	if err := app.gateway.Stop(); err != nil {
		app.logger.Error("failed to stop gateway", "error", err)
	}

	err := server.Shutdown(shutdownCtx)
	app.cleanup()
	if err != nil {
		app.logger.Error("server shutdown failed", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	default:
	}

	app.logger.Info("server shutdown completed")
	return nil
}
