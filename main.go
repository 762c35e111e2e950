// Chat relay - durable broadcast server with cross-process fan-out.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/workspace/chat-relay/internal/config"
	"github.com/workspace/chat-relay/internal/logging"
	"github.com/workspace/chat-relay/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// Not an error: most deployments configure through the
		// environment directly.
		slog.Debug("No .env file loaded", "error", err)
	}

	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	slog.Info("Chat relay stopped")
}
