package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keybroker/internal/app"
	"keybroker/internal/config"
	"keybroker/internal/utils"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if level, ok := utils.ParseLogLevel(cfg.LogLevel); ok {
		utils.SetDefaultLogLevel(level)
	} else {
		log.Printf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Build storage, tracker, ledger, broker and router
	broker, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start broker: %v", err)
	}
	broker.Start(ctx)

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      broker.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Key broker listening on %s (storage=%s)", addr, cfg.Storage.Backend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop workers and write the last usage snapshots
	if err := broker.Shutdown(shutdownCtx); err != nil {
		log.Printf("Broker shutdown: %v", err)
	}

	log.Println("Server exited")
}
