// Package main is the entry point for the ark-sessions server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antoatta85/agents-at-scale-ark/internal/api"
	"github.com/antoatta85/agents-at-scale-ark/internal/config"
	"github.com/antoatta85/agents-at-scale-ark/internal/otlp"
	"github.com/antoatta85/agents-at-scale-ark/internal/receiver"
	"github.com/antoatta85/agents-at-scale-ark/internal/storage"
	"github.com/antoatta85/agents-at-scale-ark/internal/storage/archive"
)

func main() {
	log.Println("Starting ark-sessions...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	// Create storage and the notification bus for the chosen backend.
	store, eventBus, err := storage.NewStorage(ctx, storage.Config{
		Backend:     cfg.Storage.Backend,
		DatabaseURL: cfg.Storage.DatabaseURL,
		SQLitePath:  cfg.Storage.SQLitePath,
	})
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	log.Printf("Storage backend: %s", cfg.Storage.Backend)

	// Optional ClickHouse span archive.
	var arch *archive.Archive
	if cfg.Archive.Enabled {
		arch, err = archive.New(ctx, archive.Config{
			Addr:          cfg.Archive.Addr,
			Database:      cfg.Archive.Database,
			Username:      cfg.Archive.Username,
			Password:      cfg.Archive.Password,
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: time.Duration(cfg.Archive.FlushInterval),
		}, slog.Default())
		if err != nil {
			log.Fatalf("Failed to create span archive: %v", err)
		}
		log.Printf("Span archive enabled: %s", cfg.Archive.Addr)
	}

	// Create the OTLP gRPC receiver and REST API server.
	ingestor := otlp.NewIngestor(store, arch)
	grpcReceiver := receiver.NewGRPCReceiver(cfg.OTLPGRPCAddr, ingestor)
	apiServer := api.NewServer(cfg.APIAddr, store, eventBus, arch)

	// Start servers in goroutines.
	errChan := make(chan error, 2)

	go func() {
		log.Printf("Starting OTLP gRPC receiver on %s", cfg.OTLPGRPCAddr)
		if err := grpcReceiver.Start(); err != nil {
			errChan <- fmt.Errorf("OTLP gRPC receiver error: %w", err)
		}
	}()

	go func() {
		log.Printf("Starting API server on %s", cfg.APIAddr)
		if err := apiServer.Start(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	log.Println("Endpoints:")
	log.Printf("  - OTLP HTTP: http://%s/v1/traces", cfg.APIAddr)
	log.Printf("  - OTLP gRPC: %s", cfg.OTLPGRPCAddr)
	log.Printf("  - Events: http://%s/v1/events", cfg.APIAddr)
	log.Printf("  - Sessions: http://%s/sessions", cfg.APIAddr)
	log.Printf("  - Health: http://%s/health", cfg.APIAddr)

	// Wait for shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v, shutting down...", sig)
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Println("Shutting down servers...")
	grpcReceiver.Shutdown()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}
	if err := eventBus.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down event bus: %v", err)
	}
	if arch != nil {
		if err := arch.Close(); err != nil {
			log.Printf("Error closing span archive: %v", err)
		}
	}

	log.Println("Closing storage...")
	if err := store.Close(); err != nil {
		log.Printf("Error closing storage: %v", err)
	}

	log.Println("Shutdown complete")
}
