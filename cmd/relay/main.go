package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"room-relay/auth"
	"room-relay/domain"
	"room-relay/domain/idgen"
	"room-relay/infrastructure/http/server"
	"room-relay/internal"
	"room-relay/moderation"
	"room-relay/pubsub"
	"room-relay/runtime"
	"room-relay/runtime/workers"
	"room-relay/search"
	"room-relay/services"
	"room-relay/storage"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, serves until a signal arrives, then shuts down
// in reverse order so that pending room writes reach the backend.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	char, err := internal.CharacterRune(config.CharReplacement)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Room backend
	store, err := storage.Open(ctx, config.RoomBackend, log)
	if err != nil {
		return fmt.Errorf("room backend: %w", err)
	}
	backend, err := storage.NewBackend[domain.Record](log, store, config.RoomCacheSize)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("room backend: %w", err)
	}
	defer func() {
		log.Info("Closing room backend...")
		if err := backend.Close(); err != nil {
			log.Error("Closing room backend failed", "error", err)
		}
	}()

	// 3. Rooms
	index, err := search.NewRoomIndex(config.SearchIndexPath, log)
	if err != nil {
		return fmt.Errorf("search index: %w", err)
	}
	defer func() { _ = index.Close() }()

	moderator, err := moderation.NewModerator(config.Words(), char, log)
	if err != nil {
		return fmt.Errorf("moderator: %w", err)
	}

	ids := idgen.NewGenerator()
	heartbeat := pubsub.NewHeartbeat(log, config.HeartbeatInterval)
	defer heartbeat.Close()

	registry := runtime.NewRoomRegistry(log, ids, heartbeat, backend, index, config.HistoryLimit)
	defer registry.Close()
	loaded, err := registry.Preload(ctx)
	if err != nil {
		log.Warn("Preloading rooms failed", "error", err)
	}
	log.Info("Rooms preloaded", "count", loaded)

	service := services.NewRoomService(log, registry, index, moderator,
		auth.NewBlockController(log, config.BlockMaxCount, config.BlockWindow),
		auth.NewBlockController(log, config.CreateMaxCount, config.CreateWindow),
	)

	// 4. Background workers
	health := workers.NewHealthMonitoringWorker(log, registry, config.MetricInterval)
	sup := workers.NewSupervisor(log)
	sup.Add(health)
	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		sup.Run(ctx)
	}()

	// 5. HTTP server
	// A fresh subscriber gets the ready event and up to a full history replay at once.
	bufferSize := max(config.StreamBufferSize, config.HistoryLimit+2)
	srv := &http.Server{
		Addr:              config.Addr(),
		Handler:           server.NewRoomServer(log, service, health, bufferSize, config.TrustProxy).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", srv.Addr, "at", time.Now().UTC())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// 6. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	// 7. Final Cleanup
	// Event streams never end on their own, close them before waiting on handlers.
	registry.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown", "error", err)
	}
	sup.Stop()
	<-supervisorDone
	log.Info("Program stopped cleanly")

	return nil
}
