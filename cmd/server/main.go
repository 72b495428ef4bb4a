package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"couchsync/internal/core/services"
	handlers "couchsync/internal/handlers/http"
	"couchsync/internal/infrastructure/monitoring"
	"couchsync/internal/infrastructure/repositories"
	signalserver "couchsync/internal/infrastructure/signal"
	"couchsync/pkg/config"
	"couchsync/pkg/logger"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/couchsync/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config

	// A config file that exists but fails to parse or validate is fatal;
	// silently falling back to defaults would mask operator mistakes.
	found := false
	for _, path := range configPaths {
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("config %s: %v", path, err)
		}
		log.Printf("Loaded config from: %s", path)
		cfg = loaded
		found = true
		break
	}
	if !found {
		log.Printf("No config file found, using defaults")
		var err error
		cfg, err = config.Load("")
		if err != nil {
			log.Fatalf("config: %v", err)
		}
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	logg := zapLogger.Sugar()

	factory, err := repositories.NewFactory(cfg, logg)
	if err != nil {
		logg.Fatalw("repository setup failed", "error", err)
	}
	defer factory.Close()

	var tokens services.TokenService
	if cfg.Auth.Enabled {
		tokens = services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Std())
	}

	metrics := monitoring.NewPrometheusCollector(nil)
	wsServer := signalserver.NewWebSocketServer(cfg, tokens, metrics, logg)
	rooms := services.NewRoomService(factory.CreateRoomRepository(), factory.CreateRoomLocker(), wsServer, logg)
	wsServer.SetRoomService(rooms)

	router := handlers.NewRouter(cfg, wsServer, rooms, logg)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	go func() {
		logg.Infow("starting couchsync server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logg.Errorw("graceful shutdown failed", "error", err)
	}
}
