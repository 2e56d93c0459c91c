package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/muma/internal/activation"
	"github.com/nidhogg/muma/internal/api"
	"github.com/nidhogg/muma/internal/config"
	"github.com/nidhogg/muma/internal/embedding"
	"github.com/nidhogg/muma/internal/retrieval"
	"github.com/nidhogg/muma/internal/store"
	"github.com/nidhogg/muma/internal/sweep"
	"github.com/nidhogg/muma/internal/workingmem"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting muma...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/muma.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize embedding provider
	provider := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})

	// Initialize note store. Redis is attempted only when configured, and
	// a dead remote falls back to the embedded database.
	noteStore, err := store.Open(context.Background(), store.Options{
		RedisURL:    cfg.Store.Redis.URL,
		RedisPrefix: cfg.Store.Redis.Prefix,
		SQLitePath:  cfg.Store.SQLite.Path,
		Dimensions:  cfg.Embedding.Dimension,
	}, logger)
	if err != nil {
		logger.Fatal("failed to open note store", zap.Error(err))
	}

	// Refuse to start against vectors from a different embedding model.
	if result := embedding.ValidateDimensions(provider, noteStore); !result.OK {
		logger.Fatal("embedding dimension validation failed",
			zap.String("reason", result.Reason))
	}

	params := activation.Params{
		ContextWeight:      cfg.Activation.ContextWeight,
		NoiseStdDev:        cfg.Activation.NoiseStddev,
		DecayParameter:     cfg.Activation.DecayParameter,
		RetrievalThreshold: cfg.Activation.RetrievalThreshold,
	}
	engine := retrieval.New(noteStore, provider, params, logger)
	working := workingmem.New(params)

	// Background decay sweeps
	sweepCfg := sweep.Config{
		DecayParameter:     cfg.Activation.DecayParameter,
		PruneThreshold:     cfg.Decay.PruneThreshold,
		HardPruneThreshold: cfg.Decay.HardPruneThreshold,
	}
	sweeper := sweep.New(noteStore, sweepCfg, logger)
	scheduler := sweep.NewScheduler(sweeper,
		time.Duration(cfg.Decay.SweepIntervalMinutes)*time.Minute, logger)
	scheduler.Start()

	// Build HTTP handler
	handler := api.NewHandler(noteStore, provider, engine, sweeper, working, sweepCfg, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("muma listening",
			zap.String("port", port),
			zap.String("backend", noteStore.Backend()))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down muma...")
	scheduler.Stop()
	srv.Shutdown(context.Background())
	noteStore.Close()
}
