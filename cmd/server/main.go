// Package main is the entry point for the gatekeeper symbol validation
// service. It validates trading symbols against a rate-limited brokerage
// gateway and serves the results from a persistent cache.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/gatekeeper/internal/broker/gateway"
	"github.com/aristath/gatekeeper/internal/config"
	"github.com/aristath/gatekeeper/internal/contracts"
	"github.com/aristath/gatekeeper/internal/database"
	"github.com/aristath/gatekeeper/internal/history"
	"github.com/aristath/gatekeeper/internal/lookup"
	"github.com/aristath/gatekeeper/internal/pacing"
	"github.com/aristath/gatekeeper/internal/pool"
	"github.com/aristath/gatekeeper/internal/reliability"
	"github.com/aristath/gatekeeper/internal/scheduler"
	"github.com/aristath/gatekeeper/internal/server"
	"github.com/aristath/gatekeeper/internal/validator"
	"github.com/aristath/gatekeeper/pkg/logger"
)

const (
	revalidationSchedule = "@every 6h"
	backupSchedule       = "0 30 2 * * *" // 02:30 daily
	pruneSchedule        = "0 0 3 * * *"  // 03:00 daily

	historyRetention = 90 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr).With().Timestamp().Logger()
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().
		Int("port", cfg.Port).
		Str("data_dir", cfg.DataDir).
		Str("gateway", cfg.Gateway.BaseURL).
		Msg("Starting gatekeeper")

	// Audit database
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileAudit,
		Name:    "history",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer db.Close()

	hist := history.NewRepository(db.Conn())
	if err := hist.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate history database")
	}

	// Symbol cache
	store := contracts.NewStore(cfg.Cache.Path, cfg.Cache.TTL, log)
	store.Load()

	// Gateway plumbing
	pacer := pacing.New(pacing.Config{
		GeneralInterval:      cfg.Pacing.GeneralInterval,
		HistoricalInterval:   cfg.Pacing.HistoricalInterval,
		IdenticalKeyInterval: cfg.Pacing.IdenticalKeyInterval,
	}, log)

	client := gateway.NewClient(gateway.Config{
		BaseURL:        cfg.Gateway.BaseURL,
		APIKey:         cfg.Gateway.APIKey,
		RequestTimeout: cfg.Gateway.RequestTimeout,
	}, log)

	connPool := pool.New(cfg.Pool.Size, cfg.Pool.DialTimeout, client.Dial, log)
	defer connPool.Close()

	// Validation services
	contractLookup := lookup.NewContractService(pacer, connPool, log)
	headFetcher := lookup.NewHeadTimestampService(pacer, connPool, store, log)
	orchestrator := validator.New(store, contractLookup, headFetcher, hist, log)

	// Optional gateway status stream. Start retries failed connections in
	// the background, so the handle is kept and stopped on shutdown even
	// when the gateway is down at boot.
	var stream *gateway.StatusStream
	if cfg.Gateway.StatusURL != "" {
		stream = gateway.NewStatusStream(cfg.Gateway.StatusURL, cfg.Gateway.APIKey, log)
		if err := stream.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start gateway status stream")
		}
		defer stream.Stop()
	}

	// Scheduled jobs
	sched := scheduler.New(log)
	revalJob := scheduler.NewRevalidationJob(store, orchestrator, 0, log)
	if err := sched.AddJob(revalidationSchedule, revalJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule revalidation sweep")
	}
	pruneJob := scheduler.NewPruneJob(hist, historyRetention, log)
	if err := sched.AddJob(pruneSchedule, pruneJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule history pruning")
	}

	if cfg.Backup.Enabled {
		r2, err := reliability.NewR2Client(reliability.R2Config{
			Endpoint:  cfg.Backup.Endpoint,
			Bucket:    cfg.Backup.Bucket,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create R2 client")
		}
		backupSvc := reliability.NewBackupService(r2, db, cfg.Cache.Path, cfg.DataDir, log)
		backupJob := scheduler.NewBackupJob(backupSvc, cfg.Backup.Keep, log)
		if err := sched.AddJob(backupSchedule, backupJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule backups")
		}
	}

	sched.Start()
	defer sched.Stop()

	// HTTP API
	srvCfg := server.Config{
		Port:          cfg.Port,
		Log:           log,
		Validator:     orchestrator,
		Store:         store,
		History:       hist,
		Gateway:       client,
		PacerStats:    pacer.Stats,
		PoolStats:     connPool.Stats,
		RevalidateNow: func() error { return sched.RunNow(revalJob) },
	}
	if stream != nil {
		srvCfg.StreamStatus = stream.LastEvent
	}
	srv := server.New(srvCfg)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serverErr:
		log.Error().Err(err).Msg("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	// The store saves on every mutation; one more save here is the last
	// chance to flush after a partial write failure.
	store.Save()

	log.Info().Msg("Shutdown complete")
}
