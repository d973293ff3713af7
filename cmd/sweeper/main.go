package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vpnaccess/internal/api/v1/router"
	"vpnaccess/internal/config"
	"vpnaccess/internal/logger"
	"vpnaccess/internal/metrics"
	"vpnaccess/internal/provision"
	"vpnaccess/internal/repository"
	"vpnaccess/internal/sweeper"
)

func main() {
	// Initialize logger
	logger := logger.New()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// Initialize DB connection
	db, err := router.OpenDB(cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to open DB connection: %v", err)
	}
	defer db.Close()

	if err := repository.EnsureSchema(context.Background(), db); err != nil {
		logger.Fatal().Msgf("Failed to ensure schema: %v", err)
	}

	metrics.Init()

	provisioner := provision.NewScriptProvisioner(cfg.VPNScriptPath, cfg.ClientsDir, cfg.BashPath, logger)
	gateway := provision.NewGateway(
		provisioner,
		logger,
		cfg.ProvisionMaxRetries,
		time.Duration(cfg.ProvisionBackoffInitialSec)*time.Second,
		time.Duration(cfg.ProvisionBackoffMaxSec)*time.Second,
		time.Duration(cfg.ProvisionTimeoutSec)*time.Second,
	)

	store := struct {
		repository.EntitlementRepository
		repository.IdentityRepository
	}{
		repository.NewEntitlementRepo(db),
		repository.NewIdentityRepo(db),
	}

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sw := sweeper.New(store, gateway, logger, time.Duration(cfg.SweepIntervalSec)*time.Second)
	if err := sw.Run(ctx); err != nil {
		logger.Fatal().Msgf("Expiry sweeper failed: %v", err)
	}

	logger.Info().Msg("Expiry sweeper stopped gracefully")
}
