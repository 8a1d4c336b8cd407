// Package main is the entry point for the compute-credits API server.
//
// The server exposes the REST surface that assistant tool clients call:
// retirements, marketplace reads, pool contributions, verification
// sessions, prepaid balances, dashboards, and the payment-gateway webhook.
//
// The server initializes:
// 1. Redis and PostgreSQL connections
// 2. The prepaid account store and its Redis key cache
// 3. The chain client, order selector, and retirement service
// 4. The contribution pool, invoice sync, and monthly batch scheduler
// 5. Verification sessions and dashboards
// 6. The HTTP server with auth, rate limiting, and usage recording
//
// Configuration is via environment variables (12-factor app pattern).
//
// Lifecycle:
// 1. Load configuration from env
// 2. Initialize dependencies
// 3. Start the HTTP server and batch scheduler
// 4. Wait for shutdown signal
// 5. Gracefully drain connections
// 6. Clean up resources
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/CShear/regen-compute-credits/internal/api"
	"github.com/CShear/regen-compute-credits/internal/auth"
	"github.com/CShear/regen-compute-credits/internal/balance"
	"github.com/CShear/regen-compute-credits/internal/batch"
	"github.com/CShear/regen-compute-credits/internal/config"
	"github.com/CShear/regen-compute-credits/internal/dashboard"
	"github.com/CShear/regen-compute-credits/internal/gateway"
	"github.com/CShear/regen-compute-credits/internal/keysync"
	"github.com/CShear/regen-compute-credits/internal/ledger"
	"github.com/CShear/regen-compute-credits/internal/orders"
	"github.com/CShear/regen-compute-credits/internal/payment"
	"github.com/CShear/regen-compute-credits/internal/pool"
	"github.com/CShear/regen-compute-credits/internal/retire"
	"github.com/CShear/regen-compute-credits/internal/subsync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("api_port", cfg.APIPort).
		Str("payment_mode", cfg.PaymentMode).
		Bool("cross_chain", cfg.CrossChainEnabled).
		Msg("starting compute-credits api server")

	// Redis backs the API-key cache and the rate limiter.
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     50,
		MinIdleConns: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	cancel()

	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	// Prepaid account store (PostgreSQL).
	store, err := balance.New(cfg.PostgresURL, redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize account store")
	}
	defer store.Close()

	logger.Info().Msg("account store initialized")

	// Populate the Redis key cache before serving: an empty cache would
	// send every request to PostgreSQL.
	syncer := keysync.New(redisClient, store.DB(), logger)

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := syncer.InitializeRedis(initCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize redis from postgresql")
	}
	initCancel()

	logger.Info().Msg("redis key cache initialized from postgresql")

	// Periodic re-sync catches manual balance edits behind the cache.
	syncer.StartPeriodicSync(5 * time.Minute)
	defer syncer.Stop()

	// Chain client. Without a mnemonic the server answers reads but
	// refuses live retirements.
	ledgerClient, err := ledger.NewClient(ledger.Config{
		RESTURL:          cfg.LedgerRESTURL,
		IndexerURL:       cfg.LedgerIndexerURL,
		ChainID:          cfg.LedgerChainID,
		FeeDenom:         cfg.LedgerFeeDenom,
		FeeAmount:        cfg.LedgerFeeAmount,
		GasLimit:         cfg.LedgerGasLimit,
		Bech32Prefix:     cfg.WalletBech32Prefix,
		Mnemonic:         cfg.WalletMnemonic,
		BroadcastTimeout: cfg.LedgerBroadcastTimeout,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ledger client")
	}

	gw := gateway.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret, logger)

	var provider payment.Provider
	switch cfg.PaymentMode {
	case "stripe":
		provider = payment.NewStripe(gw, cfg.StripeCustomerID, cfg.StripePaymentMethodID, cfg.USDCDenoms, logger)
	default:
		provider = payment.NewNative(ledgerClient, ledgerClient.Address(), logger)
	}

	selector := orders.New(ledgerClient, cfg.LedgerFeeDenom, logger)
	retirer := retire.NewService(ledgerClient, selector, provider, store, cfg.USDCDenoms, cfg.MarketplaceURL, logger)

	poolStore := pool.NewStore(cfg.PoolStorePath)
	poolSvc := pool.NewService(poolStore, logger)

	syncSvc := subsync.NewService(gw, poolSvc, cfg.PriceTierMap, cfg.SyncMaxPages, logger)

	batchStore := batch.NewStore(cfg.BatchStorePath)
	runner := batch.NewRunner(batchStore, poolSvc, syncSvc, selector, retirer,
		cfg.PreferredDenom(), cfg.BatchFeeBps, cfg.RetirementJurisdiction, logger)

	scheduler, err := batch.NewScheduler(runner, cfg.BatchSchedule, cfg.BatchScheduleMode, cfg.BatchCreditType, cfg.BatchReason, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid batch schedule")
	}
	scheduler.Start()
	defer scheduler.Stop()

	logger.Info().
		Str("schedule", cfg.BatchSchedule).
		Str("mode", cfg.BatchScheduleMode).
		Msg("batch scheduler started")

	authSvc := auth.NewService(auth.NewStore(cfg.AuthStorePath), cfg.AuthSecret, cfg.OAuthProviders, logger)
	authSvc.SetLimits(cfg.AuthSessionTTL, cfg.AuthRecoveryTTL, cfg.AuthMaxAttempts)

	dashboards := dashboard.New(poolSvc, batchStore, ledgerClient, cfg.MarketplaceURL, logger)

	limiter := api.NewRedisLimiter(redisClient, cfg.RateLimitPerMinute, logger)

	server := api.NewServer(api.Deps{
		Retirer:    retirer,
		Market:     ledgerClient,
		Pool:       poolSvc,
		Invoices:   syncSvc,
		Batches:    runner,
		BatchReads: batchStore,
		Sessions:   authSvc,
		Accounts:   store,
		Dashboards: dashboards,
		Webhooks:   gw,
		Limiter:    limiter,
		Redis:      redisClient,
		Ready: func(ctx context.Context) error {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			if err := store.DB().PingContext(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			return nil
		},
	}, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.APIPort).
			Msg("http server listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	logger.Info().Msg("http server stopped")

	// scheduler.Stop, syncer.Stop, and store.Close are deferred above.
	logger.Info().Msg("shutdown complete")
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// In development, use pretty console output
	// In production, use JSON for structured logging
	var logger zerolog.Logger
	if environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			Level(level).
			With().
			Timestamp().
			Str("service", "rcc-api").
			Str("environment", environment).
			Logger()
	}

	return logger
}
