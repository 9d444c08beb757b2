package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/discend-chat/discend-gateway/internal/api"
	"github.com/discend-chat/discend-gateway/internal/bus"
	"github.com/discend-chat/discend-gateway/internal/config"
	"github.com/discend-chat/discend-gateway/internal/gateway"
	"github.com/discend-chat/discend-gateway/internal/store"
	"github.com/discend-chat/discend-gateway/internal/valkey"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.GatewayEnv).Msg("Starting Discend Gateway")

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.GatewayEnv,
		}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()

	// Connect Scylla
	st, err := store.NewScylla(cfg.ScyllaHosts, cfg.ScyllaKeyspace, cfg.ScyllaUser, cfg.ScyllaPassword, log.Logger)
	if err != nil {
		return fmt.Errorf("connect scylla: %w", err)
	}
	defer st.Close()
	log.Info().Msg("Scylla connected")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	limiter := store.NewLimiter(rdb, cfg.SessionQuota, cfg.SessionQuotaTTL)
	// The replay buffer only needs to cover frames in flight across a reconnect, not a full session history.
	resume := gateway.NewSessionStore(rdb, cfg.ResumeGrace, 512)
	registry := gateway.NewRegistry(st, limiter, resume, cfg, log.Logger)

	// Start the bus consumer with reconnection.
	busCtx, busCancel := context.WithCancel(ctx)
	defer busCancel()
	consumer := bus.NewConsumer(cfg.KafkaHosts, cfg.KafkaGroup, registry, log.Logger)
	go func() {
		for {
			if err := consumer.Run(busCtx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).Msg("Bus consumer stopped, restarting in 5s")
				select {
				case <-busCtx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			return
		}
	}()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Discend Gateway",
	})

	handler := api.NewGatewayHandler(registry)
	app.Get("/", handler.Upgrade)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down gateway")
		busCancel()
		_ = consumer.Close()
		registry.Shutdown()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.GatewayPort)
	log.Info().Str("addr", addr).Msg("Gateway listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("gateway error: %w", err)
	}

	return nil
}
