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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/speakers-live/speakers-server/internal/adapters/http"
	wssignal "github.com/speakers-live/speakers-server/internal/adapters/signal"
	"github.com/speakers-live/speakers-server/internal/config"
	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/feed"
	"github.com/speakers-live/speakers-server/internal/media"
	"github.com/speakers-live/speakers-server/internal/payments"
	"github.com/speakers-live/speakers-server/internal/presence"
	"github.com/speakers-live/speakers-server/internal/sfu"
	"github.com/speakers-live/speakers-server/internal/store/memory"
	"github.com/speakers-live/speakers-server/internal/store/postgres"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	sessions, closeSessions := buildSessions(cfg)
	defer closeSessions()

	relays := sfu.NewRelayManager(publishGate(ctx, store))
	ws := wssignal.NewController(store, sessions, relays, cfg.STUNServers)

	var tokens core.TokenIssuer
	if cfg.MediaAPIKey != "" && cfg.MediaAPISecret != "" {
		tokens = media.NewTokenIssuer(cfg.MediaAPIKey, cfg.MediaAPISecret, cfg.MediaTokenTTL)
	}

	pay := payments.NewService(store, payments.NewRESTGateway(cfg.PaymentAPIURL, cfg.PaymentSecretKey))

	var provider feed.ContentProvider
	if cfg.FeedURL != "" && cfg.FeedAPIKey != "" {
		provider = feed.NewHTTPProvider(cfg.FeedURL, cfg.FeedAPIKey, cfg.FeedModel)
	}
	feedSvc := feed.NewService(store, provider)
	go feedSvc.RunDaily(ctx, cfg.FeedHour)

	handlers := router.NewHandlers(store, pay, feedSvc, tokens, cfg.MediaURL, cfg.PaymentWebhookSecret)
	r := router.SetupRouter(ctx, cfg, ws, handlers)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Speakers server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func buildStore(ctx context.Context, cfg *config.Config) (core.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func buildSessions(cfg *config.Config) (presence.SessionStore, func()) {
	if cfg.RedisURL != "" {
		rs, err := presence.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using in-memory sessions")
		} else {
			return rs, func() { _ = rs.Close() }
		}
	}
	return presence.NewMemoryStore(), func() {}
}

// publishGate lets only on-stage identities start an SFU relay.
func publishGate(ctx context.Context, store core.Store) sfu.PublishGate {
	return func(identity string) bool {
		rows, err := store.Select(ctx, core.TableParticipants,
			core.Filter{"user_id": identity, "is_speaking": true})
		if err != nil {
			log.Warn().Err(err).Str("identity", identity).Msg("publish gate check failed")
			return false
		}
		return len(rows) > 0
	}
}
