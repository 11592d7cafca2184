package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/callbridge/pbx-bridge-go/internal/ami"
	"github.com/callbridge/pbx-bridge-go/internal/callstore"
	"github.com/callbridge/pbx-bridge-go/internal/config"
	"github.com/callbridge/pbx-bridge-go/internal/crm"
	"github.com/callbridge/pbx-bridge-go/internal/database"
	"github.com/callbridge/pbx-bridge-go/internal/dedupe"
	"github.com/callbridge/pbx-bridge-go/internal/handler"
	"github.com/callbridge/pbx-bridge-go/internal/jobs"
	"github.com/callbridge/pbx-bridge-go/internal/middleware"
	"github.com/callbridge/pbx-bridge-go/internal/realtime"
	"github.com/callbridge/pbx-bridge-go/internal/redis"
	"github.com/callbridge/pbx-bridge-go/internal/repository"
	"github.com/callbridge/pbx-bridge-go/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.HealthCheck{}

	var store crm.Store
	switch cfg.RecordStore {
	case config.RecordStorePostgres:
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		schemaCtx, cancel := context.WithTimeout(ctx, config.PingTimeout)
		if err := repository.EnsureSchema(schemaCtx, db.DB); err != nil {
			log.Fatal().Err(err).Msg("failed to apply record schema")
		}
		cancel()
		log.Info().Msg("database connected")

		store = repository.NewRecordStore(db.DB)
		checks["database"] = db.Ping
	default:
		store = crm.NewClient(cfg.CRMBaseURL, cfg.CRMClientID, cfg.CRMClientSecret, cfg.StoreTimeout())
		log.Info().Str("baseUrl", cfg.CRMBaseURL).Msg("using CRM REST record store")
	}

	var guard dedupe.Guard
	var memoryGuard *dedupe.MemoryGuard
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		guard = dedupe.NewRedisGuard(redisClient.Client, cfg.DedupeTTL())
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	} else {
		memoryGuard = dedupe.NewMemoryGuard(cfg.DedupeTTL())
		guard = memoryGuard
	}

	registry := realtime.NewRegistry(cfg.WSMaxConnections, cfg.WSPingInterval())
	registry.Start()

	calls := callstore.New()
	reconciler := service.NewReconciler(store, service.ReconcilerConfig{
		Direction:   cfg.CallDirection,
		MaxAttempts: cfg.StoreMaxAttempts,
		Backoff:     cfg.StoreRetryBackoff(),
		Timeout:     cfg.StoreTimeout(),
	})
	correlator := service.NewCorrelator(calls, reconciler, registry, guard, service.CorrelatorConfig{
		Direction: cfg.CallDirection,
	})

	sources := handler.StatusSources{
		Correlator:     correlator,
		Reconciler:     reconciler,
		Clients:        registry,
		RecordStore:    cfg.RecordStore,
		MaxConnections: cfg.WSMaxConnections,
	}

	var amiClient *ami.Client
	if cfg.AMIEnabled {
		amiClient = ami.NewClient(ami.Config{
			Addr:                 cfg.AMIAddr(),
			Username:             cfg.AMIUsername,
			Secret:               cfg.AMISecret,
			Reconnect:            cfg.AMIReconnect,
			ReconnectDelay:       cfg.AMIReconnectDelay(),
			InboundContexts:      cfg.AMIInboundContexts,
			ConversationVariable: cfg.AMIConversationVariable,
		})
		sources.CallControl = amiClient
	} else {
		log.Warn().Msg("AMI disabled: no call events will be received")
	}

	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(config.WebhookMaxBodyBytes)
	signatureMiddleware := middleware.NewWebhookSignatureMiddleware(
		cfg.WebhookSecret, cfg.WebhookSignatureHeader, cfg.WebhookTolerance(),
	)

	statusHandler := handler.NewStatusHandler(checks, sources)
	webhookHandler := handler.NewWebhookHandler(correlator)
	realtimeHandler := handler.NewRealtimeHandler(registry)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

		r.Get("/health", statusHandler.Health)
		r.Get("/status", statusHandler.Status)

		r.Route("/webhooks", func(r chi.Router) {
			r.Use(bodyLimitMiddleware.Handler)
			r.Use(signatureMiddleware.Handler)
			r.Post("/conversation", webhookHandler.Conversation)
		})
	})

	// Long-lived; kept outside the request timeout.
	r.Get("/ws", realtimeHandler.ServeHTTP)

	sweepJob := jobs.NewSweepJob(calls, sweeperOrNil(memoryGuard), cfg.CallMaxAge(), cfg.CallSweepInterval())
	sweepJob.Start()
	defer sweepJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	eg, groupCtx := errgroup.WithContext(ctx)

	if amiClient != nil {
		if err := amiClient.Connect(groupCtx); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.AMIAddr()).Msg("failed to connect to AMI")
		}
		eg.Go(func() error {
			correlator.Run(groupCtx, amiClient.Events())
			return nil
		})
	}

	eg.Go(func() error {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-groupCtx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
		if amiClient != nil {
			amiClient.Disconnect()
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
	}

	correlator.Wait()
	registry.Close()

	log.Info().Msg("server stopped")
}

// sweeperOrNil keeps a nil *MemoryGuard from becoming a non-nil interface.
func sweeperOrNil(g *dedupe.MemoryGuard) jobs.ExpirySweeper {
	if g == nil {
		return nil
	}
	return g
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
