package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/call-escalation/internal/api"
	"github.com/troikatech/call-escalation/internal/api/handlers"
	"github.com/troikatech/call-escalation/internal/escalation"
	"github.com/troikatech/call-escalation/internal/normalize"
	"github.com/troikatech/call-escalation/internal/session"
	"github.com/troikatech/call-escalation/pkg/env"
	"github.com/troikatech/call-escalation/pkg/logger"
	"github.com/troikatech/call-escalation/pkg/mongo"
	"github.com/troikatech/call-escalation/pkg/otel"
	"github.com/troikatech/call-escalation/pkg/postgres"
	"github.com/troikatech/call-escalation/pkg/storage"
	"github.com/troikatech/call-escalation/pkg/vapi"
	"github.com/troikatech/call-escalation/pkg/webhook"
)

const serviceVersion = "1.0.0"

func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppEnv, cfg.LogFile); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	if cfg.IsProduction() {
		logger.Log = logger.Log.With(logger.Hostname())
	}

	if cfg.OTELEnabled {
		shutdown, err := otel.InitTracing("call-escalation", serviceVersion, cfg.OTELEndpoint)
		if err != nil {
			logger.Log.Warn("Failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdown()
			logger.Log.Info("OpenTelemetry tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	logger.Log.Info("Starting call escalation service",
		zap.String("env", cfg.AppEnv),
		zap.String("port", cfg.AppPort),
		zap.String("store", cfg.StoreDriver),
		zap.Bool("escalation_enabled", cfg.EscalationEnabled()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := connectRedis(ctx, cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Log.Fatal("Failed to open session store", zap.Error(err))
	}
	defer closeStore()

	archiver, err := storage.NewArchiver(cfg.RecordingDriver, storage.Options{
		LocalPath: cfg.LocalStoragePath,
		S3Bucket:  cfg.S3Bucket,
		S3Region:  cfg.S3Region,
	})
	if err != nil {
		logger.Log.Fatal("Failed to create recording archiver", zap.Error(err))
	}

	telnyxVerifier, err := webhook.NewTelnyxVerifier(cfg.TelnyxPublicKey)
	if err != nil {
		logger.Log.Fatal("Invalid TELNYX_PUBLIC_KEY", zap.Error(err))
	}
	if telnyxVerifier == nil {
		logger.Log.Warn("TELNYX_PUBLIC_KEY not set - telnyx webhooks are not verified")
	}

	vapiClient := vapi.NewClient(vapi.Config{
		APIKey:        cfg.VapiAPIKey,
		BaseURL:       cfg.VapiBaseURL,
		PhoneNumberID: cfg.VapiPhoneNumberID,
		Voice:         cfg.VapiEscalationVoice,
		RPS:           cfg.ProviderRPS,
	})
	controller := escalation.NewVapiController(vapiClient)

	var notifier interface {
		escalation.Notifier
		escalation.Subscriber
	}
	if redisClient != nil {
		notifier = escalation.NewRedisNotifier(redisClient, logger.Log)
	} else {
		notifier = escalation.NewLocalNotifier()
	}

	relay := escalation.NewRelay(store, controller, notifier, logger.Log)
	applier := normalize.NewApplier(store, relay, archiver, logger.Log)
	orchestrator := escalation.NewOrchestrator(
		store,
		escalation.NewVapiDialer(vapiClient),
		escalation.NewStaticDirectory(cfg.HumanContactNumber, cfg.BusinessName, cfg.DefaultCountryCode),
		notifier,
		logger.Log,
	)

	sweeper := escalation.NewSweeper(store, controller, notifier, cfg.EscalationTimeout, cfg.EscalationSweepInterval, logger.Log)
	go sweeper.Run(ctx)

	h := handlers.NewHandler(cfg, store, redisClient, applier, orchestrator, notifier, telnyxVerifier)
	router := api.NewRouter(cfg, h, redisClient, logger.Log)

	srv := &http.Server{
		Addr:         ":" + cfg.AppPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Log.Info("Server exited")
}

// connectRedis returns nil when Redis is not configured or, outside
// production, unreachable. Rate limiting, idempotency replay and the shared
// event stream are then disabled.
func connectRedis(ctx context.Context, cfg *env.Config) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.IsProduction() {
			logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		logger.Log.Warn("Redis unavailable - running without it", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}

func openStore(ctx context.Context, cfg *env.Config) (session.Store, func(), error) {
	switch cfg.StoreDriver {
	case "mongo":
		client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.DBName)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(ctx); err != nil {
				logger.Log.Warn("Failed to disconnect MongoDB", zap.Error(err))
			}
		}
		store, err := session.NewMongoStore(ctx, client)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		return store, closeFn, nil

	case "postgres":
		pool, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.PoolConfig{})
		if err != nil {
			return nil, nil, err
		}
		store := session.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	case "memory":
		logger.Log.Warn("Using in-memory session store - data is lost on restart")
		return session.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
