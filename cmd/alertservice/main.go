package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/bloodlink/internal/config"
	"github.com/example/bloodlink/internal/donation/domain"
	"github.com/example/bloodlink/internal/donation/handler"
	"github.com/example/bloodlink/internal/donation/intake"
	"github.com/example/bloodlink/internal/donation/ledger"
	"github.com/example/bloodlink/internal/donation/repository"
	"github.com/example/bloodlink/internal/donation/service"
	"github.com/example/bloodlink/internal/http/middleware"
	outboxworker "github.com/example/bloodlink/internal/outbox"
	"github.com/example/bloodlink/internal/realtime/hub"
	"github.com/example/bloodlink/internal/realtime/presence"
	"github.com/example/bloodlink/pkg/observability"
	outboxpkg "github.com/example/bloodlink/pkg/outbox"
)

type stores struct {
	donors   service.DonorDirectory
	requests service.RequestBoard
	alerts   domain.AlertLog
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootLogger := observability.SetupLogger("alert-service", "info")
	cfg, err := config.Load(bootLogger)
	if err != nil {
		bootLogger.Fatal("load config", zap.Error(err))
	}

	logger := observability.SetupLogger("alert-service", cfg.Log.Level)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "alert-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		if conn, err := nats.Connect(cfg.NATS.URL, nats.Name("alertservice")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	st, events := buildStores(ctx, db, natsConn, cfg, logger)

	policy, err := service.ParseReminderPolicy(cfg.Alerts.ReminderPolicy)
	if err != nil {
		logger.Fatal("reminder policy", zap.Error(err))
	}

	registry := presence.NewRegistry(cfg.Presence.Shards)
	connHub := hub.New(registry, logger.Named("hub"), hub.Config{
		SendQueueSize: cfg.Hub.SendQueueSize,
		WriteTimeout:  cfg.Hub.WriteTimeout,
		ReadLimit:     cfg.Hub.ReadLimit,
		IdleTimeout:   cfg.Hub.IdleTimeout,
	})

	broadcaster := service.New(service.Deps{
		Donors:   st.donors,
		Requests: st.requests,
		Notifier: connHub,
		Presence: registry,
		Alerts:   st.alerts,
		Ledger:   buildLedger(redisClient, cfg),
		Events:   events,
		Clock:    domain.SystemClock{},
		Logger:   logger.Named("alerts"),
	}, service.Config{
		ReminderPolicy:   policy,
		GeneralBroadcast: cfg.Alerts.GeneralBroadcast,
	})
	registrar := service.NewRegistrar(st.donors, st.requests, broadcaster, domain.SystemClock{}, logger.Named("registry"))
	stats := service.NewAggregator(st.donors, st.requests, registry, connHub)

	var limiter *middleware.RateLimiter
	if redisClient != nil {
		limiter = middleware.NewRateLimiter(redisClient, map[string]middleware.RateConfig{
			"read":  {Rate: cfg.RateLimit.ReadRPS, Burst: cfg.RateLimit.ReadBurst},
			"alert": {Rate: cfg.RateLimit.AlertRPS, Burst: cfg.RateLimit.AlertBurst},
		})
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("alert endpoints are unauthenticated; set auth.jwtSecret")
	}

	api := handler.NewHTTP(broadcaster, registrar, stats, connHub, handler.Options{
		JWTSecret: cfg.Auth.JWTSecret,
		Limiter:   limiter,
		Logger:    logger.Named("http"),
	})

	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(readiness(db)))
	r.Mount("/", api.Router())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if natsConn != nil {
		consumer := intake.NewConsumer(natsConn, broadcaster, logger.Named("intake"), intake.Config{
			RequestSubject: cfg.NATS.RequestSubject,
			DonorSubject:   cfg.NATS.DonorSubject,
			QueueGroup:     cfg.NATS.QueueGroup,
			Workers:        cfg.NATS.Workers,
		})
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("intake consumer stopped", zap.Error(err))
			}
		}()
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			RetryMax:     cfg.Outbox.RetryMax,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else if db != nil {
		logger.Warn("outbox relay disabled without nats; alert records stay in alert_outbox")
	}

	go func() {
		logger.Info("alert service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket conns are not tracked by the server, so the hub
	// closes them itself.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := connHub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub shutdown", zap.Error(err))
	}
	logger.Info("alert service stopped")
}

// buildStores picks PostgreSQL when configured. The returned publisher is nil
// in that case because the outbox relay owns publishing.
func buildStores(ctx context.Context, db *sql.DB, natsConn *nats.Conn, cfg *config.Config, logger *zap.Logger) (stores, domain.EventPublisher) {
	if db != nil {
		pg := repository.NewPostgresStore(db, cfg.NATS.AlertSubject)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("postgres schema", zap.Error(err))
		}
		return stores{donors: pg, requests: pg, alerts: pg}, nil
	}
	logger.Warn("postgres not configured; using in-memory stores")
	repo := repository.NewMemoryRepository()
	return stores{donors: repo, requests: repo, alerts: repository.NewMemoryAlertLog(0)},
		outboxpkg.NewPublisher(natsConn, cfg.NATS.AlertSubject)
}

func buildLedger(redisClient *redis.Client, cfg *config.Config) ledger.Ledger {
	if redisClient == nil {
		return ledger.NewMemory(cfg.Alerts.LedgerTTL)
	}
	return ledger.NewRedis(redisClient, "", cfg.Alerts.LedgerTTL)
}

func readiness(db *sql.DB) func() error {
	if db == nil {
		return nil
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}
}
