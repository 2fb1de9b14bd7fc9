package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"evalcycle/internal/domain/activity"
	"evalcycle/internal/domain/evaluation"
	"evalcycle/internal/platform/config"
	"evalcycle/internal/platform/db"
	"evalcycle/internal/platform/lock"
	"evalcycle/internal/platform/metrics"
	"evalcycle/internal/transport/http/api"
	evaluationhandler "evalcycle/internal/transport/http/handlers/evaluation"
	"evalcycle/internal/transport/http/middleware"
)

type App struct {
	Config  config.Config
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Service *evaluation.Service
	Metrics *metrics.Collector
	Router  http.Handler
}

// New wires the service. Without DATABASE_URL it runs on the in-memory store, and
// without REDIS_ADDR locks stay in-process.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Metrics: metrics.New()}

	deps := evaluation.Deps{Policy: &policy}
	var lister activity.Lister
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		app.DB = pool
		if cfg.RunMigrations {
			if err := db.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
				app.Close()
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		store := evaluation.NewPgStore(pool)
		activityStore := activity.NewStore(pool)
		deps.Store, deps.Scores, deps.Roster = store, store, store
		deps.Sink = activity.Multi{activity.LogSink{}, activityStore}
		lister = activityStore
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory evaluation store")
		store := evaluation.NewMemoryStore()
		recorder := activity.NewRecorder()
		deps.Store, deps.Scores, deps.Roster = store, store, store
		deps.Sink = activity.Multi{activity.LogSink{}, recorder}
		lister = recorder
	}

	if cfg.RedisAddr != "" {
		client, err := lock.OpenRedis(cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		app.Redis = client
		deps.Locker = lock.NewRedisLocker(client, cfg.LockTTL)
	} else {
		deps.Locker = lock.NewKeyedMutex()
	}

	app.Service = evaluation.NewService(deps)
	app.Router = app.routes(evaluationhandler.NewHandler(app.Service, lister, app.Metrics))
	return app, nil
}

func (a *App) routes(handler *evaluationhandler.Handler) http.Handler {
	cfg := a.Config
	var collector *metrics.Collector
	if cfg.MetricsEnabled {
		collector = a.Metrics
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(collector))
	router.Use(chimw.Recoverer)
	router.Use(middleware.SecureHeaders(cfg.Production()))
	router.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	router.Use(middleware.Auth(cfg.JWTSecret))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/readyz", a.handleReady)
	if cfg.MetricsEnabled {
		router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			api.Success(w, a.Metrics.Snapshot(), middleware.GetRequestID(r.Context()))
		})
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitPerMinute, time.Minute))
		r.Use(middleware.SensitiveMutationRateLimit(cfg.RateLimitPerMinute, time.Minute))
		handler.RegisterRoutes(r)
	})
	return router
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.DB != nil {
		if err := db.Ping(r.Context(), a.DB); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if a.Redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func Run(ctx context.Context, cfg config.Config) error {
	app, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("evaluation server listening", "addr", cfg.Addr, "env", cfg.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
