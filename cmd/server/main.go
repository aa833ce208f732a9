package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fanshare/dpc-exchange/internal/config"
	"github.com/fanshare/dpc-exchange/internal/events"
	"github.com/fanshare/dpc-exchange/internal/logging"
	"github.com/fanshare/dpc-exchange/internal/metrics"
	"github.com/fanshare/dpc-exchange/internal/scheduler"
	"github.com/fanshare/dpc-exchange/internal/store"
	"github.com/fanshare/dpc-exchange/internal/trade"
)

const serviceName = "dpc-exchange"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, serviceName, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		if cfg.RunMigrations {
			if err := store.Migrate(cfg.DatabaseURL); err != nil {
				slog.Error("database migration failed", "err", err)
				os.Exit(1)
			}
			slog.Info("database migrations applied")
		}

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Event sinks ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	sinks := events.Multi{wsHub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			slog.Error("kafka producer failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { kp.Close() })
		sinks = append(sinks, kp)
		slog.Info("Kafka event feed enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Trade service ---
	tradeSvc := trade.NewService(st,
		trade.WithPublisher(sinks),
		trade.WithLogger(logger),
		trade.WithStoreTimeout(cfg.StoreTimeout),
	)

	// --- Lifecycle jobs ---
	sched, err := scheduler.New(logger)
	if err != nil {
		slog.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}
	jobs := []struct {
		name string
		fn   func(context.Context) (int, error)
	}{
		{"sweep_ipos", tradeSvc.SweepIPOs},
		{"expire_orders", tradeSvc.ExpireOrders},
	}
	for _, j := range jobs {
		fn := j.fn
		err := sched.NewIntervalJob(j.name, func(ctx context.Context) error {
			_, err := fn(ctx)
			return err
		}, cfg.LifecycleInterval, true)
		if err != nil {
			slog.Error("scheduler job failed", "job", j.name, "err", err)
			os.Exit(1)
		}
	}
	sched.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live trade and order events.
		r.Get("/ws", wsHub.HandleWS)
		tradeSvc.RegisterRoutes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info(serviceName+" listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down " + serviceName + "...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := sched.Stop(); err != nil {
		slog.Error("scheduler shutdown error", "err", err)
	}
	stop()
	fmt.Println(serviceName + " stopped")
}
