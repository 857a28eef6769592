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
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zona/index-engine/internal/config"
	"github.com/zona/index-engine/internal/market"
	"github.com/zona/index-engine/internal/metrics"
	"github.com/zona/index-engine/internal/oracle"
	"github.com/zona/index-engine/internal/risk"
	"github.com/zona/index-engine/internal/source"
	"github.com/zona/index-engine/internal/store"
	"github.com/zona/index-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
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

	// --- Markets ---
	registry, err := loadRegistry(cfg.MarketsFile)
	if err != nil {
		slog.Error("markets", "err", err)
		os.Exit(1)
	}
	slog.Info("markets loaded", "count", len(registry.List()))

	// --- Risk limits ---
	limits := risk.NewLimits(
		decimal.NewFromFloat(cfg.MaxLeverage),
		decimal.NewFromFloat(cfg.MaxMarketExposure),
	)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Trade service ---
	tradeSvc := trade.NewService(st, registry, limits, wsHub)

	// --- Resolver ---
	if cfg.ResolverEnabled {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			slog.Error("mongodb connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(dctx)
		})

		var sub oracle.Submitter = oracle.LogSubmitter{}
		if !cfg.DryRun() {
			sub = oracle.NewAptosCLI(cfg.AptosBin, cfg.AdminAddress, cfg.AptosProfile)
		} else {
			slog.Warn("ADMIN_ADDRESS not set, oracle submissions are logged only")
		}

		resolver := oracle.NewResolver(registry,
			source.NewMongoSource(client, cfg.MongoDatabase), st, sub,
			oracle.WithPollInterval(cfg.ResolverPollInterval),
			oracle.WithConcurrency(cfg.SourceConcurrency),
			oracle.WithBroadcaster(wsHub),
		)
		go func() {
			slog.Info("resolver started", "poll_interval", cfg.ResolverPollInterval, "dry_run", cfg.DryRun())
			if err := resolver.Run(ctx); err != nil {
				slog.Error("resolver stopped", "err", err)
			}
		}()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"index-engine","ws_clients":%d}`, wsHub.ClientCount())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live index and position updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Index data.
			r.Get("/index-data", tradeSvc.GetIndexData)
			r.Get("/markets", tradeSvc.ListMarkets)

			// Trade preview and position journal.
			r.Post("/quote", tradeSvc.Quote)
			r.Post("/positions", tradeSvc.OpenPosition)
			r.Get("/positions/{address}", tradeSvc.GetPlayerPositions)

			// Portfolio and leaderboard.
			r.Get("/portfolio/{address}", tradeSvc.GetPortfolio)
			r.Get("/ranks", tradeSvc.GetRanks)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("index-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down index-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("index-engine stopped")
}

func loadRegistry(path string) (*market.Registry, error) {
	if path == "" {
		return market.NewRegistry(market.DefaultMarkets)
	}
	return market.LoadRegistry(path)
}
