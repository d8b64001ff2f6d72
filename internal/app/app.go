// Package app assembles the execution engine from its configuration and
// runs the HTTP server, WebSocket hub and scheduled sweeps together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tradesim/execution-engine/internal/api"
	"github.com/tradesim/execution-engine/internal/charges"
	"github.com/tradesim/execution-engine/internal/config"
	"github.com/tradesim/execution-engine/internal/execution"
	"github.com/tradesim/execution-engine/internal/holding"
	"github.com/tradesim/execution-engine/internal/keylock"
	"github.com/tradesim/execution-engine/internal/limits"
	"github.com/tradesim/execution-engine/internal/market"
	"github.com/tradesim/execution-engine/internal/matcher"
	"github.com/tradesim/execution-engine/internal/metrics"
	"github.com/tradesim/execution-engine/internal/order"
	"github.com/tradesim/execution-engine/internal/pending"
	"github.com/tradesim/execution-engine/internal/position"
	"github.com/tradesim/execution-engine/internal/risk"
	"github.com/tradesim/execution-engine/internal/scheduler"
	"github.com/tradesim/execution-engine/internal/settlement"
	"github.com/tradesim/execution-engine/internal/store"
	"github.com/tradesim/execution-engine/internal/wallet"
)

// App is a fully wired engine.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Store      store.Store
	Index      pending.Index
	Book       *market.PriceBook
	Feed       *market.Feed
	Ledger     *wallet.Ledger
	Orders     *order.Manager
	Engine     *execution.Engine
	Positions  *position.Manager
	Holdings   *holding.Recorder
	Matcher    *matcher.Matcher
	Squarer    *risk.SquareOffer
	Monitor    *risk.Monitor
	Settlement *settlement.Service
	Hub        *api.WSHub
	API        *api.Service
	Scheduler  *scheduler.Scheduler

	cleanup []func()
}

// NewLogger builds the application logger from the logging section.
func NewLogger(cfg config.Logging, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// New connects the configured backends and wires every component. Close
// releases the connections.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.wire()
	return a, nil
}

// connect opens the store and the pending index. PostgreSQL is the source
// of truth when configured; Redis adds a read-through cache and, when
// selected, hosts the pending index.
func (a *App) connect(ctx context.Context) error {
	var rdb *redis.Client
	if url := a.cfg.Storage.RedisURL; url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
	}

	if url := a.cfg.Storage.DatabaseURL; url != "" {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		a.Store = pg
		a.logger.Info("connected to PostgreSQL")

		if rdb != nil {
			a.Store = store.NewCachedStore(a.Store, rdb, a.cfg.Storage.CacheTTL)
			a.logger.Info("Redis cache enabled", "ttl", a.cfg.Storage.CacheTTL)
		}
	} else {
		a.logger.Warn("database_url not set, using in-memory store (data will not persist)")
		a.Store = store.NewMemoryStore()
	}

	if a.cfg.Storage.PendingIndex == "redis" {
		a.Index = pending.NewRedisIndex(rdb, a.cfg.Storage.IndexPrefix)
		a.logger.Info("pending index in Redis", "prefix", a.cfg.Storage.IndexPrefix)
	} else {
		a.Index = pending.NewMemoryIndex()
	}
	return nil
}

func (a *App) wire() {
	cfg, logger := a.cfg, a.logger

	a.Hub = api.NewWSHub(logger)
	locks := keylock.New()
	calc := charges.NewCalculator(cfg.Schedule())
	a.Book = market.NewPriceBook(cfg.Market.PriceMaxAge)
	a.Ledger = wallet.NewLedger(a.Store, logger)
	a.Holdings = holding.NewRecorder(a.Store, logger)
	a.Positions = position.NewManager(a.Store, cfg.PositionPolicy(), logger)

	var limiter *limits.ExposureLimiter
	if cfg.Trading.MaxPerInstrument.IsPositive() || cfg.Trading.MaxPerExchange.IsPositive() {
		limiter = limits.NewExposureLimiter(cfg.Trading.MaxPerInstrument, cfg.Trading.MaxPerExchange)
	}

	a.Orders = order.NewManager(order.Deps{
		Store:   a.Store,
		Wallet:  a.Ledger,
		Calc:    calc,
		Prices:  a.Book,
		Index:   a.Index,
		Limiter: limiter,
		Locks:   locks,
		Events:  a.Hub,
		Logger:  logger,
	}, order.Config{
		MinQuantity:  cfg.Trading.MinQuantity,
		MaxQuantity:  cfg.Trading.MaxQuantity,
		MarketBuffer: cfg.Trading.MarketBuffer,
	})
	a.Engine = execution.NewEngine(execution.Deps{
		Orders:    a.Store,
		Wallet:    a.Ledger,
		Holdings:  a.Holdings,
		Positions: a.Positions,
		Prices:    a.Book,
		Calc:      calc,
		Index:     a.Index,
		Locks:     locks,
		Events:    a.Hub,
		Logger:    logger,
	})

	a.Matcher = matcher.New(a.Index, a.Store, a.Engine, a.Book, logger, cfg.Trading.MatcherConcurrency)
	a.Squarer = risk.NewSquareOffer(a.Orders, a.Engine, a.Positions, a.Hub, logger)
	a.Monitor = risk.NewMonitor(a.Positions, a.Squarer, cfg.Trading.MarginRate, logger)
	a.Feed = market.NewFeed(a.Book, logger, a.Matcher, a.Monitor)
	a.Settlement = settlement.NewService(a.Positions, a.Squarer, a.Orders, a.Holdings, a.Hub, logger)

	a.API = api.NewService(api.Deps{
		Wallets:   a.Ledger,
		Orders:    a.Orders,
		Executor:  a.Engine,
		Ticks:     a.Feed,
		Quotes:    a.Book,
		Squarer:   a.Squarer,
		Positions: a.Positions,
		Holdings:  a.Holdings,
		Logger:    logger,
	})

	loc := cfg.Location()
	cutoff, _ := config.ParseClock(cfg.Market.IntradaySquareOff)
	postMarket, _ := config.ParseClock(cfg.Market.PostMarketAt)
	a.Scheduler = scheduler.New(logger,
		scheduler.Daily(settlement.JobIntradaySquareOff, cutoff, loc, func(ctx context.Context) error {
			_, err := a.Settlement.SquareOffIntraday(ctx)
			return err
		}),
		scheduler.Daily("post_market", postMarket, loc, func(ctx context.Context) error {
			_, err := a.Settlement.PostMarket(ctx)
			return err
		}),
		scheduler.Every(settlement.JobConvertDelivery, cfg.Market.ConvertEvery, func(ctx context.Context) error {
			_, err := a.Settlement.ConvertDelivery(ctx)
			return err
		}),
		scheduler.Every("pending_resync", cfg.Market.ResyncInterval, func(ctx context.Context) error {
			_, err := a.Matcher.Sweep(ctx)
			return err
		}),
	)
}

// Handler returns the HTTP router with the full middleware stack.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for browser clients.
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
		w.Write([]byte(`{"status":"ok","service":"execution-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", a.Hub.HandleWS)
		a.API.Routes(r)
	})
	return r
}

// Run serves HTTP, pushes WebSocket events and runs the scheduled sweeps
// until ctx is cancelled, then shuts the server down gracefully. Pending
// orders are re-indexed from the store before the server starts.
func (a *App) Run(ctx context.Context) error {
	if rep, err := a.Matcher.Sweep(ctx); err != nil {
		a.logger.Warn("startup sweep failed", "err", err)
	} else {
		a.logger.Info("pending index rebuilt", "orders", rep.Indexed, "instruments", rep.Instruments)
	}

	srv := &http.Server{
		Addr:         ":" + a.cfg.Server.Port,
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Hub.Run(gctx) })
	g.Go(func() error { return a.Scheduler.Run(gctx) })
	g.Go(func() error {
		a.logger.Info("execution-engine listening", "port", a.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down execution-engine...")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases database and cache connections.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
