package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newsdex/newsdex/internal/analytics"
	"github.com/newsdex/newsdex/internal/search"
	"github.com/newsdex/newsdex/internal/service"
	"github.com/newsdex/newsdex/internal/upstream"
	"github.com/newsdex/newsdex/pkg/config"
	"github.com/newsdex/newsdex/pkg/health"
	"github.com/newsdex/newsdex/pkg/kafka"
	"github.com/newsdex/newsdex/pkg/logger"
	"github.com/newsdex/newsdex/pkg/metrics"
	"github.com/newsdex/newsdex/pkg/middleware"
	"github.com/newsdex/newsdex/pkg/postgres"
)

const snapshotInterval = 5 * time.Minute

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting newsdex",
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream.BaseURL,
		"cache_ttl", cfg.Search.CacheTTL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		stopMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := stopMetrics(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	client := upstream.NewClient(cfg.Upstream)
	queryCache := search.NewQueryCache(cfg.Search.CacheTTL)
	engine := search.NewEngine(client, queryCache, search.Config{
		MaxPerPage:      cfg.Search.MaxPerPage,
		MaxTotalResults: cfg.Search.MaxTotalResults,
		MaxPages:        cfg.Search.MaxPages,
	}, m)

	aggregator := analytics.NewAggregator()

	var collector *analytics.Collector
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.QueryEvents)
		defer producer.Close()

		collector = analytics.NewCollector(producer, 100, 5*time.Second)
		collector.Start(ctx)
		defer collector.Close()

		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.QueryEvents, analytics.HandleEvent(aggregator))
		go func() {
			defer consumer.Close()
			if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("analytics consumer stopped", "error", err)
			}
		}()
		slog.Info("analytics pipeline enabled", "topic", cfg.Kafka.QueryEvents, "brokers", cfg.Kafka.Brokers)
	} else {
		slog.Info("kafka disabled, query events will not be published")
	}

	var db *postgres.Client
	var store *analytics.Store
	if cfg.Postgres.Enabled {
		db, err = postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, analytics snapshots disabled", "error", err)
			db = nil
		} else {
			defer db.Close()
			store = analytics.NewStore(db)
			if prev, err := store.LatestSnapshot(ctx); err != nil {
				slog.Warn("failed to read latest analytics snapshot", "error", err)
			} else if prev != nil {
				slog.Info("previous analytics snapshot found",
					"total_searches", prev.TotalSearches,
					"total_aggregations", prev.TotalAggregations,
				)
			}
			store.StartPeriodicSave(ctx, aggregator, snapshotInterval)
		}
	}

	checker := health.NewChecker()
	checker.Register("upstream", func(ctx context.Context) health.ComponentHealth {
		if client.Credentials().Empty() {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "credentials not configured"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("cache", func(ctx context.Context) health.ComponentHealth {
		stats := queryCache.Stats()
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d entries", stats.Entries),
		}
	})
	if db != nil {
		checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
			if err := db.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}

	searchHandler := service.New(engine, queryCache, collector, m)
	analyticsHandler := analytics.NewHandler(aggregator, store)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/search", searchHandler.Search)
	mux.HandleFunc("GET /api/v1/search/all", searchHandler.SearchAll)
	mux.HandleFunc("GET /api/v1/cache/stats", searchHandler.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/purge", searchHandler.CachePurge)
	mux.HandleFunc("GET /api/v1/analytics", analyticsHandler.Stats)
	mux.HandleFunc("GET /api/v1/analytics/history", analyticsHandler.History)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var handler http.Handler = mux
	handler = middleware.Timeout(cfg.Server.WriteTimeout)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Metrics(m)(handler)
	handler = middleware.RequestID(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("newsdex listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("newsdex stopped")
}
