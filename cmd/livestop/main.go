package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"livestop/internal/aggregate"
	"livestop/internal/config"
	"livestop/internal/fetch"
	"livestop/internal/freshness"
	"livestop/internal/geocode"
	"livestop/internal/handler"
	"livestop/internal/prim"
	"livestop/internal/refdata"
	"livestop/internal/resolve"
	"livestop/internal/server"
	"livestop/internal/storage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// CLI flags
	importOnly := flag.Bool("import-ref", false, "Download and persist the reference graph, then exit")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite file holding the last good reference snapshot")
	flag.Parse()
	cfg.ImportRef = *importOnly
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid flags", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	// Cancelled on SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	policy := freshness.Policy{
		Reference:  cfg.ReferenceTTL,
		Realtime:   cfg.RealtimeTTL,
		Disruption: cfg.DisruptionTTL,
		Topology:   cfg.TopologyTTL,
		MaxStale:   cfg.MaxStale,
	}

	// Reference graph: open-data exports, persisted in SQLite
	downloader := refdata.NewDownloader(refdata.URLs{
		Lines:     cfg.LinesURL,
		Stops:     cfg.StopsURL,
		Relations: cfg.RelationsURL,
	}, logger)
	store := refdata.NewStore(downloader, logger)
	scheduler := refdata.NewScheduler(store, db, policy.TTL(freshness.ClassReference), logger)

	if cfg.ImportRef {
		logger.Info("force importing reference data")
		if err := scheduler.Refresh(ctx); err != nil {
			logger.Error("reference import failed", "error", err)
			os.Exit(1)
		}
		logger.Info("reference import complete", "version", store.Current().Version)
		return
	}

	if err := scheduler.EnsureData(ctx); err != nil {
		// Serve anyway: stop endpoints answer 503 until a graph is loaded.
		logger.Error("failed to ensure reference data", "error", err)
		go retryInitialLoad(ctx, scheduler, logger)
	}
	go scheduler.StartBackground(ctx)

	// Real-time path: transport, guards, cache, aggregation
	client, err := prim.NewClient(prim.Options{
		StopMonitoringURL: cfg.StopMonitoringURL,
		LineReportsURL:    cfg.LineReportsURL,
		Tokens:            cfg.APITokens,
		ExcludeElevators:  cfg.ExcludeElevators,
		Location:          cfg.Location(),
	}, logger)
	if err != nil {
		logger.Error("failed to create API client", "error", err)
		os.Exit(1)
	}

	fetcher := fetch.New(client, fetch.Options{
		StopMonitoringRPS: cfg.StopMonitoringRPS,
		LineReportsRPS:    cfg.LineReportsRPS,
		Credentials:       client.Credentials(),
		Burst:             cfg.RateBurst,
		MaxQueueWait:      cfg.MaxQueueWait,
		CallTimeout:       cfg.CallTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		BreakerThreshold:  uint32(cfg.BreakerThreshold),
		BreakerCooldown:   cfg.BreakerCooldown,
	}, logger)

	quietStart, _ := aggregate.ParseClock(cfg.QuietStart) // checked by Validate
	quietEnd, _ := aggregate.ParseClock(cfg.QuietEnd)

	agg := aggregate.New(resolve.New(store), fetcher, aggregate.Options{
		Policy:    policy,
		CacheSize: cfg.CacheSize,
		Workers:   cfg.Workers,
		Budget:    cfg.SnapshotBudget(),
		QuietHours: aggregate.QuietHours{
			Enabled:  cfg.QuietHours,
			Start:    quietStart,
			End:      quietEnd,
			Location: cfg.Location(),
		},
	}, logger)

	go aggregate.NewWatcher(agg, cfg.WatchStops, cfg.WatchInterval, logger).Start(ctx)

	var geo handler.Geocoder
	if cfg.GeocodeURL != "" {
		geo = geocode.New(cfg.GeocodeURL, "livestop/1.0 (transit stop monitor)")
	}

	srv := server.New(cfg, handler.New(agg, store, fetcher, geo, logger), logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

// retryInitialLoad keeps trying to obtain a first reference graph when
// the startup attempt failed, instead of waiting a full refresh interval.
func retryInitialLoad(ctx context.Context, scheduler *refdata.Scheduler, logger *slog.Logger) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(30*time.Second),
		backoff.WithMaxInterval(15*time.Minute),
		backoff.WithMaxElapsedTime(0),
	)
	err := backoff.RetryNotify(func() error {
		return scheduler.EnsureData(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Warn("initial reference load failed, retrying", "error", err, "in", next.Round(time.Second))
	})
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("gave up loading reference data", "error", err)
		}
		return
	}
	logger.Info("reference data loaded after retry")
}
