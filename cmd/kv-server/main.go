package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loganszeto/shardkv/internal/config"
	"github.com/loganszeto/shardkv/internal/gateway"
	kvlog "github.com/loganszeto/shardkv/internal/log"
	"github.com/loganszeto/shardkv/internal/metrics"
	"github.com/loganszeto/shardkv/internal/persistence"
	"github.com/loganszeto/shardkv/internal/server"
	"github.com/loganszeto/shardkv/internal/stats"
	"github.com/loganszeto/shardkv/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "kv-server",
	Short:         "Sharded in-memory key-value server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cfg)
	},
}

func init() {
	f := rootCmd.Flags()
	f.String("env", "dev", "environment (dev or prod)")
	f.String("addr", "127.0.0.1:7379", "listen address")
	f.Int("shards", 16, "number of shards")
	f.Duration("sweep-interval", server.DefaultSweepInterval, "expiry sweep interval")
	f.Int("max-frame", 16<<20, "largest accepted frame in bytes")
	f.Duration("idle-timeout", 0, "close connections idle this long (0 = never)")
	f.Float64("rate-limit", 0, "requests per second per connection (0 = unlimited)")
	f.Int("rate-burst", 0, "rate limiter burst")
	f.String("http-addr", "", "HTTP address for /healthz, /metrics and /ws (empty = off)")
	f.String("archive-dir", "", "directory for the expiry archive (empty = off)")
	f.Bool("archive-fsync", false, "fsync the archive after each sweep")
	f.String("archive-bucket", "", "GCS bucket mirroring the archive")
	f.String("archive-object", "expired.log", "GCS object name for the archive")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := kvlog.NewSugar(cfg.Env)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	m, metricsHandler, err := metrics.Setup("shardkv")
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}

	var (
		storeOpts  []store.Option
		serverOpts []server.Option
	)
	if cfg.Archive.Dir != "" {
		archive, publisher, closeArchive, err := openArchive(ctx, cfg.Archive, logger)
		if err != nil {
			return err
		}
		defer closeArchive()
		storeOpts = append(storeOpts, store.WithObserver(archive))
		serverOpts = append(serverOpts, server.WithSweepHook(publisher.AfterSweep))
	}

	engine, err := store.New(cfg.Shards, storeOpts...)
	if err != nil {
		return err
	}

	st := stats.New()
	serverOpts = append(serverOpts,
		server.WithLogger(logger),
		server.WithStats(st),
		server.WithMetrics(m),
		server.WithSweepInterval(cfg.SweepInterval),
		server.WithMaxFrameSize(cfg.MaxFrameBytes),
		server.WithIdleTimeout(cfg.IdleTimeout),
		server.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	)
	srv := server.New(cfg.Addr, engine, serverOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if cfg.HTTPAddr != "" {
		gw := gateway.New(engine,
			gateway.WithLogger(logger),
			gateway.WithStats(st),
			gateway.WithStartedAt(srv.StartedAt()),
			gateway.WithMetrics(m, metricsHandler),
			gateway.WithMaxFrameSize(cfg.MaxFrameBytes),
		)
		g.Go(func() error { return gw.ListenAndServe(gctx, cfg.HTTPAddr) })
	}

	logger.Infow("shardkv starting", "env", cfg.Env, "addr", cfg.Addr, "shards", cfg.Shards, "http_addr", cfg.HTTPAddr)
	return g.Wait()
}

// openArchive restores the remote archive when a bucket is configured, then
// opens the local file for appending.
func openArchive(ctx context.Context, cfg config.ArchiveConfig, logger *zap.SugaredLogger) (*persistence.Archive, *persistence.Publisher, func(), error) {
	var (
		uploader persistence.Uploader
		gcs      *persistence.GCSUploader
	)
	if cfg.Bucket != "" {
		var err error
		gcs, err = persistence.NewGCSUploader(ctx, cfg.Bucket, cfg.Object)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		if err := gcs.Download(ctx, persistence.ArchivePath(cfg.Dir)); err != nil {
			_ = gcs.Close()
			return nil, nil, nil, fmt.Errorf("restore archive: %w", err)
		}
		uploader = gcs
	}

	archive, err := persistence.OpenArchive(cfg.Dir, persistence.Options{Fsync: cfg.Fsync, Logger: logger})
	if err != nil {
		if gcs != nil {
			_ = gcs.Close()
		}
		return nil, nil, nil, fmt.Errorf("open archive: %w", err)
	}
	publisher := persistence.NewPublisher(archive, uploader, logger)
	logger.Infow("expiry archive enabled", "path", archive.Path(), "bucket", cfg.Bucket)

	closeFn := func() {
		// Final flush and upload use a fresh context; ctx is already done.
		if err := publisher.Publish(context.Background()); err != nil {
			logger.Warnw("final archive publish failed", "error", err)
		}
		if err := archive.Close(); err != nil {
			logger.Warnw("close archive", "error", err)
		}
		if gcs != nil {
			_ = gcs.Close()
		}
	}
	return archive, publisher, closeFn, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
