// Package main wires together the screenshot service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/api"
	"github.com/JakeFAU/webshot/internal/archive"
	"github.com/JakeFAU/webshot/internal/browser/chrome"
	"github.com/JakeFAU/webshot/internal/browser/noop"
	"github.com/JakeFAU/webshot/internal/browser/scripted"
	"github.com/JakeFAU/webshot/internal/cache"
	"github.com/JakeFAU/webshot/internal/capture"
	"github.com/JakeFAU/webshot/internal/clock/system"
	"github.com/JakeFAU/webshot/internal/config"
	"github.com/JakeFAU/webshot/internal/coordinator"
	"github.com/JakeFAU/webshot/internal/executor"
	"github.com/JakeFAU/webshot/internal/hash/sha256"
	"github.com/JakeFAU/webshot/internal/id/uuid"
	"github.com/JakeFAU/webshot/internal/logging"
	"github.com/JakeFAU/webshot/internal/policy/ratelimit"
	"github.com/JakeFAU/webshot/internal/pool"
	memorypublisher "github.com/JakeFAU/webshot/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/webshot/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/webshot/internal/storage/gcs"
	localstorage "github.com/JakeFAU/webshot/internal/storage/local"
	memorystorage "github.com/JakeFAU/webshot/internal/storage/memory"
	"github.com/JakeFAU/webshot/internal/storage/postgres"
	"github.com/JakeFAU/webshot/internal/telemetry"
)

// devTopic receives notifications when archiving to memory without Pub/Sub.
const devTopic = "webshot-captures"

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger); err != nil {
		logger.Error("webshot exited with error", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	ids := uuid.New()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, "webshot", cfg.Tracing.SampleRatio)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	launcher, err := newLauncher(cfg, logger.Named("browser"))
	if err != nil {
		return err
	}
	return serve(ctx, stop, cfg, logger, launcher, clock, ids)
}

// serve runs the capture stack on launcher until ctx is done. Everything it
// starts is stopped before it returns, on error paths too.
func serve(
	ctx context.Context,
	stop context.CancelFunc,
	cfg config.Config,
	logger *zap.Logger,
	launcher capture.Launcher,
	clock capture.Clock,
	ids capture.IDGenerator,
) error {
	browserPool, err := pool.New(ctx, launcher, pool.Config{
		Size:           cfg.Pool.Size,
		DegradedAfter:  cfg.Pool.DegradedAfter,
		BackoffInitial: cfg.Pool.BackoffInitial(),
		BackoffMax:     cfg.Pool.BackoffMax(),
		RespawnQPS:     cfg.Pool.RespawnQPS,
		LaunchTimeout:  cfg.Pool.LaunchTimeout(),
		IDs:            ids,
		Clock:          clock,
		Logger:         logger.Named("pool"),
	})
	if err != nil {
		return fmt.Errorf("start browser pool: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := browserPool.Close(closeCtx); err != nil {
			logger.Warn("browser pool shutdown incomplete", zap.Error(err))
		}
	}()

	shotCache := cache.New(cache.Config{
		Capacity: cfg.Cache.Capacity,
		TTL:      cfg.Cache.TTL(),
		Clock:    clock,
		Logger:   logger.Named("cache"),
	})
	sweeper, err := cache.NewSweeper(shotCache, cfg.Cache.SweepSchedule, logger.Named("sweeper"))
	if err != nil {
		return fmt.Errorf("cache sweeper: %w", err)
	}
	sweeper.Start()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer cancel()
		if err := sweeper.Stop(closeCtx); err != nil {
			logger.Warn("cache sweeper shutdown incomplete", zap.Error(err))
		}
	}()

	recorder, closeArchive, err := newArchiver(ctx, cfg, ids, logger.Named("archive"))
	if err != nil {
		return err
	}
	defer closeArchive()

	coordCfg := coordinator.Config{
		AcquireTimeout: cfg.Pool.AcquireTimeout(),
		CaptureTimeout: cfg.Capture.Timeout(),
		Clock:          clock,
		Logger:         logger.Named("coordinator"),
	}
	if recorder != nil {
		coordCfg.Recorder = recorder
	}
	if cfg.Capture.PerHostRPS > 0 {
		coordCfg.HostLimiter = ratelimit.New(ratelimit.Config{
			RPS:   cfg.Capture.PerHostRPS,
			Burst: cfg.Capture.PerHostBurst,
		})
	}
	coord, err := coordinator.New(
		shotCache,
		browserPool,
		executor.New(sha256.New(), clock, logger.Named("executor")),
		coordCfg,
	)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}

	apiServer := api.NewServer(coord, shotCache, browserPool, api.Config{
		RequestTimeout: cfg.Server.RequestTimeout(),
		RetryAfter:     api.DefaultRetryAfter,
		Logger:         logger.Named("api"),
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("driver", cfg.Browser.Driver),
			zap.Int("pool_size", cfg.Pool.Size),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown incomplete", zap.Error(err))
	}
	logger.Info("http server stopped")
	return nil
}

func newLauncher(cfg config.Config, logger *zap.Logger) (capture.Launcher, error) {
	switch cfg.Browser.Driver {
	case config.DriverScripted:
		logger.Warn("using scripted browser; screenshots are placeholders")
		return scripted.NewLauncher(scripted.Script{}), nil
	case config.DriverNoop:
		logger.Warn("browser disabled; every capture will fail")
		return noop.New(), nil
	default:
		launcher, err := chrome.NewLauncher(chrome.Config{
			ExecPath:       cfg.Browser.ExecPath,
			RemoteURL:      cfg.Browser.RemoteURL,
			Headless:       cfg.Browser.Headless,
			UserAgent:      cfg.Capture.UserAgent,
			ViewportWidth:  cfg.Capture.ViewportWidth,
			ViewportHeight: cfg.Capture.ViewportHeight,
			Settle:         cfg.Capture.Settle(),
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("chrome launcher: %w", err)
		}
		return launcher, nil
	}
}

// newArchiver builds the recorder for fresh captures. It returns a nil
// recorder when no archive destination is configured.
func newArchiver(
	ctx context.Context,
	cfg config.Config,
	ids capture.IDGenerator,
	logger *zap.Logger,
) (coordinator.Recorder, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	archiveCfg := archive.Config{
		Prefix: cfg.Storage.Prefix,
		IDs:    ids,
		Logger: logger,
	}

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		archiveCfg.Blobs = memorystorage.NewBlobStore()
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, closeAll, fmt.Errorf("local blob store: %w", err)
		}
		archiveCfg.Blobs = blobs
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, closeAll, fmt.Errorf("gcs client: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("gcs blob store: %w", err)
		}
		archiveCfg.Blobs = blobs
	}

	if cfg.DB.DSN != "" {
		records, err := postgres.NewCaptureStore(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("capture store: %w", err)
		}
		closers = append(closers, records.Close)
		if err := records.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("capture store schema: %w", err)
		}
		archiveCfg.Records = records
	}

	switch {
	case cfg.PubSub.ProjectID != "":
		pub, err := pubsubpublisher.New(ctx, pubsubpublisher.Config{
			ProjectID: cfg.PubSub.ProjectID,
			TopicName: cfg.PubSub.TopicName,
		})
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("pubsub publisher: %w", err)
		}
		closers = append(closers, func() { _ = pub.Close() })
		archiveCfg.Publisher = pub
		archiveCfg.Topic = cfg.PubSub.TopicName
	case cfg.Storage.Backend == config.BackendMemory:
		archiveCfg.Publisher = memorypublisher.New()
		archiveCfg.Topic = devTopic
	}

	if archiveCfg.Blobs == nil && archiveCfg.Records == nil && archiveCfg.Publisher == nil {
		logger.Info("archiving disabled")
		return nil, closeAll, nil
	}
	logger.Info("archiving enabled",
		zap.String("backend", cfg.Storage.Backend),
		zap.Bool("records", archiveCfg.Records != nil),
		zap.Bool("notify", archiveCfg.Publisher != nil),
	)
	return archive.New(archiveCfg), closeAll, nil
}
