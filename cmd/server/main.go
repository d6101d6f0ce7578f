// Command server starts the framedeck video pipeline API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"framedeck/internal/api"
	"framedeck/internal/cache"
	"framedeck/internal/config"
	"framedeck/internal/lifecycle"
	"framedeck/internal/objectstore"
	"framedeck/internal/observability/logging"
	"framedeck/internal/observability/metrics"
	"framedeck/internal/pipeline"
	"framedeck/internal/server"
	"framedeck/internal/serverutil"
	"framedeck/internal/storage"
	"framedeck/internal/transcode"
	"framedeck/internal/versions"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	recorder := metrics.Default()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	store, err := openStore(bootCtx, cfg.Storage)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer store.Close(context.Background())

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		Region:    cfg.ObjectStore.Region,
		UseSSL:    cfg.ObjectStore.UseSSL,
	}, logging.WithComponent(logger, "objectstore"))
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}
	if err := objects.EnsureBucket(bootCtx); err != nil {
		logger.Error("failed to ensure bucket", "error", err)
		os.Exit(1)
	}

	statusCache := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	}, logging.WithComponent(logger, "cache"))
	defer statusCache.Close()

	transcoder := transcode.NewFFmpeg(logging.WithComponent(logger, "transcode"))
	transcoder.FFmpegPath = cfg.Pipeline.FFmpegPath
	transcoder.FFprobePath = cfg.Pipeline.FFprobePath
	transcoder.SegmentSecs = cfg.Pipeline.SegmentSecs

	pipe := pipeline.New(pipeline.Config{
		Store:        store,
		Objects:      objects,
		Transcoder:   transcoder,
		Ladder:       cfg.Pipeline.Ladder,
		ScratchDir:   cfg.Pipeline.ScratchDir,
		PollInterval: cfg.Pipeline.PollInterval,
		Logger:       logger,
		Recorder:     recorder,
		StatusCache:  statusCache,
	})
	// Anything left mid-flight by a previous run goes back on the queue
	// before the worker starts.
	if err := pipe.Recover(bootCtx); err != nil {
		logger.Error("failed to recover unfinished videos", "error", err)
		os.Exit(1)
	}
	pipe.Start()

	life := lifecycle.NewManager(lifecycle.Config{
		Store:         store,
		Objects:       objects,
		Retention:     cfg.Lifecycle.Retention,
		SweepInterval: cfg.Lifecycle.SweepInterval,
		Logger:        logger,
		Recorder:      recorder,
		StatusCache:   statusCache,
	})
	life.Start()

	handler := api.NewHandler(store, pipe, versions.NewManager(store), life)

	srv, err := server.New(handler, server.Config{
		Addr: cfg.HTTP.Address,
		TLS: server.TLSConfig{
			CertFile: cfg.HTTP.TLSCertFile,
			KeyFile:  cfg.HTTP.TLSKeyFile,
		},
		CORS:    server.CORSConfig{AllowedOrigins: cfg.HTTP.AllowedOrigins},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("framedeck API listening", "addr", cfg.HTTP.Address, "env", cfg.Env)
	logger.Info("metrics endpoint available", "path", "/metrics")
	certFile, keyFile := srv.TLSFiles()
	if err := serverutil.Run(runCtx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: certFile, KeyFile: keyFile},
		ShutdownTimeout: 30 * time.Second,
	}); err != nil {
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// The worker may be mid-transcode: give it the same window, then abandon
	// the job for the next startup recovery.
	if err := pipe.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop pipeline", "error", err)
	}
	if err := life.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop lifecycle sweeper", "error", err)
	}

	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.Storage) (storage.Repository, error) {
	switch cfg.Driver {
	case "memory":
		slog.Default().Warn("using in-memory datastore, state is lost on restart")
		return storage.NewMemoryStore(), nil
	case "postgres":
		return storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:             cfg.PostgresDSN,
			ApplicationName: "framedeck",
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
