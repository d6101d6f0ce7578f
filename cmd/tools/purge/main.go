// Command purge runs one purge sweep and exits. Operators use it to force
// expired soft-deleted videos out ahead of the server's hourly sweep, or to
// clean up after restoring the datastore from a backup.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"framedeck/internal/config"
	"framedeck/internal/lifecycle"
	"framedeck/internal/objectstore"
	"framedeck/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall sweep timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if cfg.Storage.Driver != "postgres" {
		logger.Error("purge tool requires the postgres storage driver", "driver", cfg.Storage.Driver)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
		DSN:             cfg.Storage.PostgresDSN,
		ApplicationName: "framedeck-purge",
	})
	if err != nil {
		logger.Error("open datastore", "error", err)
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
	}, logger)
	if err != nil {
		logger.Error("configure object storage", "error", err)
		os.Exit(1)
	}

	manager := lifecycle.NewManager(lifecycle.Config{
		Store:     store,
		Objects:   objects,
		Retention: cfg.Lifecycle.Retention,
		Logger:    logger,
	})

	purged, err := manager.PurgeExpired(ctx)
	if err != nil {
		logger.Error("purge sweep failed", "purged", purged, "error", err)
		os.Exit(1)
	}
	fmt.Printf("purged %d videos\n", purged)
}
