// bucketfs mounts an S3 bucket as a POSIX filesystem.
//
// Usage:
//
//	bucketfs [flags] MOUNTPOINT
//
// Credentials come from AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY. Files
// are downloaded on open and uploaded whole when the last writer releases
// them; anything still queued is uploaded on shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/bucketfs/internal/cache"
	"github.com/fruitsalade/bucketfs/internal/config"
	"github.com/fruitsalade/bucketfs/internal/logging"
	"github.com/fruitsalade/bucketfs/internal/metrics"
	"github.com/fruitsalade/bucketfs/internal/mount"
	"github.com/fruitsalade/bucketfs/internal/storage"
	"github.com/fruitsalade/bucketfs/internal/storage/local"
	"github.com/fruitsalade/bucketfs/internal/storage/memstore"
	"github.com/fruitsalade/bucketfs/internal/storage/s3"
	"github.com/fruitsalade/bucketfs/internal/tree"
	"github.com/fruitsalade/bucketfs/internal/vfs"
)

const shutdownTimeout = 5 * time.Minute

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		return 1
	}
	defer logging.Sync()

	logging.Info("starting bucketfs",
		zap.String("backend", cfg.Backend),
		zap.String("bucket", cfg.Bucket),
		zap.String("mountpoint", cfg.Mountpoint),
		zap.String("cache", cfg.CacheDir),
		zap.Duration("refresh_ttl", cfg.RefreshTTL),
		zap.String("mode", cfg.Mode))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		logging.Error("failed to open object store", zap.Error(err))
		return 1
	}
	store = storage.Instrument(store)

	mapper, err := cache.New(afero.NewOsFs(), cfg.CacheDir, store)
	if err != nil {
		logging.Error("failed to prepare cache directory", zap.Error(err))
		return 1
	}

	fsys := vfs.New(tree.New(store, mapper, tree.WithTTL(cfg.RefreshTTL)))

	backend, err := mount.New(cfg.Mode, mount.Options{
		Mountpoint: cfg.Mountpoint,
		Debug:      cfg.FuseDebug,
	})
	if err != nil {
		logging.Error("failed to create mount backend", zap.Error(err))
		return 1
	}

	code := 0
	if err := backend.Start(ctx, fsys); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("mount failed", zap.String("backend", backend.Name()), zap.Error(err))
		code = 1
	}

	logging.Info("unmounted, writing back queued files")
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fsys.Shutdown(flushCtx); err != nil {
		logging.Error("some files were not uploaded", zap.Error(err),
			zap.Strings("pending", fsys.Tree().DirtyPaths()))
		return 1
	}
	logging.Info("shutdown complete")
	return code
}

func openStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		return local.New(local.Config{RootPath: cfg.LocalRoot, CreateDirs: true})
	case config.BackendMemory:
		return memstore.New(), nil
	default:
		return s3.New(ctx, s3.Config{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
			PathStyle: cfg.PathStyle,
		})
	}
}
