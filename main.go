// shiksha-setu-bridge-sub001 serves the on-device offline cache and sync
// layer for the Shiksha Setu learning app: a small-record cache for course
// data, a quota-bounded blob cache for downloaded content, and a pending
// write queue that replays against the backend when connectivity returns.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/AdityaPandey8/shiksha-setu-bridge-sub001/cmd"
	"github.com/AdityaPandey8/shiksha-setu-bridge-sub001/offline"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(getenvDefault("OFFSYNC_LOG_LEVEL", "info")),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	dataDir := getenvDefault("OFFSYNC_DATA_DIR", filepath.Join(".", "offsync-data"))
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	remote, probe, closeRemote, err := buildRemote(ctx, logger)
	if err != nil {
		return err
	}
	defer closeRemote()

	records, closeRecords, err := buildRecordStore(dataDir, logger)
	if err != nil {
		return err
	}
	defer closeRecords()

	blobs, err := buildBlobStore(ctx, dataDir, logger)
	if err != nil {
		return err
	}

	opts := []offline.EngineOption{
		offline.WithLogger(logger),
		offline.WithMaxBlobBytes(getenvInt64Default("OFFSYNC_QUOTA_BYTES", 500<<20)),
		offline.WithRetryCeiling(getenvIntDefault("OFFSYNC_RETRY_CEILING", 5)),
		offline.WithDebounceWindow(getenvDurationDefault("OFFSYNC_DEBOUNCE", 2*time.Second)),
		offline.WithDownloadTimeout(getenvDurationDefault("OFFSYNC_DOWNLOAD_TIMEOUT", 2*time.Minute)),
		offline.WithImagePolicy(offline.ImagePolicy{
			MaxDimension: getenvIntDefault("OFFSYNC_IMAGE_MAX_DIM", 1600),
			JPEGQuality:  getenvIntDefault("OFFSYNC_JPEG_QUALITY", 80),
		}),
	}

	queueStore, closeQueue, err := buildQueueStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeQueue()
	if queueStore != nil {
		opts = append(opts, offline.WithQueueStore(queueStore))
	}

	if probe != nil && getenvBoolDefault("OFFSYNC_PROBE_ENABLED", true) {
		opts = append(opts, offline.WithProbe(probe))
	}

	engine := offline.NewEngine(records, blobs, remote, opts...)

	app := cmd.NewApp(engine, cmd.AppConfig{
		Address:         getenvDefault("OFFSYNC_ADDR", "127.0.0.1:8600"),
		ShutdownTimeout: getenvDurationDefault("OFFSYNC_SHUTDOWN_TIMEOUT", 10*time.Second),
		SyncInterval:    getenvDurationDefault("OFFSYNC_SYNC_INTERVAL", 5*time.Minute),
		SyncTimeout:     getenvDurationDefault("OFFSYNC_SYNC_TIMEOUT", 90*time.Second),
		Logger:          logger,
	})
	if err := app.Start(); err != nil {
		return err
	}
	logger.Info("offline sync ready",
		"address", app.Address(),
		"data_dir", dataDir,
	)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	return app.Wait()
}

func buildRemote(ctx context.Context, logger *slog.Logger) (offline.Remote, offline.ProbeFunc, func(), error) {
	switch kind := getenvDefault("OFFSYNC_REMOTE", "http"); kind {
	case "http":
		baseURL := os.Getenv("OFFSYNC_REMOTE_URL")
		if baseURL == "" {
			return nil, nil, nil, errors.New("OFFSYNC_REMOTE_URL is required when OFFSYNC_REMOTE=http")
		}
		remote := offline.NewHTTPRemote(baseURL)
		remote.Client = &http.Client{Timeout: getenvDurationDefault("OFFSYNC_REMOTE_TIMEOUT", 30*time.Second)}
		logger.Info("remote", "kind", "http", "base_url", remote.BaseURL)
		return remote, httpProbe(remote), func() {}, nil
	case "mongo":
		uri := getenvDefault("OFFSYNC_MONGO_URI", "mongodb://127.0.0.1:27017")
		client, err := mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, fmt.Errorf("ping mongo at %s: %w", uri, err)
		}
		db := client.Database(getenvDefault("OFFSYNC_MONGO_DB", "shiksha_setu"))
		logger.Info("remote", "kind", "mongo", "database", db.Name())
		closer := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(disconnectCtx); err != nil {
				logger.Error("disconnect mongo", "error", err)
			}
		}
		remote := offline.NewMongoRemote(db)
		probe := func(ctx context.Context) error { return client.Ping(ctx, nil) }
		return remote, probe, closer, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown OFFSYNC_REMOTE %q", kind)
	}
}

func buildRecordStore(dataDir string, logger *slog.Logger) (offline.RecordStore, func(), error) {
	switch kind := getenvDefault("OFFSYNC_RECORD_STORE", "sqlite"); kind {
	case "sqlite":
		path := filepath.Join(dataDir, "records.db")
		store, err := offline.OpenSQLiteRecordStore(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite record store: %w", err)
		}
		logger.Info("record store", "kind", "sqlite", "path", path)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error("close record store", "error", err)
			}
		}, nil
	case "memory":
		logger.Warn("record store is in-memory; cached records will not survive restarts")
		return offline.NewMemoryRecordStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown OFFSYNC_RECORD_STORE %q", kind)
	}
}

func buildBlobStore(ctx context.Context, dataDir string, logger *slog.Logger) (offline.BlobStore, error) {
	switch kind := getenvDefault("OFFSYNC_BLOB_STORE", "local"); kind {
	case "local":
		root := filepath.Join(dataDir, "blobs")
		logger.Info("blob store", "kind", "local", "root", root)
		return &offline.LocalBlobStore{Root: root}, nil
	case "s3":
		bucket := os.Getenv("OFFSYNC_S3_BUCKET")
		if bucket == "" {
			return nil, errors.New("OFFSYNC_S3_BUCKET is required when OFFSYNC_BLOB_STORE=s3")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint := os.Getenv("OFFSYNC_S3_ENDPOINT"); endpoint != "" {
				o.BaseEndpoint = &endpoint
				o.UsePathStyle = true
			}
		})
		prefix := getenvDefault("OFFSYNC_S3_PREFIX", "offsync/")
		logger.Info("blob store", "kind", "s3", "bucket", bucket, "prefix", prefix)
		return offline.NewS3BlobStore(client, bucket, prefix), nil
	default:
		return nil, fmt.Errorf("unknown OFFSYNC_BLOB_STORE %q", kind)
	}
}

func buildQueueStore(ctx context.Context, logger *slog.Logger) (offline.QueueStore, func(), error) {
	switch kind := getenvDefault("OFFSYNC_QUEUE_STORE", "memory"); kind {
	case "memory":
		return nil, func() {}, nil // engine default
	case "redis":
		addr := getenvDefault("OFFSYNC_REDIS_ADDR", "127.0.0.1:6379")
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("OFFSYNC_REDIS_PASSWORD"),
			DB:       getenvIntDefault("OFFSYNC_REDIS_DB", 0),
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis at %s: %w", addr, err)
		}
		store, err := offline.NewRedisQueueStore(client, getenvDefault("OFFSYNC_REDIS_PREFIX", "offsync:queue:"))
		if err != nil {
			return nil, nil, fmt.Errorf("init redis queue store: %w", err)
		}
		logger.Info("queue store", "kind", "redis", "addr", addr)
		return store, func() {
			if err := client.Close(); err != nil {
				logger.Error("close redis", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown OFFSYNC_QUEUE_STORE %q", kind)
	}
}

// httpProbe reports reachability of the sync backend with a cheap request.
func httpProbe(remote *offline.HTTPRemote) offline.ProbeFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, remote.BaseURL+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := remote.Client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v)
		return fallback
	}
	return d
}

func getenvIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getenvInt64Default(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getenvBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean, using default", "key", key, "value", v)
		return fallback
	}
	return b
}
