package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"thumbgate/internal/auth"
	"thumbgate/internal/core"
	"thumbgate/internal/integrity"
	"thumbgate/internal/store"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// newDialer builds the store dialer for the selected backend.
func newDialer(backend string, s3cfg store.S3Config, dataDir string) (store.Dialer, error) {
	switch backend {
	case "s3":
		if s3cfg.Bucket == "" {
			return nil, errors.New("-bucket is required for the s3 backend")
		}
		return store.DialS3(s3cfg), nil
	case "local":
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve data directory: %w", err)
		}
		return store.DialLocal(absDataDir), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func Run(ctx context.Context) error {

	listen := flag.String("listen", getenv("THUMBGATE_LISTEN", ":8080"), "HTTP listen address")
	backend := flag.String("backend", getenv("THUMBGATE_BACKEND", "s3"), "object store backend: s3 or local")
	endpoint := flag.String("endpoint", getenv("MINIO_ENDPOINT", "localhost:9000"), "S3 endpoint (host:port)")
	accessKey := flag.String("access-key", getenv("MINIO_ACCESS_KEY", "minioadmin"), "S3 access key")
	secretKey := flag.String("secret-key", getenv("MINIO_SECRET_KEY", "minioadmin"), "S3 secret key")
	bucket := flag.String("bucket", getenv("THUMBGATE_BUCKET", "images"), "S3 bucket holding the images")
	region := flag.String("region", getenv("MINIO_REGION", ""), "S3 region")
	secure := flag.Bool("secure", getenvBool("MINIO_SECURE", false), "use TLS to reach the S3 endpoint")
	dataDir := flag.String("data-dir", getenv("THUMBGATE_DATA_DIR", "./data"), "directory of the local backend")
	chunkSize := flag.Int("chunk-size", getenvInt("THUMBGATE_CHUNK_SIZE", integrity.DefaultChunkSize), "maximum bytes per store read")
	watermark := flag.String("watermark", getenv("THUMBGATE_WATERMARK", ""), "watermark image file; empty disables watermarking")
	previewUser := flag.String("preview-user", getenv("THUMBGATE_PREVIEW_USER", ""), "user name guarding the preview page")
	previewPassword := flag.String("preview-password", getenv("THUMBGATE_PREVIEW_PASSWORD", ""), "password guarding the preview page")
	logLevel := flag.String("log-level", getenv("THUMBGATE_LOG_LEVEL", "info"), "log level: debug, info, warn, error")

	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	dial, err := newDialer(*backend, store.S3Config{
		Endpoint:  *endpoint,
		AccessKey: *accessKey,
		SecretKey: *secretKey,
		Bucket:    *bucket,
		Region:    *region,
		Secure:    *secure,
	}, *dataDir)
	if err != nil {
		return err
	}

	if *watermark != "" {
		if _, err := os.Stat(*watermark); err != nil {
			slog.Warn("Watermark file is not readable, watermark requests will serve originals", "path", *watermark, "err", err)
		}
	}

	opts := []core.ConfigOption{
		core.WithStoreDialer(dial),
		core.WithChunkSize(*chunkSize),
		core.WithWatermarkFile(*watermark),
	}

	if *previewUser != "" || *previewPassword != "" {
		engine, err := auth.NewBasicAuthEngine(*previewUser, *previewPassword)
		if err != nil {
			return fmt.Errorf("invalid preview credentials: %w", err)
		}
		opts = append(opts, core.WithPreviewAuth(engine))
	}

	cfg := core.NewConfig(opts...)

	// Connect eagerly so configuration problems show up at startup. A failure
	// is not fatal: the first request retries.
	if _, err := cfg.Stores.Get(ctx); err != nil {
		slog.Warn("Object store not reachable yet", "backend", *backend, "err", err)
	}

	server, err := core.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting HTTP server", "addr", *listen, "backend", *backend)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}
