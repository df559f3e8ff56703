package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"thumbgate/internal/store"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/crc32"
	"github.com/minio/minio-go/v7"
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

func getenvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// Uploader stores one object under key.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

type s3Uploader struct {
	client *minio.Client
	bucket string
}

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func EnsureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucketName, err)
		}
		slog.Info("Created bucket", "bucket", bucketName)
	}
	return nil
}

// Upload puts data with its CRC-32 in the object's user metadata so the
// server can verify it on every read.
func (u *s3Uploader) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			store.ChecksumMetadataKey: store.FormatChecksum(crc32.ChecksumIEEE(data)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %q to bucket %q: %w", key, u.bucket, err)
	}
	return nil
}

type localUploader struct {
	store *store.LocalStore
}

func (u *localUploader) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := u.store.Put(ctx, key, data, contentType)
	return err
}

// collect returns the regular files under each root, keyed by their path
// relative to that root with the prefix prepended.
func collect(roots []string, prefix string) (map[string]string, error) {
	files := make(map[string]string)

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			files[path.Join(prefix, filepath.Base(root))] = root
			continue
		}

		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}

			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			files[path.Join(prefix, filepath.ToSlash(rel))] = p
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %q: %w", root, err)
		}
	}

	return files, nil
}

// Seed uploads every file with at most parallel uploads in flight.
func Seed(ctx context.Context, up Uploader, files map[string]string, parallel int) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(parallel, 1))

	for key, file := range files {
		eg.Go(func() error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				slog.Warn("Skipping empty file", "path", file)
				return nil
			}

			contentType := http.DetectContentType(data)
			if err := up.Upload(ctx, key, data, contentType); err != nil {
				return err
			}

			slog.Info("Uploaded object", "key", key, "size", len(data), "content_type", contentType)
			return nil
		})
	}

	return eg.Wait()
}

func Run(ctx context.Context) error {
	backend := flag.String("backend", getenv("THUMBGATE_BACKEND", "s3"), "object store backend: s3 or local")
	endpoint := flag.String("endpoint", getenv("MINIO_ENDPOINT", "localhost:9000"), "S3 endpoint (host:port)")
	accessKey := flag.String("access-key", getenv("MINIO_ACCESS_KEY", "minioadmin"), "S3 access key")
	secretKey := flag.String("secret-key", getenv("MINIO_SECRET_KEY", "minioadmin"), "S3 secret key")
	bucket := flag.String("bucket", getenv("THUMBGATE_BUCKET", "images"), "S3 bucket to upload into")
	secure := flag.Bool("secure", getenvBool("MINIO_SECURE", false), "use TLS to reach the S3 endpoint")
	dataDir := flag.String("data-dir", getenv("THUMBGATE_DATA_DIR", "./data"), "directory of the local backend")
	prefix := flag.String("prefix", "", "key prefix for every uploaded object")
	parallel := flag.Int("parallel", 4, "number of concurrent uploads")

	flag.Parse()

	if flag.NArg() == 0 {
		return errors.New("usage: seed [flags] file-or-directory...")
	}

	files, err := collect(flag.Args(), *prefix)
	if err != nil {
		return err
	}

	var up Uploader
	switch *backend {
	case "s3":
		client, err := store.NewS3Client(store.S3Config{
			Endpoint:  *endpoint,
			AccessKey: *accessKey,
			SecretKey: *secretKey,
			Bucket:    *bucket,
			Secure:    *secure,
		})
		if err != nil {
			return err
		}
		if err := EnsureBucket(ctx, client, *bucket); err != nil {
			return err
		}
		up = &s3Uploader{client: client, bucket: *bucket}
	case "local":
		local, err := store.NewLocalStore(ctx, *dataDir)
		if err != nil {
			return err
		}
		defer local.Close()
		up = &localUploader{store: local}
	default:
		return fmt.Errorf("unknown backend %q", *backend)
	}

	start := time.Now()
	if err := Seed(ctx, up, files, *parallel); err != nil {
		return err
	}

	slog.Info("Seeding complete", "objects", len(files), "elapsed", time.Since(start))
	return nil
}

func main() {
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.InfoLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	if err := Run(context.Background()); err != nil {
		slog.Error("Seeding failed", "err", err)
		os.Exit(1)
	}
}
