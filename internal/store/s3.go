package store

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ChecksumMetadataKey is the user metadata entry carrying an object's CRC-32
// as 8 hex digits when the store did not record a native CRC-32 checksum.
const ChecksumMetadataKey = "Crc32"

var errMissingChecksum = errors.New("object has no crc32 checksum")

// S3Config holds the connection settings for an S3-compatible store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

// S3Store serves objects from a single bucket of an S3-compatible store.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store wraps an existing client.
func NewS3Store(client *minio.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// DialS3 returns a Dialer that creates a client for cfg and checks that the
// bucket is reachable before handing out the store.
func DialS3(cfg S3Config) Dialer {
	return func(ctx context.Context) (Store, error) {
		client, err := NewS3Client(cfg)
		if err != nil {
			return nil, err
		}

		exists, err := client.BucketExists(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to check bucket existence: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
		}

		return NewS3Store(client, cfg.Bucket), nil
	}
}

// NewS3Client creates a minio client from cfg.
func NewS3Client(cfg S3Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return client, nil
}

// Open fetches the object's headers so a missing key fails here rather than
// on the first read.
func (s *S3Store) Open(ctx context.Context, key string) (Handle, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{Checksum: true})
	if err != nil {
		return nil, mapS3Error(key, err)
	}

	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, mapS3Error(key, err)
	}

	return &s3Handle{obj: obj, info: info}, nil
}

type s3Handle struct {
	obj  *minio.Object
	info minio.ObjectInfo
}

func (h *s3Handle) Stat() (Metadata, error) {
	sum, err := ChecksumFromInfo(h.info)
	if err != nil {
		return Metadata{}, fmt.Errorf("stat %q: %w", h.info.Key, err)
	}
	return Metadata{Size: h.info.Size, Checksum: sum}, nil
}

func (h *s3Handle) Read(p []byte) (int, error) {
	return h.obj.Read(p)
}

func (h *s3Handle) Close() error {
	return h.obj.Close()
}

// ChecksumFromInfo extracts the CRC-32 of an object, preferring the store's
// native checksum over the user metadata fallback. Multipart uploads carry a
// composite checksum ("<base64>-<parts>") that is not the CRC-32 of the whole
// object, so those objects need the user metadata to be servable.
func ChecksumFromInfo(info minio.ObjectInfo) (uint32, error) {
	native := info.ChecksumCRC32
	composite := isCompositeChecksum(native)

	if native != "" && !composite {
		raw, err := base64.StdEncoding.DecodeString(native)
		if err != nil || len(raw) != 4 {
			return 0, fmt.Errorf("invalid crc32 checksum %q", native)
		}
		return binary.BigEndian.Uint32(raw), nil
	}

	if v := info.Metadata.Get("X-Amz-Meta-" + ChecksumMetadataKey); v != "" {
		sum, err := strconv.ParseUint(v, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid crc32 metadata %q: %w", v, err)
		}
		return uint32(sum), nil
	}

	if composite {
		return 0, fmt.Errorf("%w: only a multipart checksum %q is available", errMissingChecksum, native)
	}
	return 0, errMissingChecksum
}

func isCompositeChecksum(v string) bool {
	i := strings.LastIndexByte(v, '-')
	if i < 0 || i == len(v)-1 {
		return false
	}
	for _, c := range v[i+1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// FormatChecksum renders sum the way ChecksumFromInfo expects to find it in
// user metadata.
func FormatChecksum(sum uint32) string {
	return fmt.Sprintf("%08x", sum)
}

func mapS3Error(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket", resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("open %q: %w", key, err)
}
