package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/crc32"
	_ "github.com/mattn/go-sqlite3"
)

// LocalStore is a Store kept on the local filesystem. Payloads are stored
// under a content-addressed layout rooted at dataDir, addressed by their
// SHA-256 hexadecimal hash with the first two characters used as a
// subdirectory prefix. A SQLite database maps object keys to payloads and
// records each payload's size and CRC-32.
type LocalStore struct {
	dataDir string
	db      *sql.DB
}

// NewLocalStore opens, creating if needed, a LocalStore rooted at dataDir.
func NewLocalStore(ctx context.Context, dataDir string) (*LocalStore, error) {
	if dataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	if err := os.MkdirAll(filepath.Join(dataDir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dataDir, "metadata.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &LocalStore{dataDir: dataDir, db: db}, nil
}

// DialLocal returns a Dialer that opens a LocalStore rooted at dataDir.
func DialLocal(dataDir string) Dialer {
	return func(ctx context.Context) (Store, error) {
		return NewLocalStore(ctx, dataDir)
	}
}

func initSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			key TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			crc32 INTEGER NOT NULL,
			content_type TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_objects_hash ON objects(hash);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the metadata database.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// ObjectPath computes the full filesystem path for the payload identified by
// hashHex.
func ObjectPath(directory string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	return filepath.Join(directory, hashHex[:2], hashHex), nil
}

// Put stores data under key, replacing any previous object with that key.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) (Metadata, error) {
	if key == "" {
		return Metadata{}, errors.New("key must not be empty")
	}

	sum := sha256.Sum256(data)
	hashHex := hex.EncodeToString(sum[:])

	objPath, err := ObjectPath(s.dataDir, hashHex)
	if err != nil {
		return Metadata{}, err
	}

	if _, err := os.Stat(objPath); os.IsNotExist(err) {
		if err := s.writePayload(objPath, data); err != nil {
			return Metadata{}, err
		}
	} else if err != nil {
		return Metadata{}, err
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta := Metadata{Size: int64(len(data)), Checksum: crc32.ChecksumIEEE(data)}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO objects(key, hash, size, crc32, content_type, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		 	hash=excluded.hash,
		 	size=excluded.size,
		 	crc32=excluded.crc32,
		 	content_type=excluded.content_type,
		 	created_at=excluded.created_at`,
		key, hashHex, meta.Size, int64(meta.Checksum), contentType, time.Now().UTC(),
	)
	if err != nil {
		return Metadata{}, fmt.Errorf("upsert object metadata: %w", err)
	}

	return meta, nil
}

// writePayload writes data to a temp file and moves it into place so readers
// never observe a partially written payload.
func (s *LocalStore) writePayload(objPath string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Join(s.dataDir, "tmp"), "put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}
	return MoveFile(tmpPath, objPath)
}

// Delete removes the metadata for key. Payloads are left on disk because
// other keys may share them.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key)
	return err
}

func (s *LocalStore) Open(ctx context.Context, key string) (Handle, error) {
	var (
		hashHex string
		size    int64
		sum     int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT hash, size, crc32 FROM objects WHERE key = ?`, key,
	).Scan(&hashHex, &size, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup object metadata: %w", err)
	}

	objPath, err := ObjectPath(s.dataDir, hashHex)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(objPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: payload for %s is missing", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open object file: %w", err)
	}

	return &localHandle{f: f, meta: Metadata{Size: size, Checksum: uint32(sum)}}, nil
}

type localHandle struct {
	f    *os.File
	meta Metadata
}

func (h *localHandle) Stat() (Metadata, error) {
	return h.meta, nil
}

func (h *localHandle) Read(p []byte) (int, error) {
	return h.f.Read(p)
}

func (h *localHandle) Close() error {
	return h.f.Close()
}
