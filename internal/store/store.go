package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrUnavailable = errors.New("object store unavailable")
)

// Metadata describes a stored object as reported by its backend.
type Metadata struct {
	// Size is the payload length in bytes.
	Size int64
	// Checksum is the IEEE CRC-32 of the payload.
	Checksum uint32
}

// Store opens objects by key. Implementations must be safe for concurrent
// use; the handles they return are not.
type Store interface {
	// Open returns a handle to the object named key. A missing object
	// yields an error wrapping ErrNotFound.
	Open(ctx context.Context, key string) (Handle, error)
}

// Handle is a single open object. It is owned by one request and must be
// closed by it.
type Handle interface {
	// Stat returns the object's size and checksum.
	Stat() (Metadata, error)

	// Read reads up to len(p) bytes of payload into p, continuing from
	// where the previous call stopped.
	Read(p []byte) (int, error)

	// Close releases the handle.
	Close() error
}
