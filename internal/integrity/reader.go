// Package integrity reads whole objects from a store handle while folding
// their bytes into a CRC-32, and rejects any payload whose checksum does not
// match the one the store reported.
package integrity

import (
	"errors"
	"fmt"
	"io"
	"thumbgate/internal/store"

	"github.com/klauspost/crc32"
)

// DefaultChunkSize is the largest single read request used when no chunk
// size is configured.
const DefaultChunkSize = 2 * 1024 * 1024

// maxEmptyReads bounds how many consecutive (0, nil) reads are tolerated
// before the handle is considered stuck.
const maxEmptyReads = 100

var (
	ErrRead      = errors.New("object read failed")
	ErrIntegrity = errors.New("object integrity check failed")

	errNegativeRead = errors.New("handle returned a negative byte count")
)

// Fold extends the running checksum acc with p. Folding consecutive chunks
// gives the same result as checksumming their concatenation.
func Fold(acc uint32, p []byte) uint32 {
	return crc32.Update(acc, crc32.IEEETable, p)
}

// ReadVerified reads exactly meta.Size bytes from h, asking for at most
// chunkSize bytes per call, and returns them only if their checksum equals
// meta.Checksum.
//
// A failing read aborts with ErrRead. A payload that ends early or whose
// checksum differs is reported as ErrIntegrity.
func ReadVerified(h store.Handle, meta store.Metadata, chunkSize int) ([]byte, error) {
	if meta.Size <= 0 {
		return nil, fmt.Errorf("%w: object size is %d", ErrIntegrity, meta.Size)
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	buf := make([]byte, meta.Size)

	var (
		sum   uint32
		read  int
		empty int
	)

	for read < len(buf) {
		want := min(len(buf)-read, chunkSize)

		n, err := h.Read(buf[read : read+want])
		if n < 0 || n > want {
			return nil, fmt.Errorf("%w after %d of %d bytes: %w", ErrRead, read, len(buf), errNegativeRead)
		}
		if n > 0 {
			sum = Fold(sum, buf[read:read+n])
			read += n
			empty = 0
		}

		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w after %d of %d bytes: %w", ErrRead, read, len(buf), err)
		}

		if n == 0 {
			empty++
			if empty >= maxEmptyReads {
				return nil, fmt.Errorf("%w after %d of %d bytes: %w", ErrRead, read, len(buf), io.ErrNoProgress)
			}
		}
	}

	if read != len(buf) {
		return nil, fmt.Errorf("%w: short read of %d of %d bytes", ErrIntegrity, read, len(buf))
	}

	if sum != meta.Checksum {
		return nil, fmt.Errorf("%w: crc32 %08x, expected %08x", ErrIntegrity, sum, meta.Checksum)
	}

	return buf, nil
}
