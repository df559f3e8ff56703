package query

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedRequest = errors.New("malformed request")

const (
	keyParam       = "filename="
	zoomParam      = "zoom="
	qualityParam   = "quality="
	watermarkParam = "watermark="
)

// Parse extracts the recognised parameters from raw, the undecoded query
// string, into p.
//
// The object key must be the very first parameter. Its absence, an empty
// value, or a value longer than MaxKeyLen fails the whole request with
// ErrMalformedRequest. The optional parameters are searched for after the
// key's value; an optional value that is too long is treated as absent.
func Parse(raw string, p *Params) error {
	*p = Params{}

	if len(raw) < len(keyParam) || !strings.EqualFold(raw[:len(keyParam)], keyParam) {
		return fmt.Errorf("%w: filename must be the first parameter", ErrMalformedRequest)
	}

	value, end := valueAt(raw, len(keyParam))
	if len(value) > MaxKeyLen {
		return fmt.Errorf("%w: object key longer than %d bytes", ErrMalformedRequest, MaxKeyLen)
	}

	p.keyLen = decodeInto(p.key[:], value)
	if p.keyLen == 0 {
		return fmt.Errorf("%w: empty object key", ErrMalformedRequest)
	}

	p.zoomLen = lookup(raw, end, zoomParam, p.zoom[:])
	p.qualityLen = lookup(raw, end, qualityParam, p.quality[:])
	p.watermarkLen = lookup(raw, end, watermarkParam, p.watermark[:])
	return nil
}

// valueAt returns the value starting at offset and running to the next '&'
// or the end of raw, along with the offset just past it.
func valueAt(raw string, offset int) (string, int) {
	rest := raw[offset:]
	if i := strings.IndexByte(rest, '&'); i >= 0 {
		return rest[:i], offset + i
	}
	return rest, len(raw)
}

// lookup searches raw from offset for name at a parameter boundary and
// decodes its value into dst. It returns the decoded length, or 0 when the
// parameter is missing or its raw value does not fit in dst.
func lookup(raw string, offset int, name string, dst []byte) int {
	for offset < len(raw) {
		i := strings.Index(raw[offset:], name)
		if i < 0 {
			return 0
		}

		start := offset + i
		if start > 0 && raw[start-1] != '&' {
			offset = start + len(name)
			continue
		}

		value, _ := valueAt(raw, start+len(name))
		if len(value) > len(dst) {
			return 0
		}
		return decodeInto(dst, value)
	}
	return 0
}
