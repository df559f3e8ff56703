package query

import "strconv"

// Bounds on the raw (still percent-encoded) length of each recognised value.
const (
	MaxKeyLen       = 1024
	MaxZoomLen      = 64
	MaxQualityLen   = 10
	MaxWatermarkLen = 6
)

// Params holds the values extracted from one request's query string. The
// values live in fixed-size arrays so a Params can sit on the caller's stack
// and parsing never allocates in proportion to the input.
type Params struct {
	key          [MaxKeyLen]byte
	keyLen       int
	zoom         [MaxZoomLen]byte
	zoomLen      int
	quality      [MaxQualityLen]byte
	qualityLen   int
	watermark    [MaxWatermarkLen]byte
	watermarkLen int
}

// Key returns the decoded object key. It is never empty after a successful
// Parse.
func (p *Params) Key() string {
	return string(p.key[:p.keyLen])
}

// Zoom returns the decoded zoom geometry, or "" when none was requested.
func (p *Params) Zoom() string {
	return string(p.zoom[:p.zoomLen])
}

// Quality returns the raw decoded quality value, or "" when absent.
func (p *Params) Quality() string {
	return string(p.quality[:p.qualityLen])
}

// QualityValue returns the requested encoder quality clamped to [50, 98].
// A present but unparsable value yields 75. ok is false when no quality was
// supplied at all.
func (p *Params) QualityValue() (q int, ok bool) {
	if p.qualityLen == 0 {
		return 0, false
	}

	q, err := strconv.Atoi(leadingDigits(p.quality[:p.qualityLen]))
	if err != nil {
		q = 75
	}

	return min(max(q, 50), 98), true
}

// Watermark reports whether a watermark overlay was requested.
func (p *Params) Watermark() bool {
	return p.watermarkLen > 0
}

// WantsTransform reports whether any image transform was requested.
func (p *Params) WantsTransform() bool {
	return p.zoomLen > 0 || p.watermarkLen > 0
}

// leadingDigits returns the optional sign and the run of decimal digits at
// the start of b, so "80abc" reads as 80 the way scanf would.
func leadingDigits(b []byte) string {
	i := 0
	if i < len(b) && (b[i] == '-' || b[i] == '+') {
		i++
	}
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	return string(b[:i])
}
