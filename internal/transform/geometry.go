package transform

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"
)

// Geometry is a parsed zoom request. A zero dimension keeps the source's
// size on that axis.
type Geometry struct {
	Width  int
	Height int
	// Exact disables aspect-ratio preservation ("WxH!").
	Exact bool
}

// ParseGeometry parses "W", "WxH", "Wx", "xH", each optionally followed by
// "!". At least one dimension must be given.
func ParseGeometry(raw string) (Geometry, error) {
	var g Geometry

	s := strings.TrimSpace(raw)
	if rest, ok := strings.CutSuffix(s, "!"); ok {
		g.Exact = true
		s = rest
	}

	w, h, _ := strings.Cut(strings.ToLower(s), "x")
	if w == "" && h == "" {
		return Geometry{}, fmt.Errorf("%w: %q has no dimensions", ErrGeometry, raw)
	}

	var err error
	if g.Width, err = parseDimension(w); err != nil {
		return Geometry{}, fmt.Errorf("%w: %q: %w", ErrGeometry, raw, err)
	}
	if g.Height, err = parseDimension(h); err != nil {
		return Geometry{}, fmt.Errorf("%w: %q: %w", ErrGeometry, raw, err)
	}

	return g, nil
}

func parseDimension(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid dimension %q", s)
		}
	}
	return strconv.Atoi(s)
}

// Fit returns the output size for an image of size src. ok is false when
// the requested box exceeds the source on either axis: images are never
// enlarged.
func (g Geometry) Fit(src image.Point) (size image.Point, ok bool) {
	w, h := g.Width, g.Height
	if w == 0 {
		w = src.X
	}
	if h == 0 {
		h = src.Y
	}

	if w > src.X || h > src.Y || src.X <= 0 || src.Y <= 0 {
		return src, false
	}

	if g.Exact {
		return image.Pt(w, h), true
	}

	scale := math.Min(float64(w)/float64(src.X), float64(h)/float64(src.Y))
	size = image.Pt(
		max(1, int(math.Round(float64(src.X)*scale))),
		max(1, int(math.Round(float64(src.Y)*scale))),
	)
	return size, true
}
