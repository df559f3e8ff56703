// Package transform applies the optional watermark and resize requested for
// an image and decides whether the result may replace the original payload.
//
// Transforms are best effort. Every failure, including a panic inside a
// codec, is reported as a Failed outcome and the caller serves the original
// bytes instead.
package transform

import (
	"errors"
	"fmt"
	"image"
	"os"
	"thumbgate/internal/query"

	"golang.org/x/image/draw"
)

var (
	ErrDecode         = errors.New("decode image")
	ErrWatermark      = errors.New("apply watermark")
	ErrGeometry       = errors.New("invalid zoom geometry")
	ErrEncode         = errors.New("encode image")
	ErrEmptyOutput    = errors.New("transform produced no data")
	ErrSizeRegression = errors.New("resized image is larger than the original")
)

// Kind tags an Outcome.
type Kind int

const (
	// Unchanged means no transform was requested.
	Unchanged Kind = iota
	// Replaced means Data should be served instead of the original.
	Replaced
	// Failed means the transform was abandoned; Err says why.
	Failed
)

func (k Kind) String() string {
	switch k {
	case Unchanged:
		return "unchanged"
	case Replaced:
		return "replaced"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Outcome is the result of running the pipeline over one payload.
type Outcome struct {
	Kind Kind
	Data []byte
	Err  error
}

// Pipeline transforms image payloads. It holds only read-only configuration
// and is safe for concurrent use.
type Pipeline struct {
	watermarkFile string
}

// New creates a Pipeline. An empty watermarkFile disables watermarking even
// when a request asks for it.
func New(watermarkFile string) *Pipeline {
	return &Pipeline{watermarkFile: watermarkFile}
}

// Apply runs the transforms params asks for over payload.
//
// A resized result is only accepted when it is no larger than payload.
// Watermark-only results may grow.
func (p *Pipeline) Apply(payload []byte, params *query.Params) Outcome {
	if !params.WantsTransform() {
		return Outcome{Kind: Unchanged}
	}

	data, err := p.run(payload, params)
	switch {
	case err != nil:
		return Outcome{Kind: Failed, Err: err}
	case len(data) == 0:
		return Outcome{Kind: Failed, Err: ErrEmptyOutput}
	case params.Zoom() != "" && len(data) > len(payload):
		return Outcome{Kind: Failed, Err: fmt.Errorf("%w: %d > %d bytes", ErrSizeRegression, len(data), len(payload))}
	}

	return Outcome{Kind: Replaced, Data: data}
}

func (p *Pipeline) run(payload []byte, params *query.Params) (data []byte, err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			data = nil
			err = fmt.Errorf("image transform panicked: %v", rvr)
		}
	}()

	img, format, err := decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if params.Watermark() && p.watermarkFile != "" {
		mark, err := loadWatermark(p.watermarkFile)
		if err != nil {
			return nil, err
		}
		img = overlay(img, mark)
	}

	quality := 0
	if zoom := params.Zoom(); zoom != "" {
		geo, err := ParseGeometry(zoom)
		if err != nil {
			return nil, err
		}

		if size, ok := geo.Fit(img.Bounds().Size()); ok {
			if q, ok := params.QualityValue(); ok {
				img = resize(img, size, draw.CatmullRom)
				quality = q
			} else {
				img = resize(img, size, draw.ApproxBiLinear)
			}
		}
	}

	data, err = encode(img, format, quality)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return data, nil
}

func loadWatermark(path string) (image.Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWatermark, err)
	}

	mark, _, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrWatermark, path, err)
	}
	return mark, nil
}

// overlay draws mark over img anchored at the bottom-right corner. Parts of
// mark that fall outside img are clipped.
func overlay(img image.Image, mark image.Image) image.Image {
	b := img.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, img, b.Min, draw.Src)

	r := image.Rectangle{Min: b.Max.Sub(mark.Bounds().Size()), Max: b.Max}
	draw.Draw(canvas, r, mark, mark.Bounds().Min, draw.Over)
	return canvas
}

func resize(img image.Image, size image.Point, scaler draw.Interpolator) image.Image {
	dst := image.NewRGBA(image.Rectangle{Max: size})
	scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
