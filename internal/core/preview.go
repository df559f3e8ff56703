package core

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"thumbgate/internal/query"
	"thumbgate/internal/ui"
)

var previewZooms = []struct {
	label string
	args  string
}{
	{label: "800x800", args: "&zoom=800x800"},
	{label: "400x400, quality 80", args: "&zoom=400x400&quality=80"},
	{label: "200x200", args: "&zoom=200x200"},
	{label: "100x100!", args: "&zoom=100x100%21"},
}

// handlePreview renders an HTML page showing an object next to a few of its
// transformed variants, all fetched through the image endpoint.
func (s *Server) handlePreview(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	var params query.Params
	if err := query.Parse(r.URL.RawQuery, &params); err != nil {
		http.Error(w, "filename must be the first query parameter", http.StatusBadRequest)
		return
	}

	key := params.Key()
	escaped := escapeQueryValue(key)

	// The image endpoint bounds the raw, still-escaped key, so a key that
	// only fits decoded cannot be linked.
	var variants []ui.Variant
	if len(escaped) <= query.MaxKeyLen {
		base := "/get?filename=" + escaped

		variants = append(variants, ui.Variant{Label: "Original", URL: base})
		for _, z := range previewZooms {
			variants = append(variants, ui.Variant{Label: z.label, URL: base + z.args})
		}
		if s.Config.WatermarkFile != "" {
			variants = append(variants, ui.Variant{Label: "Watermarked", URL: base + "&watermark=1"})
		}
	} else {
		slog.Warn("Key too long to link from the preview page", "key", key, "escaped_len", len(escaped))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ui.PreviewPage(key, variants).Render(ctx, w); err != nil {
		slog.Error("Failed to render preview page", "key", key, "err", err)
	}
}

// escapeQueryValue percent-encodes only the bytes of v that would end the
// value early or that a browser rewrites itself, keeping the raw key as
// short as possible. '+' is left alone: the image endpoint never reads it as
// a space.
func escapeQueryValue(v string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if shouldEscape(c) {
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func shouldEscape(c byte) bool {
	if c <= ' ' || c >= 0x7f {
		return true
	}
	switch c {
	case '%', '&', '#', '"', '\'', '<', '>':
		return true
	}
	return false
}
