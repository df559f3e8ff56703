package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"thumbgate/internal/integrity"
	"thumbgate/internal/query"
	"thumbgate/internal/store"
	"thumbgate/internal/transform"
)

// Server serves objects from the configured store, resizing and
// watermarking images on request.
type Server struct {
	Config   Config
	pipeline *transform.Pipeline
}

// NewServer validates cfg and returns a new Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Stores == nil {
		return nil, errors.New("an object store must be configured")
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = integrity.DefaultChunkSize
	}

	if cfg.ContentType == "" {
		cfg.ContentType = DefaultContentType
	}

	return &Server{
		Config:   cfg,
		pipeline: transform.New(cfg.WatermarkFile),
	}, nil
}

// handleImage implements GET/HEAD ?filename=<key>[&zoom=WxH][&quality=N][&watermark=1].
func (s *Server) handleImage(ctx context.Context, w http.ResponseWriter, r *http.Request) {

	// Objects never change once written, so any conditional request is
	// answered without touching the store.
	if r.Header.Get("If-Modified-Since") != "" {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	var params query.Params
	if err := query.Parse(r.URL.RawQuery, &params); err != nil {
		slog.Warn("Rejected request", "query", r.URL.RawQuery, "err", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	key := params.Key()
	log := slog.With("key", key)

	entry := requestLogEntry(ctx)
	entry.ObjectKey = key

	payload, err := s.fetch(ctx, key)
	switch {
	case errors.Is(err, store.ErrUnavailable):
		log.Error("Object store unavailable", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	case errors.Is(err, store.ErrNotFound):
		log.Info("Object not found", "err", err)
		w.WriteHeader(http.StatusNotFound)
		return
	case err != nil:
		// Corrupt and unreadable objects look exactly like missing ones
		// to the client.
		log.Error("Object fetch failed", "err", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	entry.OriginalBytes = len(payload)
	entry.Transform = transform.Unchanged.String()

	body := payload
	if params.WantsTransform() {
		out := s.pipeline.Apply(payload, &params)
		entry.Transform = out.Kind.String()
		if out.Kind == transform.Failed {
			log.Warn("Image transform failed, serving original",
				"zoom", params.Zoom(), "quality", params.Quality(), "watermark", params.Watermark(), "err", out.Err)
		}
		body = Assemble(payload, out)
	}

	log.Debug("Serving object", "original_size", len(payload), "size", len(body))
	s.writeImage(w, r, body)
}

// fetch opens key, reads it in full and verifies its checksum. The handle is
// closed on every path.
func (s *Server) fetch(ctx context.Context, key string) ([]byte, error) {
	st, err := s.Config.Stores.Get(ctx)
	if err != nil {
		return nil, err
	}

	h, err := st.Open(ctx, key)
	if err != nil {
		return nil, err
	}

	meta, err := h.Stat()
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	payload, err := integrity.ReadVerified(h, meta, s.Config.ChunkSize)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	if err := h.Close(); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}

	return payload, nil
}

// writeImage sends body with the configured content type. HEAD requests get
// the headers only.
func (s *Server) writeImage(w http.ResponseWriter, r *http.Request, body []byte) {
	w.Header().Set("Content-Type", s.Config.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	if _, err := w.Write(body); err != nil {
		slog.Error("Failed to write response body", "err", err)
	}
}
