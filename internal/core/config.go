package core

import (
	"thumbgate/internal/auth"
	"thumbgate/internal/integrity"
	"thumbgate/internal/store"
)

// DefaultContentType is sent with every image response regardless of the
// encoded format.
const DefaultContentType = "image/jpeg"

type Config struct {
	// Stores hands out the shared object store client.
	Stores *store.Provider
	// ChunkSize bounds each read request issued to the store.
	ChunkSize int
	// WatermarkFile is the image overlaid when a request asks for a
	// watermark. Empty disables watermarking.
	WatermarkFile string
	// ContentType is the media type of every image response.
	ContentType string
	// PreviewAuth guards the preview page. Nil leaves it open.
	PreviewAuth auth.AuthEngine
}

type ConfigOption func(*Config)

// WithStore serves objects from an already connected store.
func WithStore(s store.Store) ConfigOption {
	return func(cfg *Config) {
		cfg.Stores = store.StaticProvider(s)
	}
}

// WithStoreDialer connects to the store on first use, retrying on later
// requests if a connection attempt fails.
func WithStoreDialer(dial store.Dialer) ConfigOption {
	return func(cfg *Config) {
		cfg.Stores = store.NewProvider(dial)
	}
}

func WithChunkSize(size int) ConfigOption {
	return func(cfg *Config) {
		cfg.ChunkSize = size
	}
}

func WithWatermarkFile(path string) ConfigOption {
	return func(cfg *Config) {
		cfg.WatermarkFile = path
	}
}

func WithContentType(contentType string) ConfigOption {
	return func(cfg *Config) {
		cfg.ContentType = contentType
	}
}

// WithPreviewAuth requires engine to accept every preview page request.
func WithPreviewAuth(engine auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.PreviewAuth = engine
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		ChunkSize:   integrity.DefaultChunkSize,
		ContentType: DefaultContentType,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
