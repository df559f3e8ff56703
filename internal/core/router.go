package core

import (
	"net/http"
)

// Handler returns the http.Handler serving images and the preview page.
// GET routes also answer HEAD; any other method gets 405.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleImage(ctx, w, r)
	})
	mux.HandleFunc("GET /get", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handleImage(ctx, w, r)
	})
	mux.Handle("GET /preview", RequireAuthentication(s.Config.PreviewAuth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.handlePreview(ctx, w, r)
	})))

	// Add middleware
	handler := SlashFix(mux)
	handler = LogRequest(handler)
	handler = Recoverer(handler)
	return handler
}
