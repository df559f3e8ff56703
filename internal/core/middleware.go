package core

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"thumbgate/internal/auth"
	"time"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
	WrittenBytes        int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.WrittenResponseCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.WrittenBytes += n
	return n, err
}

type LogEntry struct {
	IP         string
	Method     string
	URL        string
	Proto      string
	DurationMS float64
	StatusCode int
	Bytes      int

	// Set by the image handler once the request names an object.
	ObjectKey     string
	OriginalBytes int
	Transform     string
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
		"bytes", e.Bytes,
	)
}

func (e LogEntry) Object() slog.Attr {
	return slog.Group("object",
		"key", e.ObjectKey,
		"original_bytes", e.OriginalBytes,
		"transform", e.Transform,
	)
}

type logEntryKey struct{}

// requestLogEntry returns the entry LogRequest will write for the request
// carrying ctx. Outside LogRequest it returns a throwaway entry.
func requestLogEntry(ctx context.Context) *LogEntry {
	if entry, ok := ctx.Value(logEntryKey{}).(*LogEntry); ok {
		return entry
	}
	return &LogEntry{}
}

// LogRequest is middleware that logs incoming HTTP requests.
func LogRequest(next http.Handler) http.Handler {
	return logRequests(slog.Default, next)
}

func logRequests(logger func() *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := &LogEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.String(),
			Proto:  r.Proto,
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(&writer, r.WithContext(context.WithValue(r.Context(), logEntryKey{}, entry)))
		elapsed := time.Since(start).Nanoseconds()

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode
		entry.Bytes = writer.WrittenBytes

		attrs := []any{entry.User(), entry.Request()}
		if entry.ObjectKey != "" {
			attrs = append(attrs, entry.Object())
		}

		log := logger()
		switch {
		case writer.WrittenResponseCode >= 500:
			log.Error("Request", attrs...)
		case writer.WrittenResponseCode >= 400:
			log.Warn("Request", attrs...)
		default:
			log.Info("Request", attrs...)
		}
	})
}

// RequireAuthentication is middleware that rejects requests engine does not
// accept. A nil engine lets every request through.
func RequireAuthentication(engine auth.AuthEngine, next http.Handler) http.Handler {
	if engine == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := engine.AuthenticateRequest(r.Context(), r)
		if err != nil {
			slog.Error("Authentication failed", "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="thumbgate", charset="UTF-8"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Replace all occurrences of "//" with "/" in the URL path
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
