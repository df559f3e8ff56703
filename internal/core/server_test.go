package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"thumbgate/internal/auth"
	"thumbgate/internal/query"
	"thumbgate/internal/store"

	"github.com/klauspost/crc32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data     []byte
	meta     store.Metadata
	statErr  error
	readErr  error
	closeErr error
}

// fakeStore is an in-memory store that records how it was used.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string]*fakeObject
	opens    int
	open     int
	maxChunk int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]*fakeObject{}}
}

func (s *fakeStore) put(key string, data []byte) *fakeObject {
	obj := &fakeObject{
		data: data,
		meta: store.Metadata{Size: int64(len(data)), Checksum: crc32.ChecksumIEEE(data)},
	}
	s.objects[key] = obj
	return obj
}

func (s *fakeStore) Open(ctx context.Context, key string) (store.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++
	obj, ok := s.objects[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	s.open++
	return &fakeHandle{store: s, obj: obj, r: bytes.NewReader(obj.data)}, nil
}

func (s *fakeStore) stats() (opens int, open int, maxChunk int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.open, s.maxChunk
}

type fakeHandle struct {
	store *fakeStore
	obj   *fakeObject
	r     *bytes.Reader
}

func (h *fakeHandle) Stat() (store.Metadata, error) {
	if h.obj.statErr != nil {
		return store.Metadata{}, h.obj.statErr
	}
	return h.obj.meta, nil
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	h.store.mu.Lock()
	h.store.maxChunk = max(h.store.maxChunk, len(p))
	h.store.mu.Unlock()

	if h.obj.readErr != nil {
		return 0, h.obj.readErr
	}
	return h.r.Read(p)
}

func (h *fakeHandle) Close() error {
	h.store.mu.Lock()
	h.store.open--
	h.store.mu.Unlock()
	return h.obj.closeErr
}

// newTestServer creates a Server from opts and wraps it in an httptest server.
func newTestServer(t *testing.T, opts ...ConfigOption) *httptest.Server {
	t.Helper()

	srv, err := NewServer(NewConfig(opts...))
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	return httpSrv
}

func get(t *testing.T, httpSrv *httptest.Server, method string, target string, header http.Header) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, httpSrv.URL+target, nil)
	require.NoError(t, err, "creating request")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := httpSrv.Client().Do(req)
	require.NoError(t, err, "request error")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "reading body")
	return resp, body
}

func randomBytes(n int) []byte {
	rng := rand.New(rand.NewPCG(uint64(n), 7))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rng.IntN(256))
	}
	return b
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func noisyGrayPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewGray(image.Rect(0, 0, w, h))
	copy(img.Pix, randomBytes(len(img.Pix)))

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestServeOriginal(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	payload := randomBytes(1000)
	st.put("a.jpg", payload)

	httpSrv := newTestServer(t, WithStore(st))

	resp, body := get(t, httpSrv, http.MethodGet, "/?filename=a.jpg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	require.Equal(t, "1000", resp.Header.Get("Content-Length"))
	require.Equal(t, payload, body)

	opens, open, _ := st.stats()
	require.Equal(t, 1, opens)
	require.Zero(t, open, "handle must be closed")
}

func TestServeOnGetPath(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	payload := randomBytes(10)
	st.put("dir/my photo.jpg", payload)

	httpSrv := newTestServer(t, WithStore(st))

	for _, target := range []string{"/get?filename=dir%2Fmy%20photo.jpg", "/get/?filename=dir/my%20photo.jpg"} {
		resp, body := get(t, httpSrv, http.MethodGet, target, nil)
		require.Equalf(t, http.StatusOK, resp.StatusCode, "GET %s", target)
		require.Equal(t, payload, body)
	}
}

func TestServeResized(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	payload := testJPEG(t, 400, 300)
	st.put("a.jpg", payload)

	httpSrv := newTestServer(t, WithStore(st))

	resp, body := get(t, httpSrv, http.MethodGet, "/?filename=a.jpg&zoom=100x100&quality=80", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Less(t, len(body), len(payload))
	require.Equal(t, strconv.Itoa(len(body)), resp.Header.Get("Content-Length"))

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Width)
	require.Equal(t, 75, cfg.Height)
}

func TestServeOriginalWhenResizeGrows(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	payload := noisyGrayPNG(t, 64, 64)
	st.put("a.png", payload)

	httpSrv := newTestServer(t, WithStore(st))

	resp, body := get(t, httpSrv, http.MethodGet, "/?filename=a.png&zoom=64x64&quality=80", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, payload, body)
	require.Equal(t, strconv.Itoa(len(payload)), resp.Header.Get("Content-Length"))
}

func TestServeOriginalWhenTransformFails(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	payload := randomBytes(1000)
	st.put("a.jpg", payload)

	httpSrv := newTestServer(t, WithStore(st))

	for _, target := range []string{
		"/?filename=a.jpg&zoom=100x100",
		"/?filename=a.jpg&watermark=1",
		"/?filename=a.jpg&zoom=bogus",
	} {
		resp, body := get(t, httpSrv, http.MethodGet, target, nil)
		require.Equalf(t, http.StatusOK, resp.StatusCode, "GET %s", target)
		require.Equal(t, payload, body)
		require.Equal(t, "1000", resp.Header.Get("Content-Length"))
	}
}

func TestServeNotFound(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	httpSrv := newTestServer(t, WithStore(st))

	resp, body := get(t, httpSrv, http.MethodGet, "/?filename=missing.jpg", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Empty(t, body)
}

func TestServeFailuresLookLikeNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(obj *fakeObject)
	}{
		{name: "checksum mismatch", mutate: func(obj *fakeObject) { obj.meta.Checksum ^= 0xffff }},
		{name: "size larger than payload", mutate: func(obj *fakeObject) { obj.meta.Size += 10 }},
		{name: "empty object", mutate: func(obj *fakeObject) { obj.meta.Size = 0 }},
		{name: "stat error", mutate: func(obj *fakeObject) { obj.statErr = errors.New("stat failed") }},
		{name: "read error", mutate: func(obj *fakeObject) { obj.readErr = errors.New("connection reset") }},
		{name: "close error", mutate: func(obj *fakeObject) { obj.closeErr = errors.New("close failed") }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			tc.mutate(st.put("a.jpg", randomBytes(1000)))

			httpSrv := newTestServer(t, WithStore(st))

			resp, body := get(t, httpSrv, http.MethodGet, "/?filename=a.jpg", nil)
			require.Equal(t, http.StatusNotFound, resp.StatusCode)
			require.Empty(t, body)

			_, open, _ := st.stats()
			require.Zero(t, open, "handle must be closed")
		})
	}
}

func TestServeMalformedRequest(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.put("a.jpg", randomBytes(10))
	httpSrv := newTestServer(t, WithStore(st))

	for _, target := range []string{"/", "/?zoom=10x10&filename=a.jpg", "/?filename=", "/?name=a.jpg"} {
		resp, body := get(t, httpSrv, http.MethodGet, target, nil)
		require.Equalf(t, http.StatusBadRequest, resp.StatusCode, "GET %s", target)
		require.Empty(t, body)
	}

	opens, _, _ := st.stats()
	require.Zero(t, opens, "store must not be touched")
}

func TestServeNotModified(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.put("a.jpg", randomBytes(10))
	httpSrv := newTestServer(t, WithStore(st))

	header := http.Header{"If-Modified-Since": {"Sat, 01 Jan 2000 00:00:00 GMT"}}
	resp, body := get(t, httpSrv, http.MethodGet, "/?filename=a.jpg", header)
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
	require.Empty(t, body)

	opens, _, _ := st.stats()
	require.Zero(t, opens, "store must not be touched")
}

func TestServeHead(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.put("a.jpg", randomBytes(1000))
	httpSrv := newTestServer(t, WithStore(st))

	resp, body := get(t, httpSrv, http.MethodHead, "/?filename=a.jpg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	require.Equal(t, int64(1000), resp.ContentLength)
	require.Empty(t, body)
}

func TestServeRejectsOtherMethods(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.put("a.jpg", randomBytes(10))
	httpSrv := newTestServer(t, WithStore(st))

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		resp, _ := get(t, httpSrv, method, "/?filename=a.jpg", nil)
		require.Equalf(t, http.StatusMethodNotAllowed, resp.StatusCode, "%s status", method)
		require.Equal(t, "GET, HEAD", resp.Header.Get("Allow"))
	}

	opens, _, _ := st.stats()
	require.Zero(t, opens, "store must not be touched")
}

func TestServeHonoursChunkSize(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	payload := randomBytes(5000)
	st.put("a.bin", payload)
	httpSrv := newTestServer(t, WithStore(st), WithChunkSize(256))

	resp, body := get(t, httpSrv, http.MethodGet, "/?filename=a.bin", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, payload, body)

	_, _, maxChunk := st.stats()
	require.Equal(t, 256, maxChunk)
}

func TestServeCustomContentType(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.put("a.png", randomBytes(10))
	httpSrv := newTestServer(t, WithStore(st), WithContentType("image/png"))

	resp, _ := get(t, httpSrv, http.MethodGet, "/?filename=a.png", nil)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestServeRetriesUnavailableStore(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	payload := randomBytes(10)
	st.put("a.jpg", payload)

	var (
		mu    sync.Mutex
		dials int
	)
	httpSrv := newTestServer(t, WithStoreDialer(func(ctx context.Context) (store.Store, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return nil, errors.New("connection refused")
		}
		return st, nil
	}))

	resp, body := get(t, httpSrv, http.MethodGet, "/?filename=a.jpg", nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Empty(t, body)

	resp, body = get(t, httpSrv, http.MethodGet, "/?filename=a.jpg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, payload, body)
}

func TestServeConcurrentRequests(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	payload := testJPEG(t, 200, 200)
	st.put("a.jpg", payload)
	httpSrv := newTestServer(t, WithStore(st))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			target := "/?filename=a.jpg"
			if i%2 == 0 {
				target += "&zoom=50x50"
			}

			resp, err := httpSrv.Client().Get(httpSrv.URL + target)
			if !assert.NoError(t, err, "GET %s", target) {
				return
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			assert.Equal(t, http.StatusOK, resp.StatusCode, "GET %s", target)
		}()
	}
	wg.Wait()

	_, open, _ := st.stats()
	require.Zero(t, open, "every handle must be closed")
}

func TestPreviewPage(t *testing.T) {
	t.Parallel()

	httpSrv := newTestServer(t, WithStore(newFakeStore()), WithWatermarkFile("/etc/mark.png"))

	resp, body := get(t, httpSrv, http.MethodGet, "/preview?filename=my%20photo.jpg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	page := string(body)
	require.Contains(t, page, "<h1>my photo.jpg</h1>")
	require.Contains(t, page, `src="/get?filename=my%20photo.jpg"`)
	require.Contains(t, page, `src="/get?filename=my%20photo.jpg&amp;zoom=200x200"`)
	require.Contains(t, page, "Watermarked")

	resp, _ = get(t, httpSrv, http.MethodGet, "/preview", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPreviewLinksUseMinimalEscaping(t *testing.T) {
	t.Parallel()

	httpSrv := newTestServer(t, WithStore(newFakeStore()))

	resp, body := get(t, httpSrv, http.MethodGet, "/preview?filename=dir/a%26b+c%25.jpg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `src="/get?filename=dir/a%26b+c%25.jpg"`)
}

func TestPreviewOmitsLinksForKeysTooLongOnceEscaped(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	httpSrv := newTestServer(t, WithStore(st))

	// 400 raw bytes fit the key bound; escaped they take 1200.
	key := strings.Repeat("<", 400)
	resp, body := get(t, httpSrv, http.MethodGet, "/preview?filename="+key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotContains(t, string(body), "/get?filename=")
	require.Contains(t, string(body), "No renditions")

	// Every link the page does emit must be accepted by the image endpoint.
	key = strings.Repeat("<", query.MaxKeyLen/3)
	st.put(key, randomBytes(10))
	resp, body = get(t, httpSrv, http.MethodGet, "/preview?filename="+key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	escaped := escapeQueryValue(key)
	require.Len(t, escaped, 3*(query.MaxKeyLen/3))
	require.Contains(t, string(body), html.EscapeString("/get?filename="+escaped))

	resp, _ = get(t, httpSrv, http.MethodGet, "/get?filename="+escaped, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPreviewPageRequiresAuth(t *testing.T) {
	t.Parallel()

	engine, err := auth.NewBasicAuthEngine("operator", "secret")
	require.NoError(t, err)

	st := newFakeStore()
	st.put("a.jpg", randomBytes(10))
	httpSrv := newTestServer(t, WithStore(st), WithPreviewAuth(engine))

	resp, _ := get(t, httpSrv, http.MethodGet, "/preview?filename=a.jpg", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("operator", "secret")
	resp, _ = get(t, httpSrv, http.MethodGet, "/preview?filename=a.jpg", http.Header{"Authorization": {req.Header.Get("Authorization")}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Images stay public.
	resp, _ = get(t, httpSrv, http.MethodGet, "/?filename=a.jpg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestLogRecordsObject(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.put("a.jpg", testJPEG(t, 400, 300))

	srv, err := NewServer(NewConfig(WithStore(st)))
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := logRequests(func() *slog.Logger { return logger }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.handleImage(r.Context(), w, r)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?filename=a.jpg&zoom=100x100", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var line struct {
		Request struct {
			StatusCode int `json:"status_code"`
			Bytes      int `json:"bytes"`
		} `json:"request"`
		Object struct {
			Key           string `json:"key"`
			OriginalBytes int    `json:"original_bytes"`
			Transform     string `json:"transform"`
		} `json:"object"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	require.Equal(t, http.StatusOK, line.Request.StatusCode)
	require.Equal(t, rec.Body.Len(), line.Request.Bytes)
	require.Equal(t, "a.jpg", line.Object.Key)
	require.Equal(t, len(st.objects["a.jpg"].data), line.Object.OriginalBytes)
	require.Equal(t, "replaced", line.Object.Transform)
}

func TestRequestLogOmitsObjectForRejectedQuery(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	srv, err := NewServer(NewConfig(WithStore(newFakeStore())))
	require.NoError(t, err)

	handler := logRequests(func() *slog.Logger { return logger }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.handleImage(r.Context(), w, r)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?zoom=1", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Contains(t, line, "request")
	require.NotContains(t, line, "object")
}

func TestNewServerRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := NewServer(NewConfig())
	require.Error(t, err)
}

func TestNewConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()
	require.Equal(t, DefaultContentType, cfg.ContentType)
	require.Positive(t, cfg.ChunkSize)
	require.Empty(t, cfg.WatermarkFile)

	srv, err := NewServer(Config{Stores: store.StaticProvider(newFakeStore())})
	require.NoError(t, err)
	require.Equal(t, DefaultContentType, srv.Config.ContentType)
	require.Positive(t, srv.Config.ChunkSize)
}
