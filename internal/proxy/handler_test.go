package proxy

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gen2brain/avif"
	"golang.org/x/image/webp"

	"github.com/sydlexius/mediaproxy/internal/codec"
	"github.com/sydlexius/mediaproxy/internal/config"
	"github.com/sydlexius/mediaproxy/internal/fetch"
	mpimage "github.com/sydlexius/mediaproxy/internal/image"
	"github.com/sydlexius/mediaproxy/internal/netguard"
	"github.com/sydlexius/mediaproxy/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHandler builds a Handler that may reach loopback upstreams.
func newTestHandler(t *testing.T, mutate func(*Deps)) *Handler {
	t.Helper()
	guard := netguard.New(netguard.Policy{
		Allowed: []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8"), netip.MustParsePrefix("::1/128")},
	}, nil)
	client, err := fetch.New(fetch.Options{Timeout: 5 * time.Second, UserAgent: "mediaproxy-test"}, guard)
	if err != nil {
		t.Fatal(err)
	}
	pool := pipeline.NewPool(pipeline.PoolOptions{Concurrency: 2, QueueSize: 8, InflightBytes: 64 << 20}, discardLogger())
	t.Cleanup(pool.Stop)

	deps := Deps{
		Guard:  guard,
		Client: client,
		Pool:   pool,
		Transcoder: pipeline.NewTranscoder(pipeline.Options{
			Filter:    mpimage.FilterTriangle,
			MaxPixels: 2048,
			Limits:    codec.Limits{MaxPixels: 100_000_000, MaxFrames: 64},
			Encode:    mpimage.EncodeOptions{WebPQuality: 75, AVIFQuality: 60, AVIFSpeed: 10},
		}, nil, discardLogger()),
		Headers: []config.Header{{Name: "Access-Control-Allow-Origin", Value: "*"}},
		MaxSize: 1 << 20,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps)
}

func serve(h http.Handler, query string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/proxy/image.webp?"+query, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func proxyQuery(target string, flags ...string) string {
	q := url.Values{"url": {target}}
	for _, f := range flags {
		q.Set(f, "")
	}
	return q.Encode()
}

func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test png: %v", err)
	}
	return buf.Bytes()
}

// upstream serves body with the given headers on every path.
func upstream(t *testing.T, status int, header http.Header, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, vs := range header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestServeHTTP_TranscodesImage(t *testing.T) {
	src := upstream(t, http.StatusOK, http.Header{
		"Content-Type":        {"image/png"},
		"Content-Disposition": {`attachment; filename="cat.png"`},
	}, makePNG(t, 300, 200))

	w := serve(newTestHandler(t, nil), proxyQuery(src.URL+"/img/cat.png", "preview"), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (X-Proxy-Error %q)", w.Code, w.Header().Get("X-Proxy-Error"))
	}
	hdr := w.Header()
	if got := hdr.Get("Content-Type"); got != "image/webp" {
		t.Errorf("Content-Type = %q, want image/webp", got)
	}
	if got := hdr.Get("Cache-Control"); got != cacheImmutable {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := hdr.Get("X-Remote-Url"); got != src.URL+"/img/cat.png" {
		t.Errorf("X-Remote-Url = %q", got)
	}
	if got := hdr.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("injected header missing, got %q", got)
	}
	if hdr.Get("Vary") != "" {
		t.Errorf("Vary set with AVIF disabled: %q", hdr.Get("Vary"))
	}
	if !strings.HasPrefix(hdr.Get("ETag"), `W/"`) {
		t.Errorf("ETag = %q, want weak validator", hdr.Get("ETag"))
	}
	if got := hdr.Get("Content-Length"); got != strconv.Itoa(w.Body.Len()) {
		t.Errorf("Content-Length = %q, body is %d bytes", got, w.Body.Len())
	}

	_, params, err := mime.ParseMediaType(hdr.Get("Content-Disposition"))
	if err != nil || params["filename"] != "cat.webp" {
		t.Errorf("Content-Disposition = %q, want filename cat.webp", hdr.Get("Content-Disposition"))
	}

	cfg, err := webp.DecodeConfig(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("body is not webp: %v", err)
	}
	if cfg.Width != 200 || cfg.Height != 133 {
		t.Errorf("preview is %dx%d, want 200x133", cfg.Width, cfg.Height)
	}
}

func TestServeHTTP_IfNoneMatch(t *testing.T) {
	src := upstream(t, http.StatusOK, http.Header{"Content-Type": {"image/png"}}, makePNG(t, 16, 16))
	h := newTestHandler(t, nil)
	q := proxyQuery(src.URL + "/a.png")

	first := serve(h, q, nil)
	tag := first.Header().Get("ETag")
	if tag == "" {
		t.Fatal("no ETag on first response")
	}

	second := serve(h, q, http.Header{"If-None-Match": {tag}})
	if second.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", second.Code)
	}
	if second.Body.Len() != 0 {
		t.Errorf("304 carried %d body bytes", second.Body.Len())
	}
}

func TestServeHTTP_AVIFNegotiation(t *testing.T) {
	src := upstream(t, http.StatusOK, http.Header{"Content-Type": {"image/png"}}, makePNG(t, 32, 32))
	h := newTestHandler(t, func(d *Deps) { d.AVIF = true })
	h.transcoder = pipeline.NewTranscoder(pipeline.Options{
		Filter:      mpimage.FilterTriangle,
		MaxPixels:   2048,
		Limits:      codec.Limits{MaxPixels: 100_000_000, MaxFrames: 64},
		Encode:      mpimage.EncodeOptions{WebPQuality: 75, AVIFQuality: 60, AVIFSpeed: 10},
		AVIFEnabled: true,
	}, nil, discardLogger())

	w := serve(h, proxyQuery(src.URL+"/a.png"), http.Header{"Accept": {"image/avif,image/webp,*/*;q=0.8"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (X-Proxy-Error %q)", w.Code, w.Header().Get("X-Proxy-Error"))
	}
	if got := w.Header().Get("Content-Type"); got != "image/avif" {
		t.Errorf("Content-Type = %q, want image/avif", got)
	}
	if got := w.Header().Get("Vary"); got != "Accept, Range" {
		t.Errorf("Vary = %q", got)
	}
	if _, err := avif.DecodeConfig(bytes.NewReader(w.Body.Bytes())); err != nil {
		t.Errorf("body is not avif: %v", err)
	}

	w = serve(h, proxyQuery(src.URL+"/a.png"), http.Header{"Accept": {"image/webp"}})
	if got := w.Header().Get("Content-Type"); got != "image/webp" {
		t.Errorf("without avif in Accept, Content-Type = %q", got)
	}
}

func TestServeHTTP_Badge(t *testing.T) {
	src := upstream(t, http.StatusOK, http.Header{"Content-Type": {"image/png"}}, makePNG(t, 300, 120))
	w := serve(newTestHandler(t, nil), proxyQuery(src.URL+"/b.png", "badge"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("Content-Type = %q, want image/png", got)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("body is not png: %v", err)
	}
	if cfg.Width != 96 || cfg.Height != 96 {
		t.Errorf("badge is %dx%d, want 96x96", cfg.Width, cfg.Height)
	}
}

func TestServeHTTP_BadRequests(t *testing.T) {
	h := newTestHandler(t, nil)
	tests := []struct {
		name  string
		query string
	}{
		{"missing url", "preview"},
		{"link-local target", proxyQuery("http://169.254.169.254/latest/meta-data")},
		{"unsupported scheme", proxyQuery("file:///etc/passwd")},
		{"no host", proxyQuery("http:///x.png")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(h, tt.query, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if w.Header().Get("X-Proxy-Error") == "" {
				t.Error("X-Proxy-Error not set")
			}
			if w.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("injected header missing on error response")
			}
		})
	}
}

func TestServeHTTP_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL + "/gone.png"
	srv.Close()

	h := newTestHandler(t, nil)
	if w := serve(h, proxyQuery(target), nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	w := serve(h, proxyQuery(target, "fallback"), nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("fallback got %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !bytes.Equal(w.Body.Bytes(), placeholder) {
		t.Error("fallback body is not the placeholder")
	}
	if w.Header().Get("X-Proxy-Error") == "" {
		t.Error("fallback response lost its diagnostic")
	}
}

func TestServeHTTP_UpstreamStatus(t *testing.T) {
	tests := []struct {
		upstream int
		want     int
	}{
		{http.StatusBadRequest, http.StatusBadRequest},
		{http.StatusForbidden, http.StatusForbidden},
		{http.StatusNotFound, http.StatusNotFound},
		{http.StatusGone, http.StatusGone},
		{http.StatusUnavailableForLegalReasons, http.StatusUnavailableForLegalReasons},
		{http.StatusRequestTimeout, http.StatusGatewayTimeout},
		{http.StatusGatewayTimeout, http.StatusGatewayTimeout},
		{http.StatusInternalServerError, http.StatusBadGateway},
		{http.StatusServiceUnavailable, http.StatusBadGateway},
		{http.StatusTooManyRequests, http.StatusBadGateway},
	}
	h := newTestHandler(t, nil)
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.upstream), func(t *testing.T) {
			src := upstream(t, tt.upstream, http.Header{"Content-Type": {"text/html"}}, []byte("<h1>nope</h1>"))

			w := serve(h, proxyQuery(src.URL+"/x.png"), nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if got, want := w.Header().Get("X-Proxy-Error"), "status:"+strconv.Itoa(tt.upstream); got != want {
				t.Errorf("X-Proxy-Error = %q, want %q", got, want)
			}
			if w.Body.Len() != 0 {
				t.Errorf("error response leaked upstream body %q", w.Body.String())
			}

			w = serve(h, proxyQuery(src.URL+"/x.png", "fallback"), nil)
			if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
				t.Errorf("fallback got %d %q", w.Code, w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestServeHTTP_ImageFailures(t *testing.T) {
	tests := []struct {
		name    string
		ct      string
		body    []byte
		errPart string
	}{
		{"unrecognized image", "image/png", []byte("definitely not pixels"), "unrecognized"},
		{"corrupt jpeg", "image/jpeg", []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0x10, 'J', 'F', 'I', 'F', 0}, "decode"},
		{"jpeg 2000", "image/jp2", []byte{0xFF, 0x4F, 0xFF, 0x51, 0, 0, 0, 0}, "no decoder"},
		{"empty image", "image/png", nil, "empty body"},
	}
	h := newTestHandler(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := upstream(t, http.StatusOK, http.Header{"Content-Type": {tt.ct}}, tt.body)

			w := serve(h, proxyQuery(src.URL+"/x"), nil)
			if w.Code != http.StatusBadGateway {
				t.Errorf("status = %d, want 502", w.Code)
			}
			if got := w.Header().Get("X-Proxy-Error"); !strings.Contains(got, tt.errPart) {
				t.Errorf("X-Proxy-Error = %q, want it to mention %q", got, tt.errPart)
			}

			w = serve(h, proxyQuery(src.URL+"/x", "fallback"), nil)
			if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), placeholder) {
				t.Errorf("fallback got %d with %d bytes", w.Code, w.Body.Len())
			}
		})
	}
}

func TestServeHTTP_SizeLimit(t *testing.T) {
	body := makePNG(t, 64, 64)
	src := upstream(t, http.StatusOK, http.Header{"Content-Type": {"image/png"}}, body)
	h := newTestHandler(t, func(d *Deps) { d.MaxSize = int64(len(body) / 2) })

	w := serve(h, proxyQuery(src.URL+"/big.png"), nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if got := w.Header().Get("X-Proxy-Error"); !strings.HasPrefix(got, "lengthHint:") {
		t.Errorf("X-Proxy-Error = %q, want lengthHint diagnostic", got)
	}
}

func TestServeHTTP_PassthroughUnsafeType(t *testing.T) {
	src := upstream(t, http.StatusOK, http.Header{"Content-Type": {"text/html; charset=utf-8"}}, []byte("<script>alert(1)</script>"))

	w := serve(newTestHandler(t, nil), proxyQuery(src.URL+"/files/page.html"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want application/octet-stream", got)
	}
	_, params, err := mime.ParseMediaType(w.Header().Get("Content-Disposition"))
	if err != nil || params["filename"] != "page.html.unknown" {
		t.Errorf("Content-Disposition = %q, want filename page.html.unknown", w.Header().Get("Content-Disposition"))
	}
	if w.Body.String() != "<script>alert(1)</script>" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestServeHTTP_PassthroughRange(t *testing.T) {
	video := bytes.Repeat([]byte{0, 0, 0, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2'}, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, "clip.mp4", time.Time{}, bytes.NewReader(video))
	}))
	t.Cleanup(srv.Close)

	w := serve(newTestHandler(t, nil), proxyQuery(srv.URL+"/clip.mp4"), http.Header{"Range": {"bytes=0-99"}})
	if w.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", w.Code)
	}
	hdr := w.Header()
	if got := hdr.Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := hdr.Get("Content-Range"); got != "bytes 0-99/1200" {
		t.Errorf("Content-Range = %q", got)
	}
	if got := hdr.Get("Cache-Control"); got != cacheImmutable {
		t.Errorf("Cache-Control = %q", got)
	}
	if !bytes.Equal(w.Body.Bytes(), video[:100]) {
		t.Errorf("body has %d bytes, want the first 100", w.Body.Len())
	}
}

func TestServeHTTP_BrokenSVGPassesThrough(t *testing.T) {
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg"><g>`)
	src := upstream(t, http.StatusOK, http.Header{"Content-Type": {"image/svg+xml"}}, svg)

	w := serve(newTestHandler(t, nil), proxyQuery(src.URL+"/icon.svg"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "image/svg+xml" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != cacheShort {
		t.Errorf("Cache-Control = %q, want %q", got, cacheShort)
	}
	if !bytes.Equal(w.Body.Bytes(), svg) {
		t.Errorf("body = %q", w.Body.String())
	}
	if w.Header().Get("X-Proxy-Error") == "" {
		t.Error("no diagnostic for the failed render")
	}
}
