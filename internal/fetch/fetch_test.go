package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sydlexius/mediaproxy/internal/netguard"
)

func loopbackGuard() *netguard.Guard {
	return netguard.New(netguard.Policy{
		Allowed: []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8"), netip.MustParsePrefix("::1/128")},
	}, nil)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Options{Timeout: 5 * time.Second, UserAgent: "mediaproxy-test"}, loopbackGuard())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestDo_ForwardsRangeAndUserAgent(t *testing.T) {
	var gotRange, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abc")) //nolint:errcheck
	}))
	defer srv.Close()

	resp, err := newTestClient(t).Do(context.Background(), srv.URL, "bytes=0-2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close() //nolint:errcheck

	if gotRange != "bytes=0-2" {
		t.Errorf("Range = %q", gotRange)
	}
	if gotUA != "mediaproxy-test" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if string(resp.Head()) != "abc" {
		t.Errorf("head = %q", resp.Head())
	}
}

func TestDo_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t).Do(context.Background(), url, "")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestDo_BlockedAtDial(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, err := New(Options{Timeout: time.Second}, netguard.New(netguard.Policy{}, nil))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Do(context.Background(), srv.URL, "")
	if !errors.Is(err, netguard.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
}

func TestReadAll_DeclaredLengthAbortsEarly(t *testing.T) {
	var wrote atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1<<20))
		chunk := bytes.Repeat([]byte{'x'}, 64<<10)
		for i := 0; i < 16; i++ {
			n, err := w.Write(chunk)
			wrote.Add(int64(n))
			if err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	resp, err := newTestClient(t).Do(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close() //nolint:errcheck

	_, err = resp.ReadAll(1024)
	var se *SizeError
	if !errors.As(err, &se) || !se.Declared {
		t.Fatalf("expected declared SizeError, got %v", err)
	}
	if !errors.Is(err, ErrTooLarge) {
		t.Error("SizeError should wrap ErrTooLarge")
	}
}

func TestReadAll_ChunkedBodyAbortsMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		chunk := bytes.Repeat([]byte{'y'}, 16<<10)
		for i := 0; i < 64; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			f.Flush()
		}
	}))
	defer srv.Close()

	resp, err := newTestClient(t).Do(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close() //nolint:errcheck

	if resp.ContentLength != -1 {
		t.Fatalf("expected unknown length, got %d", resp.ContentLength)
	}
	limit := int64(100 << 10)
	_, err = resp.ReadAll(limit)
	var se *SizeError
	if !errors.As(err, &se) || se.Declared {
		t.Fatalf("expected streaming SizeError, got %v", err)
	}
	if se.Size <= limit || se.Size > limit+chunkSize {
		t.Errorf("aborted at %d, limit %d", se.Size, limit)
	}
}

func TestReadAll_WithinLimit(t *testing.T) {
	body := strings.Repeat("z", 20000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body) //nolint:errcheck
	}))
	defer srv.Close()

	resp, err := newTestClient(t).Do(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Close() //nolint:errcheck

	data, err := resp.ReadAll(int64(len(body)))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != body {
		t.Errorf("body mismatch: got %d bytes", len(data))
	}
}

func TestStreamTo(t *testing.T) {
	body := strings.Repeat("s", 50000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body) //nolint:errcheck
	}))
	defer srv.Close()

	t.Run("within limit", func(t *testing.T) {
		resp, err := newTestClient(t).Do(context.Background(), srv.URL, "")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Close() //nolint:errcheck
		var buf bytes.Buffer
		n, err := resp.StreamTo(&buf, int64(len(body)))
		if err != nil {
			t.Fatal(err)
		}
		if n != int64(len(body)) || buf.String() != body {
			t.Errorf("streamed %d bytes", n)
		}
	})

	t.Run("over limit", func(t *testing.T) {
		resp, err := newTestClient(t).Do(context.Background(), srv.URL, "")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Close() //nolint:errcheck
		var buf bytes.Buffer
		_, err = resp.StreamTo(&buf, 20000)
		if !errors.Is(err, ErrTooLarge) {
			t.Fatalf("expected ErrTooLarge, got %v", err)
		}
		if buf.Len() > 20001 {
			t.Errorf("wrote %d bytes past the limit", buf.Len())
		}
	})
}

func TestCopyHeaders(t *testing.T) {
	tests := []struct {
		name       string
		upstream   http.Header
		wantImage  bool
		wantLength string
	}{
		{
			name: "image drops length headers",
			upstream: http.Header{
				"Content-Type":   {"image/png"},
				"Content-Length": {"100"},
				"Accept-Ranges":  {"bytes"},
			},
			wantImage: true,
		},
		{
			name: "video keeps length headers",
			upstream: http.Header{
				"Content-Type":        {"video/mp4"},
				"Content-Length":      {"100"},
				"Content-Disposition": {`inline; filename="a.mp4"`},
			},
			wantLength: "100",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := http.Header{}
			dst.Set("Content-Length", "stale")
			if got := CopyHeaders(dst, tt.upstream); got != tt.wantImage {
				t.Errorf("isImage = %v", got)
			}
			if tt.wantImage {
				if dst.Get("Content-Length") != "" || dst.Get("Accept-Ranges") != "" {
					t.Errorf("length headers kept for image: %v", dst)
				}
				return
			}
			if got := dst.Values("Content-Length"); len(got) == 0 || got[len(got)-1] != tt.wantLength {
				t.Errorf("Content-Length = %v", got)
			}
			if dst.Get("Content-Disposition") == "" {
				t.Error("Content-Disposition not copied")
			}
		})
	}
}
