// Package fetch issues outbound requests and reads upstream bodies under a
// hard byte limit.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sydlexius/mediaproxy/internal/netguard"
)

var (
	// ErrUpstream wraps transport failures: DNS, connect, TLS, timeouts and
	// broken bodies.
	ErrUpstream = errors.New("upstream fetch failed")
	// ErrTooLarge is returned when a body exceeds the configured maximum.
	ErrTooLarge = errors.New("payload too large")
)

// SizeError reports a size limit violation.
type SizeError struct {
	Size     int64
	Limit    int64
	Declared bool
}

func (e *SizeError) Error() string {
	if e.Declared {
		return fmt.Sprintf("lengthHint:%d>%d", e.Size, e.Limit)
	}
	return fmt.Sprintf("length:%d>%d", e.Size, e.Limit)
}

func (e *SizeError) Unwrap() error { return ErrTooLarge }

const (
	peekSize  = 8 << 10
	chunkSize = 32 << 10
)

// Options configures a Client.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	// Proxy, when set, routes every request through this HTTP proxy.
	Proxy string
}

// Client performs guarded GET requests.
type Client struct {
	http      *http.Client
	userAgent string
}

// New builds a Client whose connections are checked by guard. When an
// outbound proxy is configured the dialer connects to the proxy, so only
// the pre-flight check in netguard.Guard.Validate applies to the target.
func New(opts Options, guard *netguard.Guard) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	} else {
		transport.Proxy = nil
		transport.DialContext = guard.Dialer(opts.Timeout).DialContext
	}
	// Bodies are sniffed byte-exact; never let the transport inflate them.
	transport.DisableCompression = true

	return &Client{
		http: &http.Client{
			Transport:     transport,
			Timeout:       opts.Timeout,
			CheckRedirect: guard.CheckRedirect,
		},
		userAgent: opts.UserAgent,
	}, nil
}

// Response is an upstream response whose first chunk has already been read.
type Response struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64

	body io.ReadCloser
	head []byte
}

// Do fetches target. rangeHeader is forwarded verbatim when non-empty.
func (c *Client) Do(ctx context.Context, target, rangeHeader string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", ErrUpstream, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	head, err := peek(resp.Body)
	if err != nil {
		resp.Body.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: reading first chunk: %w", ErrUpstream, err)
	}

	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		body:          resp.Body,
		head:          head,
	}, nil
}

func peek(r io.Reader) ([]byte, error) {
	buf := make([]byte, peekSize)
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return buf[:n], err
}

// Head returns the first chunk of the body.
func (r *Response) Head() []byte { return r.head }

// Close releases the upstream connection.
func (r *Response) Close() error { return r.body.Close() }

// ReadAll buffers the whole body. A declared length above limit fails
// before any further read; otherwise the read stops as soon as the running
// total would pass limit.
func (r *Response) ReadAll(limit int64) ([]byte, error) {
	if r.ContentLength > limit {
		return nil, &SizeError{Size: r.ContentLength, Limit: limit, Declared: true}
	}
	if int64(len(r.head)) > limit {
		return nil, &SizeError{Size: int64(len(r.head)), Limit: limit}
	}

	hint := r.ContentLength
	if hint < 0 {
		hint = min(int64(2048), limit)
	}
	data := make([]byte, 0, max(hint, int64(len(r.head))))
	data = append(data, r.head...)

	chunk := make([]byte, chunkSize)
	for {
		n, err := r.body.Read(chunk)
		if n > 0 {
			if int64(len(data))+int64(n) > limit {
				return nil, &SizeError{Size: int64(len(data)) + int64(n), Limit: limit}
			}
			data = append(data, chunk[:n]...)
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: LoadAll: %w", ErrUpstream, err)
		}
	}
}

// StreamTo copies the body to w without buffering it, failing with
// ErrTooLarge once more than limit bytes have been seen.
func (r *Response) StreamTo(w io.Writer, limit int64) (int64, error) {
	var written int64
	if len(r.head) > 0 {
		if int64(len(r.head)) > limit {
			return 0, &SizeError{Size: int64(len(r.head)), Limit: limit}
		}
		n, err := w.Write(r.head)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	// One byte past the limit is enough to detect an overrun.
	n, err := io.Copy(w, io.LimitReader(r.body, limit-written+1))
	written += n
	if err != nil {
		return written, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if written > limit {
		return written, &SizeError{Size: written, Limit: limit}
	}
	return written, nil
}

// CopyHeaders copies the headers a client may need from upstream into dst.
// Length and range headers only survive when the payload is not an image,
// since transcoding changes them.
func CopyHeaders(dst, upstream http.Header) (isImage bool) {
	for _, k := range []string{"Content-Disposition", "Content-Type"} {
		for _, v := range upstream.Values(k) {
			dst.Add(k, v)
		}
	}
	isImage = strings.HasPrefix(dst.Get("Content-Type"), "image/")
	for _, k := range []string{"Content-Length", "Content-Range", "Accept-Ranges"} {
		if isImage {
			dst.Del(k)
			continue
		}
		for _, v := range upstream.Values(k) {
			dst.Add(k, v)
		}
	}
	return isImage
}
