package proxy

import (
	"encoding/hex"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/sydlexius/mediaproxy/internal/codec"
	"github.com/sydlexius/mediaproxy/internal/config"
	"github.com/sydlexius/mediaproxy/internal/fetch"
	mpimage "github.com/sydlexius/mediaproxy/internal/image"
	"github.com/sydlexius/mediaproxy/internal/netguard"
	"github.com/sydlexius/mediaproxy/internal/pipeline"
)

const (
	cacheShort     = "max-age=300"
	cacheImmutable = "max-age=31536000, immutable"
)

// browserSafe lists the media types passed through with their own
// Content-Type. Anything else is served as an opaque download.
var browserSafe = map[string]struct{}{
	"image/png":       {},
	"image/jpeg":      {},
	"image/gif":       {},
	"image/webp":      {},
	"image/avif":      {},
	"image/apng":      {},
	"image/svg+xml":   {},
	"audio/opus":      {},
	"video/ogg":       {},
	"audio/ogg":       {},
	"application/ogg": {},
	"video/quicktime": {},
	"video/mp4":       {},
	"audio/mp4":       {},
	"video/x-m4v":     {},
	"audio/x-m4a":     {},
	"video/3gpp":      {},
	"video/3gpp2":     {},
	"video/mpeg":      {},
	"audio/mpeg":      {},
	"video/webm":      {},
	"audio/webm":      {},
	"audio/aac":       {},
	"audio/flac":      {},
	"audio/wav":       {},
	"audio/x-flac":    {},
	"audio/vnd.wave":  {},
}

func isBrowserSafe(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := browserSafe[mt]
	return ok
}

// dispositionFilename returns the filename parameter of a
// Content-Disposition value, with RFC 2231 encoding already undone.
func dispositionFilename(cd string) string {
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	if name := params["filename"]; name != "" {
		return name
	}
	return params["name"]
}

// rewriteDisposition sets an inline Content-Disposition whose filename ends
// in ext. With replace the existing extension is swapped out, otherwise ext
// is appended. Without an upstream filename the last segment of the target
// path is used.
func rewriteDisposition(h http.Header, ext string, target *url.URL, replace bool) {
	name := dispositionFilename(h.Get("Content-Disposition"))
	if name == "" && target != nil {
		name = path.Base(target.Path)
	}
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "" || name == "." || name == "/" {
		name = "null"
	}
	if replace {
		name = strings.TrimSuffix(name, path.Ext(name))
	}
	name += ext

	v := mime.FormatMediaType("inline", map[string]string{"filename": name})
	if v == "" {
		v = "inline"
	}
	h.Set("Content-Disposition", v)
}

// etag is a weak validator over the encoded body.
func etag(body []byte) string {
	sum := blake2b.Sum256(body)
	return `W/"` + hex.EncodeToString(sum[:]) + `"`
}

// notModified reports whether If-None-Match matches tag under the weak
// comparison of RFC 9110.
func notModified(r *http.Request, tag string) bool {
	inm := r.Header.Get("If-None-Match")
	if inm == "" {
		return false
	}
	want := strings.TrimPrefix(tag, "W/")
	for _, c := range strings.Split(inm, ",") {
		c = strings.TrimSpace(c)
		if c == "*" || strings.TrimPrefix(c, "W/") == want {
			return true
		}
	}
	return false
}

// acceptsAVIF reports whether an Accept header lists image/avif with a
// non-zero weight.
func acceptsAVIF(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil || mt != "image/avif" {
			continue
		}
		if q, ok := params["q"]; ok && strings.Trim(q, "0.") == "" {
			continue
		}
		return true
	}
	return false
}

func injectHeaders(h http.Header, headers []config.Header) {
	for _, hd := range headers {
		h.Add(hd.Name, hd.Value)
	}
}

// proxyError appends a diagnostic to X-Proxy-Error.
func proxyError(h http.Header, msg string) {
	msg = strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, msg)
	if prev := h.Get("X-Proxy-Error"); prev != "" {
		msg = prev + "; " + msg
	}
	h.Set("X-Proxy-Error", msg)
}

// upstreamStatus maps a non-2xx upstream status onto the status returned
// to the client.
func upstreamStatus(code int) int {
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound,
		http.StatusGone, http.StatusUnavailableForLegalReasons:
		return code
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// statusFor maps a failure onto a response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, netguard.ErrBlocked):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrDispatch):
		return http.StatusInternalServerError
	case errors.Is(err, fetch.ErrTooLarge),
		errors.Is(err, codec.ErrUnrecognized),
		errors.Is(err, codec.ErrUnsupported),
		errors.Is(err, codec.ErrDecode),
		errors.Is(err, codec.ErrTooManyPixels),
		errors.Is(err, pipeline.ErrFrameLimit),
		errors.Is(err, pipeline.ErrNoFrames),
		errors.Is(err, mpimage.ErrEncode):
		return http.StatusBadGateway
	case errors.Is(err, fetch.ErrUpstream):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// failureReason is a short metrics label for err.
func failureReason(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrDispatch):
		return "dispatch"
	case errors.Is(err, fetch.ErrTooLarge):
		return "size"
	case errors.Is(err, codec.ErrUnrecognized), errors.Is(err, codec.ErrUnsupported):
		return "codec"
	case errors.Is(err, codec.ErrTooManyPixels), errors.Is(err, pipeline.ErrFrameLimit):
		return "limit"
	case errors.Is(err, codec.ErrDecode), errors.Is(err, pipeline.ErrNoFrames):
		return "decode"
	case errors.Is(err, mpimage.ErrEncode):
		return "encode"
	}
	return "other"
}
