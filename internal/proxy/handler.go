// Package proxy serves the media proxy endpoint: it validates the target,
// fetches it, transcodes images and composes the response headers.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sydlexius/mediaproxy/internal/codec"
	"github.com/sydlexius/mediaproxy/internal/config"
	"github.com/sydlexius/mediaproxy/internal/fetch"
	"github.com/sydlexius/mediaproxy/internal/logging"
	"github.com/sydlexius/mediaproxy/internal/metrics"
	"github.com/sydlexius/mediaproxy/internal/netguard"
	"github.com/sydlexius/mediaproxy/internal/pipeline"
)

// Deps bundles what a Handler needs.
type Deps struct {
	Guard      *netguard.Guard
	Client     *fetch.Client
	Pool       *pipeline.Pool
	Transcoder *pipeline.Transcoder
	// Fallback is the PNG served when a fallback request fails.
	Fallback []byte
	Headers  []config.Header
	MaxSize  int64
	AVIF     bool
}

// Handler is the proxy endpoint.
type Handler struct {
	guard      *netguard.Guard
	client     *fetch.Client
	pool       *pipeline.Pool
	transcoder *pipeline.Transcoder
	fallback   []byte
	headers    []config.Header
	maxSize    int64
	avif       bool
}

// New creates a Handler.
func New(d Deps) *Handler {
	fallback := d.Fallback
	if len(fallback) == 0 {
		fallback = placeholder
	}
	return &Handler{
		guard:      d.Guard,
		client:     d.Client,
		pool:       d.Pool,
		transcoder: d.Transcoder,
		fallback:   fallback,
		headers:    d.Headers,
		maxSize:    d.MaxSize,
		avif:       d.AVIF,
	}
}

// requestState is the per-request context threaded through the handler.
type requestState struct {
	w          http.ResponseWriter
	r          *http.Request
	params     Params
	acceptAVIF bool
	logger     *slog.Logger
	// detection stays Undetermined until the first chunk has been sniffed.
	detection codec.Detection
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params, perr := ParseParams(r.URL.Query())
	st := &requestState{
		w:          w,
		r:          r,
		params:     params,
		acceptAVIF: h.avif && acceptsAVIF(r.Header.Get("Accept")),
		logger:     logging.FromContext(r.Context()),
	}

	out := w.Header()
	if params.URL != "" {
		out.Set("X-Remote-Url", params.URL)
	}
	if h.avif {
		out.Set("Vary", "Accept, Range")
	}
	injectHeaders(out, h.headers)

	if perr != nil {
		h.fail(st, http.StatusBadRequest, perr)
		return
	}
	ctx := r.Context()
	if err := h.guard.Validate(ctx, params.Target); err != nil {
		h.fail(st, http.StatusBadRequest, err)
		return
	}

	resp, err := h.client.Do(ctx, params.URL, r.Header.Get("Range"))
	if err != nil {
		if ctx.Err() != nil {
			st.logger.Debug("client went away during fetch", slog.String("url", params.URL))
			return
		}
		h.fail(st, statusFor(err), err)
		return
	}
	defer resp.Close() //nolint:errcheck

	isImage := fetch.CopyHeaders(out, resp.Header)
	out.Set("Cache-Control", cacheShort)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.fail(st, upstreamStatus(resp.StatusCode), fmt.Errorf("status:%d", resp.StatusCode))
		return
	}

	st.detection = codec.Sniff(resp.Head(), out.Get("Content-Type"), dispositionFilename(out.Get("Content-Disposition")))
	switch {
	case st.detection.OK():
		h.transcode(st, resp, st.detection.Codec)
	case isImage && st.detection.State == codec.Undetermined:
		h.fail(st, http.StatusBadGateway, fmt.Errorf("%w: empty body", codec.ErrUnrecognized))
	case isImage:
		h.fail(st, http.StatusBadGateway, st.detection.Cause)
	default:
		h.passthrough(st, resp)
	}
}

func (h *Handler) transcode(st *requestState, resp *fetch.Response, c codec.Codec) {
	ctx := st.r.Context()
	out := st.w.Header()
	out.Del("Content-Length")
	out.Del("Content-Range")
	out.Del("Accept-Ranges")

	if resp.ContentLength > h.maxSize {
		h.fail(st, http.StatusBadGateway, &fetch.SizeError{Size: resp.ContentLength, Limit: h.maxSize, Declared: true})
		return
	}
	weight := resp.ContentLength
	if weight < 0 {
		weight = h.maxSize
	}
	release, err := h.pool.Reserve(ctx, weight)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.fail(st, statusFor(err), err)
		return
	}
	defer release()

	data, err := resp.ReadAll(h.maxSize)
	if err != nil {
		h.fail(st, http.StatusBadGateway, err)
		return
	}
	metrics.AddFetchedBytes(int64(len(data)))

	req := pipeline.Request{
		Data:       data,
		Codec:      c,
		Intent:     st.params.Intent(),
		AcceptAVIF: st.acceptAVIF,
	}
	start := time.Now()
	res, err := h.pool.Submit(ctx, func() (*pipeline.Result, error) {
		return h.transcoder.Transcode(req)
	})
	metrics.SetPool(h.pool.Stats())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			st.logger.Debug("client went away during transcode", slog.String("url", st.params.URL))
			return
		}
		metrics.ObserveTranscodeFailure(failureReason(err))
		h.fail(st, statusFor(err), err)
		return
	}

	for _, warning := range res.Warnings {
		proxyError(out, warning)
	}
	if res.Passthrough {
		st.logger.Debug("serving source unmodified", slog.String("codec", c.String()))
		out.Set("Content-Length", strconv.Itoa(len(res.Body)))
		h.write(st, http.StatusOK, res.Body, "passthrough")
		return
	}
	metrics.ObserveTranscode(res.Format.String(), time.Since(start))

	out.Set("Content-Type", res.Format.MIME())
	rewriteDisposition(out, "."+res.Format.Ext(), st.params.Target, true)
	out.Set("Cache-Control", cacheImmutable)
	tag := etag(res.Body)
	out.Set("ETag", tag)
	if notModified(st.r, tag) {
		h.write(st, http.StatusNotModified, nil, "transformed")
		return
	}
	out.Set("Content-Length", strconv.Itoa(len(res.Body)))
	h.write(st, http.StatusOK, res.Body, "transformed")
}

func (h *Handler) passthrough(st *requestState, resp *fetch.Response) {
	out := st.w.Header()
	if resp.ContentLength > h.maxSize {
		h.fail(st, http.StatusBadGateway, &fetch.SizeError{Size: resp.ContentLength, Limit: h.maxSize, Declared: true})
		return
	}
	if !isBrowserSafe(out.Get("Content-Type")) {
		out.Set("Content-Type", "application/octet-stream")
		rewriteDisposition(out, ".unknown", st.params.Target, false)
	}
	out.Set("Cache-Control", cacheImmutable)

	status := http.StatusOK
	if resp.StatusCode == http.StatusPartialContent {
		status = http.StatusPartialContent
	}
	st.w.WriteHeader(status)
	n, err := resp.StreamTo(st.w, h.maxSize)
	metrics.AddFetchedBytes(n)
	metrics.ObserveRequest(status, "passthrough")
	if err != nil {
		// Headers are gone; the client sees a truncated body.
		st.logger.Warn("passthrough stream aborted",
			slog.String("url", st.params.URL),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()))
	}
}

// fail finishes the request with status, or with the placeholder when the
// client asked for a fallback.
func (h *Handler) fail(st *requestState, status int, err error) {
	out := st.w.Header()
	proxyError(out, err.Error())
	st.logger.Info("proxy request failed",
		slog.String("url", st.params.URL),
		slog.Int("status", status),
		slog.String("error", err.Error()))

	for _, k := range []string{"Content-Length", "Content-Range", "Accept-Ranges", "ETag"} {
		out.Del(k)
	}
	if st.params.Fallback {
		out.Del("Content-Disposition")
		out.Set("Content-Type", "image/png")
		out.Set("Content-Length", strconv.Itoa(len(h.fallback)))
		h.write(st, http.StatusOK, h.fallback, "fallback")
		return
	}
	out.Del("Content-Type")
	out.Del("Content-Disposition")
	h.write(st, status, nil, "error")
}

func (h *Handler) write(st *requestState, status int, body []byte, outcome string) {
	st.w.WriteHeader(status)
	if len(body) > 0 && st.r.Method != http.MethodHead {
		if _, err := st.w.Write(body); err != nil {
			st.logger.Debug("writing response", slog.String("error", err.Error()))
		}
	}
	metrics.ObserveRequest(status, outcome)
}
