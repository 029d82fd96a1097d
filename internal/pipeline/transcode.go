// Package pipeline turns fetched source bytes into an encoded output image.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/sydlexius/mediaproxy/internal/codec"
	mpimage "github.com/sydlexius/mediaproxy/internal/image"
)

var (
	// ErrFrameLimit aborts an animation with too many frames.
	ErrFrameLimit = codec.ErrFrameLimit
	// ErrNoFrames is returned when no animation frame survives.
	ErrNoFrames = errors.New("no available frames")
	// ErrDispatch is returned when work cannot be scheduled.
	ErrDispatch = errors.New("worker dispatch failed")
)

// Options are the process-wide transcoding settings.
type Options struct {
	Filter      mpimage.Filter
	MaxPixels   int
	Limits      codec.Limits
	Encode      mpimage.EncodeOptions
	AVIFEnabled bool
}

// Request is one unit of transcoding work.
type Request struct {
	Data       []byte
	Codec      codec.Codec
	Intent     mpimage.Intent
	AcceptAVIF bool
}

// Result is the outcome of a successful Transcode.
type Result struct {
	Body   []byte
	Format mpimage.Format
	// Passthrough is set when Body is the unmodified source, which happens
	// for SVG documents that fail to parse.
	Passthrough bool
	Frames      int
	Warnings    []string
}

// Transcoder runs decode, resize and encode. It holds no per-request
// state and is safe for concurrent use.
type Transcoder struct {
	opts   Options
	fonts  codec.FontSource
	logger *slog.Logger
}

// NewTranscoder creates a Transcoder.
func NewTranscoder(opts Options, fonts codec.FontSource, logger *slog.Logger) *Transcoder {
	return &Transcoder{opts: opts, fonts: fonts, logger: logger}
}

// Transcode converts req.Data according to its intent.
func (t *Transcoder) Transcode(req Request) (*Result, error) {
	hint := mpimage.Hint(req.Intent, t.opts.MaxPixels)
	format := mpimage.Negotiate(req.Intent.Badge, req.AcceptAVIF && t.opts.AVIFEnabled)

	if req.Codec == codec.SVG {
		return t.vector(req, hint, format)
	}
	if !codec.Decodable(req.Codec) {
		return nil, fmt.Errorf("%w: %s", codec.ErrUnsupported, req.Codec)
	}

	if req.Intent.Badge || req.Intent.Static {
		img, err := codec.DecodeFirst(req.Data, req.Codec, t.opts.Limits)
		if err != nil {
			return nil, err
		}
		return t.still(req, img, hint, format)
	}

	it, animated, err := codec.Open(req.Data, req.Codec, t.opts.Limits)
	if err != nil {
		return nil, err
	}
	if !animated {
		fr, err := it.Next()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", codec.ErrDecode, err)
		}
		return t.still(req, fr.Image, hint, format)
	}

	body, frames, warnings, err := assembleAnimation(it, hint, t.opts.Filter, t.opts.Limits.MaxFrames, t.opts.Encode.WebPQuality)
	if err != nil {
		return nil, err
	}
	return &Result{Body: body, Format: mpimage.FormatWebP, Frames: frames, Warnings: warnings}, nil
}

func (t *Transcoder) still(req Request, img image.Image, hint mpimage.SizeHint, format mpimage.Format) (*Result, error) {
	if req.Codec == codec.JPEG || req.Codec == codec.TIFF {
		img = mpimage.Orient(img, mpimage.Orientation(req.Data))
	}
	d := mpimage.Normalize(img)
	if req.Intent.Badge {
		d = mpimage.Badge(d, t.opts.Filter)
	} else {
		d = mpimage.Resize(d, hint, t.opts.Filter)
	}
	return t.encode(d, format)
}

func (t *Transcoder) vector(req Request, hint mpimage.SizeHint, format mpimage.Format) (*Result, error) {
	rgba, err := codec.RenderSVG(req.Data, hint.Width, hint.Height, t.opts.Limits, t.fonts)
	if errors.Is(err, codec.ErrTooManyPixels) {
		return nil, err
	}
	if err != nil {
		t.logger.Debug("svg render failed, passing source through", slog.String("error", err.Error()))
		return &Result{
			Body:        req.Data,
			Passthrough: true,
			Warnings:    []string{err.Error()},
		}, nil
	}
	d := mpimage.Normalize(rgba)
	if req.Intent.Badge {
		d = mpimage.Badge(d, t.opts.Filter)
	}
	return t.encode(d, format)
}

func (t *Transcoder) encode(d *mpimage.Decoded, format mpimage.Format) (*Result, error) {
	var buf bytes.Buffer
	if err := mpimage.Encode(&buf, d, format, t.opts.Encode); err != nil {
		return nil, err
	}
	return &Result{Body: buf.Bytes(), Format: format, Frames: 1}, nil
}
