// Package codec identifies source media formats and decodes them into
// frames for the transcoding pipeline.
package codec

import (
	"errors"
	"image"
	"time"
)

// Codec is the closed set of source formats the proxy knows about.
type Codec int

// Known codecs. Unknown is the zero value.
const (
	Unknown Codec = iota
	PNG
	JPEG
	GIF
	WebP
	TIFF
	BMP
	ICO
	TGA
	AVIF
	JXL
	JP2
	JXR
	SVG
)

var codecNames = [...]string{
	Unknown: "unknown",
	PNG:     "png",
	JPEG:    "jpeg",
	GIF:     "gif",
	WebP:    "webp",
	TIFF:    "tiff",
	BMP:     "bmp",
	ICO:     "ico",
	TGA:     "tga",
	AVIF:    "avif",
	JXL:     "jxl",
	JP2:     "jp2",
	JXR:     "jxr",
	SVG:     "svg",
}

func (c Codec) String() string {
	if c < 0 || int(c) >= len(codecNames) {
		return "unknown"
	}
	return codecNames[c]
}

// MIME returns the canonical media type for c.
func (c Codec) MIME() string {
	switch c {
	case PNG:
		return "image/png"
	case JPEG:
		return "image/jpeg"
	case GIF:
		return "image/gif"
	case WebP:
		return "image/webp"
	case TIFF:
		return "image/tiff"
	case BMP:
		return "image/bmp"
	case ICO:
		return "image/x-icon"
	case TGA:
		return "image/x-tga"
	case AVIF:
		return "image/avif"
	case JXL:
		return "image/jxl"
	case JP2:
		return "image/jp2"
	case JXR:
		return "image/jxr"
	case SVG:
		return "image/svg+xml"
	}
	return "application/octet-stream"
}

// Errors returned by sniffing and decoding.
var (
	ErrUnrecognized  = errors.New("unrecognized format")
	ErrUnsupported   = errors.New("no decoder for format")
	ErrDecode        = errors.New("decode failed")
	ErrTooManyPixels = errors.New("image dimensions exceed decode limit")
	ErrFrameLimit    = errors.New("frame limit exceeded")
)

// State is the outcome of sniffing.
type State int

// Sniff states. Undetermined means there were no bytes to look at.
const (
	Undetermined State = iota
	Recognized
	Failed
)

// Detection is the result of Sniff. Cause is set when State is Failed. The
// zero value is Undetermined.
type Detection struct {
	State State
	Codec Codec
	Cause error
}

// OK reports whether a codec was recognised.
func (d Detection) OK() bool { return d.State == Recognized }

// Frame is one decoded animation frame. Delay is how long the frame is
// shown before the next one.
type Frame struct {
	Image image.Image
	Delay time.Duration
}

// Limits bounds what a decoder is allowed to allocate.
type Limits struct {
	// MaxPixels caps width*height as declared by the header. Zero means
	// unlimited.
	MaxPixels int64
	// MaxFrames caps the number of animation frames. Zero means unlimited.
	MaxFrames int
	// MaxTotalPixels caps the summed area of frames a decoder holds at
	// once. Zero means unlimited.
	MaxTotalPixels int64
}

func (l Limits) check(cfg image.Config) error {
	if l.MaxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > l.MaxPixels {
		return ErrTooManyPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ErrDecode
	}
	return nil
}
