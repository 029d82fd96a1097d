package image

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/chai2010/webp"
	"github.com/gen2brain/avif"
)

// ErrEncode wraps every encoder failure.
var ErrEncode = errors.New("encode failed")

// Format is an output container.
type Format int

const (
	FormatPNG Format = iota
	FormatWebP
	FormatAVIF
)

func (f Format) String() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatWebP:
		return "webp"
	case FormatAVIF:
		return "avif"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// MIME returns the media type of f.
func (f Format) MIME() string {
	switch f {
	case FormatWebP:
		return "image/webp"
	case FormatAVIF:
		return "image/avif"
	}
	return "image/png"
}

// Ext returns the file extension of f, without the dot.
func (f Format) Ext() string { return f.String() }

// Negotiate picks the output format. Badges are always PNG; otherwise AVIF
// is used when the client accepts it and the operator enabled it, and WebP
// is the default.
func Negotiate(badge, avifAllowed bool) Format {
	switch {
	case badge:
		return FormatPNG
	case avifAllowed:
		return FormatAVIF
	}
	return FormatWebP
}

// EncodeOptions holds the encoder knobs.
type EncodeOptions struct {
	WebPQuality int
	AVIFQuality int
	AVIFSpeed   int
}

// Encode writes d to w as f.
func Encode(w io.Writer, d *Decoded, f Format, opts EncodeOptions) error {
	var err error
	switch f {
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(w, d.Image)
	case FormatWebP:
		err = webp.Encode(w, webpInput(d), &webp.Options{Quality: float32(opts.WebPQuality)})
	case FormatAVIF:
		err = avif.Encode(w, d.Image, avif.Options{
			Quality:      opts.AVIFQuality,
			QualityAlpha: opts.AVIFQuality,
			Speed:        opts.AVIFSpeed,
		})
	default:
		err = fmt.Errorf("unknown format %d", int(f))
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEncode, f, err)
	}
	return nil
}

// webpInput adapts d for the webp encoder, which hands *image.RGBA pixels
// to libwebp as straight alpha. Any other type would first be converted to
// premultiplied RGBA and darken translucent edges.
func webpInput(d *Decoded) image.Image {
	switch img := d.Image.(type) {
	case *image.Gray:
		return img
	case *image.NRGBA:
		return rgbaView(img)
	}
	n := Normalize(d.Image)
	if g, ok := n.Image.(*image.Gray); ok {
		return g
	}
	return rgbaView(n.Image.(*image.NRGBA))
}
