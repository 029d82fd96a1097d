package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"time"

	"github.com/ftrvxmtrx/tga"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/jpegxl"
	"github.com/mat/besticon/v3/ico"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// Frames iterates decoded frames. Next returns io.EOF after the last one.
type Frames interface {
	Next() (Frame, error)
}

type decoder struct {
	config func(io.Reader) (image.Config, error)
	decode func(io.Reader) (image.Image, error)
	// frames opens an animation iterator. It reports false when the
	// payload is a still image.
	frames func([]byte, Limits) (Frames, bool, error)
}

// table is the single dispatch point from codec tag to decoder. Codecs
// without an entry are recognised but cannot be decoded.
var table = map[Codec]decoder{
	PNG:  {config: png.DecodeConfig, decode: png.Decode, frames: openAPNG},
	JPEG: {config: jpeg.DecodeConfig, decode: jpeg.Decode},
	GIF:  {config: gif.DecodeConfig, decode: gif.Decode, frames: openGIF},
	WebP: {config: webpConfig, decode: webp.Decode, frames: openAnimatedWebP},
	TIFF: {config: tiff.DecodeConfig, decode: tiff.Decode},
	BMP:  {config: bmp.DecodeConfig, decode: bmp.Decode},
	ICO:  {config: ico.DecodeConfig, decode: ico.Decode},
	TGA:  {config: tga.DecodeConfig, decode: tga.Decode},
	AVIF: {config: avif.DecodeConfig, decode: avif.Decode, frames: openAVIF},
	JXL:  {config: jpegxl.DecodeConfig, decode: jpegxl.Decode},
}

// Decodable reports whether c has a decoder.
func Decodable(c Codec) bool {
	_, ok := table[c]
	return ok
}

// Open returns a frame iterator for data. animated is false for still
// images, in which case the iterator yields exactly one frame. When an
// animation cannot be opened the payload is retried as a still image.
func Open(data []byte, c Codec, lim Limits) (it Frames, animated bool, err error) {
	dec, ok := table[c]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnsupported, c)
	}
	if dec.frames != nil {
		it, ok, err := dec.frames(data, lim)
		switch {
		case errors.Is(err, ErrTooManyPixels), errors.Is(err, ErrFrameLimit):
			return nil, false, err
		case err == nil && ok:
			return it, true, nil
		}
	}
	img, err := decodeStill(dec, data, lim)
	if err != nil {
		return nil, false, err
	}
	return &single{img: img}, false, nil
}

// DecodeFirst returns only the first frame of data. The frame cap does not
// apply since later frames are never decoded.
func DecodeFirst(data []byte, c Codec, lim Limits) (image.Image, error) {
	lim.MaxFrames = 0
	it, _, err := Open(data, c, lim)
	if err != nil {
		return nil, err
	}
	fr, err := it.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return fr.Image, nil
}

func decodeStill(dec decoder, data []byte, lim Limits) (image.Image, error) {
	cfg, err := dec.config(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := lim.check(cfg); err != nil {
		if errors.Is(err, ErrTooManyPixels) {
			return nil, fmt.Errorf("%w: %dx%d", err, cfg.Width, cfg.Height)
		}
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", err, cfg.Width, cfg.Height)
	}
	img, err := dec.decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, nil
}

type single struct {
	img  image.Image
	done bool
}

func (s *single) Next() (Frame, error) {
	if s.done {
		return Frame{}, io.EOF
	}
	s.done = true
	return Frame{Image: s.img}, nil
}

func openAVIF(data []byte, lim Limits) (Frames, bool, error) {
	cfg, err := avif.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	if err := lim.check(cfg); err != nil {
		return nil, false, err
	}
	seq, err := avif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	if len(seq.Image) < 2 {
		return nil, false, nil
	}
	if lim.MaxFrames > 0 && len(seq.Image) > lim.MaxFrames {
		return nil, false, fmt.Errorf("%w: %d frames", ErrFrameLimit, len(seq.Image))
	}
	return &avifFrames{seq: seq}, true, nil
}

type avifFrames struct {
	seq  *avif.AVIF
	next int
}

func (it *avifFrames) Next() (Frame, error) {
	if it.next >= len(it.seq.Image) {
		return Frame{}, io.EOF
	}
	i := it.next
	it.next++
	var delay time.Duration
	if i < len(it.seq.Delay) {
		delay = time.Duration(it.seq.Delay[i] * float64(time.Second))
	}
	return Frame{Image: it.seq.Image[i], Delay: delay}, nil
}
