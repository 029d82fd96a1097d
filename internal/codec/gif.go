package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"io"
	"time"
)

// gifScan walks the GIF block structure without decompressing any image
// data. It returns the frame count and the summed area of the frame
// descriptors, which is what DecodeAll will hold in memory.
func gifScan(data []byte) (frames int, area int64, err error) {
	if len(data) < 13 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	pos := 13
	if flags := data[10]; flags&0x80 != 0 {
		pos += 3 << ((flags & 7) + 1)
	}

	skipSubBlocks := func() error {
		for {
			if pos >= len(data) {
				return io.ErrUnexpectedEOF
			}
			n := int(data[pos])
			pos++
			if n == 0 {
				return nil
			}
			pos += n
		}
	}

	for pos < len(data) {
		switch data[pos] {
		case 0x21: // extension
			pos += 2
			if err := skipSubBlocks(); err != nil {
				return frames, area, err
			}
		case 0x2C: // image descriptor
			if pos+10 > len(data) {
				return frames, area, io.ErrUnexpectedEOF
			}
			w := int64(binary.LittleEndian.Uint16(data[pos+5:]))
			h := int64(binary.LittleEndian.Uint16(data[pos+7:]))
			area += w * h
			flags := data[pos+9]
			pos += 10
			if flags&0x80 != 0 {
				pos += 3 << ((flags & 7) + 1)
			}
			pos++ // LZW minimum code size
			if err := skipSubBlocks(); err != nil {
				return frames, area, err
			}
			frames++
		case 0x3B: // trailer
			return frames, area, nil
		default:
			return frames, area, fmt.Errorf("gif: unexpected block 0x%02x", data[pos])
		}
	}
	return frames, area, nil
}

func openGIF(data []byte, lim Limits) (Frames, bool, error) {
	cfg, err := gif.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	if err := lim.check(cfg); err != nil {
		return nil, false, err
	}
	// A truncated block stream still decodes as far as it goes; only a
	// confirmed overrun is fatal here.
	n, area, _ := gifScan(data)
	if lim.MaxFrames > 0 && n > lim.MaxFrames {
		return nil, false, fmt.Errorf("%w: %d frames", ErrFrameLimit, n)
	}
	// DecodeAll keeps every frame, so the whole animation must fit at once.
	if lim.MaxTotalPixels > 0 && area > lim.MaxTotalPixels {
		return nil, false, fmt.Errorf("%w: %d frames totalling %d pixels", ErrTooManyPixels, n, area)
	}

	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}
	if len(g.Image) == 0 {
		return nil, false, fmt.Errorf("gif: no frames")
	}

	w, h := g.Config.Width, g.Config.Height
	if w <= 0 || h <= 0 {
		b := g.Image[0].Bounds()
		w, h = b.Max.X, b.Max.Y
	}
	return &gifFrames{g: g, canvas: image.NewNRGBA(image.Rect(0, 0, w, h))}, true, nil
}

type gifFrames struct {
	g      *gif.GIF
	canvas *image.NRGBA
	next   int
}

func (it *gifFrames) Next() (Frame, error) {
	if it.next >= len(it.g.Image) {
		return Frame{}, io.EOF
	}
	i := it.next
	it.next++

	src := it.g.Image[i]
	rect := src.Bounds().Intersect(it.canvas.Bounds())

	var disposal byte
	if i < len(it.g.Disposal) {
		disposal = it.g.Disposal[i]
	}
	var saved *image.NRGBA
	if disposal == gif.DisposalPrevious {
		saved = cloneNRGBA(it.canvas)
	}

	draw.Draw(it.canvas, rect, src, rect.Min, draw.Over)
	out := cloneNRGBA(it.canvas)

	switch disposal {
	case gif.DisposalBackground:
		draw.Draw(it.canvas, rect, image.Transparent, image.Point{}, draw.Src)
	case gif.DisposalPrevious:
		it.canvas = saved
	}

	var delay time.Duration
	if i < len(it.g.Delay) {
		delay = time.Duration(it.g.Delay[i]) * 10 * time.Millisecond
	}
	return Frame{Image: out, Delay: delay}, nil
}

func cloneNRGBA(src *image.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}
