package image

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// ColorModel names the channel layout of a normalised image.
type ColorModel int

const (
	Gray ColorModel = iota
	GrayAlpha
	RGB
	RGBA
)

func (m ColorModel) String() string {
	switch m {
	case Gray:
		return "gray"
	case GrayAlpha:
		return "gray-alpha"
	case RGB:
		return "rgb"
	case RGBA:
		return "rgba"
	}
	return fmt.Sprintf("ColorModel(%d)", int(m))
}

// HasAlpha reports whether the model carries an alpha channel.
func (m ColorModel) HasAlpha() bool { return m == GrayAlpha || m == RGBA }

// Decoded is an 8-bit image in one of two concrete layouts: *image.Gray for
// the Gray model and *image.NRGBA (straight alpha) for everything else.
type Decoded struct {
	Image image.Image
	Model ColorModel
}

// Width returns the pixel width.
func (d *Decoded) Width() int { return d.Image.Bounds().Dx() }

// Height returns the pixel height.
func (d *Decoded) Height() int { return d.Image.Bounds().Dy() }

// Normalize converts any decoded image into a Decoded with a packed,
// zero-origin buffer.
func Normalize(src image.Image) *Decoded {
	b := src.Bounds()
	switch s := src.(type) {
	case *image.Gray:
		d, err := FromRaw(s.Pix[s.PixOffset(b.Min.X, b.Min.Y):], b.Dx(), b.Dy(), s.Stride, LayoutGray)
		if err == nil {
			return d
		}
	case *image.NRGBA:
		d, err := FromRaw(s.Pix[s.PixOffset(b.Min.X, b.Min.Y):], b.Dx(), b.Dy(), s.Stride, LayoutRGBA)
		if err == nil {
			return d
		}
	case *image.Gray16:
		dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), s, b.Min, draw.Src)
		return &Decoded{Image: dst, Model: Gray}
	}

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	model := RGBA
	if dst.Opaque() {
		model = RGB
	}
	return &Decoded{Image: dst, Model: model}
}

// Layout describes the channel order of a raw pixel buffer.
type Layout int

const (
	LayoutGray Layout = iota
	LayoutGrayAlpha
	LayoutRGB
	LayoutBGR
	LayoutRGBA
	LayoutBGRA
	LayoutRGBX
	LayoutBGRX
)

func (l Layout) bytesPerPixel() int {
	switch l {
	case LayoutGray:
		return 1
	case LayoutGrayAlpha:
		return 2
	case LayoutRGB, LayoutBGR:
		return 3
	}
	return 4
}

// ErrLayout is returned by FromRaw for a buffer that does not match its
// declared geometry.
var ErrLayout = errors.New("raw buffer does not match layout")

// FromRaw copies a raw 8-bit buffer into a Decoded. stride is the distance in
// bytes between the starts of consecutive rows. Padding channels (X) are
// dropped; an alpha channel that is fully opaque is dropped too.
func FromRaw(pix []byte, w, h, stride int, layout Layout) (*Decoded, error) {
	bpp := layout.bytesPerPixel()
	if w <= 0 || h <= 0 || stride < w*bpp || len(pix) < stride*(h-1)+w*bpp {
		return nil, fmt.Errorf("%w: %dx%d stride %d len %d", ErrLayout, w, h, stride, len(pix))
	}

	if layout == LayoutGray {
		dst := image.NewGray(image.Rect(0, 0, w, h))
		for y := range h {
			copy(dst.Pix[y*dst.Stride:y*dst.Stride+w], pix[y*stride:])
		}
		return &Decoded{Image: dst, Model: Gray}, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	opaque := true
	for y := range h {
		row := pix[y*stride:]
		out := dst.Pix[y*dst.Stride:]
		for x := range w {
			p := row[x*bpp : x*bpp+bpp]
			o := out[x*4 : x*4+4]
			switch layout {
			case LayoutGrayAlpha:
				o[0], o[1], o[2], o[3] = p[0], p[0], p[0], p[1]
			case LayoutRGB:
				o[0], o[1], o[2], o[3] = p[0], p[1], p[2], 0xff
			case LayoutBGR:
				o[0], o[1], o[2], o[3] = p[2], p[1], p[0], 0xff
			case LayoutRGBA:
				o[0], o[1], o[2], o[3] = p[0], p[1], p[2], p[3]
			case LayoutBGRA:
				o[0], o[1], o[2], o[3] = p[2], p[1], p[0], p[3]
			case LayoutRGBX:
				o[0], o[1], o[2], o[3] = p[0], p[1], p[2], 0xff
			case LayoutBGRX:
				o[0], o[1], o[2], o[3] = p[2], p[1], p[0], 0xff
			}
			if o[3] != 0xff {
				opaque = false
			}
		}
	}

	switch {
	case layout == LayoutGrayAlpha && opaque:
		return Normalize(toGray(dst)), nil
	case layout == LayoutGrayAlpha:
		return &Decoded{Image: dst, Model: GrayAlpha}, nil
	case opaque:
		return &Decoded{Image: dst, Model: RGB}, nil
	}
	return &Decoded{Image: dst, Model: RGBA}, nil
}

// toGray returns the luma of img, ignoring alpha.
func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if n, ok := img.(*image.NRGBA); ok {
		for y := range b.Dy() {
			src := n.Pix[n.PixOffset(b.Min.X, b.Min.Y+y):]
			out := dst.Pix[y*dst.Stride:]
			for x := range b.Dx() {
				out[x] = luma(src[x*4], src[x*4+1], src[x*4+2])
			}
		}
		return dst
	}
	for y := range b.Dy() {
		for x := range b.Dx() {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			dst.Pix[y*dst.Stride+x] = luma(c.R, c.G, c.B)
		}
	}
	return dst
}

// luma uses the Rec. 709 weights.
func luma(r, g, b uint8) uint8 {
	return uint8((2126*uint32(r) + 7152*uint32(g) + 722*uint32(b) + 5000) / 10000)
}
