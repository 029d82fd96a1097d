package image

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Unbounded marks a SizeHint axis with no limit.
const Unbounded = math.MaxInt32

// SizeHint is the bounding box an output must fit in.
type SizeHint struct {
	Width  int
	Height int
}

// Intent carries the request flags that influence output size.
type Intent struct {
	Badge   bool
	Static  bool
	Emoji   bool
	Preview bool
	Avatar  bool
}

// Hint picks the bounding box for in. The first matching flag wins, in the
// order badge, static, emoji, preview, avatar.
func Hint(in Intent, maxPixels int) SizeHint {
	switch {
	case in.Badge:
		return SizeHint{BadgeSize, BadgeSize}
	case in.Static:
		return SizeHint{498, 422}
	case in.Emoji:
		return SizeHint{Unbounded, 128}
	case in.Preview:
		return SizeHint{200, 200}
	case in.Avatar:
		return SizeHint{Unbounded, 320}
	}
	return SizeHint{maxPixels, maxPixels}
}

// Filter selects the resampling kernel.
type Filter int

const (
	FilterNearest Filter = iota
	FilterTriangle
	FilterCatmullRom
	FilterGaussian
	FilterLanczos3
)

// ParseFilter maps a configuration name to a Filter.
func ParseFilter(s string) (Filter, error) {
	switch s {
	case "nearest":
		return FilterNearest, nil
	case "triangle":
		return FilterTriangle, nil
	case "catmullrom":
		return FilterCatmullRom, nil
	case "gaussian":
		return FilterGaussian, nil
	case "lanczos3":
		return FilterLanczos3, nil
	}
	return 0, fmt.Errorf("unknown filter %q", s)
}

func (f Filter) String() string {
	switch f {
	case FilterNearest:
		return "nearest"
	case FilterTriangle:
		return "triangle"
	case FilterCatmullRom:
		return "catmullrom"
	case FilterGaussian:
		return "gaussian"
	case FilterLanczos3:
		return "lanczos3"
	}
	return fmt.Sprintf("Filter(%d)", int(f))
}

var (
	// Gaussian with sigma 0.5; Kernel normalises the weights itself.
	gaussianKernel = &draw.Kernel{Support: 3, At: func(t float64) float64 {
		return math.Exp(-2 * t * t)
	}}
	lanczos3Kernel = &draw.Kernel{Support: 3, At: func(t float64) float64 {
		if t < 0 {
			t = -t
		}
		if t >= 3 {
			return 0
		}
		return sinc(t) * sinc(t/3)
	}}
)

func sinc(t float64) float64 {
	if t == 0 {
		return 1
	}
	t *= math.Pi
	return math.Sin(t) / t
}

func (f Filter) interpolator() draw.Interpolator {
	switch f {
	case FilterNearest:
		return draw.NearestNeighbor
	case FilterCatmullRom:
		return draw.CatmullRom
	case FilterGaussian:
		return gaussianKernel
	case FilterLanczos3:
		return lanczos3Kernel
	}
	return draw.BiLinear
}

// Resize shrinks d to fit hint, preserving aspect ratio. Images that already
// fit are returned unchanged; nothing is ever enlarged.
func Resize(d *Decoded, hint SizeHint, f Filter) *Decoded {
	w, h := fitDimensions(d.Width(), d.Height(), hint.Width, hint.Height)
	if w == d.Width() && h == d.Height() {
		return d
	}
	return scaleTo(d, w, h, f)
}

// fitDimensions calculates new dimensions that fit within maxW x maxH
// while preserving the aspect ratio.
func fitDimensions(origW, origH, maxW, maxH int) (int, int) {
	if origW <= maxW && origH <= maxH {
		return origW, origH
	}
	return scaleDimensions(origW, origH, maxW, maxH)
}

// scaleDimensions fits origW x origH into maxW x maxH in either direction.
func scaleDimensions(origW, origH, maxW, maxH int) (int, int) {
	ratio := min(float64(maxW)/float64(origW), float64(maxH)/float64(origH))

	newW := min(max(int(math.Round(float64(origW)*ratio)), 1), maxW)
	newH := min(max(int(math.Round(float64(origH)*ratio)), 1), maxH)

	return newW, newH
}

// scaleTo resamples d to exactly w x h. Colour channels are premultiplied by
// alpha for the duration of the resample so transparent pixels do not bleed
// into their neighbours.
func scaleTo(d *Decoded, w, h int, f Filter) *Decoded {
	rect := image.Rect(0, 0, w, h)
	interp := f.interpolator()

	switch src := d.Image.(type) {
	case *image.Gray:
		dst := image.NewGray(rect)
		interp.Scale(dst, rect, src, src.Bounds(), draw.Src, nil)
		return &Decoded{Image: dst, Model: d.Model}
	case *image.NRGBA:
		tmp := image.NewRGBA(rect)
		if !d.Model.HasAlpha() {
			interp.Scale(tmp, rect, rgbaView(src), src.Bounds(), draw.Src, nil)
			return &Decoded{Image: nrgbaView(tmp), Model: d.Model}
		}
		interp.Scale(tmp, rect, premultiply(src), src.Bounds(), draw.Src, nil)
		return &Decoded{Image: unpremultiply(tmp), Model: d.Model}
	}
	return scaleTo(Normalize(d.Image), w, h, f)
}

// rgbaView reinterprets straight-alpha pixels as premultiplied. Only valid
// for fully opaque images.
func rgbaView(n *image.NRGBA) *image.RGBA {
	return &image.RGBA{Pix: n.Pix, Stride: n.Stride, Rect: n.Rect}
}

func nrgbaView(r *image.RGBA) *image.NRGBA {
	return &image.NRGBA{Pix: r.Pix, Stride: r.Stride, Rect: r.Rect}
}

func premultiply(n *image.NRGBA) *image.RGBA {
	b := n.Bounds()
	dst := image.NewRGBA(b)
	for y := range b.Dy() {
		src := n.Pix[n.PixOffset(b.Min.X, b.Min.Y+y):]
		out := dst.Pix[y*dst.Stride:]
		for x := range b.Dx() {
			i := x * 4
			a := uint32(src[i+3])
			out[i] = uint8((uint32(src[i])*a + 127) / 255)
			out[i+1] = uint8((uint32(src[i+1])*a + 127) / 255)
			out[i+2] = uint8((uint32(src[i+2])*a + 127) / 255)
			out[i+3] = uint8(a)
		}
	}
	return dst
}

func unpremultiply(r *image.RGBA) *image.NRGBA {
	b := r.Bounds()
	dst := image.NewNRGBA(b)
	for y := range b.Dy() {
		src := r.Pix[r.PixOffset(b.Min.X, b.Min.Y+y):]
		out := dst.Pix[y*dst.Stride:]
		for x := range b.Dx() {
			i := x * 4
			a := uint32(src[i+3])
			if a == 0 {
				continue
			}
			out[i] = uint8(min((uint32(src[i])*255+a/2)/a, 255))
			out[i+1] = uint8(min((uint32(src[i+1])*255+a/2)/a, 255))
			out[i+2] = uint8(min((uint32(src[i+2])*255+a/2)/a, 255))
			out[i+3] = uint8(a)
		}
	}
	return dst
}
