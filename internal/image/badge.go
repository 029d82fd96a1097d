package image

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// BadgeSize is the edge length of a badge canvas.
const BadgeSize = 96

// Badge renders d as a notification badge: scaled (up or down) to fit a
// BadgeSize square, reduced to luma, and centred on a transparent canvas.
// Inside the placed region every pixel is gray with alpha equal to its
// luma, so dark areas become see-through.
func Badge(d *Decoded, f Filter) *Decoded {
	w, h := scaleDimensions(d.Width(), d.Height(), BadgeSize, BadgeSize)
	scaled := d
	if w != d.Width() || h != d.Height() {
		scaled = scaleTo(d, w, h, f)
	}

	gray := toGray(scaled.Image)
	placed := image.NewNRGBA(gray.Bounds())
	for y := range h {
		row := gray.Pix[y*gray.Stride:]
		out := placed.Pix[y*placed.Stride:]
		for x := range w {
			l := row[x]
			out[x*4], out[x*4+1], out[x*4+2], out[x*4+3] = l, l, l, l
		}
	}

	canvas := imaging.New(BadgeSize, BadgeSize, color.NRGBA{})
	return &Decoded{Image: imaging.PasteCenter(canvas, placed), Model: GrayAlpha}
}
