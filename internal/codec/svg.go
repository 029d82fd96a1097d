package codec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

// FontSource supplies faces for SVG text.
type FontSource interface {
	// Default is the family used when a text element names none, or names
	// one that is not installed.
	Default() string
	Face(family string, size float64) (font.Face, error)
}

// RenderSVG rasterises an SVG document so that it fits within maxW x maxH.
// It never scales above the document's intrinsic size. A raster larger than
// lim.MaxPixels is refused before it is allocated.
func RenderSVG(data []byte, maxW, maxH int, lim Limits, fonts FontSource) (*image.RGBA, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data), oksvg.WarnErrorMode)
	if err != nil {
		return nil, fmt.Errorf("%w: svg: %w", ErrDecode, err)
	}
	texts := parseSVGText(data)

	vb := icon.ViewBox
	w, h := vb.W, vb.H

	bounds := pathBounds(icon)
	for _, t := range texts {
		bounds = bounds.Union(t.bounds(fonts))
	}
	if bw, bh := bounds.Dx(), bounds.Dy(); float64(bw) > w || float64(bh) > h {
		w, h = math.Max(w, float64(bw)), math.Max(h, float64(bh))
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: svg has no size", ErrDecode)
	}

	scale := math.Min(math.Min(float64(maxW)/w, float64(maxH)/h), 1)
	fw, fh := math.Max(math.Round(w*scale), 1), math.Max(math.Round(h*scale), 1)
	if lim.MaxPixels > 0 && fw*fh > float64(lim.MaxPixels) {
		return nil, fmt.Errorf("%w: svg raster %.0fx%.0f", ErrTooManyPixels, fw, fh)
	}
	if fw > math.MaxInt32 || fh > math.MaxInt32 {
		return nil, fmt.Errorf("%w: svg raster %.0fx%.0f", ErrTooManyPixels, fw, fh)
	}
	outW, outH := int(fw), int(fh)

	img := image.NewRGBA(image.Rect(0, 0, outW, outH))
	if vb.W > 0 && vb.H > 0 {
		icon.SetTarget(0, 0, vb.W*scale, vb.H*scale)
		scanner := rasterx.NewScannerGV(outW, outH, img, img.Bounds())
		raster := rasterx.NewDasher(outW, outH, scanner)
		icon.Draw(raster, 1.0)
	}

	for _, t := range texts {
		t.draw(img, fonts, vb.X, vb.Y, scale)
	}
	return img, nil
}

// boundsAdder records the extent of every point handed to it.
type boundsAdder struct {
	minX, minY, maxX, maxY fixed.Int26_6
	any                    bool
}

func (b *boundsAdder) add(pts ...fixed.Point26_6) {
	for _, p := range pts {
		if !b.any {
			b.minX, b.maxX, b.minY, b.maxY = p.X, p.X, p.Y, p.Y
			b.any = true
			continue
		}
		b.minX, b.maxX = min(b.minX, p.X), max(b.maxX, p.X)
		b.minY, b.maxY = min(b.minY, p.Y), max(b.maxY, p.Y)
	}
}

func (b *boundsAdder) Start(a fixed.Point26_6) { b.add(a) }
func (b *boundsAdder) Line(a fixed.Point26_6) { b.add(a) }
func (b *boundsAdder) QuadBezier(c, d fixed.Point26_6) { b.add(c, d) }
func (b *boundsAdder) CubeBezier(c, d, e fixed.Point26_6) { b.add(c, d, e) }
func (b *boundsAdder) Stop(bool) {}

// pathBounds returns the untransformed extent of every path, measured from
// the origin so that content drawn past the viewBox edge is included.
func pathBounds(icon *oksvg.SvgIcon) image.Rectangle {
	var b boundsAdder
	for _, p := range icon.SVGPaths {
		p.Path.AddTo(&b)
	}
	if !b.any {
		return image.Rectangle{}
	}
	return image.Rect(0, 0, b.maxX.Ceil()-int(icon.ViewBox.X), b.maxY.Ceil()-int(icon.ViewBox.Y))
}

type svgText struct {
	x, y   float64
	size   float64
	family string
	anchor string
	fill   color.Color
	text   string
}

// parseSVGText collects text elements, which the path renderer ignores.
// Transforms on text and its ancestors are not applied.
func parseSVGText(data []byte) []svgText {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var out []svgText
	var cur *svgText
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if !errors.Is(err, io.EOF) && cur != nil {
				out = append(out, *cur)
			}
			return out
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if cur != nil {
				depth++
				continue
			}
			if el.Name.Local == "text" {
				cur = newSVGText(el.Attr)
				depth = 0
			}
		case xml.EndElement:
			if cur == nil {
				continue
			}
			if depth > 0 {
				depth--
				continue
			}
			if strings.TrimSpace(cur.text) != "" {
				cur.text = strings.Join(strings.Fields(cur.text), " ")
				out = append(out, *cur)
			}
			cur = nil
		case xml.CharData:
			if cur != nil {
				cur.text += string(el)
			}
		}
	}
}

func newSVGText(attrs []xml.Attr) *svgText {
	t := &svgText{size: 16, fill: color.Black}
	for _, a := range attrs {
		switch a.Name.Local {
		case "x":
			t.x = parseLength(a.Value)
		case "y":
			t.y = parseLength(a.Value)
		case "font-size":
			if v := parseLength(a.Value); v > 0 {
				t.size = v
			}
		case "font-family":
			t.family = strings.Trim(strings.TrimSpace(strings.Split(a.Value, ",")[0]), `'"`)
		case "text-anchor":
			t.anchor = a.Value
		case "fill":
			if c, err := oksvg.ParseSVGColor(a.Value); err == nil && c != nil {
				t.fill = c
			}
		}
	}
	return t
}

// parseLength reads the leading number of an SVG length, ignoring units.
func parseLength(s string) float64 {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " ,"); i >= 0 {
		s = s[:i]
	}
	end := len(s)
	for end > 0 && !strings.ContainsRune("0123456789.", rune(s[end-1])) {
		end--
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0
	}
	return v
}

func (t svgText) face(fonts FontSource, scale float64) (font.Face, error) {
	if fonts == nil {
		return nil, errors.New("no fonts")
	}
	if t.family != "" {
		if f, err := fonts.Face(t.family, t.size*scale); err == nil {
			return f, nil
		}
	}
	return fonts.Face(fonts.Default(), t.size*scale)
}

func (t svgText) startX(face font.Face, x float64) float64 {
	adv := float64(font.MeasureString(face, t.text)) / 64
	switch t.anchor {
	case "middle":
		return x - adv/2
	case "end":
		return x - adv
	}
	return x
}

func (t svgText) bounds(fonts FontSource) image.Rectangle {
	face, err := t.face(fonts, 1)
	if err != nil {
		return image.Rectangle{}
	}
	defer face.Close() //nolint:errcheck
	x := t.startX(face, t.x)
	adv := float64(font.MeasureString(face, t.text)) / 64
	return image.Rect(0, 0, int(math.Ceil(x+adv)), int(math.Ceil(t.y+float64(face.Metrics().Descent.Ceil()))))
}

func (t svgText) draw(dst *image.RGBA, fonts FontSource, originX, originY, scale float64) {
	face, err := t.face(fonts, scale)
	if err != nil {
		return
	}
	defer face.Close() //nolint:errcheck

	x := t.startX(face, (t.x-originX)*scale)
	y := (t.y - originY) * scale
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(t.fill),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.Int26_6(x * 64), Y: fixed.Int26_6(y * 64)},
	}
	d.DrawString(t.text)
}
