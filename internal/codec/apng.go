package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/draw"
	"image/png"
	"io"
	"time"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

const (
	apngDisposeNone       = 0
	apngDisposeBackground = 1
	apngDisposePrevious   = 2
	apngBlendSource       = 0
)

type pngChunk struct {
	typ  string
	data []byte
}

type apngFrame struct {
	width, height int
	x, y          int
	delay         time.Duration
	dispose       byte
	blend         byte
	data          [][]byte
}

type apngFile struct {
	ihdr   []byte
	shared []pngChunk
	frames []*apngFrame
	width  int
	height int
}

// readPNGChunks splits a PNG stream into chunks without verifying CRCs.
func readPNGChunks(data []byte) ([]pngChunk, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, errors.New("png: bad signature")
	}
	var chunks []pngChunk
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[pos:]))
		typ := string(data[pos+4 : pos+8])
		if n < 0 || pos+12+n > len(data) {
			return chunks, io.ErrUnexpectedEOF
		}
		chunks = append(chunks, pngChunk{typ: typ, data: data[pos+8 : pos+8+n]})
		pos += 12 + n
		if typ == "IEND" {
			break
		}
	}
	return chunks, nil
}

// isAPNG reports whether an acTL chunk precedes the first IDAT.
func isAPNG(data []byte) bool {
	chunks, _ := readPNGChunks(data)
	for _, c := range chunks {
		switch c.typ {
		case "acTL":
			return true
		case "IDAT":
			return false
		}
	}
	return false
}

func parseAPNG(data []byte) (*apngFile, error) {
	chunks, err := readPNGChunks(data)
	if err != nil && len(chunks) == 0 {
		return nil, err
	}

	f := &apngFile{}
	var cur *apngFrame
	seenIDAT := false
	for _, c := range chunks {
		switch c.typ {
		case "IHDR":
			if len(c.data) != 13 {
				return nil, errors.New("png: bad IHDR")
			}
			f.ihdr = c.data
			f.width = int(binary.BigEndian.Uint32(c.data[0:4]))
			f.height = int(binary.BigEndian.Uint32(c.data[4:8]))
		case "acTL", "IEND":
		case "fcTL":
			if len(c.data) != 26 {
				return nil, errors.New("apng: bad fcTL")
			}
			cur = parseFCTL(c.data)
			if !f.fits(cur) {
				return nil, fmt.Errorf("%w: apng frame %dx%d at (%d,%d) outside %dx%d canvas",
					ErrDecode, cur.width, cur.height, cur.x, cur.y, f.width, f.height)
			}
			f.frames = append(f.frames, cur)
		case "IDAT":
			seenIDAT = true
			// IDAT only belongs to the animation when an fcTL came first.
			if cur != nil {
				cur.data = append(cur.data, c.data)
			}
		case "fdAT":
			if cur != nil && len(c.data) > 4 {
				cur.data = append(cur.data, c.data[4:])
			}
		default:
			if !seenIDAT {
				f.shared = append(f.shared, c)
			}
		}
	}
	if f.ihdr == nil {
		return nil, errors.New("png: missing IHDR")
	}
	return f, nil
}

// fits reports whether fr lies inside the canvas. Frame buffers are
// allocated from the fcTL size, so this bounds them by the checked canvas.
func (f *apngFile) fits(fr *apngFrame) bool {
	return fr.width > 0 && fr.height > 0 && fr.x >= 0 && fr.y >= 0 &&
		fr.x+fr.width <= f.width && fr.y+fr.height <= f.height
}

func parseFCTL(b []byte) *apngFrame {
	num := binary.BigEndian.Uint16(b[20:22])
	den := binary.BigEndian.Uint16(b[22:24])
	if den == 0 {
		den = 100
	}
	return &apngFrame{
		width:   int(binary.BigEndian.Uint32(b[4:8])),
		height:  int(binary.BigEndian.Uint32(b[8:12])),
		x:       int(binary.BigEndian.Uint32(b[12:16])),
		y:       int(binary.BigEndian.Uint32(b[16:20])),
		delay:   time.Duration(num) * time.Second / time.Duration(den),
		dispose: b[24],
		blend:   b[25],
	}
}

// framePNG rebuilds a standalone PNG holding one frame's image data.
func (f *apngFile) framePNG(fr *apngFrame) []byte {
	var buf bytes.Buffer
	buf.Write(pngSignature)

	ihdr := make([]byte, len(f.ihdr))
	copy(ihdr, f.ihdr)
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(fr.width))
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(fr.height))
	writePNGChunk(&buf, "IHDR", ihdr)

	for _, c := range f.shared {
		writePNGChunk(&buf, c.typ, c.data)
	}
	for _, d := range fr.data {
		writePNGChunk(&buf, "IDAT", d)
	}
	writePNGChunk(&buf, "IEND", nil)
	return buf.Bytes()
}

func writePNGChunk(w *bytes.Buffer, typ string, data []byte) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(data)))
	copy(hdr[4:], typ)
	w.Write(hdr[:])
	w.Write(data)
	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}

func openAPNG(data []byte, lim Limits) (Frames, bool, error) {
	if !isAPNG(data) {
		return nil, false, nil
	}
	f, err := parseAPNG(data)
	if err != nil {
		return nil, false, err
	}
	if err := lim.check(image.Config{Width: f.width, Height: f.height}); err != nil {
		return nil, false, err
	}
	if len(f.frames) == 0 {
		return nil, false, errors.New("apng: no frames")
	}
	return &apngFrames{
		file:   f,
		canvas: image.NewNRGBA(image.Rect(0, 0, f.width, f.height)),
	}, true, nil
}

type apngFrames struct {
	file   *apngFile
	canvas *image.NRGBA
	next   int
}

func (it *apngFrames) Next() (Frame, error) {
	if it.next >= len(it.file.frames) {
		return Frame{}, io.EOF
	}
	i := it.next
	it.next++
	fr := it.file.frames[i]

	src, err := png.Decode(bytes.NewReader(it.file.framePNG(fr)))
	if err != nil {
		return Frame{}, fmt.Errorf("apng frame %d: %w", i, err)
	}

	rect := image.Rect(fr.x, fr.y, fr.x+fr.width, fr.y+fr.height).Intersect(it.canvas.Bounds())
	dispose := fr.dispose
	if i == 0 && dispose == apngDisposePrevious {
		dispose = apngDisposeBackground
	}
	var saved *image.NRGBA
	if dispose == apngDisposePrevious {
		saved = cloneNRGBA(it.canvas)
	}

	op := draw.Over
	if fr.blend == apngBlendSource {
		op = draw.Src
	}
	draw.Draw(it.canvas, rect, src, src.Bounds().Min, op)
	out := cloneNRGBA(it.canvas)

	switch dispose {
	case apngDisposeBackground:
		draw.Draw(it.canvas, rect, image.Transparent, image.Point{}, draw.Src)
	case apngDisposePrevious:
		it.canvas = saved
	}

	return Frame{Image: out, Delay: fr.delay}, nil
}
