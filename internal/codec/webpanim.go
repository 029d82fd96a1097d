package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"time"

	"golang.org/x/image/webp"
)

const (
	vp8xFlagAnimation = 0x02
	vp8xFlagAlpha     = 0x10

	anmfFlagDispose = 0x01
	anmfFlagNoBlend = 0x02
)

type riffChunk struct {
	fourCC string
	data   []byte
}

// readRIFFChunks splits the payload of a RIFF/WEBP container.
func readRIFFChunks(data []byte) ([]riffChunk, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, errors.New("webp: bad RIFF header")
	}
	return splitChunks(data[12:])
}

func splitChunks(data []byte) ([]riffChunk, error) {
	var chunks []riffChunk
	pos := 0
	for pos+8 <= len(data) {
		n := int(binary.LittleEndian.Uint32(data[pos+4:]))
		if n < 0 || pos+8+n > len(data) {
			return chunks, io.ErrUnexpectedEOF
		}
		chunks = append(chunks, riffChunk{fourCC: string(data[pos : pos+4]), data: data[pos+8 : pos+8+n]})
		pos += 8 + n + n&1
	}
	return chunks, nil
}

func uint24(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

// webpCanvas returns the VP8X canvas size and whether the animation flag is
// set.
func webpCanvas(data []byte) (w, h int, animated bool) {
	if len(data) < 30 || string(data[12:16]) != "VP8X" {
		return 0, 0, false
	}
	p := data[20:30]
	return uint24(p[4:7]) + 1, uint24(p[7:10]) + 1, p[0]&vp8xFlagAnimation != 0
}

type webpFrame struct {
	x, y, w, h int
	delay      time.Duration
	dispose    bool
	noBlend    bool
	chunks     []riffChunk
}

func parseANMF(b []byte) (*webpFrame, error) {
	if len(b) < 16 {
		return nil, errors.New("webp: short ANMF")
	}
	fr := &webpFrame{
		x:       uint24(b[0:3]) * 2,
		y:       uint24(b[3:6]) * 2,
		w:       uint24(b[6:9]) + 1,
		h:       uint24(b[9:12]) + 1,
		delay:   time.Duration(uint24(b[12:15])) * time.Millisecond,
		dispose: b[15]&anmfFlagDispose != 0,
		noBlend: b[15]&anmfFlagNoBlend != 0,
	}
	chunks, err := splitChunks(b[16:])
	if err != nil && len(chunks) == 0 {
		return nil, err
	}
	fr.chunks = chunks
	return fr, nil
}

func (fr *webpFrame) bitstream() *riffChunk {
	for i := range fr.chunks {
		if c := &fr.chunks[i]; c.fourCC == "VP8 " || c.fourCC == "VP8L" {
			return c
		}
	}
	return nil
}

// bitstreamSize reads the dimensions from the VP8 or VP8L header alone.
func (fr *webpFrame) bitstreamSize() (w, h int, err error) {
	bs := fr.bitstream()
	if bs == nil {
		return 0, 0, errors.New("no bitstream")
	}
	var body bytes.Buffer
	writeRIFFChunk(&body, bs.fourCC, bs.data)
	cfg, err := webp.DecodeConfig(bytes.NewReader(riffWrap(body.Bytes())))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return cfg.Width, cfg.Height, nil
}

func riffWrap(body []byte) []byte {
	var out bytes.Buffer
	out.WriteString("RIFF")
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(4+len(body)))
	out.Write(size[:])
	out.WriteString("WEBP")
	out.Write(body)
	return out.Bytes()
}

// standalone wraps a frame's bitstream chunks in their own WebP file so a
// still-image decoder can read them.
func (fr *webpFrame) standalone() []byte {
	var body bytes.Buffer
	var alph *riffChunk
	for i := range fr.chunks {
		if fr.chunks[i].fourCC == "ALPH" {
			alph = &fr.chunks[i]
		}
	}
	bitstream := fr.bitstream()
	if bitstream == nil {
		return nil
	}
	if alph != nil && bitstream.fourCC == "VP8 " {
		vp8x := make([]byte, 10)
		vp8x[0] = vp8xFlagAlpha
		putUint24(vp8x[4:7], fr.w-1)
		putUint24(vp8x[7:10], fr.h-1)
		writeRIFFChunk(&body, "VP8X", vp8x)
		writeRIFFChunk(&body, "ALPH", alph.data)
	}
	writeRIFFChunk(&body, bitstream.fourCC, bitstream.data)
	return riffWrap(body.Bytes())
}

func putUint24(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func writeRIFFChunk(w *bytes.Buffer, fourCC string, data []byte) {
	var hdr [8]byte
	copy(hdr[:4], fourCC)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(data)))
	w.Write(hdr[:])
	w.Write(data)
	if len(data)&1 == 1 {
		w.WriteByte(0)
	}
}

// webpConfig is webp.DecodeConfig that also checks an extended file's
// bitstream against its VP8X canvas, since the decoder allocates from the
// bitstream header.
func webpConfig(r io.Reader) (image.Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return image.Config{}, err
	}
	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, err
	}
	// Animated files keep their bitstreams inside ANMF, so only the canvas
	// is checked here.
	chunks, _ := readRIFFChunks(data)
	fr := &webpFrame{chunks: chunks}
	if fr.bitstream() == nil {
		return cfg, nil
	}
	w, h, err := fr.bitstreamSize()
	if err != nil {
		return image.Config{}, err
	}
	if w != cfg.Width || h != cfg.Height {
		return image.Config{}, fmt.Errorf("webp: bitstream is %dx%d, canvas is %dx%d", w, h, cfg.Width, cfg.Height)
	}
	return cfg, nil
}

func openAnimatedWebP(data []byte, lim Limits) (Frames, bool, error) {
	w, h, animated := webpCanvas(data)
	if !animated {
		return nil, false, nil
	}
	if err := lim.check(image.Config{Width: w, Height: h}); err != nil {
		return nil, false, err
	}
	chunks, err := readRIFFChunks(data)
	if err != nil && len(chunks) == 0 {
		return nil, false, err
	}
	var frames []*webpFrame
	for _, c := range chunks {
		if c.fourCC != "ANMF" {
			continue
		}
		fr, err := parseANMF(c.data)
		if err != nil {
			// Keep what parsed; iteration stops at the broken frame.
			break
		}
		if fr.x+fr.w > w || fr.y+fr.h > h {
			return nil, false, fmt.Errorf("%w: webp frame %dx%d at (%d,%d) outside %dx%d canvas",
				ErrDecode, fr.w, fr.h, fr.x, fr.y, w, h)
		}
		frames = append(frames, fr)
	}
	if len(frames) == 0 {
		return nil, false, errors.New("webp: animation has no frames")
	}
	return &webpFrames{frames: frames, canvas: image.NewNRGBA(image.Rect(0, 0, w, h))}, true, nil
}

type webpFrames struct {
	frames []*webpFrame
	canvas *image.NRGBA
	next   int
}

func (it *webpFrames) Next() (Frame, error) {
	if it.next >= len(it.frames) {
		return Frame{}, io.EOF
	}
	i := it.next
	it.next++
	fr := it.frames[i]

	file := fr.standalone()
	if file == nil {
		return Frame{}, fmt.Errorf("webp frame %d: no bitstream", i)
	}
	// The decoder sizes its buffers from the bitstream header, not the ANMF
	// header, so the two must agree before decoding.
	bw, bh, err := fr.bitstreamSize()
	if err != nil {
		return Frame{}, fmt.Errorf("webp frame %d: %w", i, err)
	}
	if bw != fr.w || bh != fr.h {
		return Frame{}, fmt.Errorf("%w: webp frame %d bitstream is %dx%d, frame is %dx%d",
			ErrDecode, i, bw, bh, fr.w, fr.h)
	}
	src, err := webp.Decode(bytes.NewReader(file))
	if err != nil {
		return Frame{}, fmt.Errorf("webp frame %d: %w", i, err)
	}

	rect := image.Rect(fr.x, fr.y, fr.x+fr.w, fr.y+fr.h).Intersect(it.canvas.Bounds())
	op := draw.Over
	if fr.noBlend {
		op = draw.Src
	}
	draw.Draw(it.canvas, rect, src, src.Bounds().Min, op)
	out := cloneNRGBA(it.canvas)

	if fr.dispose {
		draw.Draw(it.canvas, rect, image.Transparent, image.Point{}, draw.Src)
	}
	return Frame{Image: out, Delay: fr.delay}, nil
}
