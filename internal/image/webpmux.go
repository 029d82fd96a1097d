package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/chai2010/webp"
)

const (
	vp8xFlagAnimation = 0x02
	vp8xFlagAlpha     = 0x10
	anmfNoBlend       = 0x02
	maxFrameDuration  = 1<<24 - 1
)

type muxFrame struct {
	payload  []byte // image chunks copied from a standalone encode
	duration int
	alpha    bool
}

// AnimatedWebP assembles full-canvas frames into an animated WebP file.
// Each frame is encoded as a still by the webp encoder and its bitstream
// chunks are wrapped in an ANMF chunk.
type AnimatedWebP struct {
	width, height int
	quality       float32
	last          time.Duration
	frames        []muxFrame
}

// NewAnimatedWebP starts an animation with the given canvas size.
func NewAnimatedWebP(width, height, quality int) *AnimatedWebP {
	return &AnimatedWebP{width: width, height: height, quality: float32(quality)}
}

// Len returns the number of frames added so far.
func (a *AnimatedWebP) Len() int { return len(a.frames) }

// AddFrame encodes d and appends it. end is the running timestamp at which
// the frame stops being shown; its duration is the gap to the previous one.
func (a *AnimatedWebP) AddFrame(d *Decoded, end time.Duration) error {
	if d.Width() != a.width || d.Height() != a.height {
		return fmt.Errorf("%w: frame is %dx%d, canvas is %dx%d",
			ErrEncode, d.Width(), d.Height(), a.width, a.height)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, webpInput(d), &webp.Options{Quality: a.quality}); err != nil {
		return fmt.Errorf("%w: webp frame: %w", ErrEncode, err)
	}
	payload, alpha, err := bitstreamChunks(buf.Bytes())
	if err != nil {
		return fmt.Errorf("%w: webp frame: %w", ErrEncode, err)
	}

	ms := int(max(end-a.last, 0) / time.Millisecond)
	a.last = end
	a.frames = append(a.frames, muxFrame{payload: payload, duration: min(ms, maxFrameDuration), alpha: alpha})
	return nil
}

// Bytes returns the finished file. The animation loops forever.
func (a *AnimatedWebP) Bytes() ([]byte, error) {
	if len(a.frames) == 0 {
		return nil, fmt.Errorf("%w: animation has no frames", ErrEncode)
	}

	var body bytes.Buffer
	body.WriteString("WEBP")

	flags := byte(vp8xFlagAnimation)
	for _, f := range a.frames {
		if f.alpha {
			flags |= vp8xFlagAlpha
			break
		}
	}
	vp8x := make([]byte, 10)
	vp8x[0] = flags
	putUint24(vp8x[4:], a.width-1)
	putUint24(vp8x[7:], a.height-1)
	writeChunk(&body, "VP8X", vp8x)

	// Transparent background, infinite loop.
	writeChunk(&body, "ANIM", make([]byte, 6))

	for _, f := range a.frames {
		hdr := make([]byte, 16, 16+len(f.payload))
		putUint24(hdr[6:], a.width-1)
		putUint24(hdr[9:], a.height-1)
		putUint24(hdr[12:], f.duration)
		hdr[15] = anmfNoBlend
		writeChunk(&body, "ANMF", append(hdr, f.payload...))
	}

	out := make([]byte, 8, 8+body.Len())
	copy(out, "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(body.Len()))
	return append(out, body.Bytes()...), nil
}

// bitstreamChunks extracts the ALPH, VP8 and VP8L chunks of a still WebP
// file, re-serialised with their headers and padding.
func bitstreamChunks(data []byte) ([]byte, bool, error) {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, false, errors.New("not a webp file")
	}
	var out bytes.Buffer
	alpha := false
	for p := 12; p+8 <= len(data); {
		id := string(data[p : p+4])
		size := int(binary.LittleEndian.Uint32(data[p+4:]))
		end := p + 8 + size
		if end > len(data) {
			return nil, false, fmt.Errorf("truncated %q chunk", id)
		}
		switch id {
		case "ALPH", "VP8L":
			alpha = true
			writeChunk(&out, id, data[p+8:end])
		case "VP8 ":
			writeChunk(&out, id, data[p+8:end])
		}
		p = end + size&1
	}
	if out.Len() == 0 {
		return nil, false, errors.New("no image data")
	}
	return out.Bytes(), alpha, nil
}

func writeChunk(buf *bytes.Buffer, id string, payload []byte) {
	var hdr [8]byte
	copy(hdr[:4], id)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)
	if len(payload)&1 == 1 {
		buf.WriteByte(0)
	}
}

func putUint24(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

