package pipeline

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sydlexius/mediaproxy/internal/codec"
	mpimage "github.com/sydlexius/mediaproxy/internal/image"
)

// assembleAnimation resizes every frame from it and encodes the survivors
// as an animated WebP. A frame that fails to decode ends iteration and one
// that fails to encode is skipped; both leave a warning. Exceeding
// maxFrames fails the whole animation.
func assembleAnimation(it codec.Frames, hint mpimage.SizeHint, filter mpimage.Filter, maxFrames, quality int) ([]byte, int, []string, error) {
	var (
		anim     *mpimage.AnimatedWebP
		width    int
		height   int
		end      time.Duration
		seen     int
		warnings []string
	)

	for {
		fr, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("frame %d: %v", seen, err))
			break
		}
		seen++
		if maxFrames > 0 && seen > maxFrames {
			return nil, 0, warnings, fmt.Errorf("%w: more than %d frames", ErrFrameLimit, maxFrames)
		}

		end += fr.Delay
		d := mpimage.Resize(mpimage.Normalize(fr.Image), hint, filter)

		if anim == nil {
			width, height = d.Width(), d.Height()
			anim = mpimage.NewAnimatedWebP(width, height, quality)
		} else if d.Width() != width || d.Height() != height {
			warnings = append(warnings, fmt.Sprintf("frame %d: size %dx%d differs from %dx%d, dropped",
				seen-1, d.Width(), d.Height(), width, height))
			continue
		}

		if err := anim.AddFrame(d, end); err != nil {
			warnings = append(warnings, fmt.Sprintf("frame %d: %v", seen-1, err))
		}
	}

	if anim == nil || anim.Len() == 0 {
		return nil, 0, warnings, ErrNoFrames
	}
	body, err := anim.Bytes()
	if err != nil {
		return nil, 0, warnings, err
	}
	return body, anim.Len(), warnings, nil
}
