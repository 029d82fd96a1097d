package codec

import (
	"bytes"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	jxlCodestream = []byte{0xFF, 0x0A}
	jxlContainer  = []byte{0x00, 0x00, 0x00, 0x0C, 0x4A, 0x58, 0x4C, 0x20, 0x0D, 0x0A, 0x87, 0x0A}
	jp2Codestream = []byte{0xFF, 0x4F, 0xFF, 0x51}
	jp2Container  = []byte{0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50, 0x20, 0x20, 0x0D, 0x0A, 0x87, 0x0A}
	jxrMagic      = []byte{0x49, 0x49, 0xBC}
)

// rasterTypes maps the media types mimetype reports to codec tags.
var rasterTypes = map[string]Codec{
	"image/png":                PNG,
	"image/jpeg":               JPEG,
	"image/gif":                GIF,
	"image/webp":               WebP,
	"image/tiff":               TIFF,
	"image/bmp":                BMP,
	"image/x-icon":             ICO,
	"image/vnd.microsoft.icon": ICO,
	"image/avif":               AVIF,
}

// Sniff classifies the first chunk of a payload. contentType is the
// upstream Content-Type; filename is the Content-Disposition filename and
// may be empty.
func Sniff(head []byte, contentType, filename string) Detection {
	if len(head) == 0 {
		return Detection{}
	}
	if isSVG(head) {
		return Detection{State: Recognized, Codec: SVG}
	}

	mt := mimetype.Detect(head)
	for m := mt; m != nil; m = m.Parent() {
		if c, ok := rasterTypes[m.String()]; ok {
			return Detection{State: Recognized, Codec: c}
		}
	}

	switch {
	case bytes.HasPrefix(head, jxlCodestream), bytes.HasPrefix(head, jxlContainer):
		return Detection{State: Recognized, Codec: JXL}
	case bytes.HasPrefix(head, jp2Codestream), bytes.HasPrefix(head, jp2Container):
		return Detection{State: Recognized, Codec: JP2}
	case bytes.HasPrefix(head, jxrMagic):
		return Detection{State: Recognized, Codec: JXR}
	}

	media := mediaType(contentType)
	switch media {
	case "image/x-targa", "image/x-tga":
		return Detection{State: Recognized, Codec: TGA}
	case "image/svg+xml":
		return Detection{State: Recognized, Codec: SVG}
	}
	if strings.EqualFold(path.Ext(filename), ".tga") {
		return Detection{State: Recognized, Codec: TGA}
	}

	return Detection{
		State: Failed,
		Cause: fmt.Errorf("%w: detected %s", ErrUnrecognized, mt.String()),
	}
}

// isSVG reports whether the text content, ignoring leading whitespace, an
// XML declaration and comments, starts with an svg element.
func isSVG(head []byte) bool {
	s := bytes.TrimSpace(bytes.TrimPrefix(head, []byte("\xEF\xBB\xBF")))
	if bytes.HasPrefix(s, []byte("<svg")) {
		return true
	}
	for bytes.HasPrefix(s, []byte("<?")) || bytes.HasPrefix(s, []byte("<!--")) || bytes.HasPrefix(s, []byte("<!DOCTYPE")) {
		end := []byte(">")
		if bytes.HasPrefix(s, []byte("<!--")) {
			end = []byte("-->")
		}
		i := bytes.Index(s, end)
		if i < 0 {
			return false
		}
		s = bytes.TrimSpace(s[i+len(end):])
		if bytes.HasPrefix(s, []byte("<svg")) {
			return true
		}
	}
	return false
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
