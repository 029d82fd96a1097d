package proxy

import (
	"bytes"
	_ "embed"
	"fmt"
	"image/png"
	"os"
)

//go:embed assets/placeholder.png
var placeholder []byte

// LoadFallback returns the placeholder served for fallback requests. An
// empty path selects the built-in transparent pixel. The file must be a
// PNG since it is always served as image/png.
func LoadFallback(path string) ([]byte, error) {
	if path == "" {
		return placeholder, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fallback image: %w", err)
	}
	if _, err := png.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("fallback image %s is not a png: %w", path, err)
	}
	return data, nil
}
