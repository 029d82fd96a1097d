// Package fonts builds the read-only font table used to render SVG text.
package fonts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
)

// ErrNoFamily is returned by Face for a family that was not loaded.
var ErrNoFamily = errors.New("font family not found")

// systemDirs are scanned when Options.LoadSystem is set.
var systemDirs = []string{"/usr/share/fonts", "/usr/local/share/fonts"}

// Options selects where fonts are loaded from.
type Options struct {
	LoadSystem bool
	Dirs       []string
}

// Library maps family names to parsed fonts. It is immutable after Load
// and safe for concurrent use.
type Library struct {
	families map[string]*sfnt.Font
	order    []string
}

// Load scans the system font directories (when enabled), then opts.Dirs,
// then adds the embedded Go Regular face so the library is never empty.
// The first face seen for a family wins.
func Load(opts Options, logger *slog.Logger) *Library {
	l := &Library{families: make(map[string]*sfnt.Font)}

	var dirs []string
	if opts.LoadSystem {
		dirs = append(dirs, systemDirs...)
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(home, ".fonts"))
		}
	}
	dirs = append(dirs, opts.Dirs...)

	for _, dir := range dirs {
		l.loadDir(dir, logger)
	}
	if f, err := opentype.Parse(goregular.TTF); err == nil {
		l.add(f)
	}

	logger.Info("fonts loaded", slog.Int("families", len(l.order)), slog.String("default", l.Default()))
	return l
}

func (l *Library) loadDir(dir string, logger *slog.Logger) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".ttf", ".otf", ".ttc", ".otc":
		default:
			return nil
		}
		if err := l.loadFile(path); err != nil {
			logger.Debug("skipping font file", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("scanning font directory", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}

func (l *Library) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-configured font directory
	if err != nil {
		return err
	}
	if f, err := opentype.Parse(data); err == nil {
		l.add(f)
		return nil
	}
	c, err := opentype.ParseCollection(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	for i := range c.NumFonts() {
		f, err := c.Font(i)
		if err != nil {
			return fmt.Errorf("parsing %s face %d: %w", path, i, err)
		}
		l.add(f)
	}
	return nil
}

func (l *Library) add(f *sfnt.Font) {
	name, err := f.Name(nil, sfnt.NameIDFamily)
	if err != nil || name == "" {
		return
	}
	key := strings.ToLower(name)
	if _, ok := l.families[key]; ok {
		return
	}
	l.families[key] = f
	l.order = append(l.order, name)
}

// Default returns the first family loaded.
func (l *Library) Default() string {
	if len(l.order) == 0 {
		return ""
	}
	return l.order[0]
}

// Families lists the loaded families in load order.
func (l *Library) Families() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Face returns a new face for family at size pixels. Family matching is
// case-insensitive. Callers own the returned face.
func (l *Library) Face(family string, size float64) (font.Face, error) {
	f, ok := l.families[strings.ToLower(strings.TrimSpace(family))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoFamily, family)
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	})
}
