package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Service watches a single file for changes and calls onChange once per
// burst of writes. Editors that save by rename are handled by watching the
// parent directory instead of the file itself.
type Service struct {
	path     string
	onChange func(ctx context.Context, path string) error
	logger   *slog.Logger
	debounce time.Duration
	poll     time.Duration
}

// NewService creates a watcher for path.
func NewService(path string, onChange func(ctx context.Context, path string) error, logger *slog.Logger) *Service {
	return &Service{
		path:     filepath.Clean(path),
		onChange: onChange,
		logger:   logger.With("component", "config-watcher"),
		debounce: 500 * time.Millisecond,
		poll:     30 * time.Second,
	}
}

// SetDebounce overrides the default debounce interval (for testing).
func (s *Service) SetDebounce(d time.Duration) {
	s.debounce = d
}

// SetPollInterval overrides the modification-time poll interval used when
// fsnotify is unavailable.
func (s *Service) SetPollInterval(d time.Duration) {
	s.poll = d
}

// Start blocks until ctx is canceled. If fsnotify cannot watch the parent
// directory the service falls back to polling the file's modification time.
func (s *Service) Start(ctx context.Context) {
	var eventCh <-chan fsnotify.Event
	var errCh <-chan error
	var pollCh <-chan time.Time

	w, err := fsnotify.NewWatcher()
	if err == nil {
		err = w.Add(filepath.Dir(s.path))
		if err != nil {
			w.Close() //nolint:errcheck
		}
	}
	if err != nil {
		s.logger.Warn("fsnotify unavailable, polling config file", "path", s.path, "interval", s.poll, "error", err)
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		pollCh = ticker.C
	} else {
		defer w.Close() //nolint:errcheck
		eventCh = w.Events
		errCh = w.Errors
	}

	lastMod := s.modTime()

	// Debounce timer starts stopped; reset on each relevant event.
	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	pending := false

	s.logger.Info("config watcher starting", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("config watcher stopping")
			return

		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			if !s.relevant(ev) {
				continue
			}
			s.arm(debounceTimer)
			pending = true

		case err, ok := <-errCh:
			if !ok {
				return
			}
			s.logger.Error("fsnotify error", "error", err)

		case <-pollCh:
			if mod := s.modTime(); !mod.Equal(lastMod) {
				lastMod = mod
				s.arm(debounceTimer)
				pending = true
			}

		case <-debounceTimer.C:
			if !pending {
				continue
			}
			pending = false
			if _, err := os.Stat(s.path); err != nil {
				s.logger.Warn("config file missing after change, keeping current settings", "path", s.path)
				continue
			}
			s.logger.Info("config file changed, reloading", "path", s.path)
			if err := s.onChange(ctx, s.path); err != nil {
				s.logger.Error("config reload failed", "path", s.path, "error", err)
			}
		}
	}
}

func (s *Service) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != s.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (s *Service) arm(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(s.debounce)
}

func (s *Service) modTime() time.Time {
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
