package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/wingrelay/internal/logger"
)

// ContextSource reads the system context file once, caches it, and refreshes the
// cache when the file changes on disk. A missing file yields "".
type ContextSource struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	content string
	loaded  bool
}

func NewContextSource(path string) *ContextSource {
	return &ContextSource{path: filepath.Clean(path), log: logger.With("context")}
}

// Load returns the cached context, reading the file on first use.
func (s *ContextSource) Load() string {
	s.mu.RLock()
	if s.loaded {
		c := s.content
		s.mu.RUnlock()
		return c
	}
	s.mu.RUnlock()
	return s.reload()
}

func (s *ContextSource) reload() string {
	data, err := os.ReadFile(s.path)
	var content string
	switch {
	case err == nil:
		content = string(data)
		s.log.Info("system context loaded", "path", s.path, "chars", len(content))
	case errors.Is(err, os.ErrNotExist):
		s.log.Warn("system context not found", "path", s.path)
	default:
		s.log.Error("read system context", "path", s.path, "error", err)
	}
	s.mu.Lock()
	s.content = content
	s.loaded = true
	s.mu.Unlock()
	return content
}

// Watch refreshes the cache whenever the file is written, created, renamed or
// removed, until ctx is done. The parent directory is watched so editors that
// replace the file are picked up.
func (s *ContextSource) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("context watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != s.path {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					s.log.Debug("system context changed", "op", ev.Op.String())
					s.reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("context watcher error", "error", err)
			}
		}
	}()
	return nil
}
