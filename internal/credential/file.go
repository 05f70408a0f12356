package credential

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dimas4dev/talkiplay/internal/logger"
)

// File serves a token stored in a plain file, trimmed of whitespace. Watch
// keeps the cached value current when another process rewrites the file.
type File struct {
	path string
	log  *logger.Logger

	mu    sync.RWMutex
	token string
}

// NewFile reads path once. A missing file is not an error; AccessToken
// reports ErrNoCredential until the file appears.
func NewFile(path string, log *logger.Logger) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("credential file path is empty")
	}
	f := &File{path: filepath.Clean(path), log: logger.OrNop(log).WithComponent("credential")}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) AccessToken() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.token == "" {
		return "", ErrNoCredential
	}
	return f.token, nil
}

func (f *File) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read credential file %s: %w", f.path, err)
	}
	token := strings.TrimSpace(string(data))
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
	return nil
}

// Watch reloads the token whenever the file is written, created, renamed or
// removed, until ctx is done. The parent directory is watched so editors that
// replace the file atomically are picked up. ready, if non-nil, is closed
// once the watch is registered.
func (f *File) Watch(ctx context.Context, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create credential watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := f.reload(); err != nil {
				f.log.Warn("credential reload failed", "path", f.path, "error", err)
				continue
			}
			f.log.Debug("credential reloaded", "path", f.path, "op", event.Op.String())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("credential watcher error", "error", err)
		}
	}
}
