package instrument

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FrameWatcher waits for frame files to land in a directory.
type FrameWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
}

// WatchFrames starts watching dir, which must exist.
func WatchFrames(dir string) (*FrameWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &FrameWatcher{dir: dir, watcher: w}, nil
}

// Wait blocks until path exists with a non-zero size, or ctx ends.
func (fw *FrameWatcher) Wait(ctx context.Context, path string) error {
	target := filepath.Clean(path)
	if ready(target) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("frame %s did not arrive: %w", filepath.Base(target), ctx.Err())
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return fmt.Errorf("frame watcher closed")
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && ready(target) {
				return nil
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return fmt.Errorf("frame watcher closed")
			}
			return fmt.Errorf("frame watcher: %w", err)
		}
	}
}

// Close stops watching.
func (fw *FrameWatcher) Close() error {
	return fw.watcher.Close()
}

func ready(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}
