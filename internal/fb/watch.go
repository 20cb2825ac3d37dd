package fb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WaitForDevice blocks until devicePath exists, for the case where the CLI
// is started before the DRM driver has created the node (e.g. racing a
// udev add event at boot). It returns immediately if the node is already
// present.
func WaitForDevice(ctx context.Context, devicePath string) error {
	if _, err := os.Stat(devicePath); err == nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fb: create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(devicePath)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("fb: watch %s: %w", dir, err)
	}

	if _, err := os.Stat(devicePath); err == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("fb: watcher closed while waiting for %s", devicePath)
			}
			if ev.Name == devicePath && (ev.Op&(fsnotify.Create) != 0) {
				return nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("fb: watcher closed while waiting for %s", devicePath)
			}
			return fmt.Errorf("fb: watch error: %w", err)
		}
	}
}
