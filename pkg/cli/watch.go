package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/soundledger/permgate/pkg/rbac"
)

// watchSeed re-applies the seed at path whenever it is written, until ctx is
// done. The parent directory is watched because editors usually replace the
// file rather than write it in place.
func watchSeed(ctx context.Context, app *App, store *rbac.Store, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve seed path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	app.Logger.Infof("Watching %s for changes", target)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Clean(event.Name) != target {
				continue
			}
			app.Logger.Infof("Seed file changed: %s", event.Name)
			if err := applySeedFile(ctx, app, store, target); err != nil {
				// a half-written file fails to parse; the next write retries
				app.Logger.WithError(err).Error("Failed to apply seed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			app.Logger.WithError(err).Warn("Watcher error")
		}
	}
}
