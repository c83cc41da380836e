package policygate

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch hot-reloads the gate's policy directory: *.rego changes are
// debounced by 200ms before triggering a recompile, mirroring the teacher's
// opaManager.Watch. cb is called with nil after a successful reload, or
// with the error that caused a reload or watch failure. Watch blocks until
// ctx is cancelled.
func (g *Gate) Watch(ctx context.Context, cb func(error)) {
	if g.dir == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cb(err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(g.dir); err != nil {
		cb(err)
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if filepath.Ext(ev.Name) == ".rego" {
				debounce.Reset(200 * time.Millisecond)
			}
		case err := <-watcher.Errors:
			cb(err)
		case <-debounce.C:
			cb(g.Load(ctx))
		}
	}
}
