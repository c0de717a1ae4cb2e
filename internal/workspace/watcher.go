package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"lsc/internal/change"
)

// Watcher stages changes as files are written, created and removed in the
// workspace.
type Watcher struct {
	ws      *Workspace
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// Watch starts a watcher that runs until ctx is done or Close is called.
func (w *Workspace) Watch(ctx context.Context) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	wt := &Watcher{
		ws:      w,
		watcher: fw,
		done:    make(chan struct{}),
		logger:  w.logger.Named("watcher"),
	}
	if err := wt.addTree(w.root); err != nil {
		fw.Close()
		return nil, err
	}

	wt.wg.Add(1)
	go wt.loop(ctx)
	return wt, nil
}

// addTree watches dir and every directory below it that is not ignored.
func (wt *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != wt.ws.root {
			rel, err := wt.ws.Path(path)
			if err != nil || wt.ws.ignore.Matches(rel) {
				return filepath.SkipDir
			}
		}
		if err := wt.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

func (wt *Watcher) loop(ctx context.Context) {
	defer wt.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.done:
			return
		case event, ok := <-wt.watcher.Events:
			if !ok {
				return
			}
			wt.handle(ctx, event)
		case err, ok := <-wt.watcher.Errors:
			if !ok {
				return
			}
			wt.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (wt *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	p, err := wt.ws.Path(event.Name)
	if err != nil || wt.ws.ignore.Matches(p) {
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			// gone again before we got to it
			return
		}
		if info.IsDir() {
			if err := wt.addTree(event.Name); err != nil {
				wt.logger.Error("watching new directory", zap.String("path", p), zap.Error(err))
				return
			}
			files, err := wt.ws.walk(p)
			if err != nil {
				wt.logger.Error("listing new directory", zap.String("path", p), zap.Error(err))
				return
			}
			for _, f := range files {
				wt.stage(ctx, f, wt.ws.stageWritten)
			}
			return
		}
		if info.Mode().IsRegular() {
			wt.stage(ctx, p, wt.ws.stageWritten)
		}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		wt.stage(ctx, p, wt.ws.stageRemoved)
	}
}

func (wt *Watcher) stage(ctx context.Context, p string, fn func(ctx context.Context, s State, root, p string) error) {
	w := wt.ws
	w.mu.Lock()
	defer w.mu.Unlock()

	s, root, err := w.base(ctx)
	if err == nil {
		err = fn(ctx, s, root, p)
	}
	if err != nil {
		wt.logger.Warn("auto-staging failed", zap.String("path", p), zap.Error(err))
	}
}

// Close stops the watcher and waits for the event loop to exit.
func (wt *Watcher) Close() error {
	close(wt.done)
	err := wt.watcher.Close()
	wt.wg.Wait()
	return err
}

// stageWritten stages a file that appeared or changed on disk.
func (w *Workspace) stageWritten(ctx context.Context, s State, root, p string) error {
	pc, staged, err := w.manifest.Change(p)
	if err != nil {
		return err
	}
	if staged {
		if pc.Type == change.Delete {
			return w.manifest.PutChange(PendingChange{Path: p, Type: change.Edit})
		}
		return nil
	}

	baseHash, tracked, err := w.repo.Trees.Lookup(ctx, root, p)
	if err != nil {
		return err
	}
	if !tracked {
		_, err := w.add(ctx, root, p, false)
		return err
	}
	disk, err := w.diskHash(p)
	if err != nil || disk == baseHash {
		return err
	}
	return w.edit(ctx, s, root, p)
}

// stageRemoved stages a file that disappeared from disk.
func (w *Workspace) stageRemoved(ctx context.Context, s State, root, p string) error {
	if disk, err := w.diskHash(p); err != nil || disk != "" {
		// replaced in the meantime
		return err
	}
	pc, staged, err := w.manifest.Change(p)
	if err != nil {
		return err
	}
	if staged {
		switch pc.Type {
		case change.Add:
			return w.manifest.DeleteChange(p)
		case change.Edit:
			return w.manifest.PutChange(PendingChange{Path: p, Type: change.Delete})
		}
		return nil
	}
	if _, tracked, err := w.repo.Trees.Lookup(ctx, root, p); err != nil || !tracked {
		return err
	}
	return w.delete(ctx, s, root, p)
}
