package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"lsc/internal/change"
	lscerrors "lsc/internal/errors"
	"lsc/internal/lock"
)

// base returns the workspace state and the root tree of its base commit.
func (w *Workspace) base(ctx context.Context) (State, string, error) {
	s, err := w.manifest.State()
	if err != nil {
		return s, "", fmt.Errorf("reading workspace state: %w", err)
	}
	c, err := w.repo.Commits.Get(ctx, s.Base)
	if err != nil {
		return s, "", err
	}
	return s, c.RootHash, nil
}

func (w *Workspace) domain(ctx context.Context, branch string) (string, error) {
	b, err := w.repo.Branches.Get(ctx, branch)
	if err != nil {
		return "", err
	}
	return b.LockDomainID, nil
}

// claim makes sure p may be changed by this workspace: lock-required paths
// are locked, other paths must not be locked by someone else.
func (w *Workspace) claim(ctx context.Context, branch, p string) error {
	owner := w.owner(branch)
	if w.lockRequired.Matches(p) {
		_, err := w.repo.Locks.LockOnBranch(ctx, branch, p, owner)
		return err
	}
	domain, err := w.domain(ctx, branch)
	if err != nil {
		return err
	}
	_, err = w.repo.Locks.CheckWritable(ctx, domain, p, owner)
	return err
}

// Add stages new files. Directories are added recursively, skipping
// ignored and already tracked files.
func (w *Workspace) Add(ctx context.Context, paths ...string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, root, err := w.base(ctx)
	if err != nil {
		return nil, err
	}

	var added []string
	for _, p := range paths {
		if p == "." {
			// the whole workspace
			p = ""
		} else if p, err = w.canonical(p); err != nil {
			return added, err
		}
		info, err := os.Stat(w.abs(p))
		if err != nil {
			if os.IsNotExist(err) {
				return added, lscerrors.NotFound(fmt.Sprintf("%s: no such file", p))
			}
			return added, err
		}

		if !info.IsDir() {
			if w.ignore.Matches(p) {
				return added, lscerrors.ValidationError(fmt.Sprintf("%s is ignored", p), nil)
			}
			ok, err := w.add(ctx, root, p, true)
			if err != nil {
				return added, err
			}
			if ok {
				added = append(added, p)
			}
			continue
		}

		files, err := w.walk(p)
		if err != nil {
			return added, err
		}
		for _, f := range files {
			ok, err := w.add(ctx, root, f, false)
			if err != nil {
				return added, err
			}
			if ok {
				added = append(added, f)
			}
		}
	}
	return added, nil
}

// add stages p. With strict set, adding a tracked file is an error;
// otherwise it is skipped.
func (w *Workspace) add(ctx context.Context, root, p string, strict bool) (bool, error) {
	pending, staged, err := w.manifest.Change(p)
	if err != nil {
		return false, err
	}
	if staged {
		if pending.Type != change.Delete {
			return false, nil
		}
		// re-adding a deleted file edits it
		if err := w.manifest.PutChange(PendingChange{Path: p, Type: change.Edit}); err != nil {
			return false, err
		}
		return true, nil
	}

	_, tracked, err := w.repo.Trees.Lookup(ctx, root, p)
	if err != nil {
		return false, err
	}
	if tracked {
		if strict {
			return false, lscerrors.ValidationError(fmt.Sprintf("%s is already tracked, use edit", p), nil)
		}
		return false, nil
	}

	if err := w.manifest.PutChange(PendingChange{Path: p, Type: change.Add}); err != nil {
		return false, err
	}
	w.logger.Debug("staged", zap.String("path", p), zap.String("type", string(change.Add)))
	return true, nil
}

// walk lists the files under dir, skipping ignored ones and the metadata
// directory.
func (w *Workspace) walk(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(w.abs(dir), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == change.MetaDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || w.ignore.Matches(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}

// Edit stages tracked files for modification and makes them writable.
func (w *Workspace) Edit(ctx context.Context, paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, root, err := w.base(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		p, err := w.canonical(p)
		if err != nil {
			return err
		}
		if err := w.edit(ctx, s, root, p); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) edit(ctx context.Context, s State, root, p string) error {
	pending, staged, err := w.manifest.Change(p)
	if err != nil {
		return err
	}
	if staged {
		switch pending.Type {
		case change.Delete:
			return lscerrors.ValidationError(fmt.Sprintf("%s is staged for deletion, revert it first", p), nil)
		default:
			return nil
		}
	}

	if _, tracked, err := w.repo.Trees.Lookup(ctx, root, p); err != nil {
		return err
	} else if !tracked {
		return lscerrors.NotFound(fmt.Sprintf("%s is not tracked", p))
	}

	if err := w.claim(ctx, s.Branch, p); err != nil {
		return err
	}
	if err := w.setReadOnly(p, false); err != nil {
		return fmt.Errorf("making %s writable: %w", p, err)
	}
	if err := w.manifest.PutChange(PendingChange{Path: p, Type: change.Edit}); err != nil {
		return err
	}
	w.logger.Debug("staged", zap.String("path", p), zap.String("type", string(change.Edit)))
	return nil
}

// Delete stages tracked files for deletion and removes them from disk.
func (w *Workspace) Delete(ctx context.Context, paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, root, err := w.base(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		p, err := w.canonical(p)
		if err != nil {
			return err
		}
		if err := w.delete(ctx, s, root, p); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) delete(ctx context.Context, s State, root, p string) error {
	pending, staged, err := w.manifest.Change(p)
	if err != nil {
		return err
	}
	if staged && pending.Type == change.Add {
		if err := w.manifest.DeleteChange(p); err != nil {
			return err
		}
		return w.removeFile(p)
	}
	if staged && pending.Type == change.Delete {
		return nil
	}

	if _, tracked, err := w.repo.Trees.Lookup(ctx, root, p); err != nil {
		return err
	} else if !tracked {
		return lscerrors.NotFound(fmt.Sprintf("%s is not tracked", p))
	}

	if err := w.claim(ctx, s.Branch, p); err != nil {
		return err
	}
	if err := w.removeFile(p); err != nil {
		return err
	}
	if err := w.manifest.PutChange(PendingChange{Path: p, Type: change.Delete}); err != nil {
		return err
	}
	w.logger.Debug("staged", zap.String("path", p), zap.String("type", string(change.Delete)))
	return nil
}

// Revert drops the staged change on each path, restores the base content
// read-only, releases our lock and forgets any pending resolve.
func (w *Workspace) Revert(ctx context.Context, paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, root, err := w.base(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		p, err := w.canonical(p)
		if err != nil {
			return err
		}
		if err := w.revert(ctx, s, root, p); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) revert(ctx context.Context, s State, root, p string) error {
	pending, staged, err := w.manifest.Change(p)
	if err != nil {
		return err
	}
	_, resolveErr := w.resolver.Get(ctx, p)
	hasResolve := resolveErr == nil
	if !staged && !hasResolve {
		return lscerrors.NotFound(fmt.Sprintf("%s has no pending change", p))
	}

	if !staged || pending.Type != change.Add {
		hash, _, err := w.repo.Trees.Lookup(ctx, root, p)
		if err != nil {
			return err
		}
		if err := w.writeBlob(ctx, p, hash, true); err != nil {
			return err
		}
	}

	if err := w.manifest.DeleteChange(p); err != nil {
		return err
	}
	if err := w.resolver.Clear(ctx, p); err != nil {
		return err
	}
	w.release(ctx, s.Branch, p)

	w.logger.Info("reverted", zap.String("path", p))
	return nil
}

// release drops our lock on p if we hold one.
func (w *Workspace) release(ctx context.Context, branch, p string) {
	domain, err := w.domain(ctx, branch)
	if err != nil {
		return
	}
	err = w.repo.Locks.Unlock(ctx, domain, p, w.owner(branch))
	if err != nil && !lscerrors.Is(err, lscerrors.ErrorTypeNotFound) && !lscerrors.Is(err, lscerrors.ErrorTypeNotOwner) {
		w.logger.Warn("releasing lock", zap.String("path", p), zap.Error(err))
	}
}

// Lock takes p in the current branch's lock domain.
func (w *Workspace) Lock(ctx context.Context, p string) (*lock.Lock, error) {
	s, err := w.manifest.State()
	if err != nil {
		return nil, err
	}
	return w.repo.Locks.LockOnBranch(ctx, s.Branch, p, w.owner(s.Branch))
}

func (w *Workspace) Unlock(ctx context.Context, p string) error {
	s, err := w.manifest.State()
	if err != nil {
		return err
	}
	domain, err := w.domain(ctx, s.Branch)
	if err != nil {
		return err
	}
	return w.repo.Locks.Unlock(ctx, domain, p, w.owner(s.Branch))
}

// ListLocks lists the locks of the current branch's lock domain.
func (w *Workspace) ListLocks(ctx context.Context) ([]*lock.Lock, error) {
	s, err := w.manifest.State()
	if err != nil {
		return nil, err
	}
	domain, err := w.domain(ctx, s.Branch)
	if err != nil {
		return nil, err
	}
	return w.repo.Locks.List(ctx, domain)
}
