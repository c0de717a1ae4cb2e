package workspace

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lsc/internal/change"
	lscerrors "lsc/internal/errors"
	"lsc/internal/resolve"
	"lsc/internal/tree"
	"lsc/shared/utils"
)

// SyncResult reports what a sync did.
type SyncResult struct {
	From      string
	To        string
	Updated   []string
	Conflicts []string
}

// Sync moves the workspace base to target, the branch head when target is
// empty. Remote changes to untouched paths are written to disk; paths we
// changed too become pending resolves.
func (w *Workspace) Sync(ctx context.Context, target string) (*SyncResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sync(ctx, target)
}

func (w *Workspace) sync(ctx context.Context, target string) (*SyncResult, error) {
	s, baseRoot, err := w.base(ctx)
	if err != nil {
		return nil, err
	}
	b, err := w.repo.Branches.Get(ctx, s.Branch)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = b.Head
	}
	res := &SyncResult{From: s.Base, To: target}
	if target == s.Base {
		return res, nil
	}

	onBranch, err := w.repo.Commits.IsAncestor(ctx, target, b.Head)
	if err != nil {
		return nil, err
	}
	if !onBranch {
		return nil, lscerrors.ValidationError(fmt.Sprintf("%s is not on branch %s", utils.ShortHash(target), s.Branch), nil)
	}
	tc, err := w.repo.Commits.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	deltas, err := w.repo.Trees.Diff(ctx, baseRoot, tc.RootHash)
	if err != nil {
		return nil, err
	}

	var apply []tree.Delta
	for _, d := range deltas {
		pc, staged, err := w.manifest.Change(d.Path)
		if err != nil {
			return nil, err
		}
		if !staged {
			conflict, err := w.untrackedConflict(ctx, d)
			if err != nil {
				return nil, err
			}
			if !conflict {
				apply = append(apply, d)
				res.Updated = append(res.Updated, d.Path)
				continue
			}
			pc = &PendingChange{Path: d.Path, Type: change.Add}
		}

		local, err := w.storeLocal(ctx, d.Path)
		if err != nil {
			return nil, err
		}
		if local == d.To {
			// we made the same change
			if err := w.manifest.DeleteChange(d.Path); err != nil {
				return nil, err
			}
			if err := w.setReadOnly(d.Path, true); err != nil {
				return nil, err
			}
			continue
		}

		if err := w.resolver.Record(ctx, &resolve.PendingResolve{
			Path:         d.Path,
			BaseHash:     d.From,
			LocalHash:    local,
			RemoteHash:   d.To,
			BaseCommit:   s.Base,
			TheirsCommit: target,
		}); err != nil {
			return nil, err
		}
		if err := w.manifest.PutChange(PendingChange{Path: d.Path, Type: rebasedType(pc.Type, d)}); err != nil {
			return nil, err
		}
		res.Conflicts = append(res.Conflicts, d.Path)
	}

	if err := w.applyDeltas(ctx, apply, true); err != nil {
		return nil, fmt.Errorf("updating workspace to %s: %w", utils.ShortHash(target), err)
	}
	if err := w.manifest.SetState(State{Branch: s.Branch, Base: target}); err != nil {
		return nil, err
	}

	w.logger.Info("synced",
		zap.String("branch", s.Branch),
		zap.String("from", s.Base),
		zap.String("to", target),
		zap.Int("updated", len(res.Updated)),
		zap.Int("conflicts", len(res.Conflicts)))
	return res, nil
}

// untrackedConflict reports whether an incoming file would overwrite an
// untracked file with different content.
func (w *Workspace) untrackedConflict(ctx context.Context, d tree.Delta) (bool, error) {
	if d.From != "" || d.To == "" || w.ignore.Matches(d.Path) {
		return false, nil
	}
	hash, err := w.diskHash(d.Path)
	if err != nil {
		return false, err
	}
	return hash != "" && hash != d.To, nil
}

// rebasedType is the type a staged change has relative to the new base
// after remote delta d.
func rebasedType(t change.ChangeType, d tree.Delta) change.ChangeType {
	switch {
	case d.To == "" && t == change.Edit:
		return change.Add
	case d.From == "" && t == change.Add:
		return change.Edit
	}
	return t
}

// clean fails unless nothing is staged, resolving or merging.
func (w *Workspace) clean(ctx context.Context, what string) error {
	changes, err := w.manifest.Changes()
	if err != nil {
		return err
	}
	resolves, err := w.resolver.Pending(ctx)
	if err != nil {
		return err
	}
	merges, err := w.manifest.Merges()
	if err != nil {
		return err
	}
	if len(changes)+len(resolves)+len(merges) > 0 {
		return lscerrors.ValidationError(fmt.Sprintf("cannot %s with pending changes, commit or revert them first", what), nil)
	}
	return nil
}

// SwitchBranch checks out the head of another branch. The workspace must
// be clean.
func (w *Workspace) SwitchBranch(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, baseRoot, err := w.base(ctx)
	if err != nil {
		return err
	}
	if name == s.Branch {
		return nil
	}
	if err := w.clean(ctx, "switch branches"); err != nil {
		return err
	}
	b, err := w.repo.Branches.Get(ctx, name)
	if err != nil {
		return err
	}
	head, err := w.repo.Commits.Get(ctx, b.Head)
	if err != nil {
		return err
	}
	if err := w.checkout(ctx, baseRoot, head.RootHash, true); err != nil {
		return fmt.Errorf("checking out %s: %w", name, err)
	}
	if err := w.manifest.SetState(State{Branch: name, Base: b.Head}); err != nil {
		return err
	}
	w.logger.Info("switched branch", zap.String("from", s.Branch), zap.String("to", name))
	return nil
}

// CreateBranch creates a child of the current branch at the workspace base,
// in the same lock domain, and switches to it. Staged changes carry over
// along with our locks on them.
func (w *Workspace) CreateBranch(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.manifest.State()
	if err != nil {
		return err
	}
	if err := w.resolver.EnsureResolved(ctx); err != nil {
		return err
	}
	domain, err := w.domain(ctx, s.Branch)
	if err != nil {
		return err
	}
	if _, err := w.repo.Branches.CreateBranch(ctx, name, s.Base, domain, s.Branch); err != nil {
		return err
	}

	changes, err := w.manifest.Changes()
	if err != nil {
		return err
	}
	from, to := w.owner(s.Branch), w.owner(name)
	for _, c := range changes {
		held, err := w.repo.Locks.CheckWritable(ctx, domain, c.Path, from)
		if lscerrors.Is(err, lscerrors.ErrorTypeAlreadyLocked) {
			continue
		}
		if err != nil {
			return fmt.Errorf("checking lock on %s: %w", c.Path, err)
		}
		if !held {
			continue
		}
		if _, err := w.repo.Locks.Transfer(ctx, domain, c.Path, from, to); err != nil {
			return err
		}
	}

	if err := w.manifest.SetState(State{Branch: name, Base: s.Base}); err != nil {
		return err
	}
	w.logger.Info("created branch", zap.String("branch", name), zap.String("parent", s.Branch))
	return nil
}
