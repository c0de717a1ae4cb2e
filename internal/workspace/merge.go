package workspace

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lsc/internal/change"
	"lsc/internal/diff"
	lscerrors "lsc/internal/errors"
	"lsc/internal/resolve"
	"lsc/shared/utils"
)

// MergeResult reports what MergeBranch did.
type MergeResult struct {
	Source      string
	Head        string
	FastForward bool
	UpToDate    bool
	Staged      []string
	Conflicts   []string
}

// MergeBranch merges the head of source into the workspace. When the
// branch head is behind source it is fast-forwarded. Otherwise the changes
// since the merge base are staged, paths changed on both sides become
// pending resolves, and the next commit records source as a parent.
func (w *Workspace) MergeBranch(ctx context.Context, source string) (*MergeResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, baseRoot, err := w.base(ctx)
	if err != nil {
		return nil, err
	}
	if source == s.Branch {
		return nil, lscerrors.ValidationError("cannot merge a branch into itself", nil)
	}
	if err := w.resolver.EnsureResolved(ctx); err != nil {
		return nil, err
	}
	b, err := w.repo.Branches.Get(ctx, s.Branch)
	if err != nil {
		return nil, err
	}
	if b.Head != s.Base {
		return nil, lscerrors.ValidationError(fmt.Sprintf("%s has moved to %s, sync first", s.Branch, utils.ShortHash(b.Head)), nil)
	}
	src, err := w.repo.Branches.Get(ctx, source)
	if err != nil {
		return nil, err
	}
	res := &MergeResult{Source: source, Head: src.Head}

	merged, err := w.repo.Commits.IsAncestor(ctx, src.Head, s.Base)
	if err != nil {
		return nil, err
	}
	if merged {
		res.UpToDate = true
		return res, nil
	}

	behind, err := w.repo.Commits.IsAncestor(ctx, s.Base, src.Head)
	if err != nil {
		return nil, err
	}
	if behind {
		if err := w.repo.Branches.UpdateHead(ctx, s.Branch, s.Base, src.Head); err != nil {
			return nil, err
		}
		synced, err := w.sync(ctx, src.Head)
		if err != nil {
			return nil, err
		}
		res.FastForward = true
		res.Staged = synced.Updated
		res.Conflicts = synced.Conflicts
		w.logger.Info("fast-forwarded", zap.String("branch", s.Branch), zap.String("source", source), zap.String("head", src.Head))
		return res, nil
	}

	if err := w.mergeThreeWay(ctx, s, baseRoot, src.Head, res); err != nil {
		return nil, err
	}
	if err := w.manifest.PutMerge(PendingBranchMerge{Branch: source, Head: src.Head}); err != nil {
		return nil, err
	}
	w.logger.Info("merged branch",
		zap.String("branch", s.Branch),
		zap.String("source", source),
		zap.Int("staged", len(res.Staged)),
		zap.Int("conflicts", len(res.Conflicts)))
	return res, nil
}

func (w *Workspace) mergeThreeWay(ctx context.Context, s State, baseRoot, theirs string, res *MergeResult) error {
	mb, err := w.repo.Commits.MergeBase(ctx, s.Base, theirs)
	if err != nil {
		return err
	}
	mbCommit, err := w.repo.Commits.Get(ctx, mb)
	if err != nil {
		return err
	}
	theirsCommit, err := w.repo.Commits.Get(ctx, theirs)
	if err != nil {
		return err
	}

	ours, err := w.repo.Trees.Diff(ctx, mbCommit.RootHash, baseRoot)
	if err != nil {
		return err
	}
	ourVersion := make(map[string]string, len(ours))
	for _, d := range ours {
		ourVersion[d.Path] = d.To
	}
	incoming, err := w.repo.Trees.Diff(ctx, mbCommit.RootHash, theirsCommit.RootHash)
	if err != nil {
		return err
	}

	for _, d := range incoming {
		baseHash, changedByUs := ourVersion[d.Path]
		if !changedByUs {
			baseHash = d.From
		}
		pc, staged, err := w.manifest.Change(d.Path)
		if err != nil {
			return err
		}
		if changedByUs && !staged && baseHash == d.To {
			continue
		}

		conflict := changedByUs || staged
		local := baseHash
		if staged {
			if local, err = w.storeLocal(ctx, d.Path); err != nil {
				return err
			}
		} else if !changedByUs {
			untracked, err := w.untrackedConflict(ctx, d)
			if err != nil {
				return err
			}
			if untracked {
				if local, err = w.storeLocal(ctx, d.Path); err != nil {
					return err
				}
				conflict = true
			}
		}
		if local == d.To {
			continue
		}

		if err := w.claim(ctx, s.Branch, d.Path); err != nil {
			return err
		}

		if conflict {
			if err := w.resolver.Record(ctx, &resolve.PendingResolve{
				Path:         d.Path,
				BaseHash:     d.From,
				LocalHash:    local,
				RemoteHash:   d.To,
				BaseCommit:   mb,
				TheirsCommit: theirs,
			}); err != nil {
				return err
			}
			t := stagedType(baseHash, local)
			if staged {
				t = pc.Type
			}
			if err := w.manifest.PutChange(PendingChange{Path: d.Path, Type: t}); err != nil {
				return err
			}
			res.Conflicts = append(res.Conflicts, d.Path)
			continue
		}

		if err := w.writeBlob(ctx, d.Path, d.To, false); err != nil {
			return err
		}
		if err := w.manifest.PutChange(PendingChange{Path: d.Path, Type: stagedType(baseHash, d.To)}); err != nil {
			return err
		}
		res.Staged = append(res.Staged, d.Path)
	}
	return nil
}

// stagedType is the change that turns base content into content.
func stagedType(base, content string) change.ChangeType {
	switch {
	case base == "":
		return change.Add
	case content == "":
		return change.Delete
	}
	return change.Edit
}

// PendingResolves lists the unresolved paths.
func (w *Workspace) PendingResolves(ctx context.Context) ([]*resolve.PendingResolve, error) {
	return w.resolver.Pending(ctx)
}

// Resolve settles the pending resolve on path with choice and writes the
// outcome to disk. An Unresolved outcome keeps the resolve pending; a
// conflict-marked rendition is left in the file for manual editing.
func (w *Workspace) Resolve(ctx context.Context, path string, choice resolve.Choice) (*resolve.Resolution, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, err := w.canonical(path)
	if err != nil {
		return nil, err
	}
	pr, err := w.resolver.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	res, err := w.resolver.Resolve(ctx, pr, choice)
	if err != nil {
		return nil, err
	}

	switch res.Kind {
	case resolve.Accepted:
		if err := w.keepLocal(ctx, pr); err != nil {
			return nil, err
		}
	case resolve.AcceptedTheirs:
		if err := w.writeBlob(ctx, p, pr.RemoteHash, false); err != nil {
			return nil, err
		}
	case resolve.Merged:
		if err := w.writeFile(p, res.Content, false); err != nil {
			return nil, err
		}
	case resolve.Unresolved:
		if len(res.Content) > 0 {
			if err := w.writeFile(p, res.Content, false); err != nil {
				return nil, err
			}
		}
		w.logger.Info("still unresolved", zap.String("path", p), zap.String("reason", res.Reason))
		return res, nil
	}

	if err := w.restage(ctx, p); err != nil {
		return nil, err
	}
	if err := w.resolver.Clear(ctx, p); err != nil {
		return nil, err
	}
	w.logger.Info("resolved", zap.String("path", p), zap.Stringer("resolution", res.Kind))
	return res, nil
}

// keepLocal puts the local side back on disk when an earlier unresolved
// attempt left conflict markers in the file.
func (w *Workspace) keepLocal(ctx context.Context, pr *resolve.PendingResolve) error {
	data, ok, err := w.readFile(pr.Path)
	if err != nil {
		return err
	}
	if !ok {
		return w.writeBlob(ctx, pr.Path, pr.LocalHash, false)
	}
	if !diff.HasConflictMarkers(data) {
		return nil
	}
	if pr.LocalHash != "" {
		local, err := w.repo.Blobs.Get(ctx, pr.LocalHash)
		if err != nil {
			return err
		}
		if diff.HasConflictMarkers(local) {
			return nil
		}
	}
	return w.writeBlob(ctx, pr.Path, pr.LocalHash, false)
}

// restage recomputes the staged change on p from what is on disk.
func (w *Workspace) restage(ctx context.Context, p string) error {
	_, root, err := w.base(ctx)
	if err != nil {
		return err
	}
	baseHash, _, err := w.repo.Trees.Lookup(ctx, root, p)
	if err != nil {
		return err
	}
	disk, err := w.diskHash(p)
	if err != nil {
		return err
	}
	if disk == baseHash {
		if err := w.manifest.DeleteChange(p); err != nil {
			return err
		}
		return w.setReadOnly(p, true)
	}
	return w.manifest.PutChange(PendingChange{Path: p, Type: stagedType(baseHash, disk)})
}
