package workspace

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lsc/internal/change"
	"lsc/internal/commit"
	lscerrors "lsc/internal/errors"
	"lsc/internal/tree"
	"lsc/shared/utils"
)

// Commit turns the staged changes and pending merges into a commit on the
// workspace branch. A head that moved without touching the committed paths
// is rebased onto; an overlapping move fails with ConcurrentModification
// and needs a sync. Losing the head CAS more often than configured
// surfaces as Contention. On failure the staged state is left as it was.
// Once the commit has landed it is returned even if updating files on
// disk fails afterwards; the error then names the commit.
func (w *Workspace) Commit(ctx context.Context, message string) (*commit.Commit, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if strings.TrimSpace(message) == "" {
		return nil, lscerrors.ValidationError("empty commit message", nil)
	}
	s, baseRoot, err := w.base(ctx)
	if err != nil {
		return nil, err
	}
	if err := w.resolver.EnsureResolved(ctx); err != nil {
		return nil, err
	}

	pending, err := w.manifest.Changes()
	if err != nil {
		return nil, err
	}
	merges, err := w.manifest.Merges()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 && len(merges) == 0 {
		return nil, lscerrors.ValidationError("nothing to commit", nil)
	}

	acquired, err := w.checkLocks(ctx, s.Branch, pending)
	committed := false
	defer func() {
		if !committed {
			for _, p := range acquired {
				w.release(ctx, s.Branch, p)
			}
		}
	}()
	if err != nil {
		return nil, err
	}
	changes, err := w.hashChanges(ctx, pending)
	if err != nil {
		return nil, err
	}

	parents := []string{s.Base}
	for _, m := range merges {
		parents = append(parents, m.Head)
	}

	var (
		expected   = s.Base
		parentRoot = baseRoot
		created    *commit.Commit
		attempts   int
	)
	touched := change.Paths(changes)

	op := func() error {
		if attempts > 0 {
			b, err := w.repo.Branches.Get(ctx, s.Branch)
			if err != nil {
				return backoff.Permanent(err)
			}
			if b.Head != expected {
				head, err := w.repo.Commits.Get(ctx, b.Head)
				if err != nil {
					return backoff.Permanent(err)
				}
				moved, err := w.repo.Trees.Diff(ctx, baseRoot, head.RootHash)
				if err != nil {
					return backoff.Permanent(err)
				}
				if overlap := overlapping(moved, touched); len(overlap) > 0 {
					return backoff.Permanent(lscerrors.ConcurrentModification(fmt.Sprintf(
						"%s changed on %s since %s, sync first", strings.Join(overlap, ", "), s.Branch, utils.ShortHash(s.Base))))
				}
				expected, parentRoot = b.Head, head.RootHash
				parents[0] = expected
			}
		}
		attempts++

		root, err := w.repo.Trees.BuildTree(ctx, parentRoot, changes)
		if err != nil {
			return backoff.Permanent(err)
		}
		c, err := w.repo.Commits.Append(ctx, parents, changes, root, w.identity.Owner, message)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := w.repo.Branches.UpdateHead(ctx, s.Branch, expected, c.ID); err != nil {
			if lscerrors.Is(err, lscerrors.ErrorTypeConcurrentModification) {
				w.logger.Debug("branch head moved, retrying",
					zap.String("branch", s.Branch), zap.Int("attempt", attempts))
				return err
			}
			return backoff.Permanent(err)
		}
		created = c
		return nil
	}

	if err := backoff.Retry(op, w.commitBackOff(ctx)); err != nil {
		if lscerrors.Is(err, lscerrors.ErrorTypeConcurrentModification) && attempts > int(w.repo.Config.Commit.MaxRetries) {
			return nil, lscerrors.Contention(
				fmt.Sprintf("gave up committing to %s after %d attempts", s.Branch, attempts), err)
		}
		return nil, err
	}

	committed = true
	if err := w.manifest.FinishCommit(State{Branch: s.Branch, Base: created.ID}); err != nil {
		return created, fmt.Errorf("commit %s landed, recording it in the workspace: %w", utils.ShortHash(created.ID), err)
	}

	// bring in what others committed underneath us
	var diskErr error
	if parentRoot != baseRoot {
		moved, err := w.repo.Trees.Diff(ctx, baseRoot, parentRoot)
		if err == nil {
			err = w.applyDeltas(ctx, moved, true)
		}
		if err != nil {
			w.logger.Warn("workspace files are behind the new commit",
				zap.String("commit", created.ID), zap.Error(err))
			diskErr = fmt.Errorf("commit %s landed, updating workspace files to %s: %w",
				utils.ShortHash(created.ID), utils.ShortHash(expected), err)
		}
	}

	for _, c := range changes {
		if c.Type != change.Delete {
			if err := w.setReadOnly(c.Path, true); err != nil {
				w.logger.Warn("protecting committed file", zap.String("path", c.Path), zap.Error(err))
			}
		}
		w.release(ctx, s.Branch, c.Path)
	}

	w.logger.Info("committed",
		zap.String("branch", s.Branch),
		zap.String("commit", created.ID),
		zap.Int("changes", len(changes)),
		zap.Int("attempts", attempts))
	return created, diskErr
}

func (w *Workspace) commitBackOff(ctx context.Context) backoff.BackOff {
	cfg := w.repo.Config.Commit
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, cfg.MaxRetries), ctx)
}

// checkLocks fails when another owner holds a committed path, and takes
// the lock on lock-required paths we do not hold yet. It returns the paths
// it locked, also on failure.
func (w *Workspace) checkLocks(ctx context.Context, branch string, pending []*PendingChange) ([]string, error) {
	domain, err := w.domain(ctx, branch)
	if err != nil {
		return nil, err
	}
	owner := w.owner(branch)
	var acquired []string
	for _, c := range pending {
		held, err := w.repo.Locks.CheckWritable(ctx, domain, c.Path, owner)
		if err != nil {
			return acquired, err
		}
		if !held && w.lockRequired.Matches(c.Path) {
			if _, err := w.repo.Locks.LockOnBranch(ctx, branch, c.Path, owner); err != nil {
				return acquired, err
			}
			acquired = append(acquired, c.Path)
		}
	}
	return acquired, nil
}

// hashChanges stores the staged content and returns the commit changes.
// An edited file missing from disk is committed as a delete.
func (w *Workspace) hashChanges(ctx context.Context, pending []*PendingChange) ([]change.HashedChange, error) {
	changes := make([]change.HashedChange, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ioConcurrency)
	for i, pc := range pending {
		g.Go(func() error {
			hc := change.HashedChange{Path: pc.Path, Type: pc.Type}
			if pc.Type != change.Delete {
				hash, err := w.storeLocal(gctx, pc.Path)
				if err != nil {
					return err
				}
				switch {
				case hash != "":
					hc.Hash = hash
				case pc.Type == change.Edit:
					hc.Type = change.Delete
				default:
					return lscerrors.ValidationError(fmt.Sprintf("%s was added but is missing, revert it", pc.Path), nil)
				}
			}
			changes[i] = hc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	change.Sort(changes)
	return changes, nil
}

func overlapping(deltas []tree.Delta, paths map[string]struct{}) []string {
	var out []string
	for _, d := range deltas {
		if _, ok := paths[d.Path]; ok {
			out = append(out, d.Path)
		}
	}
	slices.Sort(out)
	return out
}
