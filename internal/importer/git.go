// Package importer replays the history of a git repository into a branch.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lsc/internal/change"
	lscerrors "lsc/internal/errors"
	"lsc/internal/logging"
	"lsc/internal/repository"
)

const uploadConcurrency = 8

// Result summarizes an import.
type Result struct {
	Commits int
	Skipped int
	Head    string
}

type importer struct {
	repo   *repository.Repository
	git    *gogit.Repository
	logger *zap.Logger
}

// ImportGitRepo replays the first-parent history of ref (HEAD when empty)
// in the git repository at gitPath onto branchName. Only regular files are
// imported; every replayed commit moves the branch through its CAS.
func ImportGitRepo(ctx context.Context, repo *repository.Repository, gitPath, ref, branchName string, logger *zap.Logger) (*Result, error) {
	logger = logging.OrNop(logger).Named("importer")

	g, err := gogit.PlainOpen(gitPath)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, lscerrors.NotFound(fmt.Sprintf("no git repository at %s", gitPath))
		}
		return nil, fmt.Errorf("opening git repository: %w", err)
	}
	if ref == "" {
		ref = "HEAD"
	}
	start, err := g.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, lscerrors.NotFound(fmt.Sprintf("git revision %s: %v", ref, err))
	}

	imp := &importer{repo: repo, git: g, logger: logger}
	chain, err := imp.firstParents(*start)
	if err != nil {
		return nil, err
	}

	b, err := repo.Branches.Get(ctx, branchName)
	if err != nil {
		return nil, err
	}
	head, err := repo.Commits.Get(ctx, b.Head)
	if err != nil {
		return nil, err
	}

	res := &Result{Head: head.ID}
	root := head.RootHash
	for _, gc := range chain {
		changes, err := imp.changes(ctx, gc, root)
		if err != nil {
			return res, fmt.Errorf("reading git commit %s: %w", gc.Hash, err)
		}
		if len(changes) == 0 {
			res.Skipped++
			continue
		}

		newRoot, err := repo.Trees.BuildTree(ctx, root, changes)
		if err != nil {
			return res, fmt.Errorf("replaying git commit %s: %w", gc.Hash, err)
		}
		c, err := repo.Commits.Append(ctx, []string{res.Head}, changes, newRoot, gc.Author.Name, strings.TrimSpace(gc.Message))
		if err != nil {
			return res, err
		}
		if err := repo.Branches.UpdateHead(ctx, branchName, res.Head, c.ID); err != nil {
			return res, err
		}
		res.Head, root = c.ID, newRoot
		res.Commits++

		logger.Debug("replayed commit",
			zap.String("git", gc.Hash.String()),
			zap.String("commit", c.ID),
			zap.Int("changes", len(changes)))
	}

	logger.Info("imported git history",
		zap.String("path", gitPath),
		zap.String("ref", ref),
		zap.String("branch", branchName),
		zap.Int("commits", res.Commits),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// firstParents returns the first-parent chain ending at start, oldest first.
func (imp *importer) firstParents(start plumbing.Hash) ([]*object.Commit, error) {
	var chain []*object.Commit
	c, err := imp.git.CommitObject(start)
	if err != nil {
		return nil, fmt.Errorf("reading git commit %s: %w", start, err)
	}
	for {
		chain = append(chain, c)
		if c.NumParents() == 0 {
			break
		}
		if c, err = c.Parent(0); err != nil {
			return nil, fmt.Errorf("reading parent of %s: %w", chain[len(chain)-1].Hash, err)
		}
	}
	slices.Reverse(chain)
	return chain, nil
}

func regular(m filemode.FileMode) bool {
	return m == filemode.Regular || m == filemode.Executable || m == filemode.Deprecated
}

// upload is a blob to copy from git into the content store.
type upload struct {
	index int
	hash  plumbing.Hash
}

// changes converts the diff between gc and its first parent into changes
// on top of root.
func (imp *importer) changes(ctx context.Context, gc *object.Commit, root string) ([]change.HashedChange, error) {
	to, err := gc.Tree()
	if err != nil {
		return nil, err
	}
	var from *object.Tree
	if gc.NumParents() > 0 {
		parent, err := gc.Parent(0)
		if err != nil {
			return nil, err
		}
		if from, err = parent.Tree(); err != nil {
			return nil, err
		}
	}
	diffs, err := object.DiffTreeContext(ctx, from, to)
	if err != nil {
		return nil, err
	}

	var (
		changes []change.HashedChange
		uploads []upload
	)
	for _, d := range diffs {
		wasFile := d.From.Name != "" && regular(d.From.TreeEntry.Mode)
		isFile := d.To.Name != "" && regular(d.To.TreeEntry.Mode)

		name := d.To.Name
		if name == "" {
			name = d.From.Name
		}
		p, err := change.CanonicalPath(name)
		if err != nil {
			imp.logger.Warn("skipping path", zap.String("path", name), zap.Error(err))
			continue
		}
		if !wasFile && !isFile {
			imp.logger.Warn("skipping non-regular file", zap.String("path", p), zap.String("commit", gc.Hash.String()))
			continue
		}
		if wasFile && isFile && d.From.TreeEntry.Hash == d.To.TreeEntry.Hash {
			continue
		}

		_, tracked, err := imp.repo.Trees.Lookup(ctx, root, p)
		if err != nil {
			return nil, err
		}
		switch {
		case !isFile:
			if tracked {
				changes = append(changes, change.HashedChange{Path: p, Type: change.Delete})
			}
		case tracked:
			uploads = append(uploads, upload{index: len(changes), hash: d.To.TreeEntry.Hash})
			changes = append(changes, change.HashedChange{Path: p, Type: change.Edit})
		default:
			uploads = append(uploads, upload{index: len(changes), hash: d.To.TreeEntry.Hash})
			changes = append(changes, change.HashedChange{Path: p, Type: change.Add})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, u := range uploads {
		g.Go(func() error {
			hash, err := imp.copyBlob(gctx, u.hash)
			if err != nil {
				return err
			}
			changes[u.index].Hash = hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	change.Sort(changes)
	return changes, nil
}

func (imp *importer) copyBlob(ctx context.Context, h plumbing.Hash) (string, error) {
	blob, err := imp.git.BlobObject(h)
	if err != nil {
		return "", fmt.Errorf("reading git blob %s: %w", h, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return "", err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading git blob %s: %w", h, err)
	}
	return imp.repo.Blobs.Put(ctx, data)
}
