package commit

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"go.uber.org/zap"

	"lsc/internal/change"
	lscerrors "lsc/internal/errors"
	"lsc/internal/logging"
)

// TreeBuilder recomputes commit roots during verification.
type TreeBuilder interface {
	BuildTree(ctx context.Context, parent string, changes []change.HashedChange) (string, error)
}

// Log is the append-only commit history.
type Log struct {
	box    Box
	trees  TreeBuilder
	now    func() time.Time
	logger *zap.Logger
}

func NewLog(box Box, trees TreeBuilder, logger *zap.Logger) *Log {
	return &Log{
		box:    box,
		trees:  trees,
		now:    time.Now,
		logger: logging.OrNop(logger).Named("commit"),
	}
}

// Append records a new commit. Every parent must already be in the log, so
// the history can never contain a cycle.
func (l *Log) Append(ctx context.Context, parents []string, changes []change.HashedChange, rootHash, owner, message string) (*Commit, error) {
	if rootHash == "" {
		return nil, lscerrors.ValidationError("commit without a root tree", nil)
	}
	seen := make(map[string]bool, len(parents))
	for _, p := range parents {
		if seen[p] {
			return nil, lscerrors.ValidationError(fmt.Sprintf("duplicate parent %s", p), parents)
		}
		seen[p] = true

		exists, err := l.box.CommitExists(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("checking parent %s: %w", p, err)
		}
		if !exists {
			return nil, lscerrors.NotFound(fmt.Sprintf("parent commit %s not found", p))
		}
	}

	sorted := slices.Clone(changes)
	if sorted == nil {
		sorted = []change.HashedChange{}
	}
	change.Sort(sorted)

	c := &Commit{
		Owner:       owner,
		Message:     message,
		Changes:     sorted,
		RootHash:    rootHash,
		Parents:     slices.Clone(parents),
		DateTimeUTC: l.now().UTC().Format(time.RFC3339Nano),
	}
	if c.Parents == nil {
		c.Parents = []string{}
	}

	id, err := c.ComputeID()
	if err != nil {
		return nil, fmt.Errorf("hashing commit: %w", err)
	}
	c.ID = id

	if err := l.box.CreateCommit(ctx, c); err != nil {
		return nil, fmt.Errorf("storing commit %s: %w", id, err)
	}

	l.logger.Info("appended commit",
		zap.String("id", id),
		zap.Strings("parents", parents),
		zap.Int("changes", len(changes)))
	return c, nil
}

func (l *Log) Get(ctx context.Context, id string) (*Commit, error) {
	return l.box.GetCommit(ctx, id)
}

func (l *Log) Exists(ctx context.Context, id string) (bool, error) {
	return l.box.CommitExists(ctx, id)
}

// Ancestors walks the history breadth first, starting with id itself. Each
// commit is yielded once; iteration stops after the first error.
func (l *Log) Ancestors(ctx context.Context, id string) iter.Seq2[*Commit, error] {
	return func(yield func(*Commit, error) bool) {
		queue := []string{id}
		seen := map[string]bool{id: true}

		for len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]

			c, err := l.box.GetCommit(ctx, next)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(c, nil) {
				return
			}
			for _, p := range c.Parents {
				if !seen[p] {
					seen[p] = true
					queue = append(queue, p)
				}
			}
		}
	}
}

// IsAncestor reports whether ancestor is reachable from of (or equal to it).
func (l *Log) IsAncestor(ctx context.Context, ancestor, of string) (bool, error) {
	for c, err := range l.Ancestors(ctx, of) {
		if err != nil {
			return false, err
		}
		if c.ID == ancestor {
			return true, nil
		}
	}
	return false, nil
}

// MergeBase returns the closest commit reachable from both a and b.
func (l *Log) MergeBase(ctx context.Context, a, b string) (string, error) {
	fromB := make(map[string]bool)
	for c, err := range l.Ancestors(ctx, b) {
		if err != nil {
			return "", err
		}
		fromB[c.ID] = true
	}

	for c, err := range l.Ancestors(ctx, a) {
		if err != nil {
			return "", err
		}
		if fromB[c.ID] {
			return c.ID, nil
		}
	}
	return "", lscerrors.NotFound(fmt.Sprintf("no common ancestor for %s and %s", a, b))
}

// History follows first parents from id, newest first. limit <= 0 means no
// limit.
func (l *Log) History(ctx context.Context, id string, limit int) ([]*Commit, error) {
	var out []*Commit
	for next := id; next != ""; {
		if limit > 0 && len(out) >= limit {
			break
		}
		c, err := l.box.GetCommit(ctx, next)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		next = c.FirstParent()
	}
	return out, nil
}

// Verify checks that id matches the commit's fields and that its root is
// what its changes produce on top of the first parent.
func (l *Log) Verify(ctx context.Context, id string) error {
	c, err := l.box.GetCommit(ctx, id)
	if err != nil {
		return err
	}

	computed, err := c.ComputeID()
	if err != nil {
		return err
	}
	if computed != c.ID || c.ID != id {
		return lscerrors.Corruption(fmt.Sprintf("commit %s: id does not match its contents", id))
	}

	parentRoot := ""
	if p := c.FirstParent(); p != "" {
		parent, err := l.box.GetCommit(ctx, p)
		if err != nil {
			return fmt.Errorf("reading parent %s: %w", p, err)
		}
		parentRoot = parent.RootHash
	}

	root, err := l.trees.BuildTree(ctx, parentRoot, c.Changes)
	if err != nil {
		return lscerrors.Corruption(fmt.Sprintf("commit %s: changes do not apply to parent tree: %v", id, err))
	}
	if root != c.RootHash {
		return lscerrors.Corruption(fmt.Sprintf("commit %s: root %s, changes produce %s", id, c.RootHash, root))
	}
	return nil
}
