package branch

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"go.uber.org/zap"

	lscerrors "lsc/internal/errors"
	"lsc/internal/logging"
)

// CommitChecker tells whether a commit exists.
type CommitChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Registry maps branch names to heads, parents and lock domains.
type Registry struct {
	box     Box
	commits CommitChecker
	logger  *zap.Logger
}

func NewRegistry(box Box, commits CommitChecker, logger *zap.Logger) *Registry {
	return &Registry{
		box:     box,
		commits: commits,
		logger:  logging.OrNop(logger).Named("branch"),
	}
}

// ValidateName rejects names that would not survive a round trip through
// the CLI or the storage keys.
func ValidateName(name string) error {
	if name == "" {
		return lscerrors.ValidationError("branch name is empty", nil)
	}
	if strings.ContainsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == ':'
	}) {
		return lscerrors.ValidationError(fmt.Sprintf("invalid branch name %q", name), nil)
	}
	return nil
}

func (r *Registry) CreateBranch(ctx context.Context, name, base, lockDomainID, parent string) (*Branch, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if lockDomainID == "" {
		return nil, lscerrors.ValidationError("branch needs a lock domain", nil)
	}
	if err := r.requireCommit(ctx, base); err != nil {
		return nil, err
	}
	if parent != "" {
		if _, err := r.box.GetBranch(ctx, parent); err != nil {
			return nil, fmt.Errorf("reading parent branch: %w", err)
		}
	}

	b := &Branch{Name: name, Head: base, Parent: parent, LockDomainID: lockDomainID}
	if err := r.box.CreateBranch(ctx, b); err != nil {
		return nil, err
	}

	r.logger.Info("created branch",
		zap.String("branch", name),
		zap.String("head", base),
		zap.String("parent", parent),
		zap.String("lock_domain", lockDomainID))
	return b, nil
}

func (r *Registry) Get(ctx context.Context, name string) (*Branch, error) {
	return r.box.GetBranch(ctx, name)
}

// List returns all branches sorted by name.
func (r *Registry) List(ctx context.Context) ([]*Branch, error) {
	branches, err := r.box.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(branches, func(a, b *Branch) int {
		return strings.Compare(a.Name, b.Name)
	})
	return branches, nil
}

// UpdateHead moves name from expected to head. It is the only way a branch
// head changes, so every commit to a branch is serialized here.
func (r *Registry) UpdateHead(ctx context.Context, name, expected, head string) error {
	if err := r.requireCommit(ctx, head); err != nil {
		return err
	}
	if err := r.box.UpdateBranchHead(ctx, name, expected, head); err != nil {
		if lscerrors.Is(err, lscerrors.ErrorTypeConcurrentModification) {
			r.logger.Debug("head moved",
				zap.String("branch", name),
				zap.String("expected", expected))
		}
		return err
	}

	r.logger.Info("updated head",
		zap.String("branch", name),
		zap.String("from", expected),
		zap.String("to", head))
	return nil
}

// Subtree returns name followed by its transitive children, breadth first.
func (r *Registry) Subtree(ctx context.Context, name string) ([]string, error) {
	if _, err := r.box.GetBranch(ctx, name); err != nil {
		return nil, err
	}
	branches, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return Subtree(branches, name), nil
}

// Subtree computes the subtree of name over an already loaded branch list.
func Subtree(branches []*Branch, name string) []string {
	children := make(map[string][]string)
	for _, b := range branches {
		if b.Parent != "" {
			children[b.Parent] = append(children[b.Parent], b.Name)
		}
	}

	out := []string{name}
	seen := map[string]bool{name: true}
	for i := 0; i < len(out); i++ {
		for _, c := range children[out[i]] {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

func (r *Registry) requireCommit(ctx context.Context, id string) error {
	if id == "" {
		return lscerrors.ValidationError("empty commit id", nil)
	}
	ok, err := r.commits.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("checking commit %s: %w", id, err)
	}
	if !ok {
		return lscerrors.NotFound(fmt.Sprintf("commit %s not found", id))
	}
	return nil
}
