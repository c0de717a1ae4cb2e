package lock

import (
	"context"
	"fmt"
	"slices"
	"time"

	"lsc/internal/branch"
	lscerrors "lsc/internal/errors"
)

// Owner identifies who holds a lock: a workspace working on a branch.
type Owner struct {
	Workspace string `json:"workspace"`
	Branch    string `json:"branch"`
}

func (o Owner) String() string {
	return fmt.Sprintf("%s@%s", o.Workspace, o.Branch)
}

func (o Owner) Valid() bool {
	return o.Workspace != "" && o.Branch != ""
}

// Lock is one locked path inside a lock domain.
type Lock struct {
	Path      string    `json:"path"`
	DomainID  string    `json:"lock_domain_id"`
	Owner     Owner     `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// Reassignment moves Root, its descendants and the locks they own into
// one lock domain, and re-parents Root.
type Reassignment struct {
	// Root gets Parent as its new parent ("" clears it).
	Root   string
	Parent string
	// Domain is the destination. Empty means Parent's current domain.
	Domain string
}

// Plan works out the branches to move and the destination domain from
// the branch rows read inside the reassigning transaction.
func (r Reassignment) Plan(branches []*branch.Branch) ([]string, string, error) {
	byName := make(map[string]*branch.Branch, len(branches))
	for _, b := range branches {
		byName[b.Name] = b
	}
	if _, ok := byName[r.Root]; !ok {
		return nil, "", lscerrors.NotFound(fmt.Sprintf("branch %s not found", r.Root))
	}
	subtree := branch.Subtree(branches, r.Root)

	domain := r.Domain
	if r.Parent != "" {
		parent, ok := byName[r.Parent]
		if !ok {
			return nil, "", lscerrors.NotFound(fmt.Sprintf("branch %s not found", r.Parent))
		}
		if slices.Contains(subtree, r.Parent) {
			return nil, "", lscerrors.ValidationError(
				fmt.Sprintf("%s is a descendant of %s", r.Parent, r.Root), subtree)
		}
		if domain == "" {
			domain = parent.LockDomainID
		}
	}
	if domain == "" {
		return nil, "", lscerrors.ValidationError(fmt.Sprintf("no lock domain to move %s into", r.Root), nil)
	}
	return subtree, domain, nil
}

// Box is durable storage for locks. Implementations run each method in a
// single transaction.
type Box interface {
	// InsertLock returns the existing lock when owner already holds it and
	// an AlreadyLocked error when someone else does.
	InsertLock(ctx context.Context, l *Lock) (*Lock, error)
	// InsertBranchLock is InsertLock with the domain read from branch in
	// the same transaction.
	InsertBranchLock(ctx context.Context, branch string, l *Lock) (*Lock, error)
	GetLock(ctx context.Context, domain, path string) (*Lock, error)
	// DeleteLock fails with NotFound when path is unlocked and NotOwner
	// when someone else holds it.
	DeleteLock(ctx context.Context, domain, path string, owner Owner) error
	ListLocks(ctx context.Context, domain string) ([]*Lock, error)
	// TransferLock hands a lock from one owner to another in place. It
	// fails like DeleteLock when from does not hold path.
	TransferLock(ctx context.Context, domain, path string, from, to Owner) (*Lock, error)
	// Reassign applies r atomically and returns the branches it moved. It
	// fails with CrossDomainLocks if two different owners would end up
	// locking the same path.
	Reassign(ctx context.Context, r Reassignment) ([]string, error)
}
