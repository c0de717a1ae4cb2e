package branch

import "context"

// Branch is a named, mutable pointer to a head commit.
type Branch struct {
	Name         string `json:"name"`
	Head         string `json:"head"`
	Parent       string `json:"parent,omitempty"`
	LockDomainID string `json:"lock_domain_id"`
}

// Box is durable storage for branches. UpdateBranchHead is a compare and
// swap: it fails with a ConcurrentModification error unless the stored head
// equals expected.
type Box interface {
	CreateBranch(ctx context.Context, b *Branch) error
	GetBranch(ctx context.Context, name string) (*Branch, error)
	ListBranches(ctx context.Context) ([]*Branch, error)
	UpdateBranchHead(ctx context.Context, name, expected, head string) error
}
