package resolve

import (
	"context"
	"fmt"

	lscerrors "lsc/internal/errors"
)

// PendingResolve is a path where local and remote edits collided. An
// empty hash means the file does not exist on that side.
type PendingResolve struct {
	Path         string `json:"path"`
	BaseHash     string `json:"base_hash"`
	LocalHash    string `json:"local_hash"`
	RemoteHash   string `json:"remote_hash"`
	BaseCommit   string `json:"base_commit"`
	TheirsCommit string `json:"theirs_commit"`
}

// Choice is how the user asks for a resolve to be settled.
type Choice string

const (
	ChoiceMerge  Choice = "merge"
	ChoiceLocal  Choice = "local"
	ChoiceTheirs Choice = "theirs"
)

func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChoiceMerge, ChoiceLocal, ChoiceTheirs:
		return c, nil
	}
	return "", lscerrors.ValidationError(fmt.Sprintf("unknown resolve choice %q (merge, local, theirs)", s), nil)
}

type Kind int

const (
	// Accepted keeps the local version.
	Accepted Kind = iota
	// AcceptedTheirs takes the remote version.
	AcceptedTheirs
	// Merged carries new content combining both sides.
	Merged
	// Unresolved leaves the resolve pending. Content may hold a rendition
	// with conflict markers for the user to edit.
	Unresolved
)

func (k Kind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case AcceptedTheirs:
		return "accepted-theirs"
	case Merged:
		return "merged"
	case Unresolved:
		return "unresolved"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type Resolution struct {
	Kind    Kind
	Content []byte
	// Tool names the merge tool that produced the resolution, if any.
	Tool   string
	Reason string
}

// Box is durable storage for pending resolves, keyed by path.
type Box interface {
	PutResolve(ctx context.Context, r *PendingResolve) error
	// GetResolve fails with NotFound when path has no pending resolve.
	GetResolve(ctx context.Context, path string) (*PendingResolve, error)
	ListResolves(ctx context.Context) ([]*PendingResolve, error)
	DeleteResolve(ctx context.Context, path string) error
}

// Contents reads blobs by hash.
type Contents interface {
	Get(ctx context.Context, hash string) ([]byte, error)
}
