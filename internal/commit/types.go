package commit

import (
	"context"
	"encoding/json"
	"time"

	"lsc/internal/change"
	"lsc/shared/utils"
)

// Commit is an immutable snapshot. ID is the hash of every other field.
type Commit struct {
	ID          string                `json:"id"`
	Owner       string                `json:"owner"`
	Message     string                `json:"message"`
	Changes     []change.HashedChange `json:"changes"`
	RootHash    string                `json:"root_hash"`
	Parents     []string              `json:"parents"`
	DateTimeUTC string                `json:"date_time_utc"`
}

// hashedFields is the part of a Commit covered by its ID.
type hashedFields struct {
	Owner       string                `json:"owner"`
	Message     string                `json:"message"`
	Changes     []change.HashedChange `json:"changes"`
	RootHash    string                `json:"root_hash"`
	Parents     []string              `json:"parents"`
	DateTimeUTC string                `json:"date_time_utc"`
}

// ComputeID hashes the commit's fields, ignoring the current ID.
func (c *Commit) ComputeID() (string, error) {
	changes := c.Changes
	if changes == nil {
		changes = []change.HashedChange{}
	}
	parents := c.Parents
	if parents == nil {
		parents = []string{}
	}
	data, err := json.Marshal(hashedFields{
		Owner:       c.Owner,
		Message:     c.Message,
		Changes:     changes,
		RootHash:    c.RootHash,
		Parents:     parents,
		DateTimeUTC: c.DateTimeUTC,
	})
	if err != nil {
		return "", err
	}
	return utils.HashContent(data), nil
}

func (c *Commit) Time() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, c.DateTimeUTC)
	return t
}

// FirstParent is the commit this one was built on, or "" for a root commit.
func (c *Commit) FirstParent() string {
	if len(c.Parents) == 0 {
		return ""
	}
	return c.Parents[0]
}

// Box is durable storage for commits. CreateCommit must be idempotent for
// identical commits.
type Box interface {
	CreateCommit(ctx context.Context, c *Commit) error
	GetCommit(ctx context.Context, id string) (*Commit, error)
	CommitExists(ctx context.Context, id string) (bool, error)
}
