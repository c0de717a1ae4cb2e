// internal/change/types.go
package change

import (
	"fmt"
	"slices"
	"strings"
)

type ChangeType string

const (
	Add    ChangeType = "add"
	Edit   ChangeType = "edit"
	Delete ChangeType = "delete"
)

func (t ChangeType) Valid() bool {
	switch t {
	case Add, Edit, Delete:
		return true
	}
	return false
}

// HashedChange is one path of a commit. Hash is the blob hash of the new
// content and is empty for deletes.
type HashedChange struct {
	Path string     `json:"path"`
	Hash string     `json:"hash"`
	Type ChangeType `json:"change_type"`
}

func (c HashedChange) String() string {
	return fmt.Sprintf("%s %s", c.Type, c.Path)
}

// Validate checks the path and the hash/type pairing.
func (c HashedChange) Validate() error {
	if _, err := CanonicalPath(c.Path); err != nil {
		return err
	}
	if !c.Type.Valid() {
		return fmt.Errorf("%s: unknown change type %q", c.Path, c.Type)
	}
	if c.Type == Delete && c.Hash != "" {
		return fmt.Errorf("%s: delete carries a hash", c.Path)
	}
	if c.Type != Delete && c.Hash == "" {
		return fmt.Errorf("%s: %s without a hash", c.Path, c.Type)
	}
	return nil
}

// Sort orders changes by path, the order they are stored in commits.
func Sort(changes []HashedChange) {
	slices.SortFunc(changes, func(a, b HashedChange) int {
		return strings.Compare(a.Path, b.Path)
	})
}

// Paths returns the set of paths touched by changes.
func Paths(changes []HashedChange) map[string]struct{} {
	paths := make(map[string]struct{}, len(changes))
	for _, c := range changes {
		paths[c.Path] = struct{}{}
	}
	return paths
}
