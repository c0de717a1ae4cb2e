package workspace

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"lsc/internal/change"
	lscerrors "lsc/internal/errors"
	"lsc/internal/resolve"
	"lsc/internal/storage"
)

const currentKey = "current"

// State is the branch a workspace works on and the commit its files are
// based on.
type State struct {
	Branch string `json:"branch"`
	Base   string `json:"base"`
}

// PendingChange is a staged change. Content is hashed at commit time.
type PendingChange struct {
	Path string            `json:"path"`
	Type change.ChangeType `json:"change_type"`
}

// PendingBranchMerge is a branch merged into the workspace but not yet
// committed. Its head becomes an extra parent of the next commit.
type PendingBranchMerge struct {
	Branch string `json:"branch"`
	Head   string `json:"head"`
}

// manifest is the workspace's local state in badger.
type manifest struct {
	db       *badger.DB
	state    *storage.BadgerStore
	changes  *storage.BadgerStore
	resolves *storage.BadgerStore
	merges   *storage.BadgerStore
}

var _ resolve.Box = (*manifest)(nil)

func openManifest(path string) (*manifest, error) {
	db, err := storage.OpenBadger(path)
	if err != nil {
		return nil, err
	}
	return &manifest{
		db:       db,
		state:    storage.NewBadgerStore(db, "state"),
		changes:  storage.NewBadgerStore(db, "change"),
		resolves: storage.NewBadgerStore(db, "resolve"),
		merges:   storage.NewBadgerStore(db, "merge"),
	}, nil
}

func (m *manifest) Close() error {
	return m.db.Close()
}

func (m *manifest) update(fn func(txn *badger.Txn) error) error {
	return storage.Update(m.db, fn)
}

func (m *manifest) State() (State, error) {
	var s State
	err := m.db.View(func(txn *badger.Txn) error {
		return m.state.Get(txn, currentKey, &s)
	})
	return s, err
}

func (m *manifest) SetState(s State) error {
	return m.update(func(txn *badger.Txn) error {
		return m.state.Put(txn, currentKey, &s)
	})
}

// Change returns the staged change for path, if any.
func (m *manifest) Change(path string) (*PendingChange, bool, error) {
	var c PendingChange
	err := m.db.View(func(txn *badger.Txn) error {
		return m.changes.Get(txn, path, &c)
	})
	if lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

// Changes returns the staged changes sorted by path.
func (m *manifest) Changes() ([]*PendingChange, error) {
	var out []*PendingChange
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = storage.List[PendingChange](txn, m.changes, "")
		return err
	})
	slices.SortFunc(out, func(a, b *PendingChange) int {
		return strings.Compare(a.Path, b.Path)
	})
	return out, err
}

func (m *manifest) PutChange(c PendingChange) error {
	return m.update(func(txn *badger.Txn) error {
		return m.changes.Put(txn, c.Path, &c)
	})
}

func (m *manifest) DeleteChange(path string) error {
	return m.update(func(txn *badger.Txn) error {
		return deleteIfPresent(txn, m.changes, path)
	})
}

func deleteIfPresent(txn *badger.Txn, s *storage.BadgerStore, id string) error {
	err := s.Delete(txn, id)
	if lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
		return nil
	}
	return err
}

func (m *manifest) Merges() ([]*PendingBranchMerge, error) {
	var out []*PendingBranchMerge
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = storage.List[PendingBranchMerge](txn, m.merges, "")
		return err
	})
	slices.SortFunc(out, func(a, b *PendingBranchMerge) int {
		return strings.Compare(a.Branch, b.Branch)
	})
	return out, err
}

func (m *manifest) PutMerge(pm PendingBranchMerge) error {
	return m.update(func(txn *badger.Txn) error {
		return m.merges.Put(txn, pm.Branch, &pm)
	})
}

// FinishCommit clears every staged change and pending merge and moves the
// base, in one transaction.
func (m *manifest) FinishCommit(s State) error {
	return m.update(func(txn *badger.Txn) error {
		for _, store := range []*storage.BadgerStore{m.changes, m.merges} {
			var ids []string
			if err := store.Scan(txn, "", func(id string, _ []byte) error {
				ids = append(ids, id)
				return nil
			}); err != nil {
				return err
			}
			for _, id := range ids {
				if err := store.Delete(txn, id); err != nil {
					return err
				}
			}
		}
		return m.state.Put(txn, currentKey, &s)
	})
}

// resolve.Box

func (m *manifest) PutResolve(ctx context.Context, r *resolve.PendingResolve) error {
	return m.update(func(txn *badger.Txn) error {
		return m.resolves.Put(txn, r.Path, r)
	})
}

func (m *manifest) GetResolve(ctx context.Context, path string) (*resolve.PendingResolve, error) {
	var r resolve.PendingResolve
	err := m.db.View(func(txn *badger.Txn) error {
		return m.resolves.Get(txn, path, &r)
	})
	if lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
		return nil, lscerrors.NotFound(fmt.Sprintf("no pending resolve for %s", path))
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *manifest) ListResolves(ctx context.Context) ([]*resolve.PendingResolve, error) {
	var out []*resolve.PendingResolve
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = storage.List[resolve.PendingResolve](txn, m.resolves, "")
		return err
	})
	return out, err
}

func (m *manifest) DeleteResolve(ctx context.Context, path string) error {
	return m.update(func(txn *badger.Txn) error {
		return m.resolves.Delete(txn, path)
	})
}
