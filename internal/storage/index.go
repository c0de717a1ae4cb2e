package storage

import (
	"context"
	"fmt"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"lsc/internal/branch"
	"lsc/internal/commit"
	lscerrors "lsc/internal/errors"
	"lsc/internal/lock"
	"lsc/internal/logging"
)

const lockInsertAttempts = 5

// Index keeps commits, branches and locks in badger. Every method is one
// optimistic transaction.
type Index struct {
	db       *badger.DB
	owned    bool
	commits  *BadgerStore
	branches *BadgerStore
	locks    *BadgerStore
	logger   *zap.Logger
}

var (
	_ commit.Box = (*Index)(nil)
	_ branch.Box = (*Index)(nil)
	_ lock.Box   = (*Index)(nil)
)

// NewIndex uses db without taking ownership of it.
func NewIndex(db *badger.DB, logger *zap.Logger) *Index {
	return &Index{
		db:       db,
		commits:  NewBadgerStore(db, "commit"),
		branches: NewBadgerStore(db, "branch"),
		locks:    NewBadgerStore(db, "lock"),
		logger:   logging.OrNop(logger).Named("index"),
	}
}

// OpenIndex opens a badger index at path; Close closes it.
func OpenIndex(path string, logger *zap.Logger) (*Index, error) {
	db, err := OpenBadger(path)
	if err != nil {
		return nil, err
	}
	idx := NewIndex(db, logger)
	idx.owned = true
	return idx, nil
}

func (x *Index) Close() error {
	if x.owned {
		return x.db.Close()
	}
	return nil
}

func lockID(domain, path string) string {
	return domain + ":" + path
}

// Commits

func (x *Index) CreateCommit(ctx context.Context, c *commit.Commit) error {
	return Update(x.db, func(txn *badger.Txn) error {
		var existing commit.Commit
		err := x.commits.Get(txn, c.ID, &existing)
		if err == nil {
			// ids are content hashes, so a stored commit is the same commit
			return nil
		}
		if !lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
			return err
		}
		return x.commits.Put(txn, c.ID, c)
	})
}

func (x *Index) GetCommit(ctx context.Context, id string) (*commit.Commit, error) {
	var c commit.Commit
	err := x.db.View(func(txn *badger.Txn) error {
		return x.commits.Get(txn, id, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (x *Index) CommitExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := x.db.View(func(txn *badger.Txn) error {
		var err error
		ok, err = x.commits.Exists(txn, id)
		return err
	})
	return ok, err
}

// Branches

func (x *Index) CreateBranch(ctx context.Context, b *branch.Branch) error {
	return Update(x.db, func(txn *badger.Txn) error {
		if err := x.branches.Create(txn, b.Name, b); err != nil {
			if lscerrors.Is(err, lscerrors.ErrorTypeAlreadyExists) {
				return lscerrors.AlreadyExists(fmt.Sprintf("branch %s already exists", b.Name))
			}
			return err
		}
		return nil
	})
}

func (x *Index) GetBranch(ctx context.Context, name string) (*branch.Branch, error) {
	var b branch.Branch
	err := x.db.View(func(txn *badger.Txn) error {
		return x.getBranch(txn, name, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (x *Index) getBranch(txn *badger.Txn, name string, b *branch.Branch) error {
	if err := x.branches.Get(txn, name, b); err != nil {
		if lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
			return lscerrors.NotFound(fmt.Sprintf("branch %s not found", name))
		}
		return err
	}
	return nil
}

func (x *Index) ListBranches(ctx context.Context) ([]*branch.Branch, error) {
	var out []*branch.Branch
	err := x.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = List[branch.Branch](txn, x.branches, "")
		return err
	})
	return out, err
}

func (x *Index) UpdateBranchHead(ctx context.Context, name, expected, head string) error {
	return Update(x.db, func(txn *badger.Txn) error {
		var b branch.Branch
		if err := x.getBranch(txn, name, &b); err != nil {
			return err
		}
		if b.Head != expected {
			return lscerrors.ConcurrentModification(
				fmt.Sprintf("branch %s is at %s, expected %s", name, b.Head, expected))
		}
		b.Head = head
		return x.branches.Put(txn, name, &b)
	})
}

// Locks

func (x *Index) InsertLock(ctx context.Context, l *lock.Lock) (*lock.Lock, error) {
	var held *lock.Lock
	err := UpdateRetry(x.db, lockInsertAttempts, func(txn *badger.Txn) error {
		var err error
		held, err = x.insertLock(txn, l)
		return err
	})
	return held, err
}

func (x *Index) InsertBranchLock(ctx context.Context, branchName string, l *lock.Lock) (*lock.Lock, error) {
	var held *lock.Lock
	err := UpdateRetry(x.db, lockInsertAttempts, func(txn *badger.Txn) error {
		var b branch.Branch
		if err := x.getBranch(txn, branchName, &b); err != nil {
			return err
		}
		withDomain := *l
		withDomain.DomainID = b.LockDomainID

		var err error
		held, err = x.insertLock(txn, &withDomain)
		return err
	})
	return held, err
}

func (x *Index) insertLock(txn *badger.Txn, l *lock.Lock) (*lock.Lock, error) {
	id := lockID(l.DomainID, l.Path)

	var existing lock.Lock
	err := x.locks.Get(txn, id, &existing)
	if err == nil {
		if existing.Owner == l.Owner {
			return &existing, nil
		}
		return nil, lscerrors.AlreadyLocked(l.Path, existing.Owner)
	}
	if !lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
		return nil, err
	}

	if err := x.locks.Put(txn, id, l); err != nil {
		return nil, err
	}
	copied := *l
	return &copied, nil
}

func (x *Index) GetLock(ctx context.Context, domain, path string) (*lock.Lock, error) {
	var l lock.Lock
	err := x.db.View(func(txn *badger.Txn) error {
		return x.locks.Get(txn, lockID(domain, path), &l)
	})
	if err != nil {
		if lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
			return nil, lscerrors.NotFound(fmt.Sprintf("%s is not locked", path))
		}
		return nil, err
	}
	return &l, nil
}

func (x *Index) DeleteLock(ctx context.Context, domain, path string, owner lock.Owner) error {
	return UpdateRetry(x.db, lockInsertAttempts, func(txn *badger.Txn) error {
		id := lockID(domain, path)
		var existing lock.Lock
		if err := x.locks.Get(txn, id, &existing); err != nil {
			if lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
				return lscerrors.NotFound(fmt.Sprintf("%s is not locked", path))
			}
			return err
		}
		if existing.Owner != owner {
			return lscerrors.NotOwner(path, existing.Owner)
		}
		return x.locks.Delete(txn, id)
	})
}

func (x *Index) ListLocks(ctx context.Context, domain string) ([]*lock.Lock, error) {
	var out []*lock.Lock
	err := x.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = List[lock.Lock](txn, x.locks, domain+":")
		return err
	})
	return out, err
}

func (x *Index) TransferLock(ctx context.Context, domain, path string, from, to lock.Owner) (*lock.Lock, error) {
	var moved lock.Lock
	err := UpdateRetry(x.db, lockInsertAttempts, func(txn *badger.Txn) error {
		id := lockID(domain, path)
		if err := x.locks.Get(txn, id, &moved); err != nil {
			if lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
				return lscerrors.NotFound(fmt.Sprintf("%s is not locked", path))
			}
			return err
		}
		if moved.Owner != from {
			return lscerrors.NotOwner(path, moved.Owner)
		}
		moved.Owner = to
		return x.locks.Put(txn, id, &moved)
	})
	if err != nil {
		return nil, err
	}
	return &moved, nil
}

func (x *Index) Reassign(ctx context.Context, r lock.Reassignment) ([]string, error) {
	var subtree []string
	err := Update(x.db, func(txn *badger.Txn) error {
		branches, err := List[branch.Branch](txn, x.branches, "")
		if err != nil {
			return err
		}
		var domain string
		subtree, domain, err = r.Plan(branches)
		if err != nil {
			return err
		}

		members := make(map[string]bool, len(subtree))
		for _, name := range subtree {
			members[name] = true
		}
		for _, b := range branches {
			if !members[b.Name] {
				continue
			}
			b.LockDomainID = domain
			if b.Name == r.Root {
				b.Parent = r.Parent
			}
			if err := x.branches.Put(txn, b.Name, b); err != nil {
				return err
			}
		}

		all, err := List[lock.Lock](txn, x.locks, "")
		if err != nil {
			return err
		}

		// locks already in the destination domain, plus the ones moving in
		held := make(map[string]lock.Owner)
		var moving []*lock.Lock
		for _, l := range all {
			switch {
			case l.DomainID == domain:
				held[l.Path] = l.Owner
			case members[l.Owner.Branch]:
				moving = append(moving, l)
			}
		}

		var conflicts []string
		for _, l := range moving {
			if owner, ok := held[l.Path]; ok && owner != l.Owner {
				conflicts = append(conflicts, l.Path)
				continue
			}
			held[l.Path] = l.Owner
		}
		if len(conflicts) > 0 {
			slices.Sort(conflicts)
			return lscerrors.CrossDomainLocks(slices.Compact(conflicts))
		}

		for _, l := range moving {
			if err := x.locks.Delete(txn, lockID(l.DomainID, l.Path)); err != nil {
				return err
			}
			l.DomainID = domain
			if err := x.locks.Put(txn, lockID(l.DomainID, l.Path), l); err != nil {
				return err
			}
		}

		x.logger.Debug("reassigned lock domain",
			zap.String("root", r.Root),
			zap.String("domain", domain),
			zap.Int("moved_locks", len(moving)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subtree, nil
}
