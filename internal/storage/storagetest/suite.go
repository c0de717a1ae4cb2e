// Package storagetest holds behaviour tests shared by every index backend.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsc/internal/branch"
	"lsc/internal/change"
	"lsc/internal/commit"
	lscerrors "lsc/internal/errors"
	"lsc/internal/lock"
	"lsc/shared/utils"
)

// Store is an index backend: commits, branches and locks.
type Store interface {
	commit.Box
	branch.Box
	lock.Box
}

// Run exercises a backend. open must return a fresh, empty store.
func Run(t *testing.T, open func(t *testing.T) Store) {
	t.Run("CommitRoundTrip", func(t *testing.T) { testCommitRoundTrip(t, open(t)) })
	t.Run("BranchCreate", func(t *testing.T) { testBranchCreate(t, open(t)) })
	t.Run("BranchCAS", func(t *testing.T) { testBranchCAS(t, open(t)) })
	t.Run("ConcurrentCAS", func(t *testing.T) { testConcurrentCAS(t, open(t)) })
	t.Run("Locks", func(t *testing.T) { testLocks(t, open(t)) })
	t.Run("ConcurrentLocks", func(t *testing.T) { testConcurrentLocks(t, open(t)) })
	t.Run("BranchLock", func(t *testing.T) { testBranchLock(t, open(t)) })
	t.Run("Reassign", func(t *testing.T) { testReassign(t, open(t)) })
	t.Run("ReassignConflict", func(t *testing.T) { testReassignConflict(t, open(t)) })
	t.Run("ReassignPlan", func(t *testing.T) { testReassignPlan(t, open(t)) })
	t.Run("TransferLock", func(t *testing.T) { testTransferLock(t, open(t)) })
}

// NewCommit builds a commit with a valid id.
func NewCommit(t *testing.T, message string, parents ...string) *commit.Commit {
	t.Helper()
	if parents == nil {
		parents = []string{}
	}
	c := &commit.Commit{
		Owner:   "tester",
		Message: message,
		Changes: []change.HashedChange{
			{Path: "a.txt", Hash: utils.HashContent([]byte(message)), Type: change.Add},
		},
		RootHash:    utils.HashContent([]byte("root " + message)),
		Parents:     parents,
		DateTimeUTC: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339Nano),
	}
	id, err := c.ComputeID()
	require.NoError(t, err)
	c.ID = id
	return c
}

func testCommitRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	root := NewCommit(t, "root")
	child := NewCommit(t, "child", root.ID)

	require.NoError(t, s.CreateCommit(ctx, root))
	require.NoError(t, s.CreateCommit(ctx, child))
	require.NoError(t, s.CreateCommit(ctx, child), "identical commits are idempotent")

	got, err := s.GetCommit(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, child, got)

	id, err := got.ComputeID()
	require.NoError(t, err)
	assert.Equal(t, child.ID, id)

	ok, err := s.CommitExists(ctx, root.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CommitExists(ctx, utils.HashContent([]byte("nope")))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetCommit(ctx, "missing")
	assert.ErrorIs(t, err, lscerrors.ErrNotFound)
}

func seedBranch(t *testing.T, s Store, name, parent, domain string) *commit.Commit {
	t.Helper()
	c := NewCommit(t, "base of "+name)
	require.NoError(t, s.CreateCommit(context.Background(), c))
	require.NoError(t, s.CreateBranch(context.Background(), &branch.Branch{
		Name: name, Head: c.ID, Parent: parent, LockDomainID: domain,
	}))
	return c
}

func testBranchCreate(t *testing.T, s Store) {
	ctx := context.Background()
	seedBranch(t, s, "main", "", "d1")
	seedBranch(t, s, "feature", "main", "d1")

	err := s.CreateBranch(ctx, &branch.Branch{Name: "main", Head: "x", LockDomainID: "d1"})
	assert.ErrorIs(t, err, lscerrors.ErrAlreadyExists)

	b, err := s.GetBranch(ctx, "feature")
	require.NoError(t, err)
	assert.Equal(t, "main", b.Parent)
	assert.Equal(t, "d1", b.LockDomainID)

	_, err = s.GetBranch(ctx, "nope")
	assert.ErrorIs(t, err, lscerrors.ErrNotFound)

	all, err := s.ListBranches(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testBranchCAS(t *testing.T, s Store) {
	ctx := context.Background()
	base := seedBranch(t, s, "main", "", "d1")
	next := NewCommit(t, "next", base.ID)
	require.NoError(t, s.CreateCommit(ctx, next))

	require.NoError(t, s.UpdateBranchHead(ctx, "main", base.ID, next.ID))

	err := s.UpdateBranchHead(ctx, "main", base.ID, next.ID)
	assert.ErrorIs(t, err, lscerrors.ErrConcurrentModification)

	b, err := s.GetBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, next.ID, b.Head)

	err = s.UpdateBranchHead(ctx, "nope", base.ID, next.ID)
	assert.ErrorIs(t, err, lscerrors.ErrNotFound)
}

func testConcurrentCAS(t *testing.T, s Store) {
	ctx := context.Background()
	base := seedBranch(t, s, "main", "", "d1")

	const writers = 8
	heads := make([]*commit.Commit, writers)
	for i := range heads {
		heads[i] = NewCommit(t, fmt.Sprintf("writer %d", i), base.ID)
		require.NoError(t, s.CreateCommit(ctx, heads[i]))
	}

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range heads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.UpdateBranchHead(ctx, "main", base.ID, heads[i].ID)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, lscerrors.ErrConcurrentModification)
	}
	assert.Equal(t, 1, winners)
}

func newLock(domain, path, ws, br string) *lock.Lock {
	return &lock.Lock{
		Path:      path,
		DomainID:  domain,
		Owner:     lock.Owner{Workspace: ws, Branch: br},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func testLocks(t *testing.T, s Store) {
	ctx := context.Background()
	owner := lock.Owner{Workspace: "w1", Branch: "main"}

	held, err := s.InsertLock(ctx, newLock("d1", "art/a.psd", "w1", "main"))
	require.NoError(t, err)
	assert.Equal(t, owner, held.Owner)

	again, err := s.InsertLock(ctx, newLock("d1", "art/a.psd", "w1", "main"))
	require.NoError(t, err)
	assert.Equal(t, held.CreatedAt, again.CreatedAt)

	_, err = s.InsertLock(ctx, newLock("d1", "art/a.psd", "w2", "main"))
	assert.ErrorIs(t, err, lscerrors.ErrAlreadyLocked)

	// other domains are independent
	_, err = s.InsertLock(ctx, newLock("d2", "art/a.psd", "w2", "main"))
	require.NoError(t, err)

	got, err := s.GetLock(ctx, "d1", "art/a.psd")
	require.NoError(t, err)
	assert.Equal(t, owner, got.Owner)

	_, err = s.InsertLock(ctx, newLock("d1", "art/b.psd", "w1", "main"))
	require.NoError(t, err)
	list, err := s.ListLocks(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	err = s.DeleteLock(ctx, "d1", "art/a.psd", lock.Owner{Workspace: "w2", Branch: "main"})
	assert.ErrorIs(t, err, lscerrors.ErrNotOwner)

	require.NoError(t, s.DeleteLock(ctx, "d1", "art/a.psd", owner))
	err = s.DeleteLock(ctx, "d1", "art/a.psd", owner)
	assert.ErrorIs(t, err, lscerrors.ErrNotFound)

	_, err = s.GetLock(ctx, "d1", "art/a.psd")
	assert.ErrorIs(t, err, lscerrors.ErrNotFound)
}

func testConcurrentLocks(t *testing.T, s Store) {
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.InsertLock(ctx, newLock("d1", "x.bin", fmt.Sprintf("w%d", i), "main"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, lscerrors.ErrAlreadyLocked)
	}
	assert.Equal(t, 1, winners)
}

func testBranchLock(t *testing.T, s Store) {
	ctx := context.Background()
	seedBranch(t, s, "main", "", "d1")

	held, err := s.InsertBranchLock(ctx, "main", newLock("", "x.bin", "w1", "main"))
	require.NoError(t, err)
	assert.Equal(t, "d1", held.DomainID)

	_, err = s.GetLock(ctx, "d1", "x.bin")
	require.NoError(t, err)

	_, err = s.InsertBranchLock(ctx, "nope", newLock("", "x.bin", "w1", "nope"))
	assert.ErrorIs(t, err, lscerrors.ErrNotFound)
}

func testReassign(t *testing.T, s Store) {
	ctx := context.Background()
	seedBranch(t, s, "main", "", "d1")
	seedBranch(t, s, "feature", "", "d2")
	seedBranch(t, s, "fix", "feature", "d2")

	_, err := s.InsertLock(ctx, newLock("d2", "x.bin", "w2", "fix"))
	require.NoError(t, err)
	_, err = s.InsertLock(ctx, newLock("d1", "y.bin", "w1", "main"))
	require.NoError(t, err)

	moved, err := s.Reassign(ctx, lock.Reassignment{Root: "feature", Parent: "main"})
	require.NoError(t, err)
	assert.Equal(t, []string{"feature", "fix"}, moved)

	for _, name := range []string{"feature", "fix"} {
		b, err := s.GetBranch(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, "d1", b.LockDomainID, name)
	}
	b, err := s.GetBranch(ctx, "feature")
	require.NoError(t, err)
	assert.Equal(t, "main", b.Parent)

	l, err := s.GetLock(ctx, "d1", "x.bin")
	require.NoError(t, err)
	assert.Equal(t, "fix", l.Owner.Branch)

	left, err := s.ListLocks(ctx, "d2")
	require.NoError(t, err)
	assert.Empty(t, left)

	// detach again
	_, err = s.Reassign(ctx, lock.Reassignment{Root: "feature", Domain: "d3"})
	require.NoError(t, err)
	b, err = s.GetBranch(ctx, "feature")
	require.NoError(t, err)
	assert.Empty(t, b.Parent)

	carried, err := s.ListLocks(ctx, "d3")
	require.NoError(t, err)
	require.Len(t, carried, 1)
	assert.Equal(t, "x.bin", carried[0].Path)

	stay, err := s.ListLocks(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, stay, 1)
	assert.Equal(t, "y.bin", stay[0].Path)
}

func testReassignConflict(t *testing.T, s Store) {
	ctx := context.Background()
	seedBranch(t, s, "main", "", "d1")
	seedBranch(t, s, "feature", "", "d2")

	_, err := s.InsertLock(ctx, newLock("d1", "x.bin", "w1", "main"))
	require.NoError(t, err)
	_, err = s.InsertLock(ctx, newLock("d2", "x.bin", "w2", "feature"))
	require.NoError(t, err)

	_, err = s.Reassign(ctx, lock.Reassignment{Root: "feature", Parent: "main"})
	require.ErrorIs(t, err, lscerrors.ErrCrossDomainLocks)

	var lerr *lscerrors.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, []string{"x.bin"}, lerr.Details)

	// nothing moved
	b, err := s.GetBranch(ctx, "feature")
	require.NoError(t, err)
	assert.Equal(t, "d2", b.LockDomainID)
	assert.Empty(t, b.Parent)
}

func testReassignPlan(t *testing.T, s Store) {
	ctx := context.Background()
	seedBranch(t, s, "main", "", "d1")
	seedBranch(t, s, "feature", "main", "d1")
	seedBranch(t, s, "fix", "feature", "d1")

	_, err := s.Reassign(ctx, lock.Reassignment{Root: "main", Parent: "fix"})
	assert.ErrorIs(t, err, lscerrors.ErrValidation)
	_, err = s.Reassign(ctx, lock.Reassignment{Root: "ghost", Domain: "d2"})
	assert.ErrorIs(t, err, lscerrors.ErrNotFound)
	_, err = s.Reassign(ctx, lock.Reassignment{Root: "feature", Parent: "ghost"})
	assert.ErrorIs(t, err, lscerrors.ErrNotFound)

	// a branch created after the caller looked is still part of the subtree
	seedBranch(t, s, "late", "fix", "d1")
	moved, err := s.Reassign(ctx, lock.Reassignment{Root: "feature", Domain: "d2"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"feature", "fix", "late"}, moved)
	b, err := s.GetBranch(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, "d2", b.LockDomainID)
}

func testTransferLock(t *testing.T, s Store) {
	ctx := context.Background()
	from := lock.Owner{Workspace: "w1", Branch: "main"}
	to := lock.Owner{Workspace: "w1", Branch: "topic"}

	_, err := s.InsertLock(ctx, newLock("d1", "x.bin", "w1", "main"))
	require.NoError(t, err)

	moved, err := s.TransferLock(ctx, "d1", "x.bin", from, to)
	require.NoError(t, err)
	assert.Equal(t, to, moved.Owner)

	l, err := s.GetLock(ctx, "d1", "x.bin")
	require.NoError(t, err)
	assert.Equal(t, to, l.Owner)

	_, err = s.TransferLock(ctx, "d1", "x.bin", from, to)
	assert.ErrorIs(t, err, lscerrors.ErrNotOwner)
	_, err = s.TransferLock(ctx, "d1", "y.bin", from, to)
	assert.ErrorIs(t, err, lscerrors.ErrNotFound)
}
