package lock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lsc/internal/branch"
	lscerrors "lsc/internal/errors"
	"lsc/internal/lock"
	"lsc/internal/storage"
	"lsc/internal/storage/storagetest"
)

type fixture struct {
	index    *storage.Index
	branches *branch.Registry
	locks    *lock.Manager
	base     string
}

// setupTestLocks creates main, feature (child of main, same domain) and
// solo (own domain) on an in-memory index.
func setupTestLocks(t *testing.T) *fixture {
	ctx := context.Background()
	db, err := storage.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zaptest.NewLogger(t)
	idx := storage.NewIndex(db, logger)
	c := storagetest.NewCommit(t, "root")
	require.NoError(t, idx.CreateCommit(ctx, c))

	f := &fixture{
		index:    idx,
		branches: branch.NewRegistry(idx, commitExists{idx}, logger),
		base:     c.ID,
	}
	f.locks = lock.NewManager(idx, logger)

	shared := lock.NewDomainID()
	_, err = f.branches.CreateBranch(ctx, "main", c.ID, shared, "")
	require.NoError(t, err)
	_, err = f.branches.CreateBranch(ctx, "feature", c.ID, shared, "main")
	require.NoError(t, err)
	_, err = f.branches.CreateBranch(ctx, "solo", c.ID, lock.NewDomainID(), "")
	require.NoError(t, err)
	return f
}

type commitExists struct{ idx *storage.Index }

func (c commitExists) Exists(ctx context.Context, id string) (bool, error) {
	return c.idx.CommitExists(ctx, id)
}

func (f *fixture) domain(t *testing.T, name string) string {
	b, err := f.branches.Get(context.Background(), name)
	require.NoError(t, err)
	return b.LockDomainID
}

func TestManager_LockUnlock(t *testing.T) {
	ctx := context.Background()
	f := setupTestLocks(t)
	d := f.domain(t, "main")
	w1 := lock.Owner{Workspace: "w1", Branch: "main"}
	w2 := lock.Owner{Workspace: "w2", Branch: "main"}

	l, err := f.locks.Lock(ctx, d, "./art/../art/a.psd", w1)
	require.NoError(t, err)
	assert.Equal(t, "art/a.psd", l.Path)

	_, err = f.locks.Lock(ctx, d, "art/a.psd", w1)
	require.NoError(t, err, "relocking is a no-op")

	_, err = f.locks.Lock(ctx, d, "art/a.psd", w2)
	assert.ErrorIs(t, err, lscerrors.ErrAlreadyLocked)

	held, err := f.locks.CheckWritable(ctx, d, "art/a.psd", w1)
	require.NoError(t, err)
	assert.True(t, held)
	_, err = f.locks.CheckWritable(ctx, d, "art/a.psd", w2)
	assert.ErrorIs(t, err, lscerrors.ErrAlreadyLocked)
	held, err = f.locks.CheckWritable(ctx, d, "free.txt", w2)
	require.NoError(t, err)
	assert.False(t, held)

	assert.ErrorIs(t, f.locks.Unlock(ctx, d, "art/a.psd", w2), lscerrors.ErrNotOwner)
	require.NoError(t, f.locks.Unlock(ctx, d, "art/a.psd", w1))
	assert.ErrorIs(t, f.locks.Unlock(ctx, d, "art/a.psd", w1), lscerrors.ErrNotFound)

	_, err = f.locks.Lock(ctx, d, "art/a.psd", w2)
	require.NoError(t, err)
}

func TestManager_LockValidation(t *testing.T) {
	ctx := context.Background()
	f := setupTestLocks(t)
	d := f.domain(t, "main")

	_, err := f.locks.Lock(ctx, d, "../escape", lock.Owner{Workspace: "w1", Branch: "main"})
	assert.ErrorIs(t, err, lscerrors.ErrValidation)

	_, err = f.locks.Lock(ctx, d, "a.txt", lock.Owner{Workspace: "w1"})
	assert.ErrorIs(t, err, lscerrors.ErrValidation)

	_, err = f.locks.Lock(ctx, "", "a.txt", lock.Owner{Workspace: "w1", Branch: "main"})
	assert.ErrorIs(t, err, lscerrors.ErrValidation)
}

func TestManager_SharedDomain(t *testing.T) {
	ctx := context.Background()
	f := setupTestLocks(t)

	_, err := f.locks.LockOnBranch(ctx, "main", "x.bin", lock.Owner{Workspace: "w1", Branch: "main"})
	require.NoError(t, err)

	_, err = f.locks.LockOnBranch(ctx, "feature", "x.bin", lock.Owner{Workspace: "w2", Branch: "feature"})
	assert.ErrorIs(t, err, lscerrors.ErrAlreadyLocked)

	_, err = f.locks.LockOnBranch(ctx, "solo", "x.bin", lock.Owner{Workspace: "w3", Branch: "solo"})
	require.NoError(t, err)
}

func TestManager_AttachBranch(t *testing.T) {
	ctx := context.Background()
	f := setupTestLocks(t)

	require.NoError(t, f.locks.AttachBranch(ctx, "solo", "main"))
	assert.Equal(t, f.domain(t, "main"), f.domain(t, "solo"))

	b, err := f.branches.Get(ctx, "solo")
	require.NoError(t, err)
	assert.Equal(t, "main", b.Parent)

	_, err = f.locks.Lock(ctx, f.domain(t, "main"), "x.bin", lock.Owner{Workspace: "w1", Branch: "main"})
	require.NoError(t, err)
	_, err = f.locks.Lock(ctx, f.domain(t, "solo"), "x.bin", lock.Owner{Workspace: "w2", Branch: "solo"})
	assert.ErrorIs(t, err, lscerrors.ErrAlreadyLocked)
}

func TestManager_AttachRejectsCycles(t *testing.T) {
	ctx := context.Background()
	f := setupTestLocks(t)

	assert.ErrorIs(t, f.locks.AttachBranch(ctx, "main", "main"), lscerrors.ErrValidation)
	assert.ErrorIs(t, f.locks.AttachBranch(ctx, "main", "feature"), lscerrors.ErrValidation)
	assert.ErrorIs(t, f.locks.AttachBranch(ctx, "main", "nope"), lscerrors.ErrNotFound)
}

func TestManager_AttachCrossDomainLocks(t *testing.T) {
	ctx := context.Background()
	f := setupTestLocks(t)
	soloDomain := f.domain(t, "solo")

	_, err := f.locks.LockOnBranch(ctx, "main", "x.bin", lock.Owner{Workspace: "w1", Branch: "main"})
	require.NoError(t, err)
	_, err = f.locks.LockOnBranch(ctx, "solo", "x.bin", lock.Owner{Workspace: "w2", Branch: "solo"})
	require.NoError(t, err)

	err = f.locks.AttachBranch(ctx, "solo", "main")
	assert.ErrorIs(t, err, lscerrors.ErrCrossDomainLocks)
	assert.Equal(t, soloDomain, f.domain(t, "solo"))
}

func TestManager_AttachCarriesLocks(t *testing.T) {
	ctx := context.Background()
	f := setupTestLocks(t)
	soloOwner := lock.Owner{Workspace: "w2", Branch: "solo"}

	_, err := f.locks.LockOnBranch(ctx, "solo", "y.bin", soloOwner)
	require.NoError(t, err)
	require.NoError(t, f.locks.AttachBranch(ctx, "solo", "main"))

	l, err := f.locks.Get(ctx, f.domain(t, "main"), "y.bin")
	require.NoError(t, err)
	assert.Equal(t, soloOwner, l.Owner)

	_, err = f.locks.LockOnBranch(ctx, "main", "y.bin", lock.Owner{Workspace: "w1", Branch: "main"})
	assert.ErrorIs(t, err, lscerrors.ErrAlreadyLocked)
}

func TestManager_DetachBranch(t *testing.T) {
	ctx := context.Background()
	f := setupTestLocks(t)
	mainDomain := f.domain(t, "main")
	featureOwner := lock.Owner{Workspace: "w2", Branch: "feature"}

	_, err := f.locks.Lock(ctx, mainDomain, "f.bin", featureOwner)
	require.NoError(t, err)
	_, err = f.locks.Lock(ctx, mainDomain, "m.bin", lock.Owner{Workspace: "w1", Branch: "main"})
	require.NoError(t, err)

	domain, err := f.locks.DetachBranch(ctx, "feature")
	require.NoError(t, err)
	assert.NotEqual(t, mainDomain, domain)
	assert.Equal(t, domain, f.domain(t, "feature"))

	b, err := f.branches.Get(ctx, "feature")
	require.NoError(t, err)
	assert.Empty(t, b.Parent)

	// the feature lock moved with its branch
	moved, err := f.locks.List(ctx, domain)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "f.bin", moved[0].Path)

	// main's lock no longer constrains feature, and the reverse
	_, err = f.locks.LockOnBranch(ctx, "feature", "m.bin", featureOwner)
	require.NoError(t, err)
	_, err = f.locks.LockOnBranch(ctx, "main", "f.bin", lock.Owner{Workspace: "w1", Branch: "main"})
	require.NoError(t, err)
}

// branchingBox creates a child of the reassigned root right before the
// reassignment runs, like a concurrent create-branch would.
type branchingBox struct {
	lock.Box
	create func(root string)
}

func (b branchingBox) Reassign(ctx context.Context, r lock.Reassignment) ([]string, error) {
	b.create(r.Root)
	return b.Box.Reassign(ctx, r)
}

func TestManager_DetachIncludesLateChildren(t *testing.T) {
	ctx := context.Background()
	f := setupTestLocks(t)
	lateOwner := lock.Owner{Workspace: "w9", Branch: "late"}

	locks := lock.NewManager(branchingBox{
		Box: f.index,
		create: func(root string) {
			_, err := f.branches.CreateBranch(ctx, "late", f.base, f.domain(t, root), root)
			require.NoError(t, err)
			_, err = f.locks.LockOnBranch(ctx, "late", "late.bin", lateOwner)
			require.NoError(t, err)
		},
	}, zaptest.NewLogger(t))

	domain, err := locks.DetachBranch(ctx, "feature")
	require.NoError(t, err)
	assert.Equal(t, domain, f.domain(t, "late"))

	l, err := locks.Get(ctx, domain, "late.bin")
	require.NoError(t, err)
	assert.Equal(t, lateOwner, l.Owner)
}

func TestManager_Transfer(t *testing.T) {
	ctx := context.Background()
	f := setupTestLocks(t)
	domain := f.domain(t, "main")
	from := lock.Owner{Workspace: "w1", Branch: "main"}
	to := lock.Owner{Workspace: "w1", Branch: "feature"}

	_, err := f.locks.Lock(ctx, domain, "x.bin", from)
	require.NoError(t, err)

	l, err := f.locks.Transfer(ctx, domain, "x.bin", from, to)
	require.NoError(t, err)
	assert.Equal(t, to, l.Owner)

	_, err = f.locks.CheckWritable(ctx, domain, "x.bin", from)
	assert.ErrorIs(t, err, lscerrors.ErrAlreadyLocked)
	held, err := f.locks.CheckWritable(ctx, domain, "x.bin", to)
	require.NoError(t, err)
	assert.True(t, held)

	_, err = f.locks.Transfer(ctx, domain, "x.bin", from, to)
	assert.ErrorIs(t, err, lscerrors.ErrNotOwner)
	_, err = f.locks.Transfer(ctx, domain, "x.bin", to, lock.Owner{Workspace: "w1"})
	assert.ErrorIs(t, err, lscerrors.ErrValidation)
}
