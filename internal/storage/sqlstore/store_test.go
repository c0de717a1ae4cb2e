package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lsc/internal/branch"
	"lsc/internal/storage/storagetest"
)

func setupTestStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "index.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Store {
		return setupTestStore(t)
	})
}

func TestStoreSharedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	first, err := Open(path, nil)
	require.NoError(t, err)
	defer first.Close()
	second, err := Open(path, nil)
	require.NoError(t, err)
	defer second.Close()

	c := storagetest.NewCommit(t, "shared")
	require.NoError(t, first.CreateCommit(ctx, c))
	require.NoError(t, first.CreateBranch(ctx, &branch.Branch{Name: "main", Head: c.ID, LockDomainID: "d1"}))

	b, err := second.GetBranch(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, c.ID, b.Head)

	next := storagetest.NewCommit(t, "next", c.ID)
	require.NoError(t, second.CreateCommit(ctx, next))
	require.NoError(t, second.UpdateBranchHead(ctx, "main", c.ID, next.ID))

	err = first.UpdateBranchHead(ctx, "main", c.ID, next.ID)
	assert.Error(t, err)
}
