package storage

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	lscerrors "lsc/internal/errors"
	"lsc/internal/storage/storagetest"
)

func setupTestDB(t *testing.T) *badger.DB {
	db, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIndex(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Store {
		return NewIndex(setupTestDB(t), zaptest.NewLogger(t))
	})
}

func TestOpenIndexOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx, err := OpenIndex(dir, nil)
	require.NoError(t, err)
	c := storagetest.NewCommit(t, "persisted")
	require.NoError(t, idx.CreateCommit(ctx, c))
	require.NoError(t, idx.Close())

	idx, err = OpenIndex(dir, nil)
	require.NoError(t, err)
	defer idx.Close()

	got, err := idx.GetCommit(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

type record struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestBadgerStore(t *testing.T) {
	db := setupTestDB(t)
	s := NewBadgerStore(db, "rec")

	err := db.Update(func(txn *badger.Txn) error {
		require.NoError(t, s.Create(txn, "a/1", &record{Name: "one", Value: 1}))
		require.NoError(t, s.Create(txn, "a/2", &record{Name: "two", Value: 2}))
		require.NoError(t, s.Create(txn, "b/1", &record{Name: "other", Value: 3}))
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(txn *badger.Txn) error {
		return s.Create(txn, "a/1", &record{})
	})
	assert.ErrorIs(t, err, lscerrors.ErrAlreadyExists)

	err = db.View(func(txn *badger.Txn) error {
		var r record
		require.NoError(t, s.Get(txn, "a/2", &r))
		assert.Equal(t, record{Name: "two", Value: 2}, r)

		assert.ErrorIs(t, s.Get(txn, "zzz", &r), lscerrors.ErrNotFound)

		list, err := List[record](txn, s, "a/")
		require.NoError(t, err)
		assert.Len(t, list, 2)
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(txn *badger.Txn) error {
		require.NoError(t, s.Delete(txn, "a/1"))
		return s.Delete(txn, "a/1")
	})
	assert.ErrorIs(t, err, lscerrors.ErrNotFound)
}

func TestUpdateMapsConflicts(t *testing.T) {
	db := setupTestDB(t)
	s := NewBadgerStore(db, "rec")
	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return s.Put(txn, "k", &record{Value: 1})
	}))

	// a transaction that read k loses against a write committed meanwhile
	err := Update(db, func(txn *badger.Txn) error {
		var r record
		require.NoError(t, s.Get(txn, "k", &r))
		require.NoError(t, db.Update(func(inner *badger.Txn) error {
			return s.Put(inner, "k", &record{Value: 2})
		}))
		return s.Put(txn, "k", &record{Value: r.Value + 10})
	})
	assert.ErrorIs(t, err, lscerrors.ErrConcurrentModification)
}
