// Package testutil builds throwaway repositories for tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lsc/internal/config"
	"lsc/internal/content"
	"lsc/internal/repository"
	"lsc/internal/storage"
	"lsc/internal/storage/sqlstore"
)

// Indexes lists the metadata backends repository flows are run against.
var Indexes = []string{config.IndexBadger, config.IndexSQLite}

// Config returns the default configuration with in-memory blobs and fast
// commit retries.
func Config() *config.Config {
	cfg := config.Default()
	cfg.Repository.Blobs = config.BlobsMemory
	cfg.Repository.Index = config.IndexBadger
	cfg.Workspace.Owner = "tester"
	cfg.Commit.InitialInterval = 0
	cfg.Commit.MaxInterval = 0
	return cfg
}

// NewRepository returns a bootstrapped repository backed by memory blobs
// and an in-memory badger index. mutate may adjust the config first.
func NewRepository(t testing.TB, mutate ...func(*config.Config)) *repository.Repository {
	t.Helper()
	return NewWrappedRepository(t, config.IndexBadger, nil, mutate...)
}

// NewRepositoryOn picks the index backend by name, one of Indexes.
func NewRepositoryOn(t testing.TB, index string, mutate ...func(*config.Config)) *repository.Repository {
	t.Helper()
	return NewWrappedRepository(t, index, nil, mutate...)
}

// NewWrappedRepository opens the named index and lets wrap interpose on it
// before the repository is wired. A nil wrap uses the index as is.
func NewWrappedRepository(t testing.TB, index string, wrap func(repository.Index) repository.Index, mutate ...func(*config.Config)) *repository.Repository {
	t.Helper()
	cfg := Config()
	cfg.Repository.Index = index
	for _, m := range mutate {
		m(cfg)
	}

	var idx repository.Index
	switch index {
	case config.IndexSQLite:
		s, err := sqlstore.Open(filepath.Join(t.TempDir(), repository.SQLiteIndex), zaptest.NewLogger(t))
		require.NoError(t, err)
		idx = s
	default:
		db, err := storage.OpenBadger("")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		idx = storage.NewIndex(db, zaptest.NewLogger(t))
	}
	if wrap != nil {
		idx = wrap(idx)
	}
	return bootstrap(t, cfg, idx)
}

func bootstrap(t testing.TB, cfg *config.Config, idx repository.Index) *repository.Repository {
	t.Helper()
	ctx := context.Background()
	r, err := repository.New(ctx, cfg, repository.Options{
		Backend: content.NewMemoryStore(),
		Index:   idx,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	require.NoError(t, r.Bootstrap(ctx))
	return r
}
