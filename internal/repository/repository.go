// Package repository wires the central store: blobs, trees, commits,
// branches and locks behind one handle.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"lsc/internal/branch"
	"lsc/internal/commit"
	"lsc/internal/config"
	"lsc/internal/content"
	lscerrors "lsc/internal/errors"
	"lsc/internal/lock"
	"lsc/internal/logging"
	"lsc/internal/safe"
	"lsc/internal/storage"
	"lsc/internal/storage/sqlstore"
	"lsc/internal/tree"
)

const (
	ConfigFile  = "lsc.yaml"
	BlobDir     = "blobs"
	SQLiteIndex = "index.db"
	BadgerIndex = "index"

	MainBranch    = "main"
	initialCommit = "initial commit"
)

// Index is a metadata backend holding commits, branches and locks.
type Index interface {
	commit.Box
	branch.Box
	lock.Box
	io.Closer
}

type Repository struct {
	Dir      string
	Config   *config.Config
	Blobs    *safe.Safe
	Trees    *tree.Manager
	Commits  *commit.Log
	Branches *branch.Registry
	Locks    *lock.Manager

	index  Index
	logger *zap.Logger
}

type Options struct {
	Backend content.Backend
	Index   Index
	Logger  *zap.Logger
}

// New wires a repository from explicit parts.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Repository, error) {
	if opts.Backend == nil || opts.Index == nil {
		return nil, fmt.Errorf("repository needs a content backend and an index")
	}
	logger := logging.OrNop(opts.Logger)

	compression := safe.DefaultCompressionOptions()
	compression.MinSize = cfg.Content.Compression.MinSize
	if cfg.Content.Compression.Level > 0 {
		compression.Level = cfg.Content.Compression.Level
	}
	blobs, err := safe.New(opts.Backend, safe.Options{
		CacheSize:        cfg.Content.CacheSize,
		VerifyDuplicates: cfg.Content.VerifyDuplicates,
		Compression:      compression,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating content store: %w", err)
	}

	trees, err := tree.NewManager(blobs, cfg.Content.CacheSize, logger)
	if err != nil {
		return nil, fmt.Errorf("creating tree manager: %w", err)
	}

	commits := commit.NewLog(opts.Index, trees, logger)
	branches := branch.NewRegistry(opts.Index, commits, logger)

	return &Repository{
		Config:   cfg,
		Blobs:    blobs,
		Trees:    trees,
		Commits:  commits,
		Branches: branches,
		Locks:    lock.NewManager(opts.Index, logger),
		index:    opts.Index,
		logger:   logger.Named("repository"),
	}, nil
}

// InitLocal creates a repository in dir with a root commit holding the
// empty tree and a main branch in its own lock domain.
func InitLocal(ctx context.Context, dir string, cfg *config.Config, logger *zap.Logger) (*Repository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if _, err := os.Stat(filepath.Join(abs, ConfigFile)); err == nil {
		return nil, lscerrors.AlreadyExists(fmt.Sprintf("%s already holds a repository", abs))
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, lscerrors.ValidationError(err.Error(), nil)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating repository directory: %w", err)
	}
	if err := cfg.Save(filepath.Join(abs, ConfigFile)); err != nil {
		return nil, fmt.Errorf("writing repository config: %w", err)
	}

	r, err := open(ctx, abs, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := r.Bootstrap(ctx); err != nil {
		r.Close()
		return nil, err
	}
	r.logger.Info("initialized repository", zap.String("dir", abs))
	return r, nil
}

// Bootstrap writes the root commit and the main branch into an empty
// repository.
func (r *Repository) Bootstrap(ctx context.Context) error {
	empty, err := r.Trees.WriteTree(ctx, &tree.Tree{})
	if err != nil {
		return fmt.Errorf("writing empty tree: %w", err)
	}
	root, err := r.Commits.Append(ctx, nil, nil, empty, r.Config.Workspace.Owner, initialCommit)
	if err != nil {
		return fmt.Errorf("writing root commit: %w", err)
	}
	if _, err := r.Branches.CreateBranch(ctx, MainBranch, root.ID, lock.NewDomainID(), ""); err != nil {
		return fmt.Errorf("creating %s: %w", MainBranch, err)
	}
	return nil
}

// Open opens the repository in dir. The per-user config file is laid over
// the repository's own.
func Open(ctx context.Context, dir string, logger *zap.Logger) (*Repository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	cfg, err := config.Load(filepath.Join(abs, ConfigFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, lscerrors.NotFound(fmt.Sprintf("no repository at %s", abs))
		}
		return nil, fmt.Errorf("loading repository config: %w", err)
	}
	if err := cfg.ApplyUser(); err != nil {
		return nil, fmt.Errorf("loading user config: %w", err)
	}
	return open(ctx, abs, cfg, logger)
}

func open(ctx context.Context, dir string, cfg *config.Config, logger *zap.Logger) (*Repository, error) {
	backend, err := openBackend(ctx, dir, cfg)
	if err != nil {
		return nil, err
	}
	index, err := openIndex(dir, cfg, logger)
	if err != nil {
		return nil, err
	}

	r, err := New(ctx, cfg, Options{Backend: backend, Index: index, Logger: logger})
	if err != nil {
		index.Close()
		return nil, err
	}
	r.Dir = dir
	return r, nil
}

func openBackend(ctx context.Context, dir string, cfg *config.Config) (content.Backend, error) {
	switch cfg.Repository.Blobs {
	case config.BlobsMemory:
		return content.NewMemoryStore(), nil
	case config.BlobsS3:
		s3cfg := cfg.Repository.S3
		return content.NewS3Store(ctx, content.S3Options{
			Bucket:   s3cfg.Bucket,
			Prefix:   s3cfg.Prefix,
			Region:   s3cfg.Region,
			Endpoint: s3cfg.Endpoint,
		})
	default:
		return content.NewFileStore(filepath.Join(dir, BlobDir))
	}
}

func openIndex(dir string, cfg *config.Config, logger *zap.Logger) (Index, error) {
	switch cfg.Repository.Index {
	case config.IndexBadger:
		return storage.OpenIndex(filepath.Join(dir, BadgerIndex), logger)
	default:
		return sqlstore.Open(filepath.Join(dir, SQLiteIndex), logger)
	}
}

func (r *Repository) Close() error {
	return r.index.Close()
}

// Head returns the head commit of a branch.
func (r *Repository) Head(ctx context.Context, branchName string) (*commit.Commit, error) {
	b, err := r.Branches.Get(ctx, branchName)
	if err != nil {
		return nil, err
	}
	return r.Commits.Get(ctx, b.Head)
}

// Verify re-checks every commit reachable from a branch head and every
// blob its head tree references. It returns the number of commits checked.
func (r *Repository) Verify(ctx context.Context, branchName string) (int, error) {
	head, err := r.Head(ctx, branchName)
	if err != nil {
		return 0, err
	}

	n := 0
	for c, err := range r.Commits.Ancestors(ctx, head.ID) {
		if err != nil {
			return n, err
		}
		if err := r.Commits.Verify(ctx, c.ID); err != nil {
			return n, err
		}
		n++
	}

	files, err := r.Trees.Files(ctx, head.RootHash)
	if err != nil {
		return n, err
	}
	for p, h := range files {
		if err := r.Blobs.Verify(ctx, h); err != nil {
			return n, fmt.Errorf("%s: %w", p, err)
		}
	}
	r.logger.Info("verified branch",
		zap.String("branch", branchName),
		zap.Int("commits", n),
		zap.Int("files", len(files)))
	return n, nil
}
