// Package workspace is a client checkout of a branch: files on disk, staged
// changes, pending resolves and merges, and the commit/sync cycle against
// the repository.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"lsc/internal/change"
	lscerrors "lsc/internal/errors"
	"lsc/internal/lock"
	"lsc/internal/logging"
	"lsc/internal/repository"
	"lsc/internal/resolve"
)

const (
	identityFile = "workspace.yaml"
	manifestDir  = "db"
	tempDir      = "tmp"
)

// Identity is stored in <root>/.lsc/workspace.yaml.
type Identity struct {
	ID         string `yaml:"id"`
	Repository string `yaml:"repository"`
	Owner      string `yaml:"owner"`
}

type Workspace struct {
	root     string
	identity Identity
	repo     *repository.Repository
	manifest *manifest
	resolver *resolve.Engine

	lockRequired change.Matcher
	ignore       change.Matcher

	// mu serializes workspace operations; the watcher stages through the
	// same methods as the CLI.
	mu     sync.Mutex
	logger *zap.Logger
}

type InitOptions struct {
	// Branch to check out; defaults to main.
	Branch string
	// Owner recorded on commits; defaults to the configured owner.
	Owner  string
	Logger *zap.Logger
}

func metaPath(root string, elem ...string) string {
	return filepath.Join(append([]string{root, change.MetaDir}, elem...)...)
}

// Init creates a workspace in root and checks out the branch head with
// every file read-only.
func Init(ctx context.Context, root string, repo *repository.Repository, opts InitOptions) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	if _, err := os.Stat(metaPath(abs)); err == nil {
		return nil, lscerrors.AlreadyExists(fmt.Sprintf("%s is already a workspace", abs))
	}

	branchName := opts.Branch
	if branchName == "" {
		branchName = repository.MainBranch
	}
	b, err := repo.Branches.Get(ctx, branchName)
	if err != nil {
		return nil, err
	}

	owner := opts.Owner
	if owner == "" {
		owner = repo.Config.Workspace.Owner
	}
	id := Identity{ID: uuid.NewString(), Repository: repo.Dir, Owner: owner}

	if err := os.MkdirAll(metaPath(abs, tempDir), 0755); err != nil {
		return nil, fmt.Errorf("creating workspace directory: %w", err)
	}
	if err := writeIdentity(abs, id); err != nil {
		return nil, err
	}

	w, err := open(abs, id, repo, opts.Logger)
	if err != nil {
		return nil, err
	}
	if err := w.manifest.SetState(State{Branch: b.Name, Base: b.Head}); err != nil {
		w.Close()
		return nil, err
	}

	head, err := repo.Commits.Get(ctx, b.Head)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.checkout(ctx, repo.Trees.EmptyTreeHash(), head.RootHash, true); err != nil {
		w.Close()
		return nil, fmt.Errorf("checking out %s: %w", b.Name, err)
	}

	w.logger.Info("initialized workspace",
		zap.String("root", abs),
		zap.String("branch", b.Name),
		zap.String("head", b.Head))
	return w, nil
}

// Open opens the workspace rooted at root.
func Open(ctx context.Context, root string, repo *repository.Repository, logger *zap.Logger) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	id, err := ReadIdentity(abs)
	if err != nil {
		return nil, err
	}
	return open(abs, id, repo, logger)
}

func open(root string, id Identity, repo *repository.Repository, logger *zap.Logger) (*Workspace, error) {
	logger = logging.OrNop(logger)
	cfg := repo.Config.Workspace

	lockRequired, err := change.NewMatcher(cfg.LockRequired)
	if err != nil {
		return nil, lscerrors.ValidationError(err.Error(), nil)
	}
	ignore, err := change.NewMatcher(cfg.Ignore)
	if err != nil {
		return nil, lscerrors.ValidationError(err.Error(), nil)
	}

	m, err := openManifest(metaPath(root, manifestDir))
	if err != nil {
		return nil, err
	}

	resolver, err := resolve.NewEngine(m, repo.Blobs, resolve.Options{
		Tools:   repo.Config.Merge.Tools,
		TempDir: metaPath(root, tempDir),
		Logger:  logger,
	})
	if err != nil {
		m.Close()
		return nil, err
	}

	return &Workspace{
		root:         root,
		identity:     id,
		repo:         repo,
		manifest:     m,
		resolver:     resolver,
		lockRequired: lockRequired,
		ignore:       ignore,
		logger:       logger.Named("workspace").With(zap.String("workspace", id.ID)),
	}, nil
}

// ReadIdentity loads the identity file of the workspace at root.
func ReadIdentity(root string) (Identity, error) {
	var id Identity
	data, err := os.ReadFile(metaPath(root, identityFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return id, lscerrors.NotFound(fmt.Sprintf("no workspace at %s", root))
		}
		return id, err
	}
	if err := yaml.Unmarshal(data, &id); err != nil {
		return id, fmt.Errorf("parsing %s: %w", identityFile, err)
	}
	return id, nil
}

func writeIdentity(root string, id Identity) error {
	data, err := yaml.Marshal(&id)
	if err != nil {
		return err
	}
	return os.WriteFile(metaPath(root, identityFile), data, 0644)
}

// FindRoot walks up from dir to the closest directory holding a workspace.
func FindRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(metaPath(dir, identityFile)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", lscerrors.NotFound("not inside a workspace")
		}
		dir = parent
	}
}

func (w *Workspace) Close() error {
	return w.manifest.Close()
}

func (w *Workspace) Root() string {
	return w.root
}

func (w *Workspace) Identity() Identity {
	return w.identity
}

func (w *Workspace) Repository() *repository.Repository {
	return w.repo
}

func (w *Workspace) State() (State, error) {
	return w.manifest.State()
}

// owner is the lock owner for the current branch.
func (w *Workspace) owner(branch string) lock.Owner {
	return lock.Owner{Workspace: w.identity.ID, Branch: branch}
}

// Path converts a path on disk into a repository path.
func (w *Workspace) Path(p string) (string, error) {
	rel, err := change.RelativePath(w.root, p)
	if err != nil {
		return "", lscerrors.ValidationError(err.Error(), nil)
	}
	return rel, nil
}

func (w *Workspace) canonical(p string) (string, error) {
	c, err := change.CanonicalPath(p)
	if err != nil {
		return "", lscerrors.ValidationError(err.Error(), nil)
	}
	return c, nil
}
