package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"lsc/internal/change"
	lscerrors "lsc/internal/errors"
	"lsc/internal/logging"
	"lsc/shared/utils"
)

// ContentStore is where serialized trees live.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
}

// Manager reads, writes and builds trees.
type Manager struct {
	store     ContentStore
	cache     *lru.Cache[string, *Tree]
	emptyHash string
	logger    *zap.Logger
}

func NewManager(store ContentStore, cacheSize int, logger *zap.Logger) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, *Tree](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating tree cache: %w", err)
	}

	empty := &Tree{}
	emptyHash, err := empty.Hash()
	if err != nil {
		return nil, err
	}

	return &Manager{
		store:     store,
		cache:     cache,
		emptyHash: emptyHash,
		logger:    logging.OrNop(logger).Named("tree"),
	}, nil
}

// EmptyTreeHash is the hash of a tree with no entries.
func (m *Manager) EmptyTreeHash() string {
	return m.emptyHash
}

func (m *Manager) WriteTree(ctx context.Context, t *Tree) (string, error) {
	c := t.Clone()
	c.Normalize()
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding tree: %w", err)
	}

	hash, err := m.store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("writing tree: %w", err)
	}
	m.cache.Add(hash, c)
	return hash, nil
}

// ReadTree returns a copy of the tree stored under hash. The empty string
// reads as the empty tree.
func (m *Manager) ReadTree(ctx context.Context, hash string) (*Tree, error) {
	t, err := m.readShared(ctx, hash)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (m *Manager) readShared(ctx context.Context, hash string) (*Tree, error) {
	if hash == "" || hash == m.emptyHash {
		return &Tree{DirectoryNodes: []Node{}, FileNodes: []Node{}}, nil
	}
	if t, ok := m.cache.Get(hash); ok {
		return t, nil
	}

	data, err := m.store.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("reading tree %s: %w", hash, err)
	}

	var t Tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, lscerrors.Corruption(fmt.Sprintf("tree %s is not decodable: %v", hash, err))
	}
	t.Normalize()
	m.cache.Add(hash, &t)
	return &t, nil
}

// edits is the set of changes below one directory.
type edits struct {
	files map[string]change.HashedChange
	dirs  map[string]*edits
}

func newEdits() *edits {
	return &edits{
		files: make(map[string]change.HashedChange),
		dirs:  make(map[string]*edits),
	}
}

// BuildTree applies changes to the tree parent and returns the new root
// hash. Only the directories on the path of a change are read and
// rewritten; every other subtree keeps its hash.
func (m *Manager) BuildTree(ctx context.Context, parent string, changes []change.HashedChange) (string, error) {
	root := newEdits()
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return "", lscerrors.ValidationError(err.Error(), c)
		}
		if canonical, _ := change.CanonicalPath(c.Path); canonical != c.Path {
			return "", lscerrors.ValidationError(fmt.Sprintf("%s: path is not canonical", c.Path), c)
		}

		dirs, name := change.Split(c.Path)
		e := root
		for _, d := range dirs {
			next, ok := e.dirs[d]
			if !ok {
				next = newEdits()
				e.dirs[d] = next
			}
			e = next
		}
		if _, dup := e.files[name]; dup {
			return "", lscerrors.ValidationError(fmt.Sprintf("%s: changed twice", c.Path), c)
		}
		e.files[name] = c
	}

	hash, err := m.apply(ctx, parent, "", root, true)
	if err != nil {
		return "", err
	}
	m.logger.Debug("built tree",
		zap.String("parent", parent),
		zap.String("root", hash),
		zap.Int("changes", len(changes)))
	return hash, nil
}

// apply rewrites one directory. It returns "" when a non-root directory
// ends up empty so the caller drops it.
func (m *Manager) apply(ctx context.Context, hash, dir string, e *edits, isRoot bool) (string, error) {
	t, err := m.ReadTree(ctx, hash)
	if err != nil {
		return "", err
	}

	// deletes go first and writes last, so a file and a directory can
	// swap places within one change set
	names := utils.SortedKeys(e.files)
	for _, name := range names {
		c := e.files[name]
		if c.Type != change.Delete {
			continue
		}
		if !t.removeFile(name) {
			return "", lscerrors.NotFound(fmt.Sprintf("%s: not in tree", c.Path))
		}
	}

	for _, name := range utils.SortedKeys(e.dirs) {
		if _, isFile := t.File(name); isFile {
			return "", lscerrors.ValidationError(fmt.Sprintf("%s: is a file", path.Join(dir, name)), nil)
		}
		child := ""
		if n, ok := t.Directory(name); ok {
			child = n.Hash
		}
		h, err := m.apply(ctx, child, path.Join(dir, name), e.dirs[name], false)
		if err != nil {
			return "", err
		}
		if h == "" {
			t.removeDirectory(name)
		} else {
			t.setDirectory(Node{Name: name, Hash: h})
		}
	}

	for _, name := range names {
		c := e.files[name]
		if c.Type == change.Delete {
			continue
		}
		if _, isDir := t.Directory(name); isDir {
			return "", lscerrors.ValidationError(fmt.Sprintf("%s: is a directory", c.Path), c)
		}
		t.setFile(Node{Name: name, Hash: c.Hash})
	}

	if !isRoot && t.IsEmpty() {
		return "", nil
	}
	return m.WriteTree(ctx, t)
}

// Lookup returns the blob hash of the file at p under root.
func (m *Manager) Lookup(ctx context.Context, root, p string) (string, bool, error) {
	dirs, name := change.Split(p)
	hash := root
	for _, d := range dirs {
		t, err := m.readShared(ctx, hash)
		if err != nil {
			return "", false, err
		}
		n, ok := t.Directory(d)
		if !ok {
			return "", false, nil
		}
		hash = n.Hash
	}

	t, err := m.readShared(ctx, hash)
	if err != nil {
		return "", false, err
	}
	n, ok := t.File(name)
	if !ok {
		return "", false, nil
	}
	return n.Hash, true, nil
}

// Files flattens root into path → blob hash.
func (m *Manager) Files(ctx context.Context, root string) (map[string]string, error) {
	files := make(map[string]string)
	err := m.walk(ctx, root, "", func(p, hash string) {
		files[p] = hash
	})
	return files, err
}

func (m *Manager) walk(ctx context.Context, hash, prefix string, fn func(p, hash string)) error {
	t, err := m.readShared(ctx, hash)
	if err != nil {
		return err
	}
	for _, f := range t.FileNodes {
		fn(path.Join(prefix, f.Name), f.Hash)
	}
	for _, d := range t.DirectoryNodes {
		if err := m.walk(ctx, d.Hash, path.Join(prefix, d.Name), fn); err != nil {
			return err
		}
	}
	return nil
}

// Diff lists the files that differ between from and to, sorted by path.
// Subtrees with equal hashes are skipped without being read.
func (m *Manager) Diff(ctx context.Context, from, to string) ([]Delta, error) {
	var deltas []Delta
	if err := m.diff(ctx, from, to, "", &deltas); err != nil {
		return nil, err
	}
	slices.SortFunc(deltas, func(a, b Delta) int {
		return strings.Compare(a.Path, b.Path)
	})
	return deltas, nil
}

func (m *Manager) diff(ctx context.Context, from, to, prefix string, out *[]Delta) error {
	if from == to || m.isEmpty(from) && m.isEmpty(to) {
		return nil
	}

	a, err := m.readShared(ctx, from)
	if err != nil {
		return err
	}
	b, err := m.readShared(ctx, to)
	if err != nil {
		return err
	}

	for _, f := range a.FileNodes {
		g, ok := b.File(f.Name)
		switch {
		case !ok:
			*out = append(*out, Delta{Path: path.Join(prefix, f.Name), From: f.Hash})
		case g.Hash != f.Hash:
			*out = append(*out, Delta{Path: path.Join(prefix, f.Name), From: f.Hash, To: g.Hash})
		}
	}
	for _, g := range b.FileNodes {
		if _, ok := a.File(g.Name); !ok {
			*out = append(*out, Delta{Path: path.Join(prefix, g.Name), To: g.Hash})
		}
	}

	for _, d := range a.DirectoryNodes {
		other := ""
		if e, ok := b.Directory(d.Name); ok {
			other = e.Hash
		}
		if err := m.diff(ctx, d.Hash, other, path.Join(prefix, d.Name), out); err != nil {
			return err
		}
	}
	for _, e := range b.DirectoryNodes {
		if _, ok := a.Directory(e.Name); ok {
			continue
		}
		if err := m.diff(ctx, "", e.Hash, path.Join(prefix, e.Name), out); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) isEmpty(hash string) bool {
	return hash == "" || hash == m.emptyHash
}
