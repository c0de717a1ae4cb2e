package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lsc/internal/change"
	"lsc/internal/content"
	lscerrors "lsc/internal/errors"
	"lsc/internal/safe"
	"lsc/shared/utils"
)

// countingStore counts tree writes.
type countingStore struct {
	*safe.Safe
	mu   sync.Mutex
	puts int
}

func (s *countingStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.Safe.Put(ctx, data)
}

func setupTestManager(t *testing.T) (*Manager, *countingStore) {
	t.Helper()
	s, err := safe.New(content.NewMemoryStore(), safe.Options{CacheSize: 64, VerifyDuplicates: true})
	require.NoError(t, err)
	store := &countingStore{Safe: s}
	m, err := NewManager(store, 64, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m, store
}

func add(p, data string) change.HashedChange {
	return change.HashedChange{Path: p, Hash: utils.HashContent([]byte(data)), Type: change.Add}
}

func del(p string) change.HashedChange {
	return change.HashedChange{Path: p, Type: change.Delete}
}

func TestSerializationIsDeterministic(t *testing.T) {
	h1 := utils.HashContent([]byte("H1"))
	tr := Tree{FileNodes: []Node{{Name: "a.txt", Hash: h1}}, DirectoryNodes: []Node{}}

	first, err := tr.Hash()
	require.NoError(t, err)
	second, err := tr.Hash()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	data, err := tr.Serialize()
	require.NoError(t, err)
	assert.Equal(t, `{"directory_nodes":[],"file_nodes":[{"name":"a.txt","hash":"`+h1+`"}]}`, string(data))

	// order of construction and nil lists do not matter
	a := Tree{FileNodes: []Node{{Name: "b", Hash: h1}, {Name: "a", Hash: h1}}}
	b := Tree{FileNodes: []Node{{Name: "a", Hash: h1}, {Name: "b", Hash: h1}}, DirectoryNodes: []Node{}}
	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestWriteReadTree(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	tr := &Tree{
		DirectoryNodes: []Node{{Name: "src", Hash: m.EmptyTreeHash()}},
		FileNodes:      []Node{{Name: "z.txt", Hash: "aa"}, {Name: "a.txt", Hash: "bb"}},
	}
	hash, err := m.WriteTree(ctx, tr)
	require.NoError(t, err)

	expected, err := tr.Hash()
	require.NoError(t, err)
	assert.Equal(t, expected, hash)

	got, err := m.ReadTree(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.FileNodes[0].Name)

	// callers get copies
	got.FileNodes[0].Name = "changed"
	again, err := m.ReadTree(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", again.FileNodes[0].Name)
}

func TestReadTreeCorruption(t *testing.T) {
	m, store := setupTestManager(t)
	ctx := context.Background()

	hash, err := store.Safe.Put(ctx, []byte("not json"))
	require.NoError(t, err)
	_, err = m.ReadTree(ctx, hash)
	assert.True(t, errors.Is(err, lscerrors.ErrCorruption))

	_, err = m.ReadTree(ctx, utils.HashContent([]byte("never written")))
	assert.True(t, errors.Is(err, lscerrors.ErrNotFound))
}

func TestBuildTreeRoundTrip(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	root, err := m.BuildTree(ctx, "", []change.HashedChange{
		add("README.md", "readme"),
		add("art/hero.psd", "hero"),
		add("art/tex/stone.png", "stone"),
		add("src/main.go", "main"),
	})
	require.NoError(t, err)

	root, err = m.BuildTree(ctx, root, []change.HashedChange{
		{Path: "src/main.go", Hash: utils.HashContent([]byte("main v2")), Type: change.Edit},
		del("art/hero.psd"),
		add("src/util/strings.go", "strings"),
	})
	require.NoError(t, err)

	files, err := m.Files(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"README.md":           utils.HashContent([]byte("readme")),
		"art/tex/stone.png":   utils.HashContent([]byte("stone")),
		"src/main.go":         utils.HashContent([]byte("main v2")),
		"src/util/strings.go": utils.HashContent([]byte("strings")),
	}, files)
}

func TestBuildTreePreservesSiblingSubtrees(t *testing.T) {
	m, store := setupTestManager(t)
	ctx := context.Background()

	var changes []change.HashedChange
	for i := 0; i < 10; i++ {
		changes = append(changes, add(fmt.Sprintf("c/%d.txt", i), fmt.Sprint(i)))
	}
	changes = append(changes, add("a/b.txt", "b"), add("a/other.txt", "other"))
	root, err := m.BuildTree(ctx, "", changes)
	require.NoError(t, err)

	before, err := m.ReadTree(ctx, root)
	require.NoError(t, err)
	siblingBefore, ok := before.Directory("c")
	require.True(t, ok)

	store.puts = 0
	newRoot, err := m.BuildTree(ctx, root, []change.HashedChange{
		{Path: "a/b.txt", Hash: utils.HashContent([]byte("b2")), Type: change.Edit},
	})
	require.NoError(t, err)
	assert.NotEqual(t, root, newRoot)

	after, err := m.ReadTree(ctx, newRoot)
	require.NoError(t, err)
	siblingAfter, ok := after.Directory("c")
	require.True(t, ok)
	assert.Equal(t, siblingBefore.Hash, siblingAfter.Hash)

	// only "a" and the root were rewritten
	assert.Equal(t, 2, store.puts)
}

func TestBuildTreeRemovesEmptyDirectories(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	root, err := m.BuildTree(ctx, "", []change.HashedChange{
		add("keep.txt", "keep"),
		add("deep/er/only.txt", "only"),
	})
	require.NoError(t, err)

	root, err = m.BuildTree(ctx, root, []change.HashedChange{del("deep/er/only.txt")})
	require.NoError(t, err)

	tr, err := m.ReadTree(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, tr.DirectoryNodes)
	assert.Len(t, tr.FileNodes, 1)

	// deleting everything leaves the empty root
	root, err = m.BuildTree(ctx, root, []change.HashedChange{del("keep.txt")})
	require.NoError(t, err)
	assert.Equal(t, m.EmptyTreeHash(), root)
}

func TestBuildTreeErrors(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	root, err := m.BuildTree(ctx, "", []change.HashedChange{add("dir/file.txt", "f"), add("top", "t")})
	require.NoError(t, err)

	tests := []struct {
		name    string
		changes []change.HashedChange
		want    error
	}{
		{"delete missing", []change.HashedChange{del("dir/nope.txt")}, lscerrors.ErrNotFound},
		{"delete under missing dir", []change.HashedChange{del("ghost/x")}, lscerrors.ErrNotFound},
		{"file over directory", []change.HashedChange{add("dir", "x")}, lscerrors.ErrValidation},
		{"directory over file", []change.HashedChange{add("top/x", "x")}, lscerrors.ErrValidation},
		{"duplicate path", []change.HashedChange{add("a", "1"), add("a", "2")}, lscerrors.ErrValidation},
		{"non canonical", []change.HashedChange{add("dir/../a", "1")}, lscerrors.ErrValidation},
		{"missing hash", []change.HashedChange{{Path: "a", Type: change.Add}}, lscerrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.BuildTree(ctx, root, tt.changes)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestBuildTreeReplaceFileWithDirectory(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	root, err := m.BuildTree(ctx, "", []change.HashedChange{add("thing", "file")})
	require.NoError(t, err)

	root, err = m.BuildTree(ctx, root, []change.HashedChange{del("thing"), add("thing/inner.txt", "inner")})
	require.NoError(t, err)

	files, err := m.Files(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"thing/inner.txt": utils.HashContent([]byte("inner"))}, files)
}

func TestBuildTreeReplaceDirectoryWithFile(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	root, err := m.BuildTree(ctx, "", []change.HashedChange{add("thing/inner.txt", "inner"), add("keep/a.txt", "a")})
	require.NoError(t, err)

	root, err = m.BuildTree(ctx, root, []change.HashedChange{del("thing/inner.txt"), add("thing", "file")})
	require.NoError(t, err)

	files, err := m.Files(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"thing":      utils.HashContent([]byte("file")),
		"keep/a.txt": utils.HashContent([]byte("a")),
	}, files)

	// a directory that keeps other entries still blocks the file
	root, err = m.BuildTree(ctx, root, []change.HashedChange{add("keep/b.txt", "b")})
	require.NoError(t, err)
	_, err = m.BuildTree(ctx, root, []change.HashedChange{del("keep/a.txt"), add("keep", "file")})
	assert.True(t, errors.Is(err, lscerrors.ErrValidation), "got %v", err)
}

func TestLookup(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	root, err := m.BuildTree(ctx, "", []change.HashedChange{add("a/b/c.txt", "c")})
	require.NoError(t, err)

	hash, ok, err := m.Lookup(ctx, root, "a/b/c.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, utils.HashContent([]byte("c")), hash)

	_, ok, err = m.Lookup(ctx, root, "a/b")
	require.NoError(t, err)
	assert.False(t, ok, "directories are not files")

	_, ok, err = m.Lookup(ctx, root, "x/y.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiff(t *testing.T) {
	m, _ := setupTestManager(t)
	ctx := context.Background()

	from, err := m.BuildTree(ctx, "", []change.HashedChange{
		add("same/a.txt", "a"),
		add("mod.txt", "v1"),
		add("gone/x.txt", "x"),
	})
	require.NoError(t, err)
	to, err := m.BuildTree(ctx, from, []change.HashedChange{
		{Path: "mod.txt", Hash: utils.HashContent([]byte("v2")), Type: change.Edit},
		del("gone/x.txt"),
		add("new/deep/y.txt", "y"),
	})
	require.NoError(t, err)

	deltas, err := m.Diff(ctx, from, to)
	require.NoError(t, err)
	assert.Equal(t, []Delta{
		{Path: "gone/x.txt", From: utils.HashContent([]byte("x"))},
		{Path: "mod.txt", From: utils.HashContent([]byte("v1")), To: utils.HashContent([]byte("v2"))},
		{Path: "new/deep/y.txt", To: utils.HashContent([]byte("y"))},
	}, deltas)

	none, err := m.Diff(ctx, to, to)
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := m.Diff(ctx, "", to)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
