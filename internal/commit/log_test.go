package commit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lsc/internal/change"
	"lsc/internal/content"
	lscerrors "lsc/internal/errors"
	"lsc/internal/safe"
	"lsc/internal/tree"
	"lsc/shared/utils"
)

// MockCommitBox keeps commits in a map.
type MockCommitBox struct {
	mu      sync.Mutex
	commits map[string]*Commit
}

func NewMockCommitBox() *MockCommitBox {
	return &MockCommitBox{commits: make(map[string]*Commit)}
}

func (m *MockCommitBox) CreateCommit(_ context.Context, c *Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *c
	m.commits[c.ID] = &copied
	return nil
}

func (m *MockCommitBox) GetCommit(_ context.Context, id string) (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commits[id]
	if !ok {
		return nil, lscerrors.NotFound("commit " + id)
	}
	copied := *c
	return &copied, nil
}

func (m *MockCommitBox) CommitExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.commits[id]
	return ok, nil
}

type testLog struct {
	*Log
	box   *MockCommitBox
	trees *tree.Manager
}

func setupTestLog(t *testing.T) *testLog {
	t.Helper()
	s, err := safe.New(content.NewMemoryStore(), safe.Options{CacheSize: 64})
	require.NoError(t, err)
	trees, err := tree.NewManager(s, 64, zaptest.NewLogger(t))
	require.NoError(t, err)

	box := NewMockCommitBox()
	l := NewLog(box, trees, zaptest.NewLogger(t))
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return &testLog{Log: l, box: box, trees: trees}
}

// commitFile appends a commit adding path with data on top of parent.
func (tl *testLog) commitFile(t *testing.T, parents []string, path, data string) *Commit {
	t.Helper()
	ctx := context.Background()
	parentRoot := ""
	if len(parents) > 0 {
		p, err := tl.Get(ctx, parents[0])
		require.NoError(t, err)
		parentRoot = p.RootHash
	}
	changes := []change.HashedChange{{Path: path, Hash: utils.HashContent([]byte(data)), Type: change.Add}}
	root, err := tl.trees.BuildTree(ctx, parentRoot, changes)
	require.NoError(t, err)
	c, err := tl.Append(ctx, parents, changes, root, "tester", "add "+path)
	require.NoError(t, err)
	return c
}

func TestAppendAndGet(t *testing.T) {
	tl := setupTestLog(t)
	ctx := context.Background()

	root := tl.commitFile(t, nil, "a.txt", "a")
	assert.Empty(t, root.Parents)
	assert.Equal(t, "2026-01-02T03:04:06Z", root.DateTimeUTC)

	got, err := tl.Get(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, root, got)

	id, err := got.ComputeID()
	require.NoError(t, err)
	assert.Equal(t, root.ID, id, "ids are self-verifying")

	_, err = tl.Get(ctx, utils.HashContent([]byte("nope")))
	assert.True(t, errors.Is(err, lscerrors.ErrNotFound))
}

func TestAppendRejectsUnknownParents(t *testing.T) {
	tl := setupTestLog(t)
	ctx := context.Background()
	root := tl.commitFile(t, nil, "a.txt", "a")

	_, err := tl.Append(ctx, []string{utils.HashContent([]byte("ghost"))}, nil, root.RootHash, "x", "m")
	assert.True(t, errors.Is(err, lscerrors.ErrNotFound))

	_, err = tl.Append(ctx, []string{root.ID, root.ID}, nil, root.RootHash, "x", "m")
	assert.True(t, errors.Is(err, lscerrors.ErrValidation))

	_, err = tl.Append(ctx, []string{root.ID}, nil, "", "x", "m")
	assert.True(t, errors.Is(err, lscerrors.ErrValidation))
}

func TestAncestors(t *testing.T) {
	tl := setupTestLog(t)
	ctx := context.Background()

	// c0 <- c1 <- c3 (merge) and c0 <- c2 <- c3
	c0 := tl.commitFile(t, nil, "base.txt", "0")
	c1 := tl.commitFile(t, []string{c0.ID}, "one.txt", "1")
	c2 := tl.commitFile(t, []string{c0.ID}, "two.txt", "2")
	c3 := tl.commitFile(t, []string{c1.ID, c2.ID}, "three.txt", "3")

	var ids []string
	for c, err := range tl.Ancestors(ctx, c3.ID) {
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{c3.ID, c1.ID, c2.ID, c0.ID}, ids, "each commit once, breadth first")

	// the sequence is restartable and stops early
	seq := tl.Ancestors(ctx, c3.ID)
	for range 2 {
		n := 0
		for range seq {
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)
	}
}

func TestAncestorsReportsMissingCommit(t *testing.T) {
	tl := setupTestLog(t)
	var gotErr error
	for _, err := range tl.Ancestors(context.Background(), utils.HashContent([]byte("missing"))) {
		gotErr = err
	}
	assert.True(t, errors.Is(gotErr, lscerrors.ErrNotFound))
}

func TestMergeBaseAndIsAncestor(t *testing.T) {
	tl := setupTestLog(t)
	ctx := context.Background()

	c0 := tl.commitFile(t, nil, "base.txt", "0")
	c1 := tl.commitFile(t, []string{c0.ID}, "main.txt", "1")
	c2 := tl.commitFile(t, []string{c0.ID}, "feature.txt", "2")
	c3 := tl.commitFile(t, []string{c2.ID}, "feature2.txt", "3")

	base, err := tl.MergeBase(ctx, c1.ID, c3.ID)
	require.NoError(t, err)
	assert.Equal(t, c0.ID, base)

	base, err = tl.MergeBase(ctx, c3.ID, c2.ID)
	require.NoError(t, err)
	assert.Equal(t, c2.ID, base)

	ok, err := tl.IsAncestor(ctx, c0.ID, c3.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tl.IsAncestor(ctx, c1.ID, c3.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	other := tl.commitFile(t, nil, "unrelated.txt", "u")
	_, err = tl.MergeBase(ctx, other.ID, c3.ID)
	assert.True(t, errors.Is(err, lscerrors.ErrNotFound))
}

func TestHistory(t *testing.T) {
	tl := setupTestLog(t)
	ctx := context.Background()

	c0 := tl.commitFile(t, nil, "a", "0")
	c1 := tl.commitFile(t, []string{c0.ID}, "b", "1")
	c2 := tl.commitFile(t, []string{c1.ID}, "c", "2")

	all, err := tl.History(ctx, c2.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c0.ID, all[2].ID)

	limited, err := tl.History(ctx, c2.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestVerify(t *testing.T) {
	tl := setupTestLog(t)
	ctx := context.Background()

	c0 := tl.commitFile(t, nil, "a", "0")
	c1 := tl.commitFile(t, []string{c0.ID}, "b", "1")
	require.NoError(t, tl.Verify(ctx, c0.ID))
	require.NoError(t, tl.Verify(ctx, c1.ID))

	// tamper with the stored message
	tl.box.commits[c1.ID].Message = "rewritten"
	assert.True(t, errors.Is(tl.Verify(ctx, c1.ID), lscerrors.ErrCorruption))

	// a commit whose root disagrees with its changes
	bad, err := tl.Append(ctx, []string{c0.ID}, c1.Changes, c0.RootHash, "x", "wrong root")
	require.NoError(t, err)
	assert.True(t, errors.Is(tl.Verify(ctx, bad.ID), lscerrors.ErrCorruption))
}
