package resolve

import (
	"context"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lsc/internal/config"
	"lsc/internal/diff"
	lscerrors "lsc/internal/errors"
	"lsc/shared/utils"
)

// MockResolveBox implements Box over a map.
type MockResolveBox struct {
	mu       sync.Mutex
	resolves map[string]PendingResolve
}

func NewMockResolveBox() *MockResolveBox {
	return &MockResolveBox{resolves: make(map[string]PendingResolve)}
}

func (m *MockResolveBox) PutResolve(ctx context.Context, r *PendingResolve) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolves[r.Path] = *r
	return nil
}

func (m *MockResolveBox) GetResolve(ctx context.Context, path string) (*PendingResolve, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resolves[path]
	if !ok {
		return nil, lscerrors.NotFound("no pending resolve for " + path)
	}
	return &r, nil
}

func (m *MockResolveBox) ListResolves(ctx context.Context) ([]*PendingResolve, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PendingResolve
	for _, r := range m.resolves {
		r := r
		out = append(out, &r)
	}
	return out, nil
}

func (m *MockResolveBox) DeleteResolve(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resolves[path]; !ok {
		return lscerrors.NotFound("no pending resolve for " + path)
	}
	delete(m.resolves, path)
	return nil
}

type blobs map[string][]byte

func (b blobs) add(content string) string {
	h := utils.HashContent([]byte(content))
	b[h] = []byte(content)
	return h
}

func (b blobs) Get(ctx context.Context, hash string) ([]byte, error) {
	data, ok := b[hash]
	if !ok {
		return nil, lscerrors.NotFound("blob " + hash)
	}
	return data, nil
}

func setupTestEngine(t *testing.T, tools ...config.MergeTool) (*Engine, blobs) {
	contents := blobs{}
	e, err := NewEngine(NewMockResolveBox(), contents, Options{
		Tools:   tools,
		TempDir: t.TempDir(),
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return e, contents
}

func TestEngine_Bookkeeping(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t)

	require.NoError(t, e.EnsureResolved(ctx))

	require.NoError(t, e.Record(ctx, &PendingResolve{Path: "b.txt", BaseHash: "base1", LocalHash: "l1", RemoteHash: "r1", BaseCommit: "c1", TheirsCommit: "c2"}))
	require.NoError(t, e.Record(ctx, &PendingResolve{Path: "a.txt", BaseHash: "base2", LocalHash: "l2", RemoteHash: "r2"}))

	err := e.EnsureResolved(ctx)
	require.ErrorIs(t, err, lscerrors.ErrUnresolvedChanges)
	var lerr *lscerrors.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, []string{"a.txt", "b.txt"}, lerr.Details)

	// a second sync keeps the original base
	require.NoError(t, e.Record(ctx, &PendingResolve{Path: "b.txt", BaseHash: "other", LocalHash: "l1", RemoteHash: "r3", BaseCommit: "c2", TheirsCommit: "c3"}))
	got, err := e.Get(ctx, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "base1", got.BaseHash)
	assert.Equal(t, "c1", got.BaseCommit)
	assert.Equal(t, "r3", got.RemoteHash)
	assert.Equal(t, "c3", got.TheirsCommit)

	require.NoError(t, e.Clear(ctx, "a.txt"))
	require.NoError(t, e.Clear(ctx, "a.txt"))
	require.NoError(t, e.Clear(ctx, "b.txt"))
	require.NoError(t, e.EnsureResolved(ctx))

	_, err = e.Get(ctx, "a.txt")
	assert.ErrorIs(t, err, lscerrors.ErrNotFound)
}

func TestEngine_ResolveChoices(t *testing.T) {
	ctx := context.Background()
	e, contents := setupTestEngine(t)

	base := contents.add("a\nb\nc\n")
	local := contents.add("A\nb\nc\n")
	remote := contents.add("a\nb\nC\n")
	clash := contents.add("a\nb\nZ\n")
	conflicting := contents.add("a\nb\nY\n")

	tests := []struct {
		name        string
		pr          PendingResolve
		choice      Choice
		wantKind    Kind
		wantContent string
	}{
		{"local", PendingResolve{Path: "x.txt", BaseHash: base, LocalHash: local, RemoteHash: remote}, ChoiceLocal, Accepted, ""},
		{"theirs", PendingResolve{Path: "x.txt", BaseHash: base, LocalHash: local, RemoteHash: remote}, ChoiceTheirs, AcceptedTheirs, ""},
		{"clean text merge", PendingResolve{Path: "x.txt", BaseHash: base, LocalHash: local, RemoteHash: remote}, ChoiceMerge, Merged, "A\nb\nC\n"},
		{"identical sides", PendingResolve{Path: "x.txt", BaseHash: base, LocalHash: local, RemoteHash: local}, ChoiceMerge, Accepted, ""},
		{"only remote changed", PendingResolve{Path: "x.txt", BaseHash: base, LocalHash: base, RemoteHash: remote}, ChoiceMerge, AcceptedTheirs, ""},
		{"only local changed", PendingResolve{Path: "x.txt", BaseHash: base, LocalHash: local, RemoteHash: base}, ChoiceMerge, Accepted, ""},
		{"deleted remotely", PendingResolve{Path: "x.txt", BaseHash: base, LocalHash: local, RemoteHash: ""}, ChoiceMerge, Unresolved, ""},
		{"conflict", PendingResolve{Path: "x.txt", BaseHash: base, LocalHash: clash, RemoteHash: conflicting}, ChoiceMerge, Unresolved,
			"a\nb\n" + diff.MarkerLocal + "\nZ\n" + diff.MarkerBase + "\nc\n" + diff.MarkerSep + "\nY\n" + diff.MarkerRemote + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Resolve(ctx, &tt.pr, tt.choice)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, res.Kind, res.Reason)
			if tt.wantContent != "" {
				assert.Equal(t, tt.wantContent, string(res.Content))
			}
		})
	}

	_, err := e.Resolve(ctx, &PendingResolve{Path: "x.txt"}, Choice("both"))
	assert.ErrorIs(t, err, lscerrors.ErrValidation)
}

func TestEngine_ToolSelection(t *testing.T) {
	e, _ := setupTestEngine(t,
		config.MergeTool{Pattern: "*.psd", Tool: ToolOurs},
		config.MergeTool{Pattern: "generated/**", Tool: ToolTheirs},
	)

	text := Inputs{Base: []byte("a\n"), Local: []byte("b\n"), Remote: []byte("c\n")}
	bin := Inputs{Base: []byte{0, 1}, Local: []byte{0, 2}, Remote: []byte{0, 3}}

	assert.Equal(t, ToolOurs, e.ToolFor("art/cover.psd", bin).Name())
	assert.Equal(t, ToolTheirs, e.ToolFor("generated/api.go", text).Name())
	assert.Equal(t, ToolText, e.ToolFor("src/main.go", text).Name())
	assert.Equal(t, ToolBinary, e.ToolFor("src/logo.png", bin).Name())
}

func TestEngine_BinaryStaysUnresolved(t *testing.T) {
	ctx := context.Background()
	e, contents := setupTestEngine(t)
	base := contents.add("\x00base")
	local := contents.add("\x00local")
	remote := contents.add("\x00remote")

	res, err := e.Resolve(ctx, &PendingResolve{Path: "a.bin", BaseHash: base, LocalHash: local, RemoteHash: remote}, ChoiceMerge)
	require.NoError(t, err)
	assert.Equal(t, Unresolved, res.Kind)
	assert.Equal(t, ToolBinary, res.Tool)
}

func TestNewEngine_InvalidTools(t *testing.T) {
	_, err := NewEngine(NewMockResolveBox(), blobs{}, Options{Tools: []config.MergeTool{{Pattern: "*.x", Tool: "magic"}}})
	assert.ErrorIs(t, err, lscerrors.ErrValidation)

	_, err = NewEngine(NewMockResolveBox(), blobs{}, Options{Tools: []config.MergeTool{{Pattern: "*.x", Tool: ToolExternal}}})
	assert.ErrorIs(t, err, lscerrors.ErrValidation)
}

func TestExternalTool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	ctx := context.Background()
	e, contents := setupTestEngine(t,
		config.MergeTool{Pattern: "*.cat", Tool: ToolExternal, Command: []string{"sh", "-c", "cat %local %theirs > %output"}},
		config.MergeTool{Pattern: "*.fail", Tool: ToolExternal, Command: []string{"sh", "-c", "exit 3"}},
	)
	base := contents.add("base\n")
	local := contents.add("local\n")
	remote := contents.add("remote\n")

	res, err := e.Resolve(ctx, &PendingResolve{Path: "x.cat", BaseHash: base, LocalHash: local, RemoteHash: remote}, ChoiceMerge)
	require.NoError(t, err)
	assert.Equal(t, Merged, res.Kind)
	assert.Equal(t, "local\nremote\n", string(res.Content))

	res, err = e.Resolve(ctx, &PendingResolve{Path: "x.fail", BaseHash: base, LocalHash: local, RemoteHash: remote}, ChoiceMerge)
	require.NoError(t, err)
	assert.Equal(t, Unresolved, res.Kind)
	assert.Contains(t, res.Reason, "exited with 3")
}

func TestParseChoice(t *testing.T) {
	c, err := ParseChoice("theirs")
	require.NoError(t, err)
	assert.Equal(t, ChoiceTheirs, c)

	_, err = ParseChoice("mine")
	assert.ErrorIs(t, err, lscerrors.ErrValidation)
}
