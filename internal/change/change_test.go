package change

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a.txt", "a.txt", false},
		{"art/./tex/../mesh.fbx", "art/mesh.fbx", false},
		{"art\\mesh.fbx", "art/mesh.fbx", false},
		{"dir/", "dir", false},
		{"", "", true},
		{"/etc/passwd", "", true},
		{"../outside", "", true},
		{".", "", true},
		{".lsc/db", "", true},
		{".lscignore", ".lscignore", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CanonicalPath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRelativePath(t *testing.T) {
	root := t.TempDir()
	got, err := RelativePath(root, filepath.Join(root, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", got)

	_, err = RelativePath(root, filepath.Dir(root))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	hash := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	tests := []struct {
		name    string
		change  HashedChange
		wantErr bool
	}{
		{"add", HashedChange{Path: "a", Hash: hash, Type: Add}, false},
		{"delete", HashedChange{Path: "a", Type: Delete}, false},
		{"delete with hash", HashedChange{Path: "a", Hash: hash, Type: Delete}, true},
		{"edit without hash", HashedChange{Path: "a", Type: Edit}, true},
		{"bad type", HashedChange{Path: "a", Hash: hash, Type: "rename"}, true},
		{"bad path", HashedChange{Path: "../a", Hash: hash, Type: Add}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.change.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSortAndSplit(t *testing.T) {
	changes := []HashedChange{{Path: "b"}, {Path: "a/z"}, {Path: "a/b"}}
	Sort(changes)
	assert.Equal(t, "a/b", changes[0].Path)
	assert.Equal(t, "b", changes[2].Path)
	assert.Len(t, Paths(changes), 3)

	dirs, name := Split("a/b/c.txt")
	assert.Equal(t, []string{"a", "b"}, dirs)
	assert.Equal(t, "c.txt", name)

	dirs, name = Split("top.txt")
	assert.Empty(t, dirs)
	assert.Equal(t, "top.txt", name)
}

func TestMatcher(t *testing.T) {
	m, err := NewMatcher([]string{"*.psd", "**/*.tmp", "assets/**", "docs/*.md"})
	require.NoError(t, err)

	tests := []struct {
		path string
		want int
	}{
		{"a.psd", 0},
		{"art/deep/a.psd", 0},
		{"x.tmp", 1},
		{"build/x.tmp", 1},
		{"assets/models/ship.fbx", 2},
		{"docs/readme.md", 3},
		{"docs/api/readme.md", -1},
		{"src/main.go", -1},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.path))
			assert.Equal(t, tt.want >= 0, m.Matches(tt.path))
		})
	}
}
