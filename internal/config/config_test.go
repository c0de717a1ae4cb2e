package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "lsc.yaml", `
log_level: debug
repository:
  index: badger
commit:
  max_retries: 3
  initial_interval: 5ms
workspace:
  lock_required: ["**/*.psd", "**/*.fbx"]
merge:
  tools:
    - pattern: "**/*.txt"
      tool: text
    - pattern: "**/*.json"
      tool: external
      command: ["jsonmerge", "%base", "%local", "%theirs", "-o", "%output"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, IndexBadger, cfg.Repository.Index)
	assert.Equal(t, BlobsFS, cfg.Repository.Blobs)
	assert.Equal(t, uint64(3), cfg.Commit.MaxRetries)
	assert.Equal(t, 5*time.Millisecond, cfg.Commit.InitialInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Commit.MaxInterval)
	assert.Equal(t, 1000, cfg.Content.CacheSize)
	assert.Equal(t, []string{"**/*.psd", "**/*.fbx"}, cfg.Workspace.LockRequired)
	require.Len(t, cfg.Merge.Tools, 2)
	assert.Equal(t, "%output", cfg.Merge.Tools[1].Command[5])
}

func TestLoadAcceptsJSON(t *testing.T) {
	path := writeFile(t, "lsc.json", `{"log_level": "warn", "repository": {"blobs": "memory"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, BlobsMemory, cfg.Repository.Blobs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad index", func(c *Config) { c.Repository.Index = "mongo" }, "unknown index backend"},
		{"bad blobs", func(c *Config) { c.Repository.Blobs = "ftp" }, "unknown blob backend"},
		{"s3 without bucket", func(c *Config) { c.Repository.Blobs = BlobsS3 }, "requires a bucket"},
		{"zero cache", func(c *Config) { c.Content.CacheSize = 0 }, "cache size"},
		{"tool without pattern", func(c *Config) {
			c.Merge.Tools = []MergeTool{{Tool: "text"}}
		}, "no pattern"},
		{"external without command", func(c *Config) {
			c.Merge.Tools = []MergeTool{{Pattern: "*.x", Tool: "external"}}
		}, "no command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	c := Default()
	c.Workspace.Owner = "rhea"
	c.Repository.Index = IndexBadger

	path := filepath.Join(t.TempDir(), "nested", "lsc.yaml")
	require.NoError(t, c.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rhea", loaded.Workspace.Owner)
	assert.Equal(t, IndexBadger, loaded.Repository.Index)
}

func TestApplyUserMissingFile(t *testing.T) {
	t.Setenv("LSC_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	c := Default()
	assert.NoError(t, c.ApplyUser())
}

func TestApplyUserOverlay(t *testing.T) {
	path := writeFile(t, "user.yaml", "workspace:\n  owner: kai\n")
	t.Setenv("LSC_CONFIG", path)

	c := Default()
	require.NoError(t, c.ApplyUser())
	assert.Equal(t, "kai", c.Workspace.Owner)
}
