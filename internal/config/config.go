// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	IndexBadger = "badger"
	IndexSQLite = "sqlite"

	BlobsFS     = "fs"
	BlobsMemory = "memory"
	BlobsS3     = "s3"
)

type Config struct {
	LogLevel string `yaml:"log_level"` // debug, info, warn, error

	Repository struct {
		Index string `yaml:"index"` // badger, sqlite
		Blobs string `yaml:"blobs"` // fs, memory, s3
		S3    S3     `yaml:"s3"`
	} `yaml:"repository"`

	Content struct {
		CacheSize        int  `yaml:"cache_size"`
		VerifyDuplicates bool `yaml:"verify_duplicates"`
		Compression      struct {
			MinSize int64 `yaml:"min_size"`
			Level   int   `yaml:"level"`
		} `yaml:"compression"`
	} `yaml:"content"`

	Commit struct {
		MaxRetries      uint64        `yaml:"max_retries"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
	} `yaml:"commit"`

	Workspace struct {
		Owner        string   `yaml:"owner"`
		LockRequired []string `yaml:"lock_required"`
		Ignore       []string `yaml:"ignore"`
	} `yaml:"workspace"`

	Merge struct {
		Tools []MergeTool `yaml:"tools"`
	} `yaml:"merge"`
}

type S3 struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// MergeTool maps a path pattern to a merge tool. Tool is "text", "binary",
// "ours", "theirs" or "external"; external tools run Command with
// %base, %local, %theirs and %output substituted.
type MergeTool struct {
	Pattern string   `yaml:"pattern"`
	Tool    string   `yaml:"tool"`
	Command []string `yaml:"command,omitempty"`
}

func Default() *Config {
	var c Config
	c.LogLevel = "info"
	c.Repository.Index = IndexSQLite
	c.Repository.Blobs = BlobsFS
	c.Content.CacheSize = 1000
	c.Content.VerifyDuplicates = true
	c.Content.Compression.MinSize = 512
	c.Content.Compression.Level = 3
	c.Commit.MaxRetries = 8
	c.Commit.InitialInterval = 10 * time.Millisecond
	c.Commit.MaxInterval = 500 * time.Millisecond
	c.Workspace.Owner = defaultOwner()
	c.Workspace.Ignore = []string{"**/.DS_Store", "**/*.tmp", "**/*~"}
	return &c
}

func defaultOwner() string {
	for _, env := range []string{"LSC_OWNER", "USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "unknown"
}

// Load reads a YAML (or JSON) file on top of the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if err := c.overlay(path); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// UserConfigPath is $LSC_CONFIG or ~/.config/lsc/config.yaml.
func UserConfigPath() string {
	if p := os.Getenv("LSC_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "lsc", "config.yaml")
}

// ApplyUser overlays the per-user config file, if there is one. Missing
// files are not an error.
func (c *Config) ApplyUser() error {
	path := UserConfigPath()
	if path == "" {
		return nil
	}
	if err := c.overlay(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return c.Validate()
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	switch c.Repository.Index {
	case IndexBadger, IndexSQLite:
	default:
		return fmt.Errorf("unknown index backend %q", c.Repository.Index)
	}
	switch c.Repository.Blobs {
	case BlobsFS, BlobsMemory:
	case BlobsS3:
		if c.Repository.S3.Bucket == "" {
			return fmt.Errorf("s3 blob backend requires a bucket")
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Repository.Blobs)
	}
	if c.Content.CacheSize <= 0 {
		return fmt.Errorf("content cache size must be positive")
	}
	for _, t := range c.Merge.Tools {
		if t.Pattern == "" {
			return fmt.Errorf("merge tool %q has no pattern", t.Tool)
		}
		if t.Tool == "external" && len(t.Command) == 0 {
			return fmt.Errorf("external merge tool for %q has no command", t.Pattern)
		}
	}
	return nil
}
