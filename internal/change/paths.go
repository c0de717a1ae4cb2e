package change

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// MetaDir holds workspace state and is never tracked.
const MetaDir = ".lsc"

// CanonicalPath cleans a repository-relative path into the form stored in
// trees and commits: slash separated, no leading slash, no "." or "..".
func CanonicalPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%s: path must be relative", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%s: path escapes the workspace", p)
	}
	first, _, _ := strings.Cut(clean, "/")
	if first == MetaDir {
		return "", fmt.Errorf("%s: path is inside %s", p, MetaDir)
	}
	return clean, nil
}

// RelativePath converts a path on disk, absolute or relative to the current
// directory, into a canonical path under root.
func RelativePath(root, p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("%s is not under %s: %w", p, root, err)
	}
	return CanonicalPath(filepath.ToSlash(rel))
}

// Split returns the parent directory components and the file name.
func Split(p string) ([]string, string) {
	parts := strings.Split(p, "/")
	return parts[:len(parts)-1], parts[len(parts)-1]
}
