package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"lsc/internal/tree"
	"lsc/shared/utils"
)

const (
	readOnlyMode = 0444
	writableMode = 0644

	ioConcurrency = 8
)

func (w *Workspace) abs(p string) string {
	return filepath.Join(w.root, filepath.FromSlash(p))
}

// readFile returns the content of p on disk; ok is false when p does not
// exist.
func (w *Workspace) readFile(p string) (data []byte, ok bool, err error) {
	data, err = os.ReadFile(w.abs(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, true, nil
}

// diskHash hashes p on disk, "" when it does not exist.
func (w *Workspace) diskHash(p string) (string, error) {
	data, ok, err := w.readFile(p)
	if err != nil || !ok {
		return "", err
	}
	return utils.HashContent(data), nil
}

// storeLocal copies p from disk into the content store and returns its
// hash, "" when it does not exist.
func (w *Workspace) storeLocal(ctx context.Context, p string) (string, error) {
	data, ok, err := w.readFile(p)
	if err != nil || !ok {
		return "", err
	}
	return w.repo.Blobs.Put(ctx, data)
}

// writeFile replaces p atomically.
func (w *Workspace) writeFile(p string, data []byte, readOnly bool) error {
	target := w.abs(p)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(metaPath(w.root, tempDir), "checkout-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	mode := os.FileMode(writableMode)
	if readOnly {
		mode = readOnlyMode
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	// some platforms refuse to rename over a read-only file
	os.Chmod(target, writableMode)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("replacing %s: %w", p, err)
	}
	return nil
}

// removeFile deletes p and any directories left empty above it.
func (w *Workspace) removeFile(p string) error {
	target := w.abs(p)
	os.Chmod(target, writableMode)
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", p, err)
	}
	for dir := filepath.Dir(target); dir != w.root && len(dir) > len(w.root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

func (w *Workspace) setReadOnly(p string, readOnly bool) error {
	mode := os.FileMode(writableMode)
	if readOnly {
		mode = readOnlyMode
	}
	err := os.Chmod(w.abs(p), mode)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// writeBlob writes the blob hash to p, or removes p when hash is "".
func (w *Workspace) writeBlob(ctx context.Context, p, hash string, readOnly bool) error {
	if hash == "" {
		return w.removeFile(p)
	}
	data, err := w.repo.Blobs.Get(ctx, hash)
	if err != nil {
		return fmt.Errorf("reading %s: %w", p, err)
	}
	return w.writeFile(p, data, readOnly)
}

// checkout brings the files on disk from the tree from to the tree to.
func (w *Workspace) checkout(ctx context.Context, from, to string, readOnly bool) error {
	deltas, err := w.repo.Trees.Diff(ctx, from, to)
	if err != nil {
		return err
	}
	return w.applyDeltas(ctx, deltas, readOnly)
}

func (w *Workspace) applyDeltas(ctx context.Context, deltas []tree.Delta, readOnly bool) error {
	// removals first so a file can be replaced by a directory
	for _, d := range deltas {
		if d.To == "" {
			if err := w.removeFile(d.Path); err != nil {
				return err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ioConcurrency)
	for _, d := range deltas {
		if d.To == "" {
			continue
		}
		g.Go(func() error {
			return w.writeBlob(gctx, d.Path, d.To, readOnly)
		})
	}
	return g.Wait()
}
