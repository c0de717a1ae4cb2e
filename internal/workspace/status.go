package workspace

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"lsc/internal/diff"
	"lsc/internal/resolve"
)

const diffContext = 3

// Status is a snapshot of the workspace against its base commit.
type Status struct {
	Branch string
	Base   string
	// Head is the branch head; it differs from Base when a sync is due.
	Head string

	Staged   []*PendingChange
	Resolves []*resolve.PendingResolve
	Merges   []*PendingBranchMerge

	// Unstaged differences found on disk.
	Untracked []string
	Modified  []string
	Missing   []string
}

func (s *Status) Clean() bool {
	return len(s.Staged)+len(s.Resolves)+len(s.Merges)+
		len(s.Untracked)+len(s.Modified)+len(s.Missing) == 0
}

func (w *Workspace) Status(ctx context.Context) (*Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, root, err := w.base(ctx)
	if err != nil {
		return nil, err
	}
	b, err := w.repo.Branches.Get(ctx, s.Branch)
	if err != nil {
		return nil, err
	}
	st := &Status{Branch: s.Branch, Base: s.Base, Head: b.Head}

	if st.Staged, err = w.manifest.Changes(); err != nil {
		return nil, err
	}
	if st.Resolves, err = w.resolver.Pending(ctx); err != nil {
		return nil, err
	}
	if st.Merges, err = w.manifest.Merges(); err != nil {
		return nil, err
	}

	staged := make(map[string]bool, len(st.Staged))
	for _, c := range st.Staged {
		staged[c.Path] = true
	}
	tracked, err := w.repo.Trees.Files(ctx, root)
	if err != nil {
		return nil, err
	}
	onDisk, err := w.walk("")
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(onDisk))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(ioConcurrency)
	for _, p := range onDisk {
		present[p] = true
		if staged[p] {
			continue
		}
		want, ok := tracked[p]
		if !ok {
			st.Untracked = append(st.Untracked, p)
			continue
		}
		g.Go(func() error {
			got, err := w.diskHash(p)
			if err != nil {
				return err
			}
			if got != want {
				mu.Lock()
				st.Modified = append(st.Modified, p)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for p := range tracked {
		if !present[p] && !staged[p] && !w.ignore.Matches(p) {
			st.Missing = append(st.Missing, p)
		}
	}

	slices.Sort(st.Modified)
	slices.Sort(st.Missing)
	return st, nil
}

// Diff compares the base version of p with the file on disk.
func (w *Workspace) Diff(ctx context.Context, p string) (*diff.DiffResult, error) {
	p, err := w.canonical(p)
	if err != nil {
		return nil, err
	}
	_, root, err := w.base(ctx)
	if err != nil {
		return nil, err
	}
	hash, _, err := w.repo.Trees.Lookup(ctx, root, p)
	if err != nil {
		return nil, err
	}
	var old []byte
	if hash != "" {
		if old, err = w.repo.Blobs.Get(ctx, hash); err != nil {
			return nil, err
		}
	}
	current, _, err := w.readFile(p)
	if err != nil {
		return nil, err
	}
	return diff.NewEngine(diffContext).Diff(old, current)
}
