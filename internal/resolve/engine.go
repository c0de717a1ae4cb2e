// Package resolve settles paths where local and remote edits collided.
package resolve

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"lsc/internal/change"
	"lsc/internal/config"
	"lsc/internal/diff"
	lscerrors "lsc/internal/errors"
	"lsc/internal/logging"
)

type rule struct {
	pattern change.Pattern
	tool    Tool
}

// Engine records pending resolves and settles them with the merge tool
// configured for each path.
type Engine struct {
	box      Box
	contents Contents
	rules    []rule
	logger   *zap.Logger
}

type Options struct {
	// Tools are tried in order; the first matching pattern wins.
	Tools []config.MergeTool
	// TempDir holds scratch files for external tools ("" for the system
	// default).
	TempDir string
	Logger  *zap.Logger
}

func NewEngine(box Box, contents Contents, opts Options) (*Engine, error) {
	e := &Engine{
		box:      box,
		contents: contents,
		logger:   logging.OrNop(opts.Logger).Named("resolve"),
	}
	for _, mt := range opts.Tools {
		pat, err := change.CompilePattern(mt.Pattern)
		if err != nil {
			return nil, lscerrors.ValidationError(err.Error(), nil)
		}
		tool, err := newTool(mt, opts.TempDir)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, rule{pattern: pat, tool: tool})
	}
	return e, nil
}

func newTool(mt config.MergeTool, tempDir string) (Tool, error) {
	switch mt.Tool {
	case ToolText:
		return textTool{}, nil
	case ToolBinary:
		return binaryTool{}, nil
	case ToolOurs:
		return oursTool{}, nil
	case ToolTheirs:
		return theirsTool{}, nil
	case ToolExternal:
		if len(mt.Command) == 0 {
			return nil, lscerrors.ValidationError(fmt.Sprintf("external merge tool for %q has no command", mt.Pattern), nil)
		}
		return &externalTool{command: slices.Clone(mt.Command), tempDir: tempDir}, nil
	}
	return nil, lscerrors.ValidationError(fmt.Sprintf("unknown merge tool %q", mt.Tool), nil)
}

// ToolFor picks the tool for path: the first matching rule, else text
// for text inputs and binary otherwise.
func (e *Engine) ToolFor(path string, in Inputs) Tool {
	for _, r := range e.rules {
		if r.pattern.Match(path) {
			return r.tool
		}
	}
	if diff.IsBinary(in.Base) || diff.IsBinary(in.Local) || diff.IsBinary(in.Remote) {
		return binaryTool{}
	}
	return textTool{}
}

// Record stores r. When path already has a pending resolve its base is
// kept, so repeated syncs keep merging against the original ancestor.
func (e *Engine) Record(ctx context.Context, r *PendingResolve) error {
	existing, err := e.box.GetResolve(ctx, r.Path)
	switch {
	case err == nil:
		merged := *r
		merged.BaseHash = existing.BaseHash
		merged.BaseCommit = existing.BaseCommit
		r = &merged
	case !lscerrors.Is(err, lscerrors.ErrorTypeNotFound):
		return err
	}
	if err := e.box.PutResolve(ctx, r); err != nil {
		return fmt.Errorf("recording resolve for %s: %w", r.Path, err)
	}
	e.logger.Info("pending resolve",
		zap.String("path", r.Path),
		zap.String("base", r.BaseHash),
		zap.String("local", r.LocalHash),
		zap.String("remote", r.RemoteHash))
	return nil
}

func (e *Engine) Get(ctx context.Context, path string) (*PendingResolve, error) {
	return e.box.GetResolve(ctx, path)
}

// Pending lists pending resolves sorted by path.
func (e *Engine) Pending(ctx context.Context) ([]*PendingResolve, error) {
	all, err := e.box.ListResolves(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(all, func(a, b *PendingResolve) int {
		return strings.Compare(a.Path, b.Path)
	})
	return all, nil
}

// Clear drops the resolve for path. Clearing a path with no resolve is a
// no-op.
func (e *Engine) Clear(ctx context.Context, path string) error {
	err := e.box.DeleteResolve(ctx, path)
	if err != nil && !lscerrors.Is(err, lscerrors.ErrorTypeNotFound) {
		return err
	}
	return nil
}

// EnsureResolved fails with UnresolvedChanges while any resolve pends.
func (e *Engine) EnsureResolved(ctx context.Context) error {
	pending, err := e.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	paths := make([]string, len(pending))
	for i, p := range pending {
		paths[i] = p.Path
	}
	return lscerrors.UnresolvedChanges(paths)
}

// Resolve computes how r settles under choice. It does not touch the
// box; callers apply the resolution and then Clear the path.
func (e *Engine) Resolve(ctx context.Context, r *PendingResolve, choice Choice) (*Resolution, error) {
	switch choice {
	case ChoiceLocal:
		return &Resolution{Kind: Accepted}, nil
	case ChoiceTheirs:
		return &Resolution{Kind: AcceptedTheirs}, nil
	case ChoiceMerge:
	default:
		return nil, lscerrors.ValidationError(fmt.Sprintf("unknown resolve choice %q", choice), nil)
	}

	switch {
	case r.LocalHash == r.RemoteHash:
		return &Resolution{Kind: Accepted, Reason: "both sides are identical"}, nil
	case r.LocalHash == r.BaseHash:
		return &Resolution{Kind: AcceptedTheirs, Reason: "only the remote side changed"}, nil
	case r.RemoteHash == r.BaseHash:
		return &Resolution{Kind: Accepted, Reason: "only the local side changed"}, nil
	case r.LocalHash == "" || r.RemoteHash == "":
		return &Resolution{Kind: Unresolved, Reason: "modified on one side and deleted on the other"}, nil
	}

	in := Inputs{Path: r.Path}
	var err error
	if in.Base, err = e.read(ctx, r.BaseHash); err != nil {
		return nil, err
	}
	if in.Local, err = e.read(ctx, r.LocalHash); err != nil {
		return nil, err
	}
	if in.Remote, err = e.read(ctx, r.RemoteHash); err != nil {
		return nil, err
	}

	tool := e.ToolFor(r.Path, in)
	res, err := tool.Merge(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("merging %s with %s: %w", r.Path, tool.Name(), err)
	}
	e.logger.Info("merge tool finished",
		zap.String("path", r.Path),
		zap.String("tool", tool.Name()),
		zap.Stringer("result", res.Kind))
	return res, nil
}

func (e *Engine) read(ctx context.Context, hash string) ([]byte, error) {
	if hash == "" {
		return nil, nil
	}
	data, err := e.contents.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", hash, err)
	}
	return data, nil
}
