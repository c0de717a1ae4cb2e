package resolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"lsc/internal/diff"
)

// Tool names accepted in merge tool configuration.
const (
	ToolText     = "text"
	ToolBinary   = "binary"
	ToolOurs     = "ours"
	ToolTheirs   = "theirs"
	ToolExternal = "external"
)

// Inputs are the three versions of a file handed to a merge tool.
type Inputs struct {
	Path   string
	Base   []byte
	Local  []byte
	Remote []byte
}

type Tool interface {
	Name() string
	Merge(ctx context.Context, in Inputs) (*Resolution, error)
}

type textTool struct{}

func (textTool) Name() string { return ToolText }

func (textTool) Merge(ctx context.Context, in Inputs) (*Resolution, error) {
	res := diff.Merge3(in.Base, in.Local, in.Remote)
	if res.Clean() {
		return &Resolution{Kind: Merged, Content: res.Content, Tool: ToolText}, nil
	}
	return &Resolution{
		Kind:    Unresolved,
		Content: res.Content,
		Tool:    ToolText,
		Reason:  fmt.Sprintf("%d conflicting region(s)", res.Conflicts),
	}, nil
}

type binaryTool struct{}

func (binaryTool) Name() string { return ToolBinary }

func (binaryTool) Merge(ctx context.Context, in Inputs) (*Resolution, error) {
	return &Resolution{Kind: Unresolved, Tool: ToolBinary, Reason: "binary files cannot be merged"}, nil
}

type oursTool struct{}

func (oursTool) Name() string { return ToolOurs }

func (oursTool) Merge(ctx context.Context, in Inputs) (*Resolution, error) {
	return &Resolution{Kind: Accepted, Tool: ToolOurs}, nil
}

type theirsTool struct{}

func (theirsTool) Name() string { return ToolTheirs }

func (theirsTool) Merge(ctx context.Context, in Inputs) (*Resolution, error) {
	return &Resolution{Kind: AcceptedTheirs, Tool: ToolTheirs}, nil
}

// externalTool runs a command. Arguments may contain %base, %local,
// %theirs and %output, replaced by temporary file paths.
type externalTool struct {
	command []string
	tempDir string
}

func (t *externalTool) Name() string { return ToolExternal }

func (t *externalTool) Merge(ctx context.Context, in Inputs) (*Resolution, error) {
	dir, err := os.MkdirTemp(t.tempDir, "merge-*")
	if err != nil {
		return nil, fmt.Errorf("creating merge directory: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := filepath.Ext(in.Path)
	files := map[string]string{
		"%base":   filepath.Join(dir, "base"+ext),
		"%local":  filepath.Join(dir, "local"+ext),
		"%theirs": filepath.Join(dir, "theirs"+ext),
		"%output": filepath.Join(dir, "output"+ext),
	}
	for key, data := range map[string][]byte{"%base": in.Base, "%local": in.Local, "%theirs": in.Remote} {
		if err := os.WriteFile(files[key], data, 0600); err != nil {
			return nil, fmt.Errorf("writing merge input: %w", err)
		}
	}

	replacer := strings.NewReplacer(
		"%base", files["%base"],
		"%local", files["%local"],
		"%theirs", files["%theirs"],
		"%output", files["%output"],
	)
	args := make([]string, len(t.command))
	for i, a := range t.command {
		args[i] = replacer.Replace(a)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return &Resolution{
				Kind:   Unresolved,
				Tool:   ToolExternal,
				Reason: fmt.Sprintf("%s exited with %d: %s", args[0], exit.ExitCode(), strings.TrimSpace(stderr.String())),
			}, nil
		}
		return nil, fmt.Errorf("running merge tool %s: %w", args[0], err)
	}

	out, err := os.ReadFile(files["%output"])
	if err != nil {
		return nil, fmt.Errorf("reading merge tool output: %w", err)
	}
	return &Resolution{Kind: Merged, Content: out, Tool: ToolExternal}, nil
}
