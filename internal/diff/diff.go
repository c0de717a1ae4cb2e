// Package diff compares and merges file contents line by line.
package diff

import (
	"bytes"
	"fmt"
	"strings"
)

// Line is one line of a hunk. OldNum and NewNum are 1-based; 0 means the
// line does not exist on that side.
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

type Stats struct {
	Additions int
	Deletions int
}

func (s Stats) Changes() int {
	return s.Additions + s.Deletions
}

type DiffResult struct {
	Hunks  []Hunk
	Stats  Stats
	Binary bool
}

// Hunk is a run of changes with surrounding context. Starts are 1-based,
// or 0 for an empty range.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine produces unified diffs with a fixed amount of context.
type Engine struct {
	contextLines int
}

func NewEngine(contextLines int) *Engine {
	return &Engine{
		contextLines: max(0, contextLines),
	}
}

// Diff compares two contents. Binary contents are compared whole and
// yield no hunks.
func (e *Engine) Diff(oldContent, newContent []byte) (*DiffResult, error) {
	if IsBinary(oldContent) || IsBinary(newContent) {
		return &DiffResult{Binary: !bytes.Equal(oldContent, newContent)}, nil
	}

	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)
	all := e.annotate(oldLines, newLines)

	result := &DiffResult{}
	for _, l := range all {
		switch l.Type {
		case Addition:
			result.Stats.Additions++
		case Deletion:
			result.Stats.Deletions++
		}
	}
	result.Hunks = e.hunks(all)
	return result, nil
}

// annotate lists every line of both sides in diff order.
func (e *Engine) annotate(oldLines, newLines []string) []Line {
	var out []Line
	i, j := 0, 0
	for _, o := range lineOps(oldLines, newLines) {
		for k := 0; k < o.n; k++ {
			switch o.kind {
			case opEqual:
				out = append(out, Line{Type: Context, Content: oldLines[i], OldNum: i + 1, NewNum: j + 1})
				i++
				j++
			case opDelete:
				out = append(out, Line{Type: Deletion, Content: oldLines[i], OldNum: i + 1})
				i++
			case opInsert:
				out = append(out, Line{Type: Addition, Content: newLines[j], NewNum: j + 1})
				j++
			}
		}
	}
	return out
}

// hunks groups changed lines that are at most 2*contextLines apart.
func (e *Engine) hunks(all []Line) []Hunk {
	var out []Hunk
	n := len(all)
	i := 0
	for i < n {
		for i < n && all[i].Type == Context {
			i++
		}
		if i == n {
			break
		}

		start := max(0, i-e.contextLines)
		end := i
		for end < n {
			if all[end].Type != Context {
				end++
				continue
			}
			run := end
			for run < n && all[run].Type == Context {
				run++
			}
			if run == n || run-end > 2*e.contextLines {
				end = min(n, end+e.contextLines)
				break
			}
			end = run
		}

		out = append(out, makeHunk(all, start, end))
		i = end
	}
	return out
}

// makeHunk builds the hunk for all[start:end]. A side with no lines in the
// hunk starts at the line before the change, as in unified diff format.
func makeHunk(all []Line, start, end int) Hunk {
	h := Hunk{Lines: all[start:end]}
	for _, l := range all[:start] {
		if l.OldNum > 0 {
			h.OldStart = l.OldNum
		}
		if l.NewNum > 0 {
			h.NewStart = l.NewNum
		}
	}
	firstOld, firstNew := 0, 0
	for _, l := range h.Lines {
		if l.OldNum > 0 {
			if firstOld == 0 {
				firstOld = l.OldNum
			}
			h.OldLines++
		}
		if l.NewNum > 0 {
			if firstNew == 0 {
				firstNew = l.NewNum
			}
			h.NewLines++
		}
	}
	if firstOld > 0 {
		h.OldStart = firstOld
	}
	if firstNew > 0 {
		h.NewStart = firstNew
	}
	return h
}

// Format renders r as unified diff hunks.
func (r *DiffResult) Format() string {
	if r.Binary {
		return "Binary files differ\n"
	}
	var buf strings.Builder
	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteByte('+')
			case Deletion:
				buf.WriteByte('-')
			case Context:
				buf.WriteByte(' ')
			}
			buf.WriteString(line.Content)
			if !strings.HasSuffix(line.Content, "\n") {
				buf.WriteString("\n\\ No newline at end of file\n")
			}
		}
	}
	return buf.String()
}
