package diff

import (
	"bytes"
	"unicode/utf8"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// splitLines splits data after every '\n'. Each line keeps its terminator;
// the last one may have none.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var lines []string
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			lines = append(lines, string(data))
			break
		}
		lines = append(lines, string(data[:i+1]))
		data = data[i+1:]
	}
	return lines
}

// lineTable gives every distinct line a rune so line sequences can be
// diffed as rune sequences.
type lineTable map[string]rune

func (t lineTable) encode(lines []string) []rune {
	rs := make([]rune, len(lines))
	for i, l := range lines {
		r, ok := t[l]
		if !ok {
			r = indexRune(len(t))
			t[l] = r
		}
		rs[i] = r
	}
	return rs
}

// indexRune maps n to a valid rune, skipping the surrogate range, which
// would not survive the conversion to string inside diffmatchpatch.
func indexRune(n int) rune {
	r := rune(n + 1)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}

type opKind int

const (
	opEqual opKind = iota
	opInsert
	opDelete
)

// op is a run of n lines: equal lines, lines only in the new side or
// lines only in the old side.
type op struct {
	kind opKind
	n    int
}

func lineOps(old, new []string) []op {
	table := lineTable{}
	a := table.encode(old)
	b := table.encode(new)

	dmp := diffpatch.New()
	diffs := dmp.DiffMainRunes(a, b, false)

	ops := make([]op, 0, len(diffs))
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		if n == 0 {
			continue
		}
		switch d.Type {
		case diffpatch.DiffEqual:
			ops = append(ops, op{opEqual, n})
		case diffpatch.DiffInsert:
			ops = append(ops, op{opInsert, n})
		case diffpatch.DiffDelete:
			ops = append(ops, op{opDelete, n})
		}
	}
	return ops
}

// matches returns, for every old line, the index of the new line it was
// matched with, or -1.
func matches(old, new []string) []int {
	m := make([]int, len(old))
	i, j := 0, 0
	for _, o := range lineOps(old, new) {
		switch o.kind {
		case opEqual:
			for k := 0; k < o.n; k++ {
				m[i] = j
				i++
				j++
			}
		case opDelete:
			for k := 0; k < o.n; k++ {
				m[i] = -1
				i++
			}
		case opInsert:
			j += o.n
		}
	}
	return m
}

// IsBinary reports whether data should not be treated as text.
func IsBinary(data []byte) bool {
	return bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data)
}
