package diff

import (
	"slices"
	"strings"
)

// Conflict markers written around unmergeable regions.
const (
	MarkerLocal  = "<<<<<<< local"
	MarkerBase   = "||||||| base"
	MarkerSep    = "======="
	MarkerRemote = ">>>>>>> theirs"
)

// MergeResult is the outcome of a three way merge. Content holds conflict
// markers when Conflicts > 0.
type MergeResult struct {
	Content   []byte
	Conflicts int
}

func (r *MergeResult) Clean() bool {
	return r.Conflicts == 0
}

// Merge3 merges the changes local and remote each made to base. Regions
// changed on one side only take that side; regions changed identically
// take either; everything else becomes a conflict block.
func Merge3(base, local, remote []byte) *MergeResult {
	o := splitLines(base)
	a := splitLines(local)
	b := splitLines(remote)
	ma := matches(o, a)
	mb := matches(o, b)

	var out strings.Builder
	result := &MergeResult{}

	oi, ai, bi := 0, 0, 0
	for {
		// stable run: lines matched on both sides at the current positions
		n := 0
		for oi+n < len(o) && ai+n < len(a) && bi+n < len(b) &&
			ma[oi+n] == ai+n && mb[oi+n] == bi+n {
			n++
		}
		if n > 0 {
			writeLines(&out, o[oi:oi+n])
			oi, ai, bi = oi+n, ai+n, bi+n
			continue
		}

		// next base line matched on both sides
		next := oi
		for next < len(o) && (ma[next] < 0 || mb[next] < 0) {
			next++
		}
		oEnd, aEnd, bEnd := len(o), len(a), len(b)
		if next < len(o) {
			oEnd, aEnd, bEnd = next, ma[next], mb[next]
		}

		chunkO, chunkA, chunkB := o[oi:oEnd], a[ai:aEnd], b[bi:bEnd]
		switch {
		case slices.Equal(chunkA, chunkO):
			writeLines(&out, chunkB)
		case slices.Equal(chunkB, chunkO), slices.Equal(chunkA, chunkB):
			writeLines(&out, chunkA)
		default:
			result.Conflicts++
			writeConflict(&out, chunkO, chunkA, chunkB)
		}

		if next >= len(o) {
			break
		}
		oi, ai, bi = oEnd, aEnd, bEnd
	}

	result.Content = []byte(out.String())
	return result
}

func writeLines(out *strings.Builder, lines []string) {
	for _, l := range lines {
		out.WriteString(l)
	}
}

// writeBlock writes lines so that the marker after them starts on its own
// line.
func writeBlock(out *strings.Builder, lines []string) {
	writeLines(out, lines)
	if n := len(lines); n > 0 && !strings.HasSuffix(lines[n-1], "\n") {
		out.WriteByte('\n')
	}
}

func writeConflict(out *strings.Builder, base, local, remote []string) {
	out.WriteString(MarkerLocal + "\n")
	writeBlock(out, local)
	out.WriteString(MarkerBase + "\n")
	writeBlock(out, base)
	out.WriteString(MarkerSep + "\n")
	writeBlock(out, remote)
	out.WriteString(MarkerRemote + "\n")
}

// HasConflictMarkers reports whether data still contains a conflict block.
func HasConflictMarkers(data []byte) bool {
	for _, l := range splitLines(data) {
		l = strings.TrimRight(l, "\r\n")
		if l == MarkerLocal || l == MarkerRemote {
			return true
		}
	}
	return false
}
