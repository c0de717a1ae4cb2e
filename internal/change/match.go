package change

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// Pattern is a compiled path glob. "*" stops at "/", "**" does not.
// Patterns without a "/" match the base name anywhere in the tree, and a
// leading "**/" also matches at the top level.
type Pattern struct {
	source string
	globs  []glob.Glob
	base   bool
}

func CompilePattern(p string) (Pattern, error) {
	sources := []string{p}
	if rest, ok := strings.CutPrefix(p, "**/"); ok {
		sources = append(sources, rest)
	}

	pat := Pattern{source: p, base: !strings.Contains(p, "/")}
	for _, s := range sources {
		g, err := glob.Compile(s, '/')
		if err != nil {
			return Pattern{}, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		pat.globs = append(pat.globs, g)
	}
	return pat, nil
}

func (p Pattern) String() string {
	return p.source
}

func (p Pattern) Match(name string) bool {
	if p.base {
		name = path.Base(name)
	}
	for _, g := range p.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Matcher matches a path against a list of patterns.
type Matcher []Pattern

func NewMatcher(patterns []string) (Matcher, error) {
	m := make(Matcher, 0, len(patterns))
	for _, p := range patterns {
		pat, err := CompilePattern(p)
		if err != nil {
			return nil, err
		}
		m = append(m, pat)
	}
	return m, nil
}

// Match returns the index of the first matching pattern, or -1.
func (m Matcher) Match(name string) int {
	for i, p := range m {
		if p.Match(name) {
			return i
		}
	}
	return -1
}

func (m Matcher) Matches(name string) bool {
	return m.Match(name) >= 0
}
