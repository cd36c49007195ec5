package logparse

import (
	"strings"

	"github.com/gobwas/glob"
)

// DefaultIgnoreDirs are directories whose frames never become bug reports.
var DefaultIgnoreDirs = []string{
	"node_modules", "__pycache__", ".venv", "venv", "dist", "build",
	".tox", ".mypy_cache", ".pytest_cache", "site-packages", ".git",
}

// IgnoreRules decides which normalized paths are outside the repo's own code.
type IgnoreRules struct {
	globs []glob.Glob
}

// NewIgnoreRules compiles the default directory rules plus extra glob
// patterns (matched against the repo-relative path, '/' separated).
// Invalid extra patterns are skipped.
func NewIgnoreRules(extra ...string) *IgnoreRules {
	r := &IgnoreRules{}
	for _, d := range DefaultIgnoreDirs {
		r.globs = append(r.globs,
			glob.MustCompile(d+"/**", '/'),
			glob.MustCompile("**/"+d+"/**", '/'),
		)
	}
	// Pseudo-files such as <frozen importlib._bootstrap> or <anonymous>.
	r.globs = append(r.globs, glob.MustCompile("<*>"))
	for _, pat := range extra {
		g, err := glob.Compile(pat, '/')
		if err != nil {
			continue
		}
		r.globs = append(r.globs, g)
	}
	return r
}

// Match reports whether path should be ignored.
func (r *IgnoreRules) Match(path string) bool {
	if path == "" {
		return true
	}
	if strings.HasPrefix(path, "node:") {
		return true
	}
	for _, g := range r.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}
