// Package logparse turns a raw sandbox log into an ordered list of bug
// reports. Parsing is a pure function of its input: the same log always
// yields the same reports in the same order.
package logparse

import (
	"sort"
	"strings"

	"github.com/lucasnoah/cihealer/internal/model"
)

// Options configures a Parser.
type Options struct {
	// Workspace is the host path of the repository, stripped from absolute paths.
	Workspace string
	// ProjectType selects which signatures are tried ("python", "node", ...).
	// Empty or unknown tries all of them.
	ProjectType string
	// Ignore holds extra glob patterns for paths that never produce reports.
	Ignore []string
}

// Parser holds the compiled signature set for one project type.
type Parser struct {
	workspace  string
	extractors []extractor
	ignore     *IgnoreRules
}

var (
	python = pythonExtractor{}
	node   = nodeExtractor{}
	tsc    = tscExtractor{}
	gen    = genericExtractor{}
	golang = goExtractor{}
	rust   = rustExtractor{}
	java   = javaExtractor{}
)

// signatures lists the extractors tried per project type, in order.
var signatures = map[string][]extractor{
	"python": {python, gen},
	"node":   {node, tsc, gen},
	"java":   {java, gen},
	"go":     {golang, gen},
	"rust":   {rust, gen},
}

var allSignatures = []extractor{python, node, tsc, java, golang, rust, gen}

// New builds a Parser.
func New(opts Options) *Parser {
	ex, ok := signatures[strings.ToLower(opts.ProjectType)]
	if !ok {
		ex = allSignatures
	}
	return &Parser{
		workspace:  opts.Workspace,
		extractors: ex,
		ignore:     NewIgnoreRules(opts.Ignore...),
	}
}

// Parse is shorthand for New(opts).Parse(log).
func Parse(log string, opts Options) []model.BugReport {
	return New(opts).Parse(log)
}

// Parse extracts bug reports from log.
//
// Every extractor sees the whole log. Candidates are ordered by the log line
// that reported them. When several candidates come from the same log line
// only the highest-precedence kind survives. Reports are then deduplicated
// on (file, line, type), keeping the first in log order. Lines that match
// nothing are dropped.
func (p *Parser) Parse(log string) []model.BugReport {
	if strings.TrimSpace(log) == "" {
		return nil
	}
	lines := strings.Split(strings.ReplaceAll(log, "\r\n", "\n"), "\n")
	loc := p.locate

	type candidate struct {
		raw   rawMatch
		class Classification
		order int
	}
	var cands []candidate
	for _, ex := range p.extractors {
		for _, raw := range ex.extract(lines, loc) {
			if raw.line < 1 {
				continue
			}
			cands = append(cands, candidate{raw: raw, class: Classify(raw.name, raw.message), order: len(cands)})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].raw.pos != cands[j].raw.pos {
			return cands[i].raw.pos < cands[j].raw.pos
		}
		return cands[i].order < cands[j].order
	})

	// One kind per log line.
	best := make(map[int]int) // pos -> index in cands
	for i, c := range cands {
		j, seen := best[c.raw.pos]
		if !seen || c.class.Type.Rank() < cands[j].class.Type.Rank() {
			best[c.raw.pos] = i
		}
	}

	testNames := pytestTestNames(lines, loc)
	seen := make(map[string]bool)
	var reports []model.BugReport
	for i, c := range cands {
		if best[c.raw.pos] != i {
			continue
		}
		conf := c.raw.conf
		if c.class.Confidence < conf {
			conf = c.class.Confidence
		}
		r := model.BugReport{
			FilePath:   c.raw.path,
			LineNumber: c.raw.line,
			ErrorType:  c.class.Type,
			Message:    c.raw.message,
			TestName:   c.raw.testName,
			Confidence: &conf,
			SubType:    c.class.SubType,
		}
		if r.TestName == "" {
			r.TestName = testNames[r.FilePath]
		}
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		reports = append(reports, r)
	}
	return reports
}

func (p *Parser) locate(raw string) (string, bool) {
	path, ok := normalizePath(raw, p.workspace)
	if !ok || p.ignore.Match(path) {
		return "", false
	}
	return path, true
}
