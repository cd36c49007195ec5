// Package format produces the canonical machine-checked report line:
//
//	{TYPE} error in {path} line {N} → Fix: {description}
//
// Nothing else in the module builds this string. Other packages may call
// LooksCanonical to refuse text that imitates it.
package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasnoah/cihealer/internal/model"
)

// Arrow is U+2192 RIGHTWARDS ARROW.
const Arrow = "→"

var canonicalRe = regexp.MustCompile(`(LINTING|SYNTAX|LOGIC|TYPE_ERROR|IMPORT|INDENTATION) error in \S.* line \d+ ` + Arrow + ` Fix: `)

// Line formats one report line after validating every field.
func Line(t model.ErrorType, path string, line int, description string) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("format: unknown error type %q", t)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("format: empty file path")
	}
	if line < 1 {
		return "", fmt.Errorf("format: line number must be >= 1, got %d", line)
	}
	description = cleanDescription(description)
	if description == "" {
		return "", fmt.Errorf("format: empty fix description")
	}
	return string(t) + " error in " + path + " line " + strconv.Itoa(line) + " " + Arrow + " Fix: " + description, nil
}

// Report formats the line for an accepted fix. The description comes from the
// template table keyed by the fix's sub-type, falling back to the bug's own.
func Report(bug model.BugReport, subType string) (string, error) {
	if subType == "" || !HasTemplate(bug.ErrorType, subType) {
		subType = bug.SubType
	}
	return Line(bug.ErrorType, bug.FilePath, bug.LineNumber, Describe(bug.ErrorType, subType))
}

// LooksCanonical reports whether s contains text shaped like a report line.
func LooksCanonical(s string) bool {
	return canonicalRe.MatchString(s)
}

// cleanDescription collapses whitespace so the line stays single-line
// with single spaces and no trailing blanks.
func cleanDescription(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
