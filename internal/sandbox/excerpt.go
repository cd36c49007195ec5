package sandbox

import (
	"fmt"
	"strings"
)

// Excerpt lengths used for display.
const (
	ExcerptHead = 30
	ExcerptTail = 30
)

// Excerpt keeps the first head and last tail lines of log, replacing the
// middle with an omission marker.
func Excerpt(log string, head, tail int) string {
	lines := strings.Split(strings.TrimRight(log, "\n"), "\n")
	if len(lines) <= head+tail {
		return strings.Join(lines, "\n")
	}
	omitted := len(lines) - head - tail
	out := make([]string, 0, head+tail+1)
	out = append(out, lines[:head]...)
	out = append(out, fmt.Sprintf("... (%d lines omitted) ...", omitted))
	out = append(out, lines[len(lines)-tail:]...)
	return strings.Join(out, "\n")
}
