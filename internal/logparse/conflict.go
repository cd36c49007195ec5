package logparse

import (
	"regexp"
	"strings"
)

var conflictMarkerRe = regexp.MustCompile(`^(<{7}|>{7})(\s|$)`)

// ConflictMarkerLine returns the 1-based line of the first unresolved merge
// conflict marker in content, or 0 when there is none.
func ConflictMarkerLine(content string) int {
	for i, line := range strings.Split(content, "\n") {
		if conflictMarkerRe.MatchString(line) {
			return i + 1
		}
	}
	return 0
}
