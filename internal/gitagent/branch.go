package gitagent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lucasnoah/cihealer/internal/healerr"
)

// BranchSuffix ends every healing branch.
const BranchSuffix = "AI_FIX"

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	invalidRe    = regexp.MustCompile(`[^A-Z0-9_]`)
	underscoreRe = regexp.MustCompile(`_+`)
)

func sanitizeSegment(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = whitespaceRe.ReplaceAllString(s, "_")
	s = invalidRe.ReplaceAllString(s, "")
	s = underscoreRe.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// BranchName derives TEAM_LEADER_AI_FIX from free-form team and leader names.
func BranchName(team, leader string) (string, error) {
	t, l := sanitizeSegment(team), sanitizeSegment(leader)
	if t == "" {
		return "", fmt.Errorf("team name %q has no usable characters", team)
	}
	if l == "" {
		return "", fmt.Errorf("leader name %q has no usable characters", leader)
	}
	name := t + "_" + l + "_" + BranchSuffix
	return name, ValidateBranch(name)
}

// ValidateBranch refuses default branches and names git could read as a flag.
func ValidateBranch(name string) error {
	if name == "" {
		return fmt.Errorf("empty branch name")
	}
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", name)
	}
	switch strings.ToLower(name) {
	case "main", "master", "head":
		return fmt.Errorf("%w: %s", healerr.ErrProtectedBranch, name)
	}
	return nil
}
