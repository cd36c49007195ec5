package fixer

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/zeebo/blake3"

	"github.com/lucasnoah/cihealer/internal/format"
	"github.com/lucasnoah/cihealer/internal/healerr"
	"github.com/lucasnoah/cihealer/internal/logging"
	"github.com/lucasnoah/cihealer/internal/logparse"
	"github.com/lucasnoah/cihealer/internal/model"
	"github.com/lucasnoah/cihealer/internal/prompt"
)

const (
	DefaultConfidenceThreshold = 0.6
	DefaultMaxDiffLines        = 14
	// LocalityWindow bounds the lines a patch may touch around the reported line.
	LocalityWindow = 3
	maxReasonRunes = 100
)

// contextWindows is the snippet radius shown to providers per attempt.
var contextWindows = []int{3, 10, 25}

// ContextWindow returns the snippet radius for the given zero-based attempt.
func ContextWindow(attempt int) int {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(contextWindows) {
		return contextWindows[len(contextWindows)-1]
	}
	return contextWindows[attempt]
}

// AttemptInfo summarises an earlier, unaccepted attempt at the same bug.
type AttemptInfo struct {
	Reason healerr.RejectReason
	Detail string
	Diff   string
}

// FixRequest asks for a patch for one bug.
type FixRequest struct {
	Bug    model.BugReport
	Source string
	// Attempt is the number of earlier tries at this bug.
	Attempt  int
	Previous *AttemptInfo
}

// Options tune the gate.
type Options struct {
	ConfidenceThreshold float64
	MaxDiffLines        int
	// TemplateDir is searched for prompt overrides (usually the workspace).
	TemplateDir string
	Logger      *logging.Logger
}

// Generator validates provider patches. It remembers fingerprints for the
// lifetime of a run so the same patch is never accepted twice.
type Generator struct {
	cascade *Cascade
	opts    Options
	log     *logging.Logger

	mu   sync.Mutex
	seen map[string]bool
}

func NewGenerator(cascade *Cascade, opts Options) *Generator {
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if opts.MaxDiffLines <= 0 {
		opts.MaxDiffLines = DefaultMaxDiffLines
	}
	return &Generator{
		cascade: cascade,
		opts:    opts,
		log:     logging.Or(opts.Logger).WithComponent("fixer"),
		seen:    make(map[string]bool),
	}
}

// Cascade exposes the provider chain for health reporting.
func (g *Generator) Cascade() *Cascade { return g.cascade }

// Generate returns an attempt in every case. An accepted patch has status
// PENDING and a nil error; otherwise the status is REJECTED or FAILED and the
// error is a *healerr.FixRejected or *healerr.ProviderUnavailable.
func (g *Generator) Generate(ctx context.Context, req FixRequest) (model.FixAttempt, error) {
	bug := req.Bug
	fa := model.FixAttempt{Bug: bug, Status: model.FixPending, SubType: bug.SubType}
	log := g.log.With("bug", bug.Key(), "attempt", req.Attempt)

	reject := func(rej *healerr.FixRejected) (model.FixAttempt, error) {
		fa.Status = model.FixRejected
		fa.RejectReason = string(rej.Reason)
		log.Info("fix rejected", "reason", string(rej.Reason), "detail", rej.Detail)
		return fa, rej
	}

	if n := logparse.ConflictMarkerLine(req.Source); n > 0 {
		return reject(healerr.Rejected(healerr.ReasonMergeConflict, "conflict marker at line %d", n))
	}

	p, err := g.buildPrompt(req)
	if err != nil {
		fa.Status = model.FixFailed
		return fa, fmt.Errorf("build fix prompt: %w", err)
	}

	resp, provider, err := g.cascade.Fix(ctx, p)
	if err != nil {
		fa.Status = model.FixFailed
		fa.RejectReason = string(healerr.ReasonLLMFailure)
		log.Warn("no provider produced a fix", "error", err.Error())
		return fa, err
	}
	fa.Provider = provider
	fa.Confidence = resp.Confidence
	fa.FixReason = SanitizeReason(resp.FixReason)
	if resp.SubType != "" && format.HasTemplate(bug.ErrorType, resp.SubType) {
		fa.SubType = resp.SubType
	}

	patched := matchTrailingNewline(req.Source, resp.PatchedContent)
	fa.PatchedContent = patched

	if n := logparse.ConflictMarkerLine(patched); n > 0 {
		return reject(healerr.Rejected(healerr.ReasonMergeConflict, "patch introduces conflict marker at line %d", n))
	}
	if patched == req.Source {
		return reject(healerr.Rejected(healerr.ReasonNoChange, "patched content is identical"))
	}

	a, b := difflib.SplitLines(req.Source), difflib.SplitLines(patched)
	ops := difflib.NewMatcherWithJunk(a, b, false, nil).GetOpCodes()

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        a,
		B:        b,
		FromFile: "a/" + bug.FilePath,
		ToFile:   "b/" + bug.FilePath,
		Context:  3,
	})
	if err != nil {
		fa.Status = model.FixFailed
		return fa, fmt.Errorf("diff %s: %w", bug.FilePath, err)
	}
	fa.Diff = diff

	if n := ChangedLines(ops); n > g.opts.MaxDiffLines {
		return reject(healerr.Rejected(healerr.ReasonDiffTooLarge, "%d changed lines, limit %d", n, g.opts.MaxDiffLines))
	}
	if out := OutsideWindow(ops, bug.LineNumber, LocalityWindow); len(out) > 0 {
		lo, hi := windowBounds(bug.LineNumber, LocalityWindow)
		return reject(healerr.Rejected(healerr.ReasonLocalityViolation, "lines %v outside %d-%d", out, lo, hi))
	}

	fa.Fingerprint = Fingerprint(bug, diff)
	if !g.remember(fa.Fingerprint) {
		return reject(healerr.Rejected(healerr.ReasonRepeatedFix, "fingerprint %s already attempted", fa.Fingerprint))
	}
	if fa.Confidence < g.opts.ConfidenceThreshold {
		return reject(healerr.Rejected(healerr.ReasonLowConfidence, "confidence %.2f below %.2f", fa.Confidence, g.opts.ConfidenceThreshold))
	}

	log.Info("fix accepted", "provider", provider, "confidence", fa.Confidence, "fingerprint", fa.Fingerprint)
	return fa, nil
}

// remember records fp and reports whether it was new.
func (g *Generator) remember(fp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[fp] {
		return false
	}
	g.seen[fp] = true
	return true
}

func (g *Generator) buildPrompt(req FixRequest) (Prompt, error) {
	bug := req.Bug
	lo, hi := windowBounds(bug.LineNumber, LocalityWindow)
	vars := prompt.Vars{
		"window":           strconv.Itoa(LocalityWindow),
		"min_line":         strconv.Itoa(lo),
		"max_line":         strconv.Itoa(hi),
		"sub_types":        strings.Join(format.SubTypes(bug.ErrorType), ", "),
		"error_type":       string(bug.ErrorType),
		"file_path":        bug.FilePath,
		"line_number":      strconv.Itoa(bug.LineNumber),
		"test_name":        bug.TestName,
		"error_message":    bug.Message,
		"snippet":          Snippet(req.Source, bug.LineNumber, ContextWindow(req.Attempt)),
		"previous_attempt": describePrevious(req.Previous),
		"file_content":     req.Source,
	}

	sysTmpl, err := prompt.LoadTemplate(prompt.FixSystem, g.opts.TemplateDir)
	if err != nil {
		return Prompt{}, err
	}
	userTmpl, err := prompt.LoadTemplate(prompt.FixUser, g.opts.TemplateDir)
	if err != nil {
		return Prompt{}, err
	}
	system, err := prompt.Render(sysTmpl, vars)
	if err != nil {
		return Prompt{}, fmt.Errorf("render %s: %w", prompt.FixSystem, err)
	}
	user, err := prompt.Render(userTmpl, vars)
	if err != nil {
		return Prompt{}, fmt.Errorf("render %s: %w", prompt.FixUser, err)
	}
	return Prompt{System: system, User: user}, nil
}

func describePrevious(prev *AttemptInfo) string {
	if prev == nil {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Rejected: %s", prev.Reason)
	if prev.Detail != "" {
		fmt.Fprintf(&sb, " (%s)", prev.Detail)
	}
	if prev.Diff != "" {
		sb.WriteString("\nDiff:\n")
		sb.WriteString(prev.Diff)
	}
	return sb.String()
}

// Snippet renders lines [line-radius, line+radius] with a >>> marker on line.
func Snippet(source string, line, radius int) string {
	lines := strings.Split(strings.TrimSuffix(source, "\n"), "\n")
	start := max(1, line-radius)
	end := min(len(lines), line+radius)
	var sb strings.Builder
	for n := start; n <= end; n++ {
		prefix := "   "
		if n == line {
			prefix = ">>>"
		}
		fmt.Fprintf(&sb, "%s %4d | %s\n", prefix, n, lines[n-1])
	}
	return sb.String()
}

func windowBounds(line, window int) (int, int) {
	return max(1, line-window), line + window
}

// ChangedLines counts removed plus added lines.
func ChangedLines(ops []difflib.OpCode) int {
	n := 0
	for _, op := range ops {
		if op.Tag == 'e' {
			continue
		}
		n += (op.I2 - op.I1) + (op.J2 - op.J1)
	}
	return n
}

// OutsideWindow returns the 1-based lines of the original file touched by
// ops that fall outside [line-window, line+window]. An insertion is placed
// at the original line it lands before, so it may sit directly after the
// window's last line but not beyond.
func OutsideWindow(ops []difflib.OpCode, line, window int) []int {
	lo, hi := windowBounds(line, window)
	var out []int
	for _, op := range ops {
		switch op.Tag {
		case 'e':
			continue
		case 'i':
			if at := op.I1 + 1; at < lo || at > hi+1 {
				out = append(out, at)
			}
			continue
		}
		for i := op.I1; i < op.I2; i++ {
			if n := i + 1; n < lo || n > hi {
				out = append(out, n)
			}
		}
	}
	return out
}

// Fingerprint identifies a (bug, patch) pair across iterations.
func Fingerprint(bug model.BugReport, diff string) string {
	sum := blake3.Sum256([]byte(bug.Signature() + "\n" + diff))
	return hex.EncodeToString(sum[:16])
}

// SanitizeReason turns provider free text into a single short line that can
// never pass for a canonical report line.
func SanitizeReason(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" || format.LooksCanonical(s) {
		return ""
	}
	if utf8.RuneCountInString(s) > maxReasonRunes {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:maxReasonRunes]))
	}
	return s
}

func matchTrailingNewline(original, patched string) string {
	if strings.HasSuffix(original, "\n") && !strings.HasSuffix(patched, "\n") {
		return patched + "\n"
	}
	if !strings.HasSuffix(original, "\n") && strings.HasSuffix(patched, "\n") {
		return strings.TrimRight(patched, "\n")
	}
	return patched
}
