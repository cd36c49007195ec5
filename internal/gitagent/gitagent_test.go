package gitagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/cihealer/internal/healerr"
	"github.com/lucasnoah/cihealer/internal/model"
)

type mockResult struct {
	output string
	err    error
}

// mockGit records calls and answers from a script keyed by the joined args.
// Keys match by prefix; each key's results are consumed in order and the
// last one repeats.
type mockGit struct {
	calls  [][]string
	script map[string][]mockResult
}

func (m *mockGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	m.calls = append(m.calls, args)
	joined := strings.Join(args, " ")
	best := ""
	for key := range m.script {
		if strings.HasPrefix(joined, key) && len(key) > len(best) {
			best = key
		}
	}
	results := m.script[best]
	if len(results) == 0 {
		return "", nil
	}
	r := results[0]
	if len(results) > 1 {
		m.script[best] = results[1:]
	}
	return r.output, r.err
}

func (m *mockGit) called(prefix string) int {
	n := 0
	for _, c := range m.calls {
		if strings.HasPrefix(strings.Join(c, " "), prefix) {
			n++
		}
	}
	return n
}

// exitError mimics *exec.ExitError.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitError) ExitCode() int { return int(e) }

var errExit1 error = exitError(1)

// stagedChanges makes `git diff --cached --quiet` report a change.
func stagedChanges() map[string][]mockResult {
	return map[string][]mockResult{
		"diff --cached --quiet": {{err: errExit1}},
		"rev-parse HEAD":        {{output: "abc123"}},
	}
}

func newAgent(t *testing.T, git GitRunner) (*Agent, string) {
	t.Helper()
	ws := t.TempDir()
	a, err := New(git, Options{Workspace: ws, Branch: "CYBER_DYNAMICS_SARAH_CONNOR_AI_FIX", AuthorName: "healer", AuthorEmail: "healer@example.com"})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a, ws
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		team, leader, want string
	}{
		{"Cyber Dynamics", "Sarah Connor", "CYBER_DYNAMICS_SARAH_CONNOR_AI_FIX"},
		{"  rift--raiders ", "o'brien", "RIFTRAIDERS_OBRIEN_AI_FIX"},
		{"Team\t42", "Ana   Lee", "TEAM_42_ANA_LEE_AI_FIX"},
		{"_a__b_", "c", "A_B_C_AI_FIX"},
	}
	for _, tt := range tests {
		got, err := BranchName(tt.team, tt.leader)
		if err != nil {
			t.Fatalf("BranchName(%q, %q): %v", tt.team, tt.leader, err)
		}
		if got != tt.want {
			t.Errorf("BranchName(%q, %q) = %q, want %q", tt.team, tt.leader, got, tt.want)
		}
	}
	if _, err := BranchName("!!!", "x"); err == nil {
		t.Error("expected error for unusable team name")
	}
}

func TestValidateBranch(t *testing.T) {
	for _, name := range []string{"main", "Master", "HEAD"} {
		if err := ValidateBranch(name); !errors.Is(err, healerr.ErrProtectedBranch) {
			t.Errorf("%s: expected ErrProtectedBranch, got %v", name, err)
		}
	}
	if err := ValidateBranch("-delete"); err == nil {
		t.Error("expected error for leading dash")
	}
	if err := ValidateBranch("X_Y_AI_FIX"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := New(&mockGit{}, Options{Workspace: "/tmp", Branch: "main"}); err == nil {
		t.Error("New must refuse a protected branch")
	}
}

func TestPrepare_CreatesBranchOnce(t *testing.T) {
	git := &mockGit{}
	a, _ := newAgent(t, git)
	if err := a.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := a.Prepare(context.Background()); err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if n := git.called("checkout -b CYBER_DYNAMICS_SARAH_CONNOR_AI_FIX"); n != 1 {
		t.Errorf("expected one branch creation, got %d", n)
	}
	if git.called("config user.name healer") != 1 || git.called("config user.email healer@example.com") != 1 {
		t.Errorf("expected identity configuration, calls: %v", git.calls)
	}
}

func TestPrepare_ExistingBranch(t *testing.T) {
	git := &mockGit{script: map[string][]mockResult{
		"checkout -b": {{output: "fatal: a branch named 'X' already exists", err: errExit1}},
	}}
	a, _ := newAgent(t, git)
	if err := a.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if git.called("checkout CYBER_DYNAMICS_SARAH_CONNOR_AI_FIX") != 1 {
		t.Errorf("expected plain checkout of the existing branch, calls: %v", git.calls)
	}
}

func TestPrepare_Failure(t *testing.T) {
	git := &mockGit{script: map[string][]mockResult{
		"checkout -b": {{output: "fatal: not a git repository", err: errExit1}},
	}}
	a, _ := newAgent(t, git)
	err := a.Prepare(context.Background())
	var gitErr *healerr.GitError
	if !errors.As(err, &gitErr) || gitErr.Op != "checkout" {
		t.Fatalf("expected GitError for checkout, got %v", err)
	}
	if !healerr.IsFatal(err) {
		t.Error("git errors must be fatal")
	}
}

func TestCommit(t *testing.T) {
	git := &mockGit{script: stagedChanges()}
	a, ws := newAgent(t, git)
	if err := os.WriteFile(filepath.Join(ws, "a.py"), []byte("def f()\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	sha, committed, err := a.Commit(context.Background(), "a.py", "def f():\n", "SYNTAX/missing_colon in a.py line 1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !committed || sha != "abc123" {
		t.Errorf("expected commit abc123, got %q committed=%v", sha, committed)
	}
	data, _ := os.ReadFile(filepath.Join(ws, "a.py"))
	if string(data) != "def f():\n" {
		t.Errorf("file not written: %q", data)
	}
	if info, _ := os.Stat(filepath.Join(ws, "a.py")); info.Mode().Perm() != 0o755 {
		t.Errorf("file mode not preserved: %v", info.Mode())
	}
	if git.called("add -- a.py") != 1 {
		t.Errorf("expected git add, calls: %v", git.calls)
	}
	if git.called("commit -m [AI-AGENT] Fix: SYNTAX/missing_colon in a.py line 1") != 1 {
		t.Errorf("expected prefixed commit message, calls: %v", git.calls)
	}
	if a.Commits() != 1 || !a.Unpushed() {
		t.Errorf("expected 1 unpushed commit, got %d unpushed=%v", a.Commits(), a.Unpushed())
	}
}

func TestCommit_NoStagedChange(t *testing.T) {
	git := &mockGit{}
	a, ws := newAgent(t, git)
	os.WriteFile(filepath.Join(ws, "a.py"), []byte("same\n"), 0o644)

	_, committed, err := a.Commit(context.Background(), "a.py", "same\n", "noop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if committed {
		t.Error("expected no commit for an empty change")
	}
	if git.called("commit") != 0 || a.Commits() != 0 {
		t.Error("commit must be skipped")
	}
}

func TestCommit_DiffFailureIsGitError(t *testing.T) {
	git := &mockGit{script: map[string][]mockResult{
		"diff --cached --quiet": {{output: "fatal: not a git repository\n", err: exitError(128)}},
	}}
	a, ws := newAgent(t, git)
	os.WriteFile(filepath.Join(ws, "a.py"), []byte("x\n"), 0o644)

	_, committed, err := a.Commit(context.Background(), "a.py", "y\n", "fix")
	var gitErr *healerr.GitError
	if !errors.As(err, &gitErr) || gitErr.Op != "diff" {
		t.Fatalf("expected diff GitError, got %v", err)
	}
	if !strings.Contains(gitErr.Output, "not a git repository") {
		t.Errorf("expected git output in error, got %q", gitErr.Output)
	}
	if committed || git.called("commit") != 0 || a.Commits() != 0 {
		t.Error("commit must not run after a failed diff")
	}
}

func TestCommit_RefusesEscapingPaths(t *testing.T) {
	a, _ := newAgent(t, &mockGit{script: stagedChanges()})
	for _, p := range []string{"../outside.py", "/etc/passwd", ".git/config", "."} {
		if _, _, err := a.Commit(context.Background(), p, "x", "m"); err == nil {
			t.Errorf("expected %q to be refused", p)
		}
	}
}

func TestPush(t *testing.T) {
	git := &mockGit{script: stagedChanges()}
	a, ws := newAgent(t, git)
	os.WriteFile(filepath.Join(ws, "a.py"), []byte("x\n"), 0o644)
	a.Commit(context.Background(), "a.py", "y\n", "fix")

	sha, err := a.Push(context.Background())
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if sha != "abc123" || a.PushedSHA() != "abc123" {
		t.Errorf("unexpected pushed sha %q", sha)
	}
	if git.called("push -u origin CYBER_DYNAMICS_SARAH_CONNOR_AI_FIX") != 1 {
		t.Errorf("expected one push, calls: %v", git.calls)
	}
	if a.Unpushed() || a.PushedCommits() != 1 {
		t.Error("expected everything pushed")
	}
}

func TestPush_RebaseRetry(t *testing.T) {
	script := stagedChanges()
	script["push"] = []mockResult{{output: "! [rejected] (fetch first)", err: errExit1}, {}}
	git := &mockGit{script: script}
	a, _ := newAgent(t, git)

	if _, err := a.Push(context.Background()); err != nil {
		t.Fatalf("push with retry: %v", err)
	}
	if git.called("fetch origin") != 1 || git.called("rebase origin/CYBER_DYNAMICS_SARAH_CONNOR_AI_FIX") != 1 {
		t.Errorf("expected fetch and rebase, calls: %v", git.calls)
	}
	if git.called("push") != 2 {
		t.Errorf("expected two push attempts, got %d", git.called("push"))
	}
}

func TestPush_RejectedTwiceIsFatal(t *testing.T) {
	script := stagedChanges()
	script["push"] = []mockResult{{output: "! [rejected]", err: errExit1}}
	git := &mockGit{script: script}
	a, _ := newAgent(t, git)

	_, err := a.Push(context.Background())
	var gitErr *healerr.GitError
	if !errors.As(err, &gitErr) || gitErr.Op != "push" {
		t.Fatalf("expected GitError for push, got %v", err)
	}
	if !strings.Contains(err.Error(), "rejected") {
		t.Errorf("expected git output in error, got %v", err)
	}
}

func TestPush_RebaseConflictAborts(t *testing.T) {
	script := stagedChanges()
	script["push"] = []mockResult{{output: "! [rejected]", err: errExit1}}
	script["rebase origin/"] = []mockResult{{output: "CONFLICT (content)", err: errExit1}}
	git := &mockGit{script: script}
	a, _ := newAgent(t, git)

	_, err := a.Push(context.Background())
	var gitErr *healerr.GitError
	if !errors.As(err, &gitErr) || gitErr.Op != "rebase" {
		t.Fatalf("expected GitError for rebase, got %v", err)
	}
	if git.called("rebase --abort") != 1 {
		t.Error("expected rebase to be aborted")
	}
}

func TestCommitMessage(t *testing.T) {
	fa := model.FixAttempt{
		Bug:       model.BugReport{FilePath: "src/app.py", LineNumber: 42, ErrorType: model.Linting, SubType: "unused_import"},
		SubType:   "trailing_comma",
		FixReason: "drop the comma",
	}
	got := CommitMessage(fa)
	want := "LINTING/trailing_comma in src/app.py line 42\n\ndrop the comma"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	a, _ := newAgent(t, &mockGit{})
	if p := a.Prefixed(got); !strings.HasPrefix(p, "[AI-AGENT] Fix: LINTING/") {
		t.Errorf("unexpected prefixed message %q", p)
	}
	if p := a.Prefixed("[AI-AGENT] Fix: already"); p != "[AI-AGENT] Fix: already" {
		t.Errorf("prefix must not be doubled: %q", p)
	}
}

func TestExecGit(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	g := &ExecGit{}
	out, err := g.Run(context.Background(), dir, "init", "-q")
	if err != nil {
		t.Fatalf("git init: %v (%s)", err, out)
	}
	if _, err := g.Run(context.Background(), dir, "rev-parse", "--verify", "HEAD"); err == nil {
		t.Error("expected error on empty repository HEAD")
	}
}
