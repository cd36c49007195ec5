// Package gitagent owns every write to version control during a run: one
// branch created once, one commit per accepted fix, pushes with a single
// fetch-and-rebase retry.
package gitagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/cihealer/internal/healerr"
	"github.com/lucasnoah/cihealer/internal/logging"
	"github.com/lucasnoah/cihealer/internal/model"
)

const (
	DefaultCommitPrefix = "[AI-AGENT] Fix:"
	DefaultRemote       = "origin"
	DefaultOpTimeout    = 60 * time.Second
	// CommitWarnThreshold is where commits start costing score.
	CommitWarnThreshold = 20
)

// Options configure an Agent.
type Options struct {
	Workspace    string
	Branch       string
	Remote       string
	CommitPrefix string
	AuthorName   string
	AuthorEmail  string
	OpTimeout    time.Duration
	Logger       *logging.Logger
}

// Agent applies patches and pushes them. It is safe for concurrent use,
// though the orchestrator drives it from one goroutine.
type Agent struct {
	git  GitRunner
	opts Options
	log  *logging.Logger

	mu            sync.Mutex
	prepared      bool
	commits       int
	pushedCommits int
	headSHA       string
	pushedSHA     string
}

// New validates the branch and returns an Agent for opts.Workspace.
func New(git GitRunner, opts Options) (*Agent, error) {
	if err := ValidateBranch(opts.Branch); err != nil {
		return nil, err
	}
	if opts.Workspace == "" {
		return nil, fmt.Errorf("git agent: workspace is required")
	}
	if opts.Remote == "" {
		opts.Remote = DefaultRemote
	}
	if opts.CommitPrefix == "" {
		opts.CommitPrefix = DefaultCommitPrefix
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	return &Agent{
		git:  git,
		opts: opts,
		log:  logging.Or(opts.Logger).WithComponent("gitagent").With("branch", opts.Branch),
	}, nil
}

// Branch is the healing branch.
func (a *Agent) Branch() string { return a.opts.Branch }

func (a *Agent) run(ctx context.Context, op string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.OpTimeout)
	defer cancel()
	out, err := a.git.Run(ctx, a.opts.Workspace, args...)
	if err != nil {
		return out, &healerr.GitError{Op: op, Output: out, Err: err}
	}
	return out, nil
}

// Prepare switches the workspace to the healing branch, creating it once.
func (a *Agent) Prepare(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prepareLocked(ctx)
}

func (a *Agent) prepareLocked(ctx context.Context) error {
	if a.prepared {
		return nil
	}
	branch := a.opts.Branch
	if _, err := a.run(ctx, "checkout", "checkout", "-b", branch); err != nil {
		var gitErr *healerr.GitError
		if !errors.As(err, &gitErr) || !strings.Contains(gitErr.Output, "already exists") {
			return err
		}
		if _, err := a.run(ctx, "checkout", "checkout", branch); err != nil {
			return err
		}
	}
	if a.opts.AuthorName != "" {
		if _, err := a.run(ctx, "config", "config", "user.name", a.opts.AuthorName); err != nil {
			return err
		}
	}
	if a.opts.AuthorEmail != "" {
		if _, err := a.run(ctx, "config", "config", "user.email", a.opts.AuthorEmail); err != nil {
			return err
		}
	}
	if sha, err := a.run(ctx, "rev-parse", "rev-parse", "HEAD"); err == nil {
		a.headSHA = sha
	}
	a.prepared = true
	a.log.Info("healing branch ready")
	return nil
}

// resolve maps a repo-relative path into the workspace, refusing escapes.
func (a *Agent) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git"+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is inside .git", path)
	}
	return filepath.Join(a.opts.Workspace, clean), nil
}

// Commit writes content to path, stages it and commits with the prefixed
// message. It returns the new HEAD, or "" with committed=false when the
// content produced no staged change.
func (a *Agent) Commit(ctx context.Context, path, content, message string) (sha string, committed bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.prepareLocked(ctx); err != nil {
		return "", false, err
	}
	abs, err := a.resolve(path)
	if err != nil {
		return "", false, err
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(abs); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(abs, []byte(content), mode); err != nil {
		return "", false, fmt.Errorf("write %s: %w", path, err)
	}
	rel := filepath.ToSlash(filepath.Clean(filepath.FromSlash(path)))
	if _, err := a.run(ctx, "add", "add", "--", rel); err != nil {
		return "", false, err
	}
	// Exit 0 means nothing is staged, exit 1 means a change is staged.
	out, err := a.git.Run(ctx, a.opts.Workspace, "diff", "--cached", "--quiet")
	if err == nil {
		a.log.Warn("patch produced no staged change, skipping commit", "file", rel)
		return "", false, nil
	}
	if exitCode(err) != 1 {
		return "", false, &healerr.GitError{Op: "diff", Output: strings.TrimSpace(out), Err: err}
	}

	if _, err := a.run(ctx, "commit", "commit", "-m", a.Prefixed(message)); err != nil {
		return "", false, err
	}
	sha, err = a.run(ctx, "rev-parse", "rev-parse", "HEAD")
	if err != nil {
		return "", false, err
	}
	a.commits++
	a.headSHA = sha
	if a.commits > CommitWarnThreshold {
		a.log.Warn("commit count above penalty threshold", "commits", a.commits, "threshold", CommitWarnThreshold)
	}
	a.log.Info("committed fix", "file", rel, "sha", sha)
	return sha, true, nil
}

// Prefixed ensures message starts with the commit prefix.
func (a *Agent) Prefixed(message string) string {
	message = strings.TrimSpace(message)
	if strings.HasPrefix(message, a.opts.CommitPrefix) {
		return message
	}
	return a.opts.CommitPrefix + " " + message
}

// Push publishes the branch. A rejected push is retried once after
// fetching and rebasing onto the remote branch; a second failure is fatal.
func (a *Agent) Push(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	branch := a.opts.Branch
	if err := ValidateBranch(branch); err != nil {
		return "", err
	}
	if err := a.prepareLocked(ctx); err != nil {
		return "", err
	}

	_, pushErr := a.run(ctx, "push", "push", "-u", a.opts.Remote, branch)
	if pushErr != nil {
		a.log.Warn("push rejected, rebasing onto remote", "error", pushErr.Error())
		if _, err := a.run(ctx, "fetch", "fetch", a.opts.Remote, branch); err != nil {
			return "", pushErr
		}
		if _, err := a.run(ctx, "rebase", "rebase", a.opts.Remote+"/"+branch); err != nil {
			_, _ = a.git.Run(ctx, a.opts.Workspace, "rebase", "--abort")
			return "", err
		}
		if _, err := a.run(ctx, "push", "push", "-u", a.opts.Remote, branch); err != nil {
			return "", err
		}
		if sha, err := a.run(ctx, "rev-parse", "rev-parse", "HEAD"); err == nil {
			a.headSHA = sha
		}
	}
	a.pushedCommits = a.commits
	a.pushedSHA = a.headSHA
	a.log.Info("pushed", "sha", a.pushedSHA, "commits", a.commits)
	return a.pushedSHA, nil
}

// Commits is the number of commits made by this agent.
func (a *Agent) Commits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commits
}

// PushedCommits is the number of commits known to be on the remote.
func (a *Agent) PushedCommits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pushedCommits
}

// Unpushed reports whether any commit has not been pushed yet.
func (a *Agent) Unpushed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commits > a.pushedCommits
}

// HeadSHA is the last known local HEAD.
func (a *Agent) HeadSHA() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.headSHA
}

// PushedSHA is the HEAD of the last successful push.
func (a *Agent) PushedSHA() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pushedSHA
}

// CommitMessage builds the subject for one fix; the agent adds the prefix.
// Provider text, already sanitised, only ever lands in the body.
func CommitMessage(fa model.FixAttempt) string {
	bug := fa.Bug
	subType := fa.SubType
	if subType == "" {
		subType = bug.SubType
	}
	subject := string(bug.ErrorType)
	if subType != "" {
		subject += "/" + subType
	}
	subject += " in " + bug.FilePath + " line " + strconv.Itoa(bug.LineNumber)
	if fa.FixReason != "" {
		return subject + "\n\n" + fa.FixReason
	}
	return subject
}

// exitCode returns the process exit status carried by err, or -1.
func exitCode(err error) int {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}
