// Package sandbox runs a workspace's build and test commands in a fresh,
// isolated container and returns the raw execution record. It never
// interprets the log, never writes to the workspace and never commits.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/cihealer/internal/logging"
)

// Defaults for sandbox resources.
const (
	DefaultTimeout = 300 * time.Second
	DefaultMemory  = "2g"
	DefaultCPUs    = "2"
	SandboxLabel   = "role=healer-sandbox"
	cleanupTimeout = 30 * time.Second
)

// Driver selects how commands are isolated.
type Driver string

const (
	// DriverDocker runs each execution in a new container.
	DriverDocker Driver = "docker"
	// DriverLocal runs directly on the host. Intended for tests and for
	// hosts that are already disposable CI runners.
	DriverLocal Driver = "local"
)

// DefaultImages maps project types to sandbox images.
var DefaultImages = map[ProjectType]string{
	Node:      "node:20-bookworm",
	Python:    "python:3.11-slim",
	Java:      "maven:3.9-eclipse-temurin-21",
	Go:        "golang:1.25-bookworm",
	Rust:      "rust:1-bookworm",
	Container: "docker:27-cli",
	Unknown:   "ubuntu:24.04",
}

// ExecRequest describes one execution.
type ExecRequest struct {
	Workspace   string
	ProjectType ProjectType   // empty: detect from signal files
	Command     string        // empty: the repository's CI config, else the command table
	Timeout     time.Duration // zero: DefaultTimeout
	Name        string        // container name suffix; empty: random
}

// ExecResult is the raw execution record.
type ExecResult struct {
	ExitCode    int               `json:"exit_code"`
	BuildLog    string            `json:"build_log"`
	LogExcerpt  string            `json:"log_excerpt"`
	Duration    time.Duration     `json:"duration"`
	TimedOut    bool              `json:"timed_out"`
	ProjectType ProjectType       `json:"project_type"`
	Command     string            `json:"command"`
	Environment map[string]string `json:"environment_metadata"`
}

// Passed reports a clean exit.
func (r *ExecResult) Passed() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Options configures an Executor.
type Options struct {
	Driver Driver
	Docker string // docker binary
	Images map[ProjectType]string
	Memory string
	CPUs   string
	Logger *logging.Logger
}

// Executor creates one sandbox per Execute call.
type Executor struct {
	cmd    CommandRunner
	driver Driver
	docker string
	images map[ProjectType]string
	memory string
	cpus   string
	log    *logging.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cmd CommandRunner, opts Options) *Executor {
	e := &Executor{
		cmd:    cmd,
		driver: opts.Driver,
		docker: opts.Docker,
		images: make(map[ProjectType]string, len(DefaultImages)),
		memory: opts.Memory,
		cpus:   opts.CPUs,
		log:    logging.Or(opts.Logger).WithComponent("sandbox"),
	}
	if e.driver == "" {
		e.driver = DriverDocker
	}
	if e.docker == "" {
		e.docker = "docker"
	}
	if e.memory == "" {
		e.memory = DefaultMemory
	}
	if e.cpus == "" {
		e.cpus = DefaultCPUs
	}
	for pt, img := range DefaultImages {
		e.images[pt] = img
	}
	for pt, img := range opts.Images {
		if img != "" {
			e.images[pt] = img
		}
	}
	return e
}

// Image returns the sandbox image for pt.
func (e *Executor) Image(pt ProjectType) string {
	if img, ok := e.images[pt]; ok {
		return img
	}
	return e.images[Unknown]
}

// Execute runs the build/test script once. A non-zero exit or a timeout is
// reported in the result, not as an error; the error return is reserved for
// requests that cannot run at all.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	info, err := os.Stat(req.Workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", req.Workspace, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", req.Workspace)
	}

	pt := req.ProjectType
	if pt == "" {
		pt = Detect(req.Workspace)
	}
	command, source := req.Command, "request"
	if command == "" {
		if plan := CommandsFromCI(req.Workspace); plan != nil {
			command, source = plan.Shell(), plan.Source
		} else {
			command, source = CommandsFor(pt, req.Workspace).Shell(), "defaults"
		}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	name := req.Name
	if name == "" {
		name = uuid.NewString()[:8]
	}
	name = "healer-" + name

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := &ExecResult{ProjectType: pt, Command: command}
	var meta map[string]string

	// Metadata is read alongside the build. It never touches the log.
	var g errgroup.Group
	g.Go(func() error {
		meta = collectMetadata(req.Workspace, pt)
		return nil
	})

	start := time.Now()
	var output string
	var exitCode int
	var runErr error
	if e.driver == DriverLocal {
		output, exitCode, runErr = e.cmd.Run(runCtx, req.Workspace, "sh", "-c", command)
	} else {
		defer e.remove(ctx, name)
		output, exitCode, runErr = e.cmd.Run(runCtx, req.Workspace, e.docker, e.dockerArgs(name, req.Workspace, pt, command)...)
	}
	res.Duration = time.Since(start)
	_ = g.Wait()

	res.BuildLog = output
	res.ExitCode = exitCode
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		res.BuildLog += fmt.Sprintf("\n>>> TIMEOUT after %s\n", timeout)
	} else if runErr != nil {
		res.ExitCode = -1
		res.BuildLog += fmt.Sprintf("\n>>> SANDBOX ERROR: %v\n", runErr)
	}
	res.LogExcerpt = Excerpt(res.BuildLog, ExcerptHead, ExcerptTail)

	if meta == nil {
		meta = map[string]string{}
	}
	meta["driver"] = string(e.driver)
	meta["commands"] = source
	if e.driver == DriverDocker {
		meta["image"] = e.Image(pt)
		meta["container"] = name
	}
	res.Environment = meta

	e.log.Info("sandbox execution finished",
		"project_type", pt, "exit_code", res.ExitCode, "timed_out", res.TimedOut,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

func (e *Executor) dockerArgs(name, workspace string, pt ProjectType, command string) []string {
	args := []string{
		"run",
		"--name", name,
		"--label", SandboxLabel,
		"--memory", e.memory,
		"--cpus", e.cpus,
		"-e", "CI=true",
		"-v", workspace + ":/workspace",
		"-w", "/workspace",
	}
	if pt == Container {
		args = append(args, "-v", "/var/run/docker.sock:/var/run/docker.sock")
	}
	return append(args, e.Image(pt), "sh", "-c", command)
}

// remove force-deletes the container. It runs on every exit path, on a
// context that survives the caller's cancellation.
func (e *Executor) remove(parent context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cleanupTimeout)
	defer cancel()
	if out, _, err := e.cmd.Run(ctx, "", e.docker, "rm", "-f", name); err != nil {
		e.log.Warn("sandbox cleanup failed", "container", name, "error", err, "output", out)
	}
}
