package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProjectType identifies the toolchain a workspace needs.
type ProjectType string

const (
	Node      ProjectType = "node"
	Python    ProjectType = "python"
	Java      ProjectType = "java"
	Go        ProjectType = "go"
	Rust      ProjectType = "rust"
	Container ProjectType = "container"
	Unknown   ProjectType = "unknown"
)

// ProjectTypes lists every variant, Unknown last.
var ProjectTypes = []ProjectType{Node, Python, Java, Go, Rust, Container, Unknown}

type signal struct {
	file string
	pt   ProjectType
}

// signals are checked in order; the first file present wins.
var signals = []signal{
	{"package.json", Node},
	{"requirements.txt", Python},
	{"pyproject.toml", Python},
	{"setup.py", Python},
	{"pom.xml", Java},
	{"build.gradle", Java},
	{"build.gradle.kts", Java},
	{"go.mod", Go},
	{"Cargo.toml", Rust},
	{"Dockerfile", Container},
}

// Detect infers the project type from signal files at the workspace root.
func Detect(dir string) ProjectType {
	for _, s := range signals {
		if fileExists(filepath.Join(dir, s.file)) {
			return s.pt
		}
	}
	return Unknown
}

// ParseProjectType validates an explicit override.
func ParseProjectType(s string) (ProjectType, error) {
	pt := ProjectType(strings.ToLower(strings.TrimSpace(s)))
	if pt == "docker" {
		return Container, nil
	}
	for _, known := range ProjectTypes {
		if pt == known {
			return pt, nil
		}
	}
	return "", fmt.Errorf("unknown project type %q", s)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
