package logparse

import "strings"

// ContainerWorkdir is where the sandbox mounts the workspace.
const ContainerWorkdir = "/workspace"

// normalizePath turns a path from a log into a repo-relative, forward-slash
// path. ok is false for absolute paths outside both the container mount and
// the host workspace (interpreter internals, system libraries).
func normalizePath(raw, workspace string) (string, bool) {
	path := strings.Trim(strings.TrimSpace(raw), `'"`)
	path = strings.ReplaceAll(path, `\`, "/")
	path = strings.TrimPrefix(path, "file://")

	abs := strings.HasPrefix(path, "/")
	if ws := strings.TrimRight(strings.ReplaceAll(workspace, `\`, "/"), "/"); ws != "" && strings.HasPrefix(path, ws+"/") {
		path = path[len(ws)+1:]
		abs = false
	}
	if strings.HasPrefix(path, ContainerWorkdir+"/") {
		path = path[len(ContainerWorkdir)+1:]
		abs = false
	}
	if abs {
		return "", false
	}
	for strings.HasPrefix(path, "./") {
		path = path[2:]
	}
	return path, path != ""
}
