package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
)

var goDirectiveRe = regexp.MustCompile(`(?m)^go\s+(\d+\.\d+(?:\.\d+)?)\s*$`)

type cargoManifest struct {
	Package struct {
		Name        string `toml:"name"`
		Edition     string `toml:"edition"`
		RustVersion string `toml:"rust-version"`
	} `toml:"package"`
}

type pyProject struct {
	Project struct {
		Name           string `toml:"name"`
		RequiresPython string `toml:"requires-python"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Name string `toml:"name"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

type packageJSON struct {
	Name    string            `json:"name"`
	Engines map[string]string `json:"engines"`
	Scripts map[string]string `json:"scripts"`
}

// collectMetadata reads toolchain hints from the workspace's manifests.
// It only reads files; failures leave the corresponding keys unset.
func collectMetadata(dir string, pt ProjectType) map[string]string {
	meta := map[string]string{"project_type": string(pt)}

	switch pt {
	case Go:
		if data, err := os.ReadFile(filepath.Join(dir, "go.mod")); err == nil {
			if m := goDirectiveRe.FindSubmatch(data); m != nil {
				meta["go_version"] = string(m[1])
			}
		}
	case Rust:
		var cargo cargoManifest
		if readTOML(filepath.Join(dir, "Cargo.toml"), &cargo) {
			setIf(meta, "package", cargo.Package.Name)
			setIf(meta, "rust_edition", cargo.Package.Edition)
			setIf(meta, "rust_version", cargo.Package.RustVersion)
		}
	case Python:
		var py pyProject
		if readTOML(filepath.Join(dir, "pyproject.toml"), &py) {
			setIf(meta, "package", py.Project.Name)
			setIf(meta, "package", py.Tool.Poetry.Name)
			setIf(meta, "requires_python", py.Project.RequiresPython)
		}
		if fileExists(filepath.Join(dir, "requirements.txt")) {
			meta["dependency_file"] = "requirements.txt"
		}
	case Node:
		if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
			var pkg packageJSON
			if json.Unmarshal(jsonc.ToJSON(data), &pkg) == nil {
				setIf(meta, "package", pkg.Name)
				setIf(meta, "node_engine", pkg.Engines["node"])
				if _, ok := pkg.Scripts["test"]; ok {
					meta["has_test_script"] = "true"
				}
			}
		}
		if fileExists(filepath.Join(dir, "tsconfig.json")) {
			meta["typescript"] = "true"
		}
	case Java:
		if fileExists(filepath.Join(dir, "pom.xml")) {
			meta["build_tool"] = "maven"
		} else {
			meta["build_tool"] = "gradle"
		}
	}
	return meta
}

func readTOML(path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return toml.Unmarshal(data, v) == nil
}

// setIf sets key only when value is non-empty and the key is still unset.
func setIf(meta map[string]string, key, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	if _, ok := meta[key]; ok {
		return
	}
	meta[key] = value
}
