package sandbox

import (
	"path/filepath"
	"strings"
)

// Commands is the install/build/test triple for one project type.
// Empty phases are skipped.
type Commands struct {
	Install string `json:"install,omitempty"`
	Build   string `json:"build,omitempty"`
	Test    string `json:"test"`
}

var commandTable = map[ProjectType]Commands{
	Node:      {Install: "npm install", Build: "npm run build --if-present", Test: "npm test"},
	Python:    {Install: "pip install -r requirements.txt", Test: "pytest"},
	Java:      {Install: "mvn dependency:resolve", Build: "mvn compile", Test: "mvn test"},
	Go:        {Install: "go mod download", Build: "go build ./...", Test: "go test ./..."},
	Rust:      {Install: "cargo fetch", Build: "cargo build", Test: "cargo test"},
	Container: {Build: "docker build -t sandbox-build .", Test: "docker compose up --build --abort-on-container-exit"},
	Unknown:   {Test: "echo 'no recognised project type'"},
}

// CommandsFor returns the standard commands for pt, adjusted for what the
// workspace actually contains.
func CommandsFor(pt ProjectType, dir string) Commands {
	c, ok := commandTable[pt]
	if !ok {
		c = commandTable[Unknown]
	}
	switch pt {
	case Python:
		if !fileExists(filepath.Join(dir, "requirements.txt")) {
			c.Install = "pip install -e ."
		}
	case Java:
		if !fileExists(filepath.Join(dir, "pom.xml")) {
			c = Commands{Install: "gradle dependencies", Build: "gradle build -x test", Test: "gradle test"}
		}
	case Container:
		if !fileExists(filepath.Join(dir, "docker-compose.yml")) && !fileExists(filepath.Join(dir, "compose.yaml")) {
			c.Test = "docker run --rm sandbox-build"
		}
	}
	return c
}

// Shell renders the commands as one sh -c script. Install and build stop
// the script on failure; the test phase runs with errexit off so its exit
// code is the script's.
func (c Commands) Shell() string {
	parts := []string{"set -e"}
	if c.Install != "" {
		parts = append(parts, "echo '>>> INSTALL'", c.Install)
	}
	if c.Build != "" {
		parts = append(parts, "echo '>>> BUILD'", c.Build)
	}
	parts = append(parts, "set +e", "echo '>>> TEST'", c.Test)
	return strings.Join(parts, " && ")
}
