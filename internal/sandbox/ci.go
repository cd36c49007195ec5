package sandbox

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Stage is one command replayed from the repository's own CI config.
type Stage struct {
	Label   string `json:"label"`
	Dir     string `json:"dir,omitempty"`
	Command string `json:"command"`
}

// CIPlan is the ordered replay of one CI config file.
type CIPlan struct {
	Source string  `json:"source"`
	Stages []Stage `json:"stages"`
}

// skipJobWords mark jobs that ship rather than verify.
var skipJobWords = []string{"deploy", "publish", "release", "notify"}

// gitlabReserved are top-level .gitlab-ci.yml keys that are not jobs.
var gitlabReserved = map[string]bool{
	"stages": true, "variables": true, "default": true, "include": true,
	"image": true, "services": true, "before_script": true, "after_script": true,
	"cache": true, "workflow": true,
}

// makeTargets are replayed in this order when the Makefile defines them.
var makeTargets = []string{"install", "deps", "build", "lint", "test", "check"}

var makeTargetRe = regexp.MustCompile(`^([A-Za-z_][\w-]*)\s*:([^=]|$)`)

// CommandsFromCI reads the repository's CI config and returns the stages it
// runs. Sources are tried in order: .github/workflows/*.yml, .gitlab-ci.yml,
// Makefile. The first one that yields a stage wins; nil means none did.
func CommandsFromCI(workspace string) *CIPlan {
	wf := filepath.Join(workspace, ".github", "workflows")
	if entries, err := os.ReadDir(wf); err == nil {
		var names []string
		for _, e := range entries {
			if ext := filepath.Ext(e.Name()); !e.IsDir() && (ext == ".yml" || ext == ".yaml") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			data, err := os.ReadFile(filepath.Join(wf, n))
			if err != nil {
				continue
			}
			if stages := githubStages(data); len(stages) > 0 {
				return &CIPlan{Source: ".github/workflows/" + n, Stages: stages}
			}
		}
	}
	if data, err := os.ReadFile(filepath.Join(workspace, ".gitlab-ci.yml")); err == nil {
		if stages := gitlabStages(data); len(stages) > 0 {
			return &CIPlan{Source: ".gitlab-ci.yml", Stages: stages}
		}
	}
	for _, name := range []string{"Makefile", "makefile"} {
		if data, err := os.ReadFile(filepath.Join(workspace, name)); err == nil {
			if stages := makeStages(data); len(stages) > 0 {
				return &CIPlan{Source: name, Stages: stages}
			}
		}
	}
	return nil
}

type runDefaults struct {
	Run struct {
		WorkingDirectory string `yaml:"working-directory"`
	} `yaml:"run"`
}

type ghStep struct {
	Name             string `yaml:"name"`
	Run              string `yaml:"run"`
	WorkingDirectory string `yaml:"working-directory"`
}

type ghJob struct {
	Name     string      `yaml:"name"`
	Defaults runDefaults `yaml:"defaults"`
	Steps    []ghStep    `yaml:"steps"`
}

func githubStages(data []byte) []Stage {
	var doc struct {
		Defaults runDefaults `yaml:"defaults"`
		Jobs     yaml.Node   `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil || doc.Jobs.Kind != yaml.MappingNode {
		return nil
	}
	var out []Stage
	// Mapping content alternates key and value nodes, in file order.
	for i := 0; i+1 < len(doc.Jobs.Content); i += 2 {
		id := doc.Jobs.Content[i].Value
		var job ghJob
		if err := doc.Jobs.Content[i+1].Decode(&job); err != nil {
			continue
		}
		if shipsOnly(id) || shipsOnly(job.Name) {
			continue
		}
		for n, step := range job.Steps {
			cmd := strings.TrimSpace(step.Run)
			// Action-only steps and expression templates cannot run in sh.
			if cmd == "" || strings.Contains(cmd, "${{") {
				continue
			}
			label := step.Name
			if label == "" {
				label = fmt.Sprintf("step-%d", n+1)
			}
			out = append(out, Stage{
				Label:   id + "/" + label,
				Dir:     firstNonEmpty(step.WorkingDirectory, job.Defaults.Run.WorkingDirectory, doc.Defaults.Run.WorkingDirectory),
				Command: cmd,
			})
		}
	}
	return out
}

// scriptLines accepts a script given as one string or a list of strings.
type scriptLines []string

func (s *scriptLines) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*s = scriptLines{n.Value}
		return nil
	case yaml.SequenceNode:
		var lines []string
		if err := n.Decode(&lines); err != nil {
			return err
		}
		*s = lines
		return nil
	}
	return fmt.Errorf("line %d: script must be a string or a list", n.Line)
}

type glJob struct {
	Stage        string      `yaml:"stage"`
	BeforeScript scriptLines `yaml:"before_script"`
	Script       scriptLines `yaml:"script"`
}

func gitlabStages(data []byte) []Stage {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil || len(root.Content) == 0 {
		return nil
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil
	}
	var global scriptLines
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value == "before_script" {
			_ = top.Content[i+1].Decode(&global)
		}
	}

	var out []Stage
	for i := 0; i+1 < len(top.Content); i += 2 {
		name := top.Content[i].Value
		if strings.HasPrefix(name, ".") || gitlabReserved[name] || top.Content[i+1].Kind != yaml.MappingNode {
			continue
		}
		var job glJob
		if err := top.Content[i+1].Decode(&job); err != nil || len(job.Script) == 0 {
			continue
		}
		if shipsOnly(name) || shipsOnly(job.Stage) {
			continue
		}
		before := job.BeforeScript
		if before == nil {
			before = global
		}
		lines := append(append([]string{}, before...), job.Script...)
		out = append(out, Stage{Label: name, Command: strings.Join(lines, "\n")})
	}
	return out
}

func makeStages(data []byte) []Stage {
	defined := map[string]bool{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if m := makeTargetRe.FindStringSubmatch(sc.Text()); m != nil {
			defined[m[1]] = true
		}
	}
	var out []Stage
	for _, t := range makeTargets {
		if defined[t] {
			out = append(out, Stage{Label: "make " + t, Command: "make " + t})
		}
	}
	// Install and lint alone are not a build.
	for _, s := range out {
		switch s.Label {
		case "make build", "make test", "make check":
			return out
		}
	}
	return nil
}

func shipsOnly(name string) bool {
	name = strings.ToLower(name)
	for _, w := range skipJobWords {
		if strings.Contains(name, w) {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Shell renders the plan as one sh script. Every stage runs in its own
// errexit shell under a >>> STAGE header; the script exits with the status
// of the last failing stage, or 0.
func (p *CIPlan) Shell() string {
	var b strings.Builder
	b.WriteString("status=0\n")
	for _, s := range p.Stages {
		body := s.Command
		if s.Dir != "" {
			body = "cd " + shellQuote(s.Dir) + "\n" + body
		}
		fmt.Fprintf(&b, "echo %s\n", shellQuote(">>> STAGE: "+s.Label))
		fmt.Fprintf(&b, "sh -ec %s || status=$?\n", shellQuote(body))
	}
	b.WriteString("exit $status\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
