package logparse

import (
	"regexp"
	"strconv"
	"strings"
)

// rawMatch is a candidate failure before classification.
type rawMatch struct {
	pos      int // index of the log line that reported the failure
	path     string
	line     int
	name     string
	message  string
	testName string
	conf     float64
}

// extractor scans the whole log. Extractors are pure and keep no state
// between calls.
type extractor interface {
	extract(lines []string, loc locator) []rawMatch
}

// locator normalizes and filters a path reported in the log.
type locator func(raw string) (string, bool)

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// --- Python ---

var (
	pyFrameRe = regexp.MustCompile(`File\s+"([^"]+)",\s+line\s+(\d+)`)
	// Exception label, optionally behind pytest's "E   " marker.
	pyLabelRe = regexp.MustCompile(`^(?:E\s+)?([A-Za-z_][\w.]*(?:Error|Exception)|TabError)\s*:\s*(.+)$`)
	// pytest long-form location: tests/test_x.py:10: AssertionError
	pytestLocRe = regexp.MustCompile(`^(\S+\.py):(\d+):\s+([A-Za-z_]\w*(?:Error|Exception))$`)
	// pytest frame: tests/test_b.py:1: in <module>
	pytestFrameRe = regexp.MustCompile(`^(\S+\.py):(\d+):\s+in\s+\S+`)
	pytestDetail  = regexp.MustCompile(`^E\s+(.+)$`)
)

type pythonExtractor struct{}

func (pythonExtractor) extract(lines []string, loc locator) []rawMatch {
	var out []rawMatch
	var framePath string
	var frameLine int
	var frames []rawMatch
	var detail string // first "E   ..." line of the current pytest failure

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Traceback (most recent call last)") {
			framePath, frameLine, detail = "", 0, ""
			continue
		}
		if m := pyFrameRe.FindStringSubmatch(trimmed); m != nil {
			if path, ok := loc(m[1]); ok {
				framePath, frameLine = path, atoi(m[2])
				frames = append(frames, rawMatch{pos: i, path: path, line: frameLine, name: "error", message: "error detected at this location", conf: ConfLow})
			}
			continue
		}
		if m := pytestFrameRe.FindStringSubmatch(trimmed); m != nil {
			if path, ok := loc(m[1]); ok {
				framePath, frameLine = path, atoi(m[2])
			}
			continue
		}
		if m := pytestLocRe.FindStringSubmatch(trimmed); m != nil {
			if path, ok := loc(m[1]); ok {
				msg := detail
				if msg == "" {
					msg = m[3]
				}
				out = append(out, rawMatch{pos: i, path: path, line: atoi(m[2]), name: m[3], message: msg, conf: ConfHigh})
			}
			framePath, frameLine, detail = "", 0, ""
			continue
		}
		m := pyLabelRe.FindStringSubmatch(trimmed)
		if m == nil {
			if d := pytestDetail.FindStringSubmatch(trimmed); d != nil && detail == "" {
				detail = strings.TrimSpace(d[1])
			}
		}
		if m == nil || framePath == "" {
			continue
		}
		name := m[1]
		if dot := strings.LastIndex(name, "."); dot >= 0 {
			name = name[dot+1:]
		}
		out = append(out, rawMatch{pos: i, path: framePath, line: frameLine, name: name, message: strings.TrimSpace(m[2]), conf: ConfHigh})
		framePath, frameLine, detail = "", 0, ""
	}
	if len(out) == 0 {
		return frames
	}
	return out
}

// --- pytest short summary (test names only) ---

var pytestFailedRe = regexp.MustCompile(`^(?:FAILED|ERROR)\s+(\S+?)::(\S+)`)

// pytestTestNames maps file -> first failing test name in log order.
func pytestTestNames(lines []string, loc locator) map[string]string {
	names := make(map[string]string)
	for _, line := range lines {
		m := pytestFailedRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		path, ok := loc(m[1])
		if !ok {
			continue
		}
		if _, seen := names[path]; !seen {
			names[path] = m[2]
		}
	}
	return names
}

// --- Node / Jest ---

var (
	nodeFrameRe = regexp.MustCompile(`^at\s+(?:.+?\s+\()?([^\s()]+):(\d+):\d+\)?$`)
	nodeLabelRe = regexp.MustCompile(`^(?:Uncaught\s+)?([A-Z]\w*Error)(?:\s*\[\w+\])?:\s*(.+)$`)
	nodeLocRe   = regexp.MustCompile(`^(\S+\.(?:js|mjs|cjs|jsx|ts|tsx)):(\d+)$`)
	jestTitleRe = regexp.MustCompile(`^●\s+(.+)$`)
)

type nodeExtractor struct{}

func (nodeExtractor) extract(lines []string, loc locator) []rawMatch {
	var out []rawMatch
	var cur *rawMatch
	var pendingPath string
	var pendingLine int

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if m := nodeLocRe.FindStringSubmatch(trimmed); m != nil {
			if path, ok := loc(m[1]); ok {
				pendingPath, pendingLine = path, atoi(m[2])
			}
			continue
		}
		if m := jestTitleRe.FindStringSubmatch(trimmed); m != nil {
			title := strings.TrimSpace(m[1])
			cur = &rawMatch{pos: i, name: "AssertionError", message: title, testName: title, conf: ConfMedium}
			continue
		}
		if m := nodeLabelRe.FindStringSubmatch(trimmed); m != nil {
			testName := ""
			if cur != nil && cur.path == "" {
				testName = cur.testName
			}
			if pendingPath != "" {
				out = append(out, rawMatch{pos: i, path: pendingPath, line: pendingLine, name: m[1], message: strings.TrimSpace(m[2]), testName: testName, conf: ConfHigh})
				pendingPath, cur = "", nil
				continue
			}
			cur = &rawMatch{pos: i, name: m[1], message: strings.TrimSpace(m[2]), testName: testName, conf: ConfMedium}
			continue
		}
		m := nodeFrameRe.FindStringSubmatch(trimmed)
		if m == nil || cur == nil || nodeCoreFrame(m[1]) {
			continue
		}
		path, ok := loc(m[1])
		if !ok {
			continue
		}
		cur.path, cur.line = path, atoi(m[2])
		out = append(out, *cur)
		cur = nil
	}
	return out
}

// nodeCoreFrame reports frames inside Node's own modules. Older runtimes
// print them as bare relative paths (internal/modules/cjs/loader.js).
func nodeCoreFrame(raw string) bool {
	return strings.HasPrefix(raw, "internal/")
}

// --- TypeScript compiler ---

// src/auth.ts(42,5): error TS2345: Argument of type...
var tscLineRe = regexp.MustCompile(`^(.+)\((\d+),(\d+)\):\s+error\s+(TS\d+):\s+(.+)$`)

// tsc --pretty style: src/auth.ts:42:5 - error TS2345: ...
var tscPrettyRe = regexp.MustCompile(`^(\S+\.tsx?):(\d+):(\d+)\s+-\s+error\s+(TS\d+):\s+(.+)$`)

type tscExtractor struct{}

func (tscExtractor) extract(lines []string, loc locator) []rawMatch {
	var out []rawMatch
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		m := tscLineRe.FindStringSubmatch(trimmed)
		if m == nil {
			m = tscPrettyRe.FindStringSubmatch(trimmed)
		}
		if m == nil {
			continue
		}
		path, ok := loc(m[1])
		if !ok {
			continue
		}
		out = append(out, rawMatch{pos: i, path: path, line: atoi(m[2]), name: "", message: m[4] + ": " + m[5], conf: ConfHigh})
	}
	return out
}

// --- Generic compilers and linters ---

var (
	// gcc, mypy, eslint-unix: path:line[:col]: error: message
	genericRe = regexp.MustCompile(`^(.+?):(\d+)(?::\d+)?:\s*(error|warning)(?:\[[\w-]+\])?:\s*(.+)$`)
	// flake8 / ruff / pylint: path:line:col: E302 message
	flake8Re = regexp.MustCompile(`^(\S+\.py):(\d+):(?:\d+:)?\s+([EWFCN]\d{3,4})\s+(.+)$`)
)

type genericExtractor struct{}

func (genericExtractor) extract(lines []string, loc locator) []rawMatch {
	var out []rawMatch
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if m := flake8Re.FindStringSubmatch(trimmed); m != nil {
			if path, ok := loc(m[1]); ok {
				out = append(out, rawMatch{pos: i, path: path, line: atoi(m[2]), name: flake8Name(m[3]), message: m[3] + " " + m[4], conf: ConfHigh})
			}
			continue
		}
		m := genericRe.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		path, ok := loc(m[1])
		if !ok {
			continue
		}
		out = append(out, rawMatch{pos: i, path: path, line: atoi(m[2]), name: m[3], message: strings.TrimSpace(m[4]), conf: ConfMedium})
	}
	return out
}

// flake8Name maps a pycodestyle/pyflakes code to an error name the
// classifier understands.
func flake8Name(code string) string {
	switch {
	case strings.HasPrefix(code, "E9"):
		return "SyntaxError"
	case code == "W191" || code == "E101":
		return "TabError"
	case strings.HasPrefix(code, "E1"):
		return "IndentationError"
	case code == "F821":
		return "NameError"
	default:
		return "LintError"
	}
}

// --- Go toolchain ---

var (
	goBuildRe = regexp.MustCompile(`^(\S+\.go):(\d+):\d+:\s+(.+)$`)
	goTestRe  = regexp.MustCompile(`^(\S+_test\.go):(\d+):\s+(.+)$`)
	goTestRun = regexp.MustCompile(`^--- FAIL:\s+(\S+)`)
)

type goExtractor struct{}

func (goExtractor) extract(lines []string, loc locator) []rawMatch {
	var out []rawMatch
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if m := goBuildRe.FindStringSubmatch(trimmed); m != nil {
			if path, ok := loc(m[1]); ok {
				out = append(out, rawMatch{pos: i, path: path, line: atoi(m[2]), name: "", message: m[3], conf: ConfHigh})
			}
			continue
		}
		m := goTestRe.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		path, ok := loc(m[1])
		if !ok {
			continue
		}
		out = append(out, rawMatch{pos: i, path: path, line: atoi(m[2]), name: "AssertionError", message: m[3], testName: lastGoTest(lines, i), conf: ConfMedium})
	}
	return out
}

// lastGoTest finds the "--- FAIL: TestX" header that owns line i. go test
// prints the header before the indented failure lines.
func lastGoTest(lines []string, i int) string {
	for j := i - 1; j >= 0; j-- {
		if m := goTestRun.FindStringSubmatch(strings.TrimSpace(lines[j])); m != nil {
			return m[1]
		}
	}
	return ""
}

// --- Rust ---

var (
	rustHeadRe  = regexp.MustCompile(`^(error|warning)(?:\[(E\d+)\])?:\s+(.+)$`)
	rustArrowRe = regexp.MustCompile(`^-->\s+(\S+):(\d+):\d+$`)
	rustPanicRe = regexp.MustCompile(`panicked at (\S+):(\d+):\d+:?\s*(.*)$`)
)

type rustExtractor struct{}

func (rustExtractor) extract(lines []string, loc locator) []rawMatch {
	var out []rawMatch
	var head *rawMatch
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if m := rustHeadRe.FindStringSubmatch(trimmed); m != nil {
			name := "error"
			if m[1] == "warning" {
				name = "warning"
			}
			head = &rawMatch{pos: i, name: name, message: strings.TrimSpace(m[3]), conf: ConfHigh}
			continue
		}
		if m := rustPanicRe.FindStringSubmatch(trimmed); m != nil {
			if path, ok := loc(m[1]); ok {
				out = append(out, rawMatch{pos: i, path: path, line: atoi(m[2]), name: "AssertionError", message: strings.TrimSpace(m[3]), conf: ConfMedium})
			}
			continue
		}
		m := rustArrowRe.FindStringSubmatch(trimmed)
		if m == nil || head == nil {
			continue
		}
		if path, ok := loc(m[1]); ok {
			head.path, head.line = path, atoi(m[2])
			out = append(out, *head)
		}
		head = nil
	}
	return out
}

// --- Java / Maven / Gradle ---

var (
	mavenRe = regexp.MustCompile(`^\[ERROR\]\s+(\S+\.java):\[(\d+),\d+\]\s+(.+)$`)
	javacRe = regexp.MustCompile(`^(\S+\.java):(\d+):\s+error:\s+(.+)$`)
)

type javaExtractor struct{}

func (javaExtractor) extract(lines []string, loc locator) []rawMatch {
	var out []rawMatch
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		m := mavenRe.FindStringSubmatch(trimmed)
		if m == nil {
			m = javacRe.FindStringSubmatch(trimmed)
		}
		if m == nil {
			continue
		}
		path, ok := loc(m[1])
		if !ok {
			continue
		}
		out = append(out, rawMatch{pos: i, path: path, line: atoi(m[2]), name: "", message: strings.TrimSpace(m[3]), conf: ConfHigh})
	}
	return out
}
