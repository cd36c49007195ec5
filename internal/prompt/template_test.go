package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_SimpleVars(t *testing.T) {
	got, err := Render("Fix {{error_type}} in {{file_path}}", Vars{"error_type": "SYNTAX", "file_path": "a.py"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Fix SYNTAX in a.py" {
		t.Errorf("expected 'Fix SYNTAX in a.py', got %q", got)
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} {{b}} {{c}}", Vars{"b": "x"})
	if err == nil {
		t.Fatal("expected error for missing variables")
	}
	if !strings.Contains(err.Error(), "a, c") {
		t.Errorf("expected both missing names in error, got %v", err)
	}
}

func TestRender_Conditionals(t *testing.T) {
	tmpl := "start{{#if extra}} [{{extra}}]{{/if}} end"
	got, err := Render(tmpl, Vars{"extra": "yes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "start [yes] end" {
		t.Errorf("unexpected output %q", got)
	}
	got, err = Render(tmpl, Vars{"extra": ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "start end" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestRender_NestedConditionals(t *testing.T) {
	tmpl := "{{#if outer}}O{{#if inner}}I{{/if}}{{/if}}."
	cases := map[string]Vars{
		"OI.": {"outer": "1", "inner": "1"},
		"O.":  {"outer": "1"},
		".":   {"inner": "1"},
	}
	for want, vars := range cases {
		got, err := Render(tmpl, vars)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("vars %v: expected %q, got %q", vars, want, got)
		}
	}
}

func TestRender_ValueNotRescanned(t *testing.T) {
	code := "tmpl := `{{.Name}} {{other}} {{/if}}`"
	got, err := Render("code: {{file_content}}", Vars{"file_content": code})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "code: "+code {
		t.Errorf("value was modified: %q", got)
	}
}

func TestRender_UnbalancedBlocks(t *testing.T) {
	if _, err := Render("{{#if a}}never closed", Vars{"a": "1"}); err == nil {
		t.Error("expected error for unclosed block")
	}
	if _, err := Render("stray{{/if}}", Vars{}); err == nil {
		t.Error("expected error for dangling close")
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	vars := Vars{
		"window": "3", "min_line": "7", "max_line": "13", "sub_types": "invalid_syntax",
		"error_type": "SYNTAX", "file_path": "a.py", "line_number": "10", "test_name": "",
		"error_message": "SyntaxError: invalid syntax", "snippet": ">>>   10 | def f(", "previous_attempt": "",
		"file_content": "def f(\n",
	}
	for _, name := range BuiltinNames() {
		tmpl, err := LoadTemplate(name, "")
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if _, err := Render(tmpl, vars); err != nil {
			t.Errorf("render %s: %v", name, err)
		}
	}
}

func TestLoadTemplate_ProjectOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, OverrideDir), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, OverrideDir, FixUser), []byte("custom {{file_path}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadTemplate(FixUser, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "custom {{file_path}}" {
		t.Errorf("expected override, got %q", got)
	}
	// No override for the system template: built-in wins.
	if got, _ := LoadTemplate(FixSystem, dir); got != fixSystemTemplate {
		t.Error("expected built-in system template")
	}
}

func TestLoadTemplate_Errors(t *testing.T) {
	if _, err := LoadTemplate("nope.md", ""); err == nil {
		t.Error("expected error for unknown template")
	}
	if _, err := LoadTemplate("../../etc/passwd", t.TempDir()); err == nil {
		t.Error("expected error for path traversal")
	}
}
