package format

import (
	"strings"
	"testing"

	"github.com/lucasnoah/cihealer/internal/model"
)

func TestLine_Exact(t *testing.T) {
	got, err := Line(model.Linting, "src/app.py", 42, "remove trailing comma")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "LINTING error in src/app.py line 42 → Fix: remove trailing comma"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if strings.Contains(got, "->") {
		t.Error("ASCII arrow must never appear")
	}
}

func TestLine_CollapsesWhitespace(t *testing.T) {
	got, err := Line(model.Syntax, "a.py", 10, "  add missing\ncolon  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(got, "Fix: add missing colon") {
		t.Errorf("unexpected line %q", got)
	}
}

func TestLine_Validation(t *testing.T) {
	tests := []struct {
		name string
		t    model.ErrorType
		path string
		line int
		desc string
	}{
		{"bad type", "RUNTIME", "a.py", 1, "x"},
		{"empty path", model.Syntax, " ", 1, "x"},
		{"zero line", model.Syntax, "a.py", 0, "x"},
		{"empty desc", model.Syntax, "a.py", 1, "   "},
	}
	for _, tt := range tests {
		if _, err := Line(tt.t, tt.path, tt.line, tt.desc); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestReport_SubTypeResolution(t *testing.T) {
	bug := model.BugReport{FilePath: "b.py", LineNumber: 3, ErrorType: model.Import, SubType: "wrong_path"}

	got, err := Report(bug, "missing_import")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(got, "Fix: add missing import statement at top of file") {
		t.Errorf("expected fix sub-type to win, got %q", got)
	}

	got, _ = Report(bug, "not_a_key")
	if !strings.HasSuffix(got, "Fix: correct the import path to match module location") {
		t.Errorf("expected bug sub-type fallback, got %q", got)
	}

	bug.SubType = ""
	got, _ = Report(bug, "")
	if !strings.HasSuffix(got, "Fix: "+Describe(model.Import, DefaultSubType(model.Import))) {
		t.Errorf("expected default description, got %q", got)
	}
}

func TestTemplates_CoverEveryType(t *testing.T) {
	for _, et := range model.ErrorTypes {
		if len(SubTypes(et)) == 0 {
			t.Errorf("%s has no templates", et)
		}
		d := Describe(et, DefaultSubType(et))
		if d == "" {
			t.Errorf("%s default description empty", et)
		}
		if d != strings.ToLower(d) {
			t.Errorf("%s description %q must be lowercase", et, d)
		}
	}
}

func TestLooksCanonical(t *testing.T) {
	line, _ := Line(model.Logic, "x/y.go", 7, "adjust loop or index boundary by one")
	if !LooksCanonical(line) {
		t.Errorf("formatter output should be recognised: %q", line)
	}
	if !LooksCanonical("I fixed it: " + line) {
		t.Error("embedded canonical text should be recognised")
	}
	if LooksCanonical("fixed the off-by-one in the loop") {
		t.Error("free text should not be recognised")
	}
}
