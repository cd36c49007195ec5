package logparse

import (
	"testing"

	"github.com/lucasnoah/cihealer/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name, msg string
		want      model.ErrorType
		subType   string
	}{
		{"SyntaxError", "invalid syntax", model.Syntax, "invalid_syntax"},
		{"SyntaxError", "expected ':'", model.Syntax, "missing_colon"},
		{"IndentationError", "unexpected indent", model.Indentation, "over_indent"},
		{"TabError", "inconsistent use of tabs and spaces", model.Indentation, "mixed_indent"},
		{"ModuleNotFoundError", "No module named 'x'", model.Import, "missing_import"},
		{"NameError", "name 'foo' is not defined", model.Import, "missing_import"},
		{"AttributeError", "'NoneType' object has no attribute 'x'", model.TypeError, "none_reference"},
		{"AssertionError", "assert 1 == 2", model.Logic, "wrong_condition"},
		{"IndexError", "list index out of range", model.Logic, "off_by_one"},
		{"", "F401 'os' imported but unused", model.Linting, "unused_import"},
		{"", "Incompatible types in assignment", model.TypeError, "incompatible_types"},
		{"warning", "something odd", model.Linting, "unused_variable"},
		{"", "totally unknown", model.Syntax, "invalid_syntax"},
	}
	for _, tt := range tests {
		got := Classify(tt.name, tt.msg)
		if got.Type != tt.want || got.SubType != tt.subType {
			t.Errorf("Classify(%q, %q) = %s/%s, want %s/%s", tt.name, tt.msg, got.Type, got.SubType, tt.want, tt.subType)
		}
	}
}

func TestClassify_PrecedenceOnMultipleMatches(t *testing.T) {
	// Matches both an IMPORT pattern and a LINTING pattern.
	got := Classify("", "module not found; unused import of it")
	if got.Type != model.Import {
		t.Errorf("expected IMPORT to outrank LINTING, got %s", got.Type)
	}
	// Matches SYNTAX and INDENTATION patterns.
	got = Classify("", "invalid syntax: unexpected indent")
	if got.Type != model.Syntax {
		t.Errorf("expected SYNTAX to outrank INDENTATION, got %s", got.Type)
	}
	// An explicit error name beats any message pattern.
	got = Classify("IndentationError", "invalid syntax")
	if got.Type != model.Indentation {
		t.Errorf("expected keyword to win, got %s", got.Type)
	}
}

func TestClassify_Confidence(t *testing.T) {
	if c := Classify("SyntaxError", "x").Confidence; c != ConfHigh {
		t.Errorf("expected high confidence, got %v", c)
	}
	if c := Classify("", "nothing known").Confidence; c != ConfLow {
		t.Errorf("expected low confidence, got %v", c)
	}
}
