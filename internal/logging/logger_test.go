package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_JSONWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "debug").WithRun("run-1").WithIteration(2)
	l.Info("build finished", "exit_code", 1)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unexpected error: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "build finished" {
		t.Errorf("expected msg 'build finished', got %v", entry["msg"])
	}
	if entry["run_id"] != "run-1" {
		t.Errorf("expected run_id run-1, got %v", entry["run_id"])
	}
	if entry["iteration"] != float64(2) {
		t.Errorf("expected iteration 2, got %v", entry["iteration"])
	}
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "warn")
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("info entry should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn entry missing")
	}
}

func TestOr_Nil(t *testing.T) {
	l := Or(nil)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	l.Error("discarded")
}
