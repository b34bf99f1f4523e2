package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"ERROR":   LevelError,
		"none":    LevelNone,
		"bogus":   LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "gondel.log")

	l, err := New(LevelDebug, path, "core")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.Info("hello %s", "world")
	l.Debug("details")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "[INFO] [core] hello world") {
		t.Errorf("missing info line, got: %s", content)
	}
	if !strings.Contains(content, "[DEBUG] [core] details") {
		t.Errorf("missing debug line, got: %s", content)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gondel.log")

	l, err := New(LevelWarn, path, "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.Debug("dropped")
	l.Info("dropped too")
	l.Warn("kept")

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "dropped") {
		t.Errorf("below-level lines were written: %s", data)
	}
	if !strings.Contains(string(data), "kept") {
		t.Errorf("warn line missing: %s", data)
	}
}

func TestDisabledLogger(t *testing.T) {
	l, err := New(LevelNone, "", "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Must not panic or create files.
	l.Error("nothing")
	if !l.disabled {
		t.Error("expected disabled logger")
	}
}

func TestWithPrefixChains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gondel.log")

	l, err := New(LevelInfo, path, "agent")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.WithPrefix("turn").Info("event")

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "[agent:turn] event") {
		t.Errorf("prefix chain missing: %s", data)
	}
}
