package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("expected zero logger")
	}
	// Must not panic.
	l.Info("hello", String("k", "v"))
}

func TestWithFieldsAreApplied(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Warn("boom", Int("n", 3), Err(errors.New("bad")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v, want test", m["comp"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v, want 3", m["n"])
	}
	if m["err"] != "bad" {
		t.Fatalf("err = %v, want bad", m["err"])
	}
	if m["message"] != "boom" {
		t.Fatalf("message = %v, want boom", m["message"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at warn level")
	}
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", "warning", "error"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	for _, s := range []string{"loud", "trace"} {
		if ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = true", s)
		}
	}
	if !ValidFormat("JSON") || ValidFormat("xml") {
		t.Fatal("ValidFormat mismatch")
	}
}

func TestServiceApplySwapsFileSink(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "one.log")
	second := filepath.Join(dir, "two.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	child := log.With(String("comp", "test"))
	child.Info("to first")
	child.Debug("filtered")

	if err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	child.Debug("to second")

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if !strings.Contains(string(a), "to first") || strings.Contains(string(a), "filtered") {
		t.Fatalf("first log = %q", a)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &m); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	if m["message"] != "to second" || m["comp"] != "test" || m["level"] != "debug" {
		t.Fatalf("second log line = %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestServiceApplyReportsFileError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	svc, log := New(Config{Level: "error"})
	defer svc.Close()

	err := svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}})
	if err == nil {
		t.Fatal("expected an error for a path under a regular file")
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelWarn) {
		t.Fatal("fallback sink must still honor the level")
	}
}
