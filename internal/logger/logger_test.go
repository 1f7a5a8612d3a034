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
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "engine.log")

	l, err := New(LevelInfo, path, "watcher")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Info("batch closed with %d events", 3)
	l.Debug("should be filtered at info level")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "batch closed with 3 events") {
		t.Errorf("expected info line in log, got: %s", out)
	}
	if !strings.Contains(out, "[watcher]") {
		t.Errorf("expected prefix in log, got: %s", out)
	}
	if strings.Contains(out, "filtered") {
		t.Errorf("debug line should not appear at info level: %s", out)
	}
}

func TestDisabledLogger(t *testing.T) {
	l, err := New(LevelNone, "", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Must not panic or create files
	l.Error("ignored %s", "entirely")
}

func TestWithPrefixChains(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.log")

	l, err := New(LevelDebug, path, "pool")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	sub := l.WithPrefix("probe")
	sub.Debug("ping sent")

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "[pool:probe]") {
		t.Errorf("expected chained prefix, got: %s", string(data))
	}
}
