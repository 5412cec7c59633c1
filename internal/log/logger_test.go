package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSetup(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG", "text")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	return out
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = newLogger(&buf, "info", "json")

	WithComponent("test-comp").Info("hello")

	out := decodeLine(t, &buf)
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithRun(t *testing.T) {
	var buf bytes.Buffer
	logger = newLogger(&buf, "info", "json")

	WithRun("demo-app", "run-123").Info("run msg")

	out := decodeLine(t, &buf)
	if out["app"] != "demo-app" {
		t.Errorf("Expected app 'demo-app', got %v", out["app"])
	}
	if out["run_id"] != "run-123" {
		t.Errorf("Expected run_id 'run-123', got %v", out["run_id"])
	}
}

func TestTimestamp(t *testing.T) {
	ts := time.Date(2024, time.March, 7, 9, 5, 3, 120_000_000, time.FixedZone("X", 2*3600))
	if got, want := Timestamp(ts), "07-03-2024 09:05:03.12 +02:00"; got != want {
		t.Errorf("Timestamp() = %q, want %q", got, want)
	}
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	sink, err := OpenFileSink(dir, newLogger(&buf, "debug", "json"))
	if err != nil {
		t.Fatalf("OpenFileSink() failed: %v", err)
	}

	sink.Log("[ts] Hook command log : building")
	sink.Error("[ts] Hook command error : warning")
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	// Writes after close are dropped silently.
	sink.Log("late line")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), data)
	}
	if !strings.Contains(lines[1], "Hook command error") {
		t.Errorf("second line = %q", lines[1])
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Errorf("error line not forwarded to slog: %s", buf.String())
	}
}

func TestFileSinkRotatesDaily(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	sink, err := OpenFileSink(dir, newLogger(&buf, "info", "json"))
	if err != nil {
		t.Fatalf("OpenFileSink() failed: %v", err)
	}
	defer sink.Close()

	day := time.Now()
	sink.now = func() time.Time { return day }
	sink.Log("first day")

	day = day.Add(24 * time.Hour)
	sink.Log("second day")

	backups, err := filepath.Glob(filepath.Join(dir, "deployhook-*.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 {
		t.Fatalf("got %d rotated files, want 1: %v", len(backups), backups)
	}
	old, err := os.ReadFile(backups[0])
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(old)) != "first day" {
		t.Errorf("rotated file = %q", old)
	}
	current, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(current)) != "second day" {
		t.Errorf("current file = %q", current)
	}
}

func TestSinkWithoutDir(t *testing.T) {
	var buf bytes.Buffer
	sink, err := OpenFileSink("", newLogger(&buf, "info", "json"))
	if err != nil {
		t.Fatal(err)
	}
	sink.Log("only slog")
	if !strings.Contains(buf.String(), "only slog") {
		t.Errorf("line not logged: %s", buf.String())
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
