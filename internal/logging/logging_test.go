package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, s := range []string{"debug", "info", "warn", "error"} {
		level, err := ParseLevel(s)
		if err != nil {
			t.Fatal(err)
		}
		if got := LevelString(level); got != s {
			t.Errorf("expected %q, got %q", s, got)
		}
	}
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings("debug", "json", "file", "/tmp/x.log", 5, 2)
	if err != nil {
		t.Fatalf("FromSettings: %v", err)
	}
	if cfg.Level != LevelDebug || cfg.Format != FormatJSON {
		t.Errorf("unexpected level/format: %v %v", cfg.Level, cfg.Format)
	}
	if cfg.MaxSize != 5 || cfg.MaxBackups != 2 {
		t.Errorf("unexpected rotation settings: %d %d", cfg.MaxSize, cfg.MaxBackups)
	}

	if _, err := FromSettings("loud", "text", "stderr", "", 0, 0); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := FromSettings("info", "xml", "stderr", "", 0, 0); err == nil {
		t.Error("expected error for bad format")
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = format
	cfg.Writer = &buf
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, &buf
}

func TestJSONFormatWithComponent(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)

	logger.WithComponent("watcher").Info("event applied", "path", "A.md")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "watcher" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["path"] != "A.md" {
		t.Errorf("path = %v", entry["path"])
	}
	if entry["msg"] != "event applied" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestSetLevel(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)
	child := logger.WithComponent("store")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug logged at info level: %s", buf.String())
	}

	logger.SetLevel(LevelDebug)
	if logger.Level() != LevelDebug {
		t.Errorf("level = %v", logger.Level())
	}
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("child logger did not follow level change: %q", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)
	logger.Info("login", "api_token", "abc123", "skill", "demo")

	out := buf.String()
	if strings.Contains(out, "abc123") {
		t.Errorf("token leaked: %s", out)
	}
	if !strings.Contains(out, "skill=demo") {
		t.Errorf("ordinary attribute redacted: %s", out)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := map[string]bool{
		"password":    true,
		"API_KEY":     true,
		"secret_name": true,
		"skill":       false,
		"path":        false,
		"checksum":    false,
	}
	for key, want := range tests {
		if got := shouldRedact(key); got != want {
			t.Errorf("shouldRedact(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "skillsyncd.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = logPath

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello file")
	if err := logger.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rotator, err := NewFileRotator(&Config{
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 5; i++ {
		n, err := rotator.Write(chunk)
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if n != len(chunk) {
			t.Errorf("short write: %d", n)
		}
	}

	files, err := rotator.LogFiles()
	if err != nil {
		t.Fatalf("LogFiles: %v", err)
	}
	// Current file plus at most MaxBackups rotated ones.
	if len(files) != 3 {
		t.Errorf("expected 3 log files, got %v", files)
	}
	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("current file size = %d", info.Size())
	}
}

func TestFileRotatorCompress(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")
	rotator, err := NewFileRotator(&Config{
		FilePath:   logPath,
		MaxSize:    1,
		MaxBackups: 5,
		Compress:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	chunk := bytes.Repeat([]byte("y"), 700*1024)
	rotator.Write(chunk)
	rotator.Write(chunk)
	if err := rotator.Close(); err != nil {
		t.Fatal(err)
	}

	gz, err := filepath.Glob(filepath.Join(filepath.Dir(logPath), "test-*.log.gz"))
	if err != nil {
		t.Fatal(err)
	}
	if len(gz) != 1 {
		t.Errorf("expected one compressed backup, got %v", gz)
	}
}

func TestNewFileRotatorRequiresPath(t *testing.T) {
	if _, err := NewFileRotator(&Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}
