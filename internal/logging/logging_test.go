package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level %s, got %s", LevelInfo, cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("Expected default format %s, got %s", FormatText, cfg.Format)
	}
	if cfg.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got '%s'", cfg.Output)
	}
	if cfg.AddSource {
		t.Error("Expected AddSource to be false by default")
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("stdout text logger", func(t *testing.T) {
		logger, err := New(Config{Level: LevelInfo, Format: FormatText, Output: "stdout"})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		if logger.config.Level != LevelInfo {
			t.Errorf("Expected level %s, got %s", LevelInfo, logger.config.Level)
		}
	})

	t.Run("file logger creates directories", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nested", "dir", "scanqueue.log")

		logger, err := New(Config{Level: LevelDebug, Format: FormatText, Output: logFile})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		logger.Info("hello")

		if _, err := os.Stat(logFile); err != nil {
			t.Errorf("Log file should exist: %v", err)
		}
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "level.log")
		logger, err := New(Config{Level: "verbose", Format: FormatText, Output: logFile})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		logger.Debug("hidden debug")
		logger.Info("visible info")

		content, _ := os.ReadFile(logFile)
		if strings.Contains(string(content), "hidden debug") {
			t.Error("Debug output should be filtered at info level")
		}
		if !strings.Contains(string(content), "visible info") {
			t.Error("Info output should be present")
		}
	})
}

func TestTaskHelpers(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "task.log")
	logger, err := New(Config{Level: LevelDebug, Format: FormatJSON, Output: tmpFile})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	testErr := fmt.Errorf("backend unreachable")
	logger.InfoTask("task queued", "task-1", "pool", "default")
	logger.ErrorTask("task failed", "task-2", testErr)
	logger.WithComponent("dispatcher").WithError(testErr).Warn("poll failed")
	logger.WithTaskID("task-3").WithTraceID("trace-3").Info("chained")

	content, err := os.ReadFile(tmpFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected 4 log lines, got %d", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("Line is not JSON: %v", err)
	}
	if first["task_id"] != "task-1" || first["pool"] != "default" {
		t.Errorf("Unexpected fields: %v", first)
	}

	var componentLine map[string]any
	_ = json.Unmarshal([]byte(lines[2]), &componentLine)
	if componentLine["component"] != "dispatcher" || componentLine["error"] != "backend unreachable" {
		t.Errorf("Unexpected component line: %v", componentLine)
	}

	var chained map[string]any
	_ = json.Unmarshal([]byte(lines[3]), &chained)
	if chained["task_id"] != "task-3" || chained["trace_id"] != "trace-3" {
		t.Errorf("Chained fields missing: %v", chained)
	}
	if !strings.Contains(lines[1], "backend unreachable") {
		t.Error("Error line should carry the error text")
	}
}

func TestFromSlog(t *testing.T) {
	if FromSlog(nil) != Default() {
		t.Error("FromSlog(nil) should return the default logger")
	}

	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil)).With("component", "queue")
	FromSlog(base).WithTaskID("task-9").Info("wrapped")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Line is not JSON: %v", err)
	}
	if line["component"] != "queue" || line["task_id"] != "task-9" {
		t.Errorf("Wrapped logger lost fields: %v", line)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	originalLogger := Default()
	defer SetDefault(originalLogger)

	tmpFile := filepath.Join(t.TempDir(), "global_test.log")
	testLogger, err := New(Config{Level: LevelDebug, Format: FormatText, Output: tmpFile})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	SetDefault(testLogger)

	if Default() != testLogger {
		t.Fatal("Default should return the logger that was set")
	}

	testErr := fmt.Errorf("test error")
	Debug("global debug")
	Info("global info")
	Warn("global warn")
	Default().ErrorTask("task error", "t-2", testErr)

	content, err := os.ReadFile(tmpFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	output := string(content)
	for _, msg := range []string{
		"global debug", "global info", "global warn",
		"task error", "test error",
	} {
		if !strings.Contains(output, msg) {
			t.Errorf("Output should contain '%s'", msg)
		}
	}
}

func TestWithComponent(t *testing.T) {
	logger := NewDefault()
	child := logger.WithComponent("worker")

	if child == logger {
		t.Error("WithComponent should return a new logger instance")
	}
	if child.config != logger.config {
		t.Error("Child logger should keep the parent configuration")
	}
}
