package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setupTestLogger creates a temp log file and initializes the logger with it.
func setupTestLogger(t *testing.T) (string, func()) {
	t.Helper()
	Reset()

	logPath := filepath.Join(t.TempDir(), "termspaced-test.log")
	if err := Init(logPath); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}

	return logPath, func() {
		Reset()
	}
}

func TestGet(t *testing.T) {
	_, cleanup := setupTestLogger(t)
	defer cleanup()

	log := Get()
	if log == nil {
		t.Fatal("Get() returned nil")
	}

	// Should not panic
	log.Info("test message")
	log.Warn("warning", "count", 42)
	log.Error("error occurred", "err", "something failed")
}

func TestInit_WritesStructuredFields(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	WithComponent("session").Info("session created", "userID", "u-1")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	contentStr := string(content)
	if !strings.Contains(contentStr, "session created") {
		t.Error("Should contain message")
	}
	if !strings.Contains(contentStr, "component=session") {
		t.Error("Should contain component=session")
	}
	if !strings.Contains(contentStr, "userID=u-1") {
		t.Error("Should contain userID=u-1")
	}
}

func TestSetDebug(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	SetDebug(false)
	Get().Debug("hidden")
	SetDebug(true)
	Get().Debug("visible")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if strings.Contains(string(content), "hidden") {
		t.Error("Debug message should be suppressed at info level")
	}
	if !strings.Contains(string(content), "visible") {
		t.Error("Debug message should appear after SetDebug(true)")
	}
}

func TestWithUser(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	WithUser("alice").Info("input written")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "userID=alice") {
		t.Error("Should contain userID=alice")
	}
}

func TestInit_RepointsAfterEarlyLogging(t *testing.T) {
	Reset()
	defer Reset()

	// Something logs before the configuration is loaded; this lands on stderr
	// but must not lock the logger there.
	Get().Info("early message")

	logPath := filepath.Join(t.TempDir(), "termspaced-test.log")
	if err := Init(logPath); err != nil {
		t.Fatalf("Init after early logging: %v", err)
	}
	Get().Info("late message")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "late message") {
		t.Error("log file should receive messages logged after Init")
	}
}

func TestInit_SecondCallFails(t *testing.T) {
	_, cleanup := setupTestLogger(t)
	defer cleanup()

	other := filepath.Join(t.TempDir(), "other.log")
	if err := Init(other); err == nil {
		t.Error("Init with a log file already configured should error")
	}
}

func TestClose(t *testing.T) {
	_, cleanup := setupTestLogger(t)
	defer cleanup()

	if err := Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}
