// Package logger provides structured logging for the service built on log/slog.
//
// The daemon logs to stderr by default; Init redirects output to a file when
// the configuration names one. Components obtain scoped loggers through
// WithComponent and WithUser rather than holding the root logger directly.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	logFile  *os.File
	mu       sync.Mutex
	initDone bool
)

// SetDebug enables or disables debug level logging.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Init directs log output to the given file path. Logging before Init goes
// to stderr; Init re-points the root logger at the file, so a configured log
// file takes effect even when something logged first. Calling Init twice is
// an error.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		return fmt.Errorf("log file already configured: %s", logFile.Name())
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logFile = f
	root = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))
	initDone = true

	root.Info("logger initialized", "path", path)
	return nil
}

// ensureInit falls back to a stderr handler when Init was never called.
// Caller must hold mu.
func ensureInit() {
	if initDone {
		return
	}
	root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	initDone = true
}

// Get returns the root logger.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	ensureInit()
	return root
}

// WithComponent returns a logger scoped to a named component.
func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}

// WithUser returns a logger scoped to the acting user.
func WithUser(userID string) *slog.Logger {
	return Get().With("userID", userID)
}

// Reset clears logger state so Init can be called again. Testing only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
	initDone = false
}

// Close flushes and closes the log file if one is open.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		initDone = false
		root = nil
		return err
	}
	return nil
}
