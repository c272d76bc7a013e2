package debug

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	file    *os.File
	mu      sync.Mutex
	enabled bool
	logger  = slog.New(slog.DiscardHandler)
)

// Enable starts debug logging to path (truncated on start)
func Enable(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if enabled {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	file = f
	setLocked(f, slog.LevelDebug)
	logger.Debug("=== Debug logging started ===", "cat", "debug")
	return nil
}

// EnableWriter logs to w at the given level. Used for stderr output and tests.
func EnableWriter(w io.Writer, level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	setLocked(w, level)
}

func setLocked(w io.Writer, level slog.Level) {
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	enabled = true
}

// Disable stops debug logging
func Disable() {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		file.Close()
		file = nil
	}
	logger = slog.New(slog.DiscardHandler)
	enabled = false
}

// Logger returns the current logger for structured calls
func Logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Log writes a message to the debug log
func Log(category, format string, args ...any) {
	mu.Lock()
	l, on := logger, enabled
	mu.Unlock()

	if !on {
		return
	}
	l.Debug(fmt.Sprintf(format, args...), "cat", category)
}

// LogEvery logs only every N calls (use for high-frequency events)
var counters = make(map[string]int)

func LogEvery(n int, category, format string, args ...any) {
	mu.Lock()
	key := category + format
	counters[key]++
	count := counters[key]
	mu.Unlock()

	if count%n == 0 {
		Log(category, format+" (every %d, count=%d)", append(args, n, count)...)
	}
}
