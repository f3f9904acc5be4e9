package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// The node writes a single log file under its state directory. Errors
// and warnings always reach it once open; Infof, Debugf and the
// per-packet Dropf lines only appear in verbose mode, since a busy
// node emits them at wire rate.

var (
	out *log.Logger

	Verbose = false

	logFile *os.File
)

// Open creates the log file, making parent directories as needed. An
// empty path disables logging entirely.
func Open(path string, verbose bool) error {
	Verbose = verbose

	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logFile = f
	out = log.New(f, "", log.Ldate|log.Ltime|log.Lshortfile)

	return nil
}

// Close closes the log file if open.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
		out = nil
	}
}

// Errorf records a failure. Never gated.
func Errorf(format string, v ...any) {
	if out != nil {
		out.Printf("[ERROR] "+format, v...)
	}
}

// Warnf records a recoverable anomaly, like a peer drifting from a
// recognized encoding. Never gated.
func Warnf(format string, v ...any) {
	if out != nil {
		out.Printf("[WARNING] "+format, v...)
	}
}

func Infof(format string, v ...any) {
	if Verbose && out != nil {
		out.Printf("[INFO] "+format, v...)
	}
}

func Debugf(format string, v ...any) {
	if Verbose && out != nil {
		out.Printf("[DEBUG] "+format, v...)
	}
}

// Dropf records a deliberately dropped packet. The counters in
// internal/stats stay authoritative; these lines are forensics.
func Dropf(format string, v ...any) {
	if Verbose && out != nil {
		out.Printf("[DROP] "+format, v...)
	}
}
