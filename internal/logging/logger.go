// Package logging builds the charmbracelet logger used for build diagnostics.
// Level, prefix and file output come from BINMERCHANT_* environment variables.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const filePrefix = "binmerchant-"

// LoggerCloser is a logger that may own its output file.
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
	path   string
}

func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// Path is the log file being written, or "" when logging to stderr.
func (lc *LoggerCloser) Path() string {
	return lc.path
}

// ParseLevel maps BINMERCHANT_LOG_LEVEL values to a level. Unknown values mean
// info.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// NewLoggerWithWriter creates a logger writing to w. Closing it leaves w
// open.
func NewLoggerWithWriter(w io.Writer) *LoggerCloser {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	lg.SetLevel(ParseLevel(os.Getenv("BINMERCHANT_LOG_LEVEL")))

	prefix, ok := os.LookupEnv("BINMERCHANT_LOG_PREFIX")
	if !ok {
		prefix = "binmerchant "
	}

	return &LoggerCloser{Logger: lg.WithPrefix(prefix)}
}

// NewLogger creates a logger from the environment:
//
//	BINMERCHANT_LOG_LEVEL    debug, info, warn, error (default info)
//	BINMERCHANT_LOG_PREFIX   message prefix (default "binmerchant ")
//	BINMERCHANT_LOG_TO_FILE  "1" writes binmerchant-<timestamp>-debug.log in dir
//
// The TUI owns the terminal, so it always logs to a file.
func NewLogger(dir string, toFile bool) *LoggerCloser {
	if !toFile && os.Getenv("BINMERCHANT_LOG_TO_FILE") != "1" {
		return NewLoggerWithWriter(os.Stderr)
	}

	name := filepath.Join(dir, fmt.Sprintf("%s%s-debug.log", filePrefix, time.Now().Format("20060102-150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewLoggerWithWriter(os.Stderr)
	}
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return NewLoggerWithWriter(os.Stderr)
	}
	lc := NewLoggerWithWriter(f)
	lc.closer, lc.path = f, name
	return lc
}

// LatestFile returns the newest log file in dir.
func LatestFile(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*-debug.log"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no log files in %s", dir)
	}
	// Timestamps sort lexically.
	slices.Sort(matches)
	return matches[len(matches)-1], nil
}

// IsDebug reports whether BINMERCHANT_LOG_LEVEL asks for debug output.
func IsDebug() bool {
	return ParseLevel(os.Getenv("BINMERCHANT_LOG_LEVEL")) == log.DebugLevel
}
