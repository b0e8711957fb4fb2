// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logger provides centralized structured logging for karawan.
package logger

import (
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

var current atomic.Pointer[log.Logger]

func init() {
	current.Store(newLogger(os.Stderr, log.InfoLevel))
}

func newLogger(w io.Writer, level log.Level) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Level:           level,
	})
	return l
}

// L returns the active logger.
func L() *log.Logger {
	return current.Load()
}

// Configure replaces the active logger. An empty file logs to stderr. The
// returned closer releases the log file and is a no-op for stderr.
func Configure(level string, file string) (io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		out, closer = f, f
	}

	current.Store(newLogger(out, ParseLevel(level)))
	return closer, nil
}

// SetOutput redirects the active logger, keeping its level. Tests use it to
// capture or silence output.
func SetOutput(w io.Writer) {
	current.Store(newLogger(w, L().GetLevel()))
}

// ParseLevel converts a level name; unknown names map to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Named returns a child logger with a component prefix.
func Named(component string) *log.Logger {
	return L().WithPrefix(component)
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg interface{}, keyvals ...interface{}) {
	L().Debug(msg, keyvals...)
}

// Info logs an info message with optional key-value pairs.
func Info(msg interface{}, keyvals ...interface{}) {
	L().Info(msg, keyvals...)
}

// Warn logs a warning message with optional key-value pairs.
func Warn(msg interface{}, keyvals ...interface{}) {
	L().Warn(msg, keyvals...)
}

// Error logs an error message with optional key-value pairs.
func Error(msg interface{}, keyvals ...interface{}) {
	L().Error(msg, keyvals...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
