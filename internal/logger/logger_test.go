// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]log.Level{
		"debug":   log.DebugLevel,
		"INFO":    log.InfoLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"bogus":   log.InfoLevel,
		"":        log.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

// restore puts the logger active before the test back afterwards, level
// included.
func restore(t *testing.T) {
	t.Helper()
	prev := L()
	t.Cleanup(func() { current.Store(prev) })
}

// capture logs to a buffer at info level for the rest of the test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	restore(t)
	var buf bytes.Buffer
	current.Store(newLogger(&buf, log.InfoLevel))
	return &buf
}

func TestConfigure_File(t *testing.T) {
	restore(t)
	path := filepath.Join(t.TempDir(), "karawan.log")
	closer, err := Configure("warn", path)
	require.NoError(t, err)

	Info("hidden")
	Warn("bridge offline", "url", "http://localhost:3001")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "bridge offline")
	assert.Contains(t, string(data), "url=http://localhost:3001")
}

func TestNamed(t *testing.T) {
	buf := capture(t)

	Named("narration").Info("queued", "n", 2)
	assert.Contains(t, buf.String(), "narration")
	assert.Contains(t, buf.String(), "n=2")
}

func TestConfigure_LevelDoesNotLeak(t *testing.T) {
	before := L().GetLevel()
	t.Run("warn", func(t *testing.T) {
		restore(t)
		_, err := Configure("warn", "")
		require.NoError(t, err)
		assert.Equal(t, log.WarnLevel, L().GetLevel())
	})
	assert.Equal(t, before, L().GetLevel())

	buf := capture(t)
	Named("session").Info("selected")
	assert.Contains(t, buf.String(), "selected")
}

func TestSetOutput_KeepsLevel(t *testing.T) {
	restore(t)
	_, err := Configure("error", "")
	require.NoError(t, err)

	var buf bytes.Buffer
	SetOutput(&buf)
	Warn("dropped")
	Error("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}
