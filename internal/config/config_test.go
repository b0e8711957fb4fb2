// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfig_ConcurrentAccess tests that Global() and SetGlobal() can be
// safely called concurrently.
// Run with: go test -race -v ./internal/config/
func TestConfig_ConcurrentAccess(t *testing.T) {
	ResetGlobalForTesting()
	SetGlobal(Default())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetGlobal(Default())
		}()
		go func() {
			defer wg.Done()
			if Global() == nil {
				t.Error("Global() returned nil")
			}
		}()
	}
	wg.Wait()
}

func TestLoadFromPath_TOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
data_dir = "/tmp/karawan-test"

[storage]
backend = "file"

[settings]
selected_model = "qwen2.5:7b"
language = "ar"
prompt_preset = "custom"
custom_system_prompt = "  Be brief.  "
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/karawan-test", cfg.DataDir)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "qwen2.5:7b", cfg.Settings.SelectedModel)
	assert.Equal(t, "http://localhost:11434", cfg.Settings.OllamaURL)
	assert.True(t, cfg.Settings.VoiceSkipCode, "unset booleans keep defaults")
	assert.Equal(t, "ar-SA", cfg.Settings.LanguageTag())
	assert.Equal(t, "Be brief.", cfg.Settings.SystemPrompt())
}

func TestLoadFromPath_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[settings]\nlanguage = \"fr\"\n"), 0600))

	_, err := LoadFromPath(path)
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "settings.language", verrs[0].Field)
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")

	cfg := Default()
	cfg.DataDir = dir
	cfg.Settings.AutoSpeak = true
	cfg.Settings.SharedPaths = []string{"/home/me/notes"}
	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.True(t, loaded.Settings.AutoSpeak)
	assert.Equal(t, []string{"/home/me/notes"}, loaded.Settings.SharedPaths)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("KARAWAN_MODEL", "mistral")
	t.Setenv("KARAWAN_LANGUAGE", "AR")
	t.Setenv("KARAWAN_AUTO_SPEAK", "true")
	t.Setenv("KARAWAN_LOG_LEVEL", "debug")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "mistral", cfg.Settings.SelectedModel)
	assert.Equal(t, "ar", cfg.Settings.Language)
	assert.True(t, cfg.Settings.AutoSpeak)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		field  string
	}{
		{"valid", func(*Settings) {}, ""},
		{"bad preset", func(s *Settings) { s.PromptPreset = "mcp" }, "settings.prompt_preset"},
		{"bad pitch", func(s *Settings) { s.VoicePitch = 3 }, "settings.voice_pitch"},
		{"bad url", func(s *Settings) { s.OllamaURL = "localhost:11434" }, "settings.ollama_url"},
		{"bad bridge", func(s *Settings) { s.BridgeBackendURL = "http://" }, "settings.bridge_backend_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			err := s.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestSettings_Locale(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, "New Interaction", s.NewSessionTitle())
	assert.Equal(t, "Permission required for: `ls /tmp`", s.PermissionPrompt("ls /tmp"))
	assert.Equal(t, "en-US", s.LanguageTag())

	s.Language = LangArabic
	assert.Equal(t, "تفاعل جديد", s.NewSessionTitle())
	assert.Contains(t, s.PermissionPrompt("ls"), "`ls`")
}

// The locale helpers read a copy, so they work on returned values.
func TestSettings_HelpersOnValues(t *testing.T) {
	arabic := func() Settings {
		s := DefaultSettings()
		s.Language = LangArabic
		return s
	}
	assert.True(t, arabic().IsArabic())
	assert.Equal(t, "ar-SA", arabic().LanguageTag())
	assert.Equal(t, "تفاعل جديد", arabic().NewSessionTitle())
	assert.Contains(t, arabic().FileInjection("a.txt", "x"), "[ملف: a.txt]")
	assert.Equal(t, BridgeSystemPrompt, DefaultSettings().SystemPrompt())
}

func TestSettings_SystemPrompt(t *testing.T) {
	s := DefaultSettings()
	s.PromptPreset = PresetDefault
	assert.Equal(t, DefaultSystemPrompt, s.SystemPrompt())

	s.PromptPreset = PresetBridge
	assert.Contains(t, s.SystemPrompt(), "DIRECTIVE_RUN:")
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg := Default()
	cfg.DataDir = dir
	require.NoError(t, SaveTOML(cfg, path))

	got := make(chan *Config, 4)
	w, err := NewWatcher(path, 20*time.Millisecond, func(c *Config) { got <- c }, nil)
	require.NoError(t, err)
	require.NoError(t, w.Watch())
	defer w.Close()

	cfg.Settings.SelectedModel = "phi3"
	require.NoError(t, SaveTOML(cfg, path))

	select {
	case c := <-got:
		assert.Equal(t, "phi3", c.Settings.SelectedModel)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
