// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"strings"
)

// Supported locales.
const (
	LangEnglish = "en"
	LangArabic  = "ar"
)

// Prompt presets.
const (
	PresetDefault = "default"
	PresetBridge  = "bridge"
	PresetCustom  = "custom"
)

// Built-in system prompts.
const (
	DefaultSystemPrompt = "You are Karawan, a high-performance AI Interface. Use technical terms. Analyze shared files automatically."

	BridgeSystemPrompt = DefaultSystemPrompt + "\n\n" +
		"You are connected to the user's machine through a local bridge. " +
		"When running a shell command would help, write it on its own line as:\n" +
		"DIRECTIVE_RUN: <command>\n" +
		"Only the first such line is executed, and only after the user approves it. " +
		"The command output will be sent back to you as the next user message."
)

// Settings is the flat application settings object. It is persisted as one
// record and is the "settings" half of an export document.
type Settings struct {
	OllamaURL     string `toml:"ollama_url" json:"ollamaUrl"`
	SelectedModel string `toml:"selected_model" json:"selectedModel"`

	VoiceID         string  `toml:"voice_id" json:"voiceId"`
	VoicePitch      float64 `toml:"voice_pitch" json:"voicePitch"`
	VoiceRate       float64 `toml:"voice_rate" json:"voiceRate"`
	AutoSpeak       bool    `toml:"auto_speak" json:"autoSpeak"`
	ContinuousVoice bool    `toml:"continuous_voice" json:"continuousVoice"`
	VoiceSkipCode   bool    `toml:"voice_skip_code" json:"voiceSkipCode"`
	WaitForFinish   bool    `toml:"wait_for_finish" json:"waitForFinish"`

	Language         string `toml:"language" json:"language"`
	ThinkingEnabled  bool   `toml:"thinking_enabled" json:"thinkingEnabled"`
	FetchLocalModels bool   `toml:"fetch_local_models" json:"fetchLocalModels"`

	BridgeEnabled    bool     `toml:"bridge_enabled" json:"bridgeEnabled"`
	BridgeRootPath   string   `toml:"bridge_root_path" json:"bridgeRootPath"`
	BridgeBackendURL string   `toml:"bridge_backend_url" json:"bridgeBackendUrl"`
	SharedPaths      []string `toml:"shared_paths" json:"sharedPaths"`

	PromptPreset       string `toml:"prompt_preset" json:"promptPreset"`
	CustomSystemPrompt string `toml:"custom_system_prompt" json:"customSystemPrompt"`

	// External speech commands. TTSCommand receives the text on stdin;
	// STTCommand prints the transcription on stdout.
	TTSCommand string `toml:"tts_command" json:"ttsCommand"`
	STTCommand string `toml:"stt_command" json:"sttCommand"`
}

// DefaultSettings returns the settings a fresh install starts with.
func DefaultSettings() Settings {
	return Settings{
		OllamaURL:        "http://localhost:11434",
		SelectedModel:    "llama3",
		VoicePitch:       1.0,
		VoiceRate:        1.1,
		VoiceSkipCode:    true,
		WaitForFinish:    true,
		Language:         LangEnglish,
		FetchLocalModels: true,
		BridgeEnabled:    true,
		BridgeRootPath:   "/",
		BridgeBackendURL: "http://localhost:3001",
		SharedPaths:      []string{},
		PromptPreset:     PresetBridge,
		TTSCommand:       "espeak-ng",
	}
}

// ApplyDefaults fills zero-valued string and numeric fields. Booleans are
// taken as written.
func (s *Settings) ApplyDefaults() {
	d := DefaultSettings()
	if s.OllamaURL == "" {
		s.OllamaURL = d.OllamaURL
	}
	if s.SelectedModel == "" {
		s.SelectedModel = d.SelectedModel
	}
	if s.VoicePitch == 0 {
		s.VoicePitch = d.VoicePitch
	}
	if s.VoiceRate == 0 {
		s.VoiceRate = d.VoiceRate
	}
	if s.Language == "" {
		s.Language = d.Language
	}
	if s.BridgeRootPath == "" {
		s.BridgeRootPath = d.BridgeRootPath
	}
	if s.BridgeBackendURL == "" {
		s.BridgeBackendURL = d.BridgeBackendURL
	}
	if s.SharedPaths == nil {
		s.SharedPaths = []string{}
	}
	if s.PromptPreset == "" {
		s.PromptPreset = d.PromptPreset
	}
}

// Validate checks the settings and returns ValidateErrors on failure.
func (s *Settings) Validate() error {
	var errs ValidateErrors

	if s.Language != LangEnglish && s.Language != LangArabic {
		errs = append(errs, ValidationError{
			Field:   "settings.language",
			Message: fmt.Sprintf("invalid language '%s', must be one of: en, ar", s.Language),
		})
	}

	switch s.PromptPreset {
	case PresetDefault, PresetBridge, PresetCustom:
	default:
		errs = append(errs, ValidationError{
			Field:   "settings.prompt_preset",
			Message: fmt.Sprintf("invalid preset '%s', must be one of: default, bridge, custom", s.PromptPreset),
		})
	}

	if s.VoicePitch < 0 || s.VoicePitch > 2 {
		errs = append(errs, ValidationError{
			Field:   "settings.voice_pitch",
			Message: fmt.Sprintf("pitch %.2f out of range [0, 2]", s.VoicePitch),
		})
	}
	if s.VoiceRate < 0.1 || s.VoiceRate > 10 {
		errs = append(errs, ValidationError{
			Field:   "settings.voice_rate",
			Message: fmt.Sprintf("rate %.2f out of range [0.1, 10]", s.VoiceRate),
		})
	}

	if err := validateURL(s.OllamaURL); err != nil {
		errs = append(errs, ValidationError{Field: "settings.ollama_url", Message: err.Error()})
	}
	if err := validateURL(s.BridgeBackendURL); err != nil {
		errs = append(errs, ValidationError{Field: "settings.bridge_backend_url", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clone returns a copy that shares no slices with s.
func (s Settings) Clone() Settings {
	c := s
	c.SharedPaths = append([]string{}, s.SharedPaths...)
	return c
}

// =============================================================================
// LOCALE HELPERS
// =============================================================================

// IsArabic reports whether the active locale is Arabic.
func (s Settings) IsArabic() bool {
	return s.Language == LangArabic
}

// LanguageTag returns the BCP 47 tag used for speech.
func (s Settings) LanguageTag() string {
	if s.IsArabic() {
		return "ar-SA"
	}
	return "en-US"
}

// NewSessionTitle is the title given to a freshly created session.
func (s Settings) NewSessionTitle() string {
	if s.IsArabic() {
		return "تفاعل جديد"
	}
	return "New Interaction"
}

// PermissionPrompt is the content of a command permission request.
func (s Settings) PermissionPrompt(command string) string {
	if s.IsArabic() {
		return "مطلوب إذن لتنفيذ: `" + command + "`"
	}
	return "Permission required for: `" + command + "`"
}

// FileInjection is the user turn sent when a bridge file is shared with the
// model.
func (s Settings) FileInjection(name, content string) string {
	if s.IsArabic() {
		return "حلل محتويات الملف:\n\n[ملف: " + name + "]\n```\n" + content + "\n```"
	}
	return "Analyze this file content:\n\n[FILE: " + name + "]\n```\n" + content + "\n```"
}

// SystemPrompt resolves the prompt preset.
func (s Settings) SystemPrompt() string {
	switch s.PromptPreset {
	case PresetCustom:
		return strings.TrimSpace(s.CustomSystemPrompt)
	case PresetBridge:
		return BridgeSystemPrompt
	default:
		return DefaultSystemPrompt
	}
}
