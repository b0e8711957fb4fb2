// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// karawan.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, validation and hot reload.
//
// # Key Types
//
//   - Config: process configuration (data dir, storage, server, logging)
//   - Settings: the flat application settings object the chat client
//     persists and exports (backend URLs, model, voice, bridge, prompt)
//   - Watcher: fsnotify-based reload of the config file
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (KARAWAN_*)
//   - ~/.karawan/config.toml
//   - ~/.karawan/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	prompt := cfg.Settings.SystemPrompt()
package config
