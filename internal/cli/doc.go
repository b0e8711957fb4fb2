// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the karawan command line.
//
// # Commands
//
//   - serve: run the local HTTP API for the browser client
//   - chat: interactive terminal chat with streaming output
//   - sessions list|show|export|import: inspect, render and back up transcripts
//   - models: list models installed on the Ollama server
//   - bridge status|ls|cat|run: talk to the bridge service directly
//   - version: print build information
//
// Global flags select the config file, data directory, log level and
// JSON output. Commands return errors; Execute maps them to exit codes.
package cli
