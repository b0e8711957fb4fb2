// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the chat client over a local HTTP API for the
// browser front end.
//
// # Endpoints
//
//   - GET    /health                       - Liveness plus backend status
//   - GET    /api/models                   - Installed models
//   - GET    /api/sessions                 - Session summaries, newest first
//   - POST   /api/sessions                 - Create and select a session
//   - GET    /api/sessions/{id}            - Full transcript
//   - DELETE /api/sessions/{id}            - Delete a session
//   - POST   /api/sessions/{id}/select     - Make a session active
//   - POST   /api/sessions/{id}/messages   - Send a user turn
//   - GET    /api/sessions/{id}/transcript - Markdown or HTML document
//   - POST   /api/generation/cancel        - Stop the running generation
//   - POST   /api/permissions/{messageId}  - Allow or deny a command
//   - POST   /api/messages/{id}/speak      - Toggle narration of a message
//   - GET    /api/bridge/status            - Bridge online state
//   - POST   /api/bridge/reconnect         - Probe the bridge now
//   - GET    /api/bridge/files?path=       - List a bridge directory
//   - GET    /api/bridge/read?path=        - Read a bridge file
//   - GET    /api/settings                 - Current settings
//   - PUT    /api/settings                 - Replace settings
//   - GET    /api/export                   - Settings and sessions backup
//   - POST   /api/import                   - Restore a backup
//
// Generations run in the background; clients poll the session to follow
// the streaming draft.
//
// # Middleware
//
// Every request passes through panic recovery, security headers, CORS,
// per-client rate limiting and request logging.
package server
