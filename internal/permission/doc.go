// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package permission implements the command permission gate.
//
// A finished answer may carry a DIRECTIVE_RUN line asking for a command to
// be executed on the bridge. The gate turns that into a pending request
// message in the transcript, waits for the user to allow or deny it, runs
// allowed commands and feeds the result back as a new user turn. A
// session-scoped always-allow grant skips the prompt.
//
// Commands are also checked against a set of risky shell patterns. The
// resulting flags are advisory and shown next to the prompt; they never
// block a command the user allowed.
package permission
