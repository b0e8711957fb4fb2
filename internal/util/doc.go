// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the karawan packages.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateWidth: display-width truncation (CJK and Arabic aware)
//   - FormatKB: human readable attachment sizes ("12.3 KB")
//
// # Usage
//
//	// Persist a record without ever leaving a half-written file behind
//	err := util.AtomicWriteFile(path, data, 0600)
//
//	// Derive a session title from the first user message
//	title := util.PrefixEllipsis(content, 30)
package util
