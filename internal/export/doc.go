// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders a session transcript as a readable document.
//
// This is separate from the backup format in package storage: a backup
// round-trips settings and sessions, while an export is for reading or
// sharing one conversation.
//
// # Key Types
//
//   - Exporter: renders a session (Markdown, HTML)
//   - Options: metadata, timestamps and reasoning toggles
//
// # Usage
//
//	exp, err := export.For("html", export.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	doc, err := exp.Export(session)
//	name := export.Filename(session, exp)
package export
