// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists the two durable records of the chat client: the
// application settings and the full array of sessions.
//
// Both records are written wholesale on every save and read once at
// startup; there is no partial persistence. The records live in a KV
// backend, either a SQLite database (modernc.org/sqlite, no cgo) or one
// JSON file per key written atomically.
//
// # Key Types
//
//   - KV: the durable key-value contract (get, put, delete, clear)
//   - SQLiteKV, FileKV: the two backends
//   - Store: typed access to the settings and sessions records
//   - Backup: the export/import document {settings, sessions}
//
// # Usage
//
//	kv, err := storage.OpenSQLite(filepath.Join(dir, "karawan.db"))
//	store := storage.NewStore(kv)
//	sessions, err := store.LoadSessions()
package storage
