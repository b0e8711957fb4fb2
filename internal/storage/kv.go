// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"fmt"
	"path/filepath"
)

// Record keys.
const (
	KeySettings = "karawan_settings"
	KeySessions = "karawan_sessions"
)

// KV is a durable key-value store. Values are opaque bytes. Get returns
// ErrNotFound for a missing key.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Clear() error
	Close() error
}

// Open opens the backend named by kind ("sqlite" or "file") under dir.
func Open(kind, dir string) (KV, error) {
	switch kind {
	case "sqlite", "":
		return OpenSQLite(filepath.Join(dir, "karawan.db"))
	case "file":
		return NewFileKV(filepath.Join(dir, "store"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
