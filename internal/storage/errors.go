// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotFound is returned when a key doesn't exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &StorageError{Message: "record not found"}

// ErrInvalidBackup is returned when an import document is rejected.
var ErrInvalidBackup = &StorageError{Message: "invalid backup"}

// StorageError represents a storage-related error.
// It implements the error interface and can be compared using errors.Is.
type StorageError struct {
	Message string
	Detail  string
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Detail != "" {
		return e.Message + ": " + e.Detail
	}
	return e.Message
}

// Is implements errors.Is support. Details are ignored.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

func invalidBackup(detail string) error {
	return &StorageError{Message: ErrInvalidBackup.Message, Detail: detail}
}
