// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the in-memory sessions, their persistence and the
// controller of the active session.
//
// The Manager holds every session, newest first, and writes the whole list
// to the store in batches: mutations mark it dirty and a background loop
// flushes at the configured interval. Settings are written at once.
//
// A Controller is built for the active session and torn down when another
// session is selected. It carries that session's in-flight generation and
// its always-allow grant.
package session
