// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bridge is the HTTP client for the local bridge service that
// exposes filesystem browsing and shell command execution to the model.
//
// The bridge is an external collaborator with a fixed contract:
//
//	GET  /api/health          any 2xx is healthy (2s timeout)
//	GET  /api/files?path=p    [{name, type, path, size?}]
//	GET  /api/read?path=p     {content}
//	POST /api/run {command}   {output?, error?}
//
// Unavailability is a status, not an error: Monitor polls health in the
// background and exposes Online/Offline with a rate-limited manual
// reconnect.
package bridge
