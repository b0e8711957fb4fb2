// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the transcript data structures: sessions and the
// messages they own.
//
// # Key Types
//
//   - Session: an ordered transcript with title, model and creation time
//   - Message: one turn, with optional reasoning text, attachment metadata
//     and command-directive permission state
//   - Role: user, assistant or system
//   - DirectiveStatus: pending, allowed or denied
//
// Messages are append-only except for two operations: truncation of the
// transcript tail (edit/re-send) and in-place mutation of the assistant
// message that is currently streaming.
//
// # Usage
//
//	sess := model.NewSession("New Interaction", "llama3")
//	sess.Append(model.NewUserMessage("Hello"))
//	draft := sess.Append(model.NewAssistantDraft())
//	draft.Content += "Hi!"
package model
