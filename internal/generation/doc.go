// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package generation runs one model generation at a time for a session.
//
// A generation appends an assistant draft to the transcript, streams the
// model's reply into it and ends in one of three states:
//
//	Idle -> Streaming -> Completed | Cancelled | Failed
//
// Completed answers are scanned for a command directive, which is handed to
// a DirectiveHandler. Cancelled and Failed generations keep whatever text
// had arrived. Narration of the answer is driven through the Narrator
// interface while the stream is live and once more when it ends.
package generation
