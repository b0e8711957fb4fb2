// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package narration speaks assistant answers through a text-to-speech
// engine.
//
// The Scheduler has two modes. In streaming mode it is called repeatedly
// with the full answer so far; it speaks each newly completed sentence
// once and remembers how much of the text it has consumed, so no prefix
// is ever spoken twice. In oneshot mode it speaks a complete text as one
// utterance. Asking to narrate a message that is already being narrated
// stops it instead.
//
// Utterances are played by a single consumer goroutine, one at a time and
// in submission order.
package narration
