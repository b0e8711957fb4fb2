// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package voice implements continuous voice input. After an answer has
// been narrated (or right after a generation when narration is off) the
// microphone is reopened through a speech-to-text command and whatever it
// hears is submitted as the next user turn.
package voice
