// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the three transcript roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// DIRECTIVE STATUS
// =============================================================================

// DirectiveStatus is the lifecycle of a command permission request.
// A request moves from pending to allowed or denied exactly once.
type DirectiveStatus string

const (
	DirectiveNone    DirectiveStatus = ""
	DirectivePending DirectiveStatus = "pending"
	DirectiveAllowed DirectiveStatus = "allowed"
	DirectiveDenied  DirectiveStatus = "denied"
)

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Attachment describes a file that was sent along with a user message.
// Only metadata is kept; the file content is inlined into Content.
type Attachment struct {
	Name string `json:"fileName"`
	Size string `json:"fileSize"`
}

// Message is a single transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Thought   string    `json:"thought,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Attachment *Attachment `json:"attachment,omitempty"`

	DirectiveCommand string          `json:"directiveCommand,omitempty"`
	DirectiveStatus  DirectiveStatus `json:"directiveStatus,omitempty"`

	// Error is set when the generation that produced this message failed.
	// Content keeps whatever partial answer had arrived.
	Error string `json:"error,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantDraft creates the empty assistant message a generation
// streams into.
func NewAssistantDraft() *Message {
	return NewMessage(RoleAssistant, "")
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// NewPermissionRequest creates the assistant-role message that asks the
// user to allow or deny a command.
func NewPermissionRequest(prompt, command string) *Message {
	msg := NewMessage(RoleAssistant, prompt)
	msg.DirectiveCommand = command
	msg.DirectiveStatus = DirectivePending
	return msg
}

// IsPermissionRequest reports whether the message carries a directive.
func (m *Message) IsPermissionRequest() bool {
	return m.DirectiveStatus != DirectiveNone
}

// IsPending reports whether the message is a permission request that has
// not been decided yet.
func (m *Message) IsPending() bool {
	return m.DirectiveStatus == DirectivePending
}

// Clone returns a copy of the message that shares no pointers with m.
func (m *Message) Clone() *Message {
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	return &c
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.New().String()
}
