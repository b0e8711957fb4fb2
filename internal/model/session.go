// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"time"

	"github.com/jeranaias/karawan/internal/util"
)

// TitleLength is how many characters of the first user message become the
// session title.
const TitleLength = 30

// ErrMessageNotFound is returned by transcript operations that name a
// message the session does not hold.
var ErrMessageNotFound = errors.New("message not found")

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session holds one conversation transcript.
type Session struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Messages  []*Message `json:"messages"`
	Model     string     `json:"model"`
	CreatedAt time.Time  `json:"createdAt"`
}

// NewSession creates an empty session.
func NewSession(title, modelName string) *Session {
	return &Session{
		ID:        NewID(),
		Title:     title,
		Messages:  make([]*Message, 0),
		Model:     modelName,
		CreatedAt: time.Now(),
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// Append adds a message to the end of the transcript and returns it.
func (s *Session) Append(msg *Message) *Message {
	s.Messages = append(s.Messages, msg)
	return msg
}

// Find returns the message with the given ID, or nil.
func (s *Session) Find(id string) *Message {
	if i := s.IndexOf(id); i >= 0 {
		return s.Messages[i]
	}
	return nil
}

// IndexOf returns the position of the message with the given ID, or -1.
func (s *Session) IndexOf(id string) int {
	for i, msg := range s.Messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// TruncateFrom discards the message with the given ID and everything after
// it. It reports whether the message was found; an unknown ID leaves the
// transcript untouched.
func (s *Session) TruncateFrom(id string) bool {
	i := s.IndexOf(id)
	if i < 0 {
		return false
	}
	for j := i; j < len(s.Messages); j++ {
		s.Messages[j] = nil
	}
	s.Messages = s.Messages[:i]
	return true
}

// UserMessageCount returns how many user turns the transcript holds.
func (s *Session) UserMessageCount() int {
	n := 0
	for _, msg := range s.Messages {
		if msg.Role == RoleUser {
			n++
		}
	}
	return n
}

// LastMessage returns the most recent message, or nil if empty.
func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// AutoTitle sets the title from text when the transcript holds exactly one
// user message.
func (s *Session) AutoTitle(text string) {
	if s.UserMessageCount() == 1 {
		s.Title = util.PrefixEllipsis(text, TitleLength)
	}
}

// Clone creates a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.Messages = make([]*Message, len(s.Messages))
	for i, msg := range s.Messages {
		c.Messages[i] = msg.Clone()
	}
	return &c
}

// CloneSessions deep-copies a slice of sessions.
func CloneSessions(in []*Session) []*Session {
	out := make([]*Session, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}
