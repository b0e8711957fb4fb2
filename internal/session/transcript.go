// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"strings"

	"github.com/jeranaias/karawan/internal/config"
	"github.com/jeranaias/karawan/internal/model"
	"github.com/jeranaias/karawan/internal/util"
)

// transcript is one session's message list as seen by a generation or a
// permission gate. Every call goes through the manager lock.
type transcript struct {
	m  *Manager
	id string
}

func (t transcript) Messages() []*model.Message {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	s := t.m.findLocked(t.id)
	if s == nil {
		return nil
	}
	out := make([]*model.Message, len(s.Messages))
	for i, msg := range s.Messages {
		out[i] = msg.Clone()
	}
	return out
}

func (t transcript) Append(msg *model.Message) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	s := t.m.findLocked(t.id)
	if s == nil {
		return ErrSessionNotFound
	}
	s.Append(msg)
	t.m.dirty = true
	return nil
}

func (t transcript) Update(id string, fn func(*model.Message) error) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	s := t.m.findLocked(t.id)
	if s == nil {
		return ErrSessionNotFound
	}
	msg := s.Find(id)
	if msg == nil {
		return model.ErrMessageNotFound
	}
	if err := fn(msg); err != nil {
		return err
	}
	t.m.dirty = true
	return nil
}

func (t transcript) Persist() error {
	return t.m.Flush()
}

// =============================================================================
// USER TURNS
// =============================================================================

// File is an attachment sent with a user turn.
type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Input is one user submission.
type Input struct {
	Content    string `json:"content"`
	Attachment *File  `json:"attachment,omitempty"`

	// ResendID names an earlier message; it and everything after it are
	// discarded before the new turn is appended.
	ResendID string `json:"resendId,omitempty"`
}

// Empty reports whether the input carries neither text nor a file.
func (in Input) Empty() bool {
	return strings.TrimSpace(in.Content) == "" && in.Attachment == nil
}

// userMessage builds the message sent for in. An attachment is inlined
// ahead of the text.
func userMessage(in Input, settings config.Settings) *model.Message {
	text := strings.TrimSpace(in.Content)
	if in.Attachment == nil {
		return model.NewUserMessage(text)
	}

	f := in.Attachment
	content := settings.FileInjection(f.Name, f.Content) + "\n" + text
	msg := model.NewUserMessage(content)
	msg.Attachment = &model.Attachment{
		Name: f.Name,
		Size: util.FormatKB(len(f.Content)),
	}
	return msg
}

// appendUserTurn truncates for a resend, appends the user message and
// titles the session from its first user turn.
func (t transcript) appendUserTurn(in Input) (*model.Message, error) {
	msg := userMessage(in, t.m.Settings())

	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	s := t.m.findLocked(t.id)
	if s == nil {
		return nil, ErrSessionNotFound
	}

	if in.ResendID != "" {
		s.TruncateFrom(in.ResendID)
	}
	s.Append(msg)

	title := strings.TrimSpace(in.Content)
	if title == "" && in.Attachment != nil {
		title = in.Attachment.Name
	}
	s.AutoTitle(title)

	t.m.dirty = true
	return msg.Clone(), nil
}
