// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jeranaias/karawan/internal/config"
	"github.com/jeranaias/karawan/internal/model"
)

// =============================================================================
// EXPORT / IMPORT
// =============================================================================

// Backup is the export document. On import each field is optional, but at
// least one must be present; a present field replaces the current record
// wholesale.
type Backup struct {
	Settings *config.Settings `json:"settings,omitempty"`
	Sessions []*model.Session `json:"sessions,omitempty"`
}

// Export encodes the current settings and sessions.
func Export(settings config.Settings, sessions []*model.Session) ([]byte, error) {
	if sessions == nil {
		sessions = []*model.Session{}
	}
	return json.MarshalIndent(struct {
		Settings config.Settings  `json:"settings"`
		Sessions []*model.Session `json:"sessions"`
	}{settings, sessions}, "", "  ")
}

// ParseBackup validates an import document without applying it. Any
// failure is reported as ErrInvalidBackup with a detail message.
func ParseBackup(data []byte) (*Backup, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, invalidBackup("not a JSON object")
	}

	rawSettings := present(top["settings"])
	rawSessions := present(top["sessions"])
	if rawSettings == nil && rawSessions == nil {
		return nil, invalidBackup("missing settings and sessions")
	}

	var b Backup

	if rawSettings != nil {
		if rawSettings[0] != '{' {
			return nil, invalidBackup("settings must be an object")
		}
		settings := config.DefaultSettings()
		if err := json.Unmarshal(rawSettings, &settings); err != nil {
			return nil, invalidBackup("settings: " + err.Error())
		}
		settings.ApplyDefaults()
		if err := settings.Validate(); err != nil {
			return nil, invalidBackup(err.Error())
		}
		b.Settings = &settings
	}

	if rawSessions != nil {
		if rawSessions[0] != '[' {
			return nil, invalidBackup("sessions must be an array")
		}
		var sessions []*model.Session
		if err := json.Unmarshal(rawSessions, &sessions); err != nil {
			return nil, invalidBackup("sessions: " + err.Error())
		}
		if err := validateSessions(sessions); err != nil {
			return nil, invalidBackup(err.Error())
		}
		b.Sessions = normalizeSessions(sessions)
	}

	return &b, nil
}

// present returns nil for an absent or null value.
func present(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}

func validateSessions(sessions []*model.Session) error {
	seen := make(map[string]bool, len(sessions))
	for i, sess := range sessions {
		if sess == nil {
			return fmt.Errorf("sessions[%d] is null", i)
		}
		if sess.ID == "" {
			return fmt.Errorf("sessions[%d] has no id", i)
		}
		if seen[sess.ID] {
			return fmt.Errorf("duplicate session id %s", sess.ID)
		}
		seen[sess.ID] = true

		for j, msg := range sess.Messages {
			if msg == nil || msg.ID == "" {
				return fmt.Errorf("sessions[%d].messages[%d] has no id", i, j)
			}
			if !msg.Role.Valid() {
				return fmt.Errorf("sessions[%d].messages[%d] has invalid role %q", i, j, msg.Role)
			}
			switch msg.DirectiveStatus {
			case model.DirectiveNone, model.DirectivePending, model.DirectiveAllowed, model.DirectiveDenied:
			default:
				return fmt.Errorf("sessions[%d].messages[%d] has invalid directive status %q", i, j, msg.DirectiveStatus)
			}
		}
	}
	return nil
}
