// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeranaias/karawan/internal/config"
	"github.com/jeranaias/karawan/internal/model"
)

// =============================================================================
// STORE
// =============================================================================

// Store gives typed access to the settings and sessions records.
type Store struct {
	kv KV
}

// NewStore wraps a KV backend.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// LoadSettings reads the settings record. found is false when none was
// saved yet, in which case the caller's defaults apply.
func (s *Store) LoadSettings() (settings config.Settings, found bool, err error) {
	data, err := s.kv.Get(KeySettings)
	if errors.Is(err, ErrNotFound) {
		return config.Settings{}, false, nil
	}
	if err != nil {
		return config.Settings{}, false, err
	}

	if err := json.Unmarshal(data, &settings); err != nil {
		return config.Settings{}, false, fmt.Errorf("failed to decode settings: %w", err)
	}
	settings.ApplyDefaults()
	return settings, true, nil
}

// SaveSettings writes the settings record.
func (s *Store) SaveSettings(settings config.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.kv.Put(KeySettings, data)
}

// LoadSessions reads the sessions record. A missing record is an empty
// list.
func (s *Store) LoadSessions() ([]*model.Session, error) {
	data, err := s.kv.Get(KeySessions)
	if errors.Is(err, ErrNotFound) {
		return []*model.Session{}, nil
	}
	if err != nil {
		return nil, err
	}

	var sessions []*model.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return normalizeSessions(sessions), nil
}

// SaveSessions writes the whole sessions array.
func (s *Store) SaveSessions(sessions []*model.Session) error {
	if sessions == nil {
		sessions = []*model.Session{}
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		return err
	}
	return s.kv.Put(KeySessions, data)
}

// Apply persists the records present in a parsed backup. Absent records
// are left untouched.
func (s *Store) Apply(b *Backup) error {
	if b.Settings != nil {
		if err := s.SaveSettings(*b.Settings); err != nil {
			return err
		}
	}
	if b.Sessions != nil {
		if err := s.SaveSessions(b.Sessions); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears every record.
func (s *Store) Reset() error {
	return s.kv.Clear()
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

func normalizeSessions(sessions []*model.Session) []*model.Session {
	out := sessions[:0]
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		if sess.Messages == nil {
			sess.Messages = []*model.Message{}
		}
		out = append(out, sess)
	}
	return out
}
