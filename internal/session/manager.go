// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"sync"
	"time"

	"github.com/jeranaias/karawan/internal/config"
	"github.com/jeranaias/karawan/internal/generation"
	"github.com/jeranaias/karawan/internal/logger"
	"github.com/jeranaias/karawan/internal/model"
	"github.com/jeranaias/karawan/internal/permission"
	"github.com/jeranaias/karawan/internal/storage"
	"github.com/jeranaias/karawan/internal/stream"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrClosed is returned after the manager or a controller was closed.
	ErrClosed = errors.New("session closed")
)

// DefaultFlushInterval is used when Options leave it zero.
const DefaultFlushInterval = 250 * time.Millisecond

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Store persists settings and sessions. *storage.Store implements it.
type Store interface {
	LoadSettings() (config.Settings, bool, error)
	SaveSettings(settings config.Settings) error
	LoadSessions() ([]*model.Session, error)
	SaveSessions(sessions []*model.Session) error
	Apply(b *storage.Backup) error
}

// Narrator is the narration surface a controller needs.
// *narration.Scheduler implements it.
type Narrator interface {
	generation.Narrator
	Active() bool
}

// Deps are the collaborators shared by every controller.
type Deps struct {
	Backend  generation.Backend
	Runner   permission.Runner
	Narrator Narrator

	// OnDelta observes streaming increments of any session.
	OnDelta func(sessionID, messageID string, d stream.Delta)

	// OnSettled runs after each generation settles.
	OnSettled func(sessionID string, res *generation.Result, settings config.Settings)
}

// Options tune the manager.
type Options struct {
	FlushInterval time.Duration

	// Defaults apply when the store holds no settings yet. Nil means
	// config.DefaultSettings.
	Defaults *config.Settings
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager holds all sessions and the active controller.
type Manager struct {
	store Store
	deps  Deps

	// saveMu orders writes to the store; a snapshot is written before the
	// next one is taken.
	saveMu sync.Mutex

	mu       sync.Mutex
	settings config.Settings
	sessions []*model.Session // newest first
	activeID string
	ctrl     *Controller
	closed   bool

	// Batched persistence
	dirty    bool
	lastSave time.Time
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewManager loads settings and sessions and selects the newest session,
// creating one when the store is empty.
func NewManager(store Store, deps Deps, opts Options) (*Manager, error) {
	settings, found, err := store.LoadSettings()
	if err != nil {
		return nil, err
	}
	if !found {
		settings = config.DefaultSettings()
		if opts.Defaults != nil {
			settings = opts.Defaults.Clone()
			settings.ApplyDefaults()
		}
	}

	sessions, err := store.LoadSessions()
	if err != nil {
		return nil, err
	}

	interval := opts.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}

	m := &Manager{
		store:    store,
		deps:     deps,
		settings: settings,
		sessions: sessions,
		interval: interval,
		lastSave: time.Now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if len(m.sessions) == 0 {
		m.createLocked()
	}
	m.selectLocked(m.sessions[0].ID)
	m.mu.Unlock()

	go m.flushLoop()
	return m, nil
}

// Close stops the controller and the flush loop, then writes any pending
// changes.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ctrl := m.ctrl
	m.ctrl = nil
	m.mu.Unlock()

	if ctrl != nil {
		ctrl.close()
	}
	close(m.stop)
	<-m.done
	return m.Flush()
}

// =============================================================================
// SETTINGS
// =============================================================================

// Settings returns a copy of the current settings.
func (m *Manager) Settings() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.Clone()
}

// UpdateSettings validates and stores new settings.
func (m *Manager) UpdateSettings(s config.Settings) error {
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return err
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if err := m.store.SaveSettings(s); err != nil {
		return err
	}
	m.mu.Lock()
	m.settings = s.Clone()
	m.mu.Unlock()
	logger.Debug("settings updated", "model", s.SelectedModel, "language", s.Language)
	return nil
}

// =============================================================================
// SESSIONS
// =============================================================================

// Sessions returns copies of all sessions, newest first.
func (m *Manager) Sessions() []*model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.CloneSessions(m.sessions)
}

// Session returns a copy of one session.
func (m *Manager) Session(id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findLocked(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// ActiveID returns the id of the selected session.
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Controller returns the controller of the active session, or nil after
// Close.
func (m *Manager) Controller() *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl
}

// Create adds an empty session at the top and selects it.
func (m *Manager) Create() *model.Session {
	m.mu.Lock()
	s := m.createLocked()
	old := m.selectLocked(s.ID)
	out := s.Clone()
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	return out
}

// Select makes id the active session. The previous controller is torn
// down, which cancels its generation.
func (m *Manager) Select(id string) error {
	m.mu.Lock()
	if m.findLocked(id) == nil {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	old := m.selectLocked(id)
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	return nil
}

// Delete removes a session. Deleting the active session selects the next
// newest one, or a fresh session when none is left.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
	m.dirty = true

	var old *Controller
	if id == m.activeID {
		if len(m.sessions) == 0 {
			m.createLocked()
		}
		old = m.selectLocked(m.sessions[0].ID)
	}
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	logger.Info("session deleted", "id", id)
	return nil
}

func (m *Manager) createLocked() *model.Session {
	s := model.NewSession(m.settings.NewSessionTitle(), m.settings.SelectedModel)
	m.sessions = append([]*model.Session{s}, m.sessions...)
	m.dirty = true
	return s
}

// selectLocked swaps the active controller and returns the old one for
// the caller to close after unlocking.
func (m *Manager) selectLocked(id string) *Controller {
	if m.closed {
		return nil
	}
	if m.activeID == id && m.ctrl != nil {
		return nil
	}
	old := m.ctrl
	m.activeID = id
	m.ctrl = newController(m, id)
	return old
}

func (m *Manager) findLocked(id string) *model.Session {
	if i := m.indexLocked(id); i >= 0 {
		return m.sessions[i]
	}
	return nil
}

func (m *Manager) indexLocked(id string) int {
	for i, s := range m.sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// MarkDirty schedules the sessions for the next flush.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}

// IsDirty reports whether there are unsaved session changes.
func (m *Manager) IsDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Flush writes the sessions if they changed since the last write.
func (m *Manager) Flush() error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	snapshot := model.CloneSessions(m.sessions)
	m.dirty = false
	m.mu.Unlock()

	if err := m.store.SaveSessions(snapshot); err != nil {
		m.MarkDirty()
		return err
	}

	m.mu.Lock()
	m.lastSave = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *Manager) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Flush(); err != nil {
				logger.Warn("session flush failed", "err", err)
			}
		case <-m.stop:
			return
		}
	}
}

// Status is a snapshot of the manager.
type Status struct {
	Sessions int
	ActiveID string
	Dirty    bool
	LastSave time.Time
}

// Status returns the current manager status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Sessions: len(m.sessions),
		ActiveID: m.activeID,
		Dirty:    m.dirty,
		LastSave: m.lastSave,
	}
}

// =============================================================================
// IMPORT / EXPORT
// =============================================================================

// Export renders the in-memory settings and sessions as one JSON
// document.
func (m *Manager) Export() ([]byte, error) {
	m.mu.Lock()
	settings := m.settings.Clone()
	sessions := model.CloneSessions(m.sessions)
	m.mu.Unlock()
	return storage.Export(settings, sessions)
}

// Import replaces settings and sessions with the records present in data.
// An invalid document leaves everything unchanged. When sessions are
// replaced the active generation is cancelled and waited for first, so
// nothing it writes can land after the imported records.
func (m *Manager) Import(data []byte) error {
	b, err := storage.ParseBackup(data)
	if err != nil {
		return err
	}

	if ctrl := m.Controller(); ctrl != nil && b.Sessions != nil {
		ctrl.halt()
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	if err := m.store.Apply(b); err != nil {
		return err
	}

	m.mu.Lock()
	if b.Settings != nil {
		m.settings = b.Settings.Clone()
	}
	var old *Controller
	if b.Sessions != nil {
		m.sessions = b.Sessions
		m.dirty = false
		m.lastSave = time.Now()
		if len(m.sessions) == 0 {
			m.createLocked()
		}
		if m.findLocked(m.activeID) == nil {
			old = m.selectLocked(m.sessions[0].ID)
		} else if m.ctrl != nil {
			// Same id, new transcript: start from a clean controller.
			old = m.ctrl
			m.ctrl = nil
			m.selectLocked(m.activeID)
		}
	}
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	logger.Info("import applied", "settings", b.Settings != nil, "sessions", len(b.Sessions))
	return nil
}
