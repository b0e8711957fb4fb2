// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/karawan/internal/bridge"
	"github.com/jeranaias/karawan/internal/config"
	"github.com/jeranaias/karawan/internal/generation"
	"github.com/jeranaias/karawan/internal/model"
	"github.com/jeranaias/karawan/internal/ollama"
	"github.com/jeranaias/karawan/internal/storage"
	"github.com/jeranaias/karawan/internal/stream"
)

// =============================================================================
// FAKES
// =============================================================================

type memStore struct {
	mu       sync.Mutex
	settings *config.Settings
	sessions []*model.Session
	saves    int
}

func (s *memStore) LoadSettings() (config.Settings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return config.Settings{}, false, nil
	}
	return s.settings.Clone(), true, nil
}

func (s *memStore) SaveSettings(settings config.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := settings.Clone()
	s.settings = &c
	return nil
}

func (s *memStore) LoadSessions() ([]*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneSessions(s.sessions), nil
}

func (s *memStore) SaveSessions(sessions []*model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = model.CloneSessions(sessions)
	s.saves++
	return nil
}

func (s *memStore) Apply(b *storage.Backup) error {
	if b.Settings != nil {
		if err := s.SaveSettings(*b.Settings); err != nil {
			return err
		}
	}
	if b.Sessions != nil {
		return s.SaveSessions(b.Sessions)
	}
	return nil
}

func (s *memStore) saved() []*model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.CloneSessions(s.sessions)
}

// scriptedBackend answers each call with the next scripted answer.
type scriptedBackend struct {
	mu      sync.Mutex
	answers []string
	reqs    []ollama.ChatRequest
	hang    bool
	started chan struct{}
}

func (b *scriptedBackend) ChatStream(ctx context.Context, req ollama.ChatRequest, fn ollama.DeltaHandler) (*ollama.StreamResult, error) {
	b.mu.Lock()
	i := len(b.reqs)
	b.reqs = append(b.reqs, req)
	answer := "ok."
	if i < len(b.answers) {
		answer = b.answers[i]
	}
	hang, started := b.hang, b.started
	b.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if hang {
		<-ctx.Done()
		return &ollama.StreamResult{}, ctx.Err()
	}
	fn(stream.Delta{Answer: answer})
	return &ollama.StreamResult{Answer: answer, Done: true}, nil
}

func (b *scriptedBackend) requests() []ollama.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ollama.ChatRequest(nil), b.reqs...)
}

type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	result   bridge.RunResult

	// With release set, Run signals entered and blocks until release is
	// closed.
	entered chan struct{}
	release chan struct{}
}

func (r *fakeRunner) Run(_ context.Context, cmd string) (bridge.RunResult, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	entered, release := r.entered, r.release
	r.mu.Unlock()

	if release != nil {
		entered <- struct{}{}
		<-release
	}
	return r.result, nil
}

func (r *fakeRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

type quietNarrator struct {
	active atomic.Bool
}

func (n *quietNarrator) Stream(string, string)       {}
func (n *quietNarrator) Finish(string, string, bool) {}
func (n *quietNarrator) Speak(string, string)        {}
func (n *quietNarrator) Streamed(string) bool        { return false }
func (n *quietNarrator) Stop()                       {}
func (n *quietNarrator) Active() bool                { return n.active.Load() }

type fixture struct {
	m        *Manager
	store    *memStore
	backend  *scriptedBackend
	runner   *fakeRunner
	narrator *quietNarrator
}

func newFixture(t *testing.T, answers ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:    &memStore{},
		backend:  &scriptedBackend{answers: answers},
		runner:   &fakeRunner{result: bridge.RunResult{Output: "a.txt"}},
		narrator: &quietNarrator{},
	}
	m, err := NewManager(f.store, Deps{
		Backend:  f.backend,
		Runner:   f.runner,
		Narrator: f.narrator,
	}, Options{FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	f.m = m
	return f
}

// settle waits for the current generation and any generation chained from
// it by a directive.
func settle(t *testing.T, c *Controller) {
	t.Helper()
	for {
		g := c.Current()
		if g == nil {
			return
		}
		select {
		case <-g.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("generation did not settle")
		}
		if c.Current() == g {
			return
		}
	}
}

func activeMessages(t *testing.T, m *Manager) []*model.Message {
	t.Helper()
	s, err := m.Session(m.ActiveID())
	require.NoError(t, err)
	return s.Messages
}

// =============================================================================
// SESSION LIST
// =============================================================================

func TestNewManager_CreatesFirstSession(t *testing.T) {
	f := newFixture(t)

	sessions := f.m.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "New Interaction", sessions[0].Title)
	assert.Equal(t, "llama3", sessions[0].Model)
	assert.Equal(t, sessions[0].ID, f.m.ActiveID())
	require.NotNil(t, f.m.Controller())
	assert.Equal(t, sessions[0].ID, f.m.Controller().SessionID())
}

func TestNewManager_LoadsStoredState(t *testing.T) {
	older := model.NewSession("older", "llama3")
	newer := model.NewSession("newer", "qwen")
	settings := config.DefaultSettings()
	settings.Language = config.LangArabic
	store := &memStore{settings: &settings, sessions: []*model.Session{newer, older}}

	m, err := NewManager(store, Deps{Backend: &scriptedBackend{}, Runner: &fakeRunner{}}, Options{})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, newer.ID, m.ActiveID())
	assert.True(t, m.Settings().IsArabic())

	created := m.Create()
	assert.Equal(t, "تفاعل جديد", created.Title)
	assert.Equal(t, []string{created.ID, newer.ID, older.ID}, ids(m.Sessions()))
}

func ids(sessions []*model.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}

func TestCreateSelectDelete(t *testing.T) {
	f := newFixture(t)
	first := f.m.ActiveID()
	firstCtrl := f.m.Controller()

	second := f.m.Create()
	assert.Equal(t, second.ID, f.m.ActiveID())
	assert.NotSame(t, firstCtrl, f.m.Controller())

	require.NoError(t, f.m.Select(first))
	assert.Equal(t, first, f.m.ActiveID())
	assert.ErrorIs(t, f.m.Select("nope"), ErrSessionNotFound)

	require.NoError(t, f.m.Delete(first))
	assert.Equal(t, second.ID, f.m.ActiveID())
	assert.ErrorIs(t, f.m.Delete(first), ErrSessionNotFound)

	require.NoError(t, f.m.Delete(second.ID))
	sessions := f.m.Sessions()
	require.Len(t, sessions, 1, "deleting the last session leaves a fresh one")
	assert.Equal(t, sessions[0].ID, f.m.ActiveID())
}

func TestSelect_TearsDownGeneration(t *testing.T) {
	f := newFixture(t)
	f.backend.hang = true
	f.backend.started = make(chan struct{}, 1)

	ctrl := f.m.Controller()
	gen, err := ctrl.Submit(Input{Content: "long question"})
	require.NoError(t, err)
	<-f.backend.started

	f.m.Create()
	res := gen.Wait()
	assert.Equal(t, generation.StateCancelled, res.State)

	_, err = ctrl.Submit(Input{Content: "again"})
	assert.ErrorIs(t, err, ErrClosed)
}

// =============================================================================
// SUBMISSION
// =============================================================================

func TestSubmit_AppendsTurnAndPersists(t *testing.T) {
	f := newFixture(t, "TCP is reliable. UDP is not.")
	ctrl := f.m.Controller()

	gen, err := ctrl.Submit(Input{Content: "  Explain the difference between TCP and UDP please  "})
	require.NoError(t, err)
	res := gen.Wait()
	assert.Equal(t, generation.StateCompleted, res.State)

	msgs := activeMessages(t, f.m)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "Explain the difference between TCP and UDP please", msgs[0].Content)
	assert.Equal(t, "TCP is reliable. UDP is not.", msgs[1].Content)

	s, _ := f.m.Session(f.m.ActiveID())
	assert.Equal(t, "Explain the difference between...", s.Title)

	saved := f.store.saved()
	require.Len(t, saved, 1)
	assert.Len(t, saved[0].Messages, 2)
	assert.False(t, f.m.IsDirty())

	req := f.backend.requests()[0]
	assert.Equal(t, "llama3", req.Model)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, config.BridgeSystemPrompt, req.Messages[0].Content)
}

func TestSubmit_Empty(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Controller().Submit(Input{Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Empty(t, activeMessages(t, f.m))
}

func TestSubmit_Attachment(t *testing.T) {
	f := newFixture(t)
	ctrl := f.m.Controller()

	content := strings.Repeat("x", 2048)
	gen, err := ctrl.Submit(Input{Content: "what is this?", Attachment: &File{Name: "notes.txt", Content: content}})
	require.NoError(t, err)
	gen.Wait()

	msg := activeMessages(t, f.m)[0]
	assert.Equal(t, "Analyze this file content:\n\n[FILE: notes.txt]\n```\n"+content+"\n```\nwhat is this?", msg.Content)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "notes.txt", msg.Attachment.Name)
	assert.Equal(t, "2.0 KB", msg.Attachment.Size)
}

func TestSubmit_ResendTruncates(t *testing.T) {
	f := newFixture(t, "first answer", "second answer", "edited answer")
	ctrl := f.m.Controller()

	g, err := ctrl.Submit(Input{Content: "one"})
	require.NoError(t, err)
	g.Wait()
	g, err = ctrl.Submit(Input{Content: "two"})
	require.NoError(t, err)
	g.Wait()

	msgs := activeMessages(t, f.m)
	require.Len(t, msgs, 4)
	target := msgs[2].ID

	g, err = ctrl.Submit(Input{Content: "two, edited", ResendID: target})
	require.NoError(t, err)
	g.Wait()

	msgs = activeMessages(t, f.m)
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two, edited", msgs[2].Content)
	assert.Equal(t, "edited answer", msgs[3].Content)

	// The resent history no longer carries the discarded turn.
	last := f.backend.requests()[2]
	for _, m := range last.Messages {
		assert.NotEqual(t, "two", m.Content)
	}
}

func TestSubmit_Busy(t *testing.T) {
	f := newFixture(t)
	f.backend.hang = true
	f.backend.started = make(chan struct{}, 1)
	ctrl := f.m.Controller()

	_, err := ctrl.Submit(Input{Content: "first"})
	require.NoError(t, err)
	<-f.backend.started

	_, err = ctrl.Submit(Input{Content: "second"})
	assert.ErrorIs(t, err, generation.ErrBusy)
	assert.Len(t, activeMessages(t, f.m), 2)

	assert.True(t, ctrl.Cancel())
	settle(t, ctrl)
	assert.Equal(t, generation.StateCancelled, ctrl.State())
}

func TestSubmit_WaitForFinish(t *testing.T) {
	f := newFixture(t)
	f.narrator.active.Store(true)

	_, err := f.m.Controller().Submit(Input{Content: "hi"})
	assert.ErrorIs(t, err, ErrNarrationActive)

	s := f.m.Settings()
	s.WaitForFinish = false
	require.NoError(t, f.m.UpdateSettings(s))

	g, err := f.m.Controller().Submit(Input{Content: "hi"})
	require.NoError(t, err)
	g.Wait()
}

// =============================================================================
// PERMISSIONS
// =============================================================================

func TestDirective_ApproveFeedsResultBack(t *testing.T) {
	f := newFixture(t, "Let me look.\nDIRECTIVE_RUN: ls /tmp", "There is one file.")
	ctrl := f.m.Controller()

	g, err := ctrl.Submit(Input{Content: "what is in /tmp?"})
	require.NoError(t, err)
	res := g.Wait()
	require.NotNil(t, res.Request)

	pending := ctrl.PendingRequest()
	require.NotNil(t, pending)
	assert.Equal(t, res.Request.ID, pending.ID)
	assert.Equal(t, "ls /tmp", pending.DirectiveCommand)
	assert.Equal(t, "Permission required for: `ls /tmp`", pending.Content)
	assert.Empty(t, f.runner.ran())

	require.NoError(t, ctrl.Decide(context.Background(), pending.ID, true, false))
	settle(t, ctrl)

	assert.Equal(t, []string{"ls /tmp"}, f.runner.ran())
	msgs := activeMessages(t, f.m)
	require.Len(t, msgs, 5)
	assert.Equal(t, model.DirectiveAllowed, msgs[2].DirectiveStatus)
	assert.Equal(t, model.RoleUser, msgs[3].Role)
	assert.Equal(t, "Command result:\n```\n[STDOUT] a.txt\n```", msgs[3].Content)
	assert.Equal(t, "There is one file.", msgs[4].Content)
	assert.Nil(t, ctrl.PendingRequest())
	assert.False(t, ctrl.AlwaysAllow())
}

func TestDirective_Deny(t *testing.T) {
	f := newFixture(t, "DIRECTIVE_RUN: rm -rf /")
	ctrl := f.m.Controller()

	g, err := ctrl.Submit(Input{Content: "clean up"})
	require.NoError(t, err)
	res := g.Wait()

	require.NoError(t, ctrl.Decide(context.Background(), res.Request.ID, false, false))
	msgs := activeMessages(t, f.m)
	require.Len(t, msgs, 3)
	assert.Equal(t, model.DirectiveDenied, msgs[2].DirectiveStatus)
	assert.Empty(t, f.runner.ran())
}

func TestDirective_AlwaysAllow(t *testing.T) {
	f := newFixture(t, "DIRECTIVE_RUN: uptime", "Load is low.")
	ctrl := f.m.Controller()
	ctrl.SetAlwaysAllow(true)

	_, err := ctrl.Submit(Input{Content: "how busy is the box?"})
	require.NoError(t, err)
	settle(t, ctrl)

	assert.Equal(t, []string{"uptime"}, f.runner.ran())
	msgs := activeMessages(t, f.m)
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[2].Content, "[STDOUT] a.txt")
	assert.Equal(t, "Load is low.", msgs[3].Content)

	// The grant belongs to the session controller.
	f.m.Create()
	assert.False(t, f.m.Controller().AlwaysAllow())
}

func TestDirective_DecideWhileBusyKeepsRequestPending(t *testing.T) {
	f := newFixture(t, "DIRECTIVE_RUN: ls /tmp", "", "There is one file.")
	ctrl := f.m.Controller()

	g, err := ctrl.Submit(Input{Content: "what is in /tmp?"})
	require.NoError(t, err)
	req := g.Wait().Request
	require.NotNil(t, req)

	// Another question goes out before the request is decided.
	f.backend.mu.Lock()
	f.backend.hang = true
	f.backend.started = make(chan struct{}, 1)
	f.backend.mu.Unlock()
	busy, err := ctrl.Submit(Input{Content: "never mind"})
	require.NoError(t, err)
	<-f.backend.started

	err = ctrl.Decide(context.Background(), req.ID, true, false)
	assert.ErrorIs(t, err, generation.ErrBusy)
	assert.Empty(t, f.runner.ran())
	pending := ctrl.PendingRequest()
	require.NotNil(t, pending, "the request stays pending")
	assert.Equal(t, req.ID, pending.ID)
	assert.Equal(t, model.DirectivePending, pending.DirectiveStatus)

	assert.True(t, ctrl.Cancel())
	busy.Wait()
	f.backend.mu.Lock()
	f.backend.hang = false
	f.backend.started = nil
	f.backend.mu.Unlock()

	require.NoError(t, ctrl.Decide(context.Background(), req.ID, true, false))
	settle(t, ctrl)

	assert.Equal(t, []string{"ls /tmp"}, f.runner.ran())
	msgs := activeMessages(t, f.m)
	require.GreaterOrEqual(t, len(msgs), 2)
	result, answer := msgs[len(msgs)-2], msgs[len(msgs)-1]
	assert.Equal(t, "Command result:\n```\n[STDOUT] a.txt\n```", result.Content)
	assert.Equal(t, "There is one file.", answer.Content)
}

func TestDirective_AlwaysAllowResultNotStolen(t *testing.T) {
	f := newFixture(t, "DIRECTIVE_RUN: uptime", "Load is low.")
	f.runner.entered = make(chan struct{}, 1)
	f.runner.release = make(chan struct{})
	ctrl := f.m.Controller()
	ctrl.SetAlwaysAllow(true)

	g, err := ctrl.Submit(Input{Content: "how busy is the box?"})
	require.NoError(t, err)
	<-f.runner.entered

	// The answer is complete but its command is still running.
	assert.True(t, ctrl.Busy())
	_, err = ctrl.Submit(Input{Content: "hello?"})
	assert.ErrorIs(t, err, generation.ErrBusy)

	close(f.runner.release)
	g.Wait()
	settle(t, ctrl)

	msgs := activeMessages(t, f.m)
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[2].Content, "[STDOUT] a.txt")
	assert.Equal(t, "Load is low.", msgs[3].Content)
	assert.False(t, ctrl.Busy())
}

func TestDirective_BridgeDisabled(t *testing.T) {
	f := newFixture(t, "DIRECTIVE_RUN: uptime")
	s := f.m.Settings()
	s.BridgeEnabled = false
	require.NoError(t, f.m.UpdateSettings(s))

	g, err := f.m.Controller().Submit(Input{Content: "go"})
	require.NoError(t, err)
	res := g.Wait()
	assert.Equal(t, "uptime", res.Directive)
	assert.Nil(t, res.Request)
	assert.Len(t, activeMessages(t, f.m), 2)
}

// =============================================================================
// SETTINGS / IMPORT / EXPORT
// =============================================================================

func TestUpdateSettings_Invalid(t *testing.T) {
	f := newFixture(t)
	s := f.m.Settings()
	s.Language = "fr"
	assert.Error(t, f.m.UpdateSettings(s))
	assert.Equal(t, config.LangEnglish, f.m.Settings().Language)
}

func TestImport_RejectsWithoutChange(t *testing.T) {
	f := newFixture(t)
	before := f.m.Sessions()

	err := f.m.Import([]byte(`{"version": 2}`))
	assert.ErrorIs(t, err, storage.ErrInvalidBackup)
	assert.Equal(t, ids(before), ids(f.m.Sessions()))
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newFixture(t, "answer")
	g, err := f.m.Controller().Submit(Input{Content: "question"})
	require.NoError(t, err)
	g.Wait()

	data, err := f.m.Export()
	require.NoError(t, err)

	other := newFixture(t)
	require.NoError(t, other.m.Import(data))

	sessions := other.m.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, f.m.ActiveID(), sessions[0].ID)
	assert.Equal(t, sessions[0].ID, other.m.ActiveID())
	assert.Len(t, sessions[0].Messages, 2)
	assert.Len(t, other.store.saved(), 1)
}

// gatedStore holds the first session write until release is closed.
type gatedStore struct {
	*memStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) SaveSessions(sessions []*model.Session) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.memStore.SaveSessions(sessions)
}

func TestImport_NotOverwrittenByPendingFlush(t *testing.T) {
	store := &gatedStore{
		memStore: &memStore{},
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	m, err := NewManager(store, Deps{Backend: &scriptedBackend{}, Runner: &fakeRunner{}}, Options{FlushInterval: time.Hour})
	require.NoError(t, err)
	defer m.Close()

	imported := model.NewSession("imported", "llama3")
	data, err := storage.Export(config.DefaultSettings(), []*model.Session{imported})
	require.NoError(t, err)

	flushed := make(chan error, 1)
	go func() { flushed <- m.Flush() }()
	<-store.entered

	importDone := make(chan error, 1)
	go func() { importDone <- m.Import(data) }()

	// Give the import a chance to race the stale write.
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	require.NoError(t, <-flushed)
	require.NoError(t, <-importDone)
	assert.Equal(t, []string{imported.ID}, ids(store.saved()))
	assert.Equal(t, []string{imported.ID}, ids(m.Sessions()))
}

func TestImport_WaitsForGeneration(t *testing.T) {
	f := newFixture(t)
	f.backend.hang = true
	f.backend.started = make(chan struct{}, 1)

	gen, err := f.m.Controller().Submit(Input{Content: "long question"})
	require.NoError(t, err)
	<-f.backend.started

	imported := model.NewSession("imported", "llama3")
	data, err := storage.Export(config.DefaultSettings(), []*model.Session{imported})
	require.NoError(t, err)
	require.NoError(t, f.m.Import(data))

	select {
	case <-gen.Done():
	default:
		t.Fatal("import returned before the generation settled")
	}
	assert.Equal(t, generation.StateCancelled, gen.Wait().State)

	require.NoError(t, f.m.Flush())
	assert.Equal(t, []string{imported.ID}, ids(f.store.saved()))
}

func TestImport_SettingsOnly(t *testing.T) {
	f := newFixture(t)
	before := ids(f.m.Sessions())

	require.NoError(t, f.m.Import([]byte(`{"settings": {"language": "ar", "selectedModel": "qwen"}}`)))
	assert.True(t, f.m.Settings().IsArabic())
	assert.Equal(t, "qwen", f.m.Settings().SelectedModel)
	assert.Equal(t, before, ids(f.m.Sessions()))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	st := f.m.Status()
	assert.Equal(t, 1, st.Sessions)
	assert.Equal(t, f.m.ActiveID(), st.ActiveID)

	f.m.MarkDirty()
	assert.True(t, f.m.IsDirty())
	require.NoError(t, f.m.Flush())
	assert.False(t, f.m.IsDirty())
}
