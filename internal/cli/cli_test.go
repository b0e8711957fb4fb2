// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/karawan/internal/app"
	"github.com/jeranaias/karawan/internal/config"
	"github.com/jeranaias/karawan/internal/model"
	"github.com/jeranaias/karawan/internal/narration"
	"github.com/jeranaias/karawan/internal/session"
	"github.com/jeranaias/karawan/internal/storage"
)

// =============================================================================
// COMMAND HELPERS
// =============================================================================

// writeConfig creates a config file pointing at a fresh data directory.
func writeConfig(t *testing.T) (path, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	path = filepath.Join(dir, "config.toml")
	body := fmt.Sprintf("data_dir = %q\n\n[storage]\nbackend = \"file\"\n\n[log]\nlevel = \"error\"\n", dataDir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path, dataDir
}

func seedSessions(t *testing.T, dataDir string, sessions ...*model.Session) {
	t.Helper()
	kv, err := storage.Open("file", dataDir)
	require.NoError(t, err)
	store := storage.NewStore(kv)
	defer store.Close()
	require.NoError(t, store.SaveSessions(sessions))
}

func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func sampleSession(title string) *model.Session {
	s := model.NewSession(title, "llama3")
	s.Append(model.NewUserMessage("hello"))
	answer := model.NewAssistantDraft()
	answer.Content = "Hi."
	s.Append(answer)
	return s
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestVersionCommand_JSON(t *testing.T) {
	out, _, err := runCLI(t, "", "version", "--json")
	require.NoError(t, err)

	var resp struct {
		Success bool        `json:"success"`
		Command string      `json:"command"`
		Data    VersionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "version", resp.Command)
	assert.Equal(t, Version, resp.Data.Version)
	assert.NotEmpty(t, resp.Data.GoVersion)
}

func TestSessionsList(t *testing.T) {
	cfgPath, dataDir := writeConfig(t)
	seedSessions(t, dataDir, sampleSession("Travel plans"), sampleSession("Recipes"))

	out, _, err := runCLI(t, "", "--config", cfgPath, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Travel plans")
	assert.Contains(t, out, "Recipes")
	assert.Contains(t, out, "2 msgs")

	out, _, err = runCLI(t, "", "--config", cfgPath, "--json", "sessions", "list")
	require.NoError(t, err)
	var resp struct {
		Data []SessionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, 2, resp.Data[0].Messages)
}

func TestSessionsShow(t *testing.T) {
	cfgPath, dataDir := writeConfig(t)
	s := sampleSession("Travel plans")
	seedSessions(t, dataDir, s)

	out, _, err := runCLI(t, "", "--config", cfgPath, "sessions", "show", s.ID[:6])
	require.NoError(t, err)
	assert.Contains(t, out, "Travel plans")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "Hi.")

	_, _, err = runCLI(t, "", "--config", cfgPath, "sessions", "show", "zzzz")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
	assert.Equal(t, ExitNotFoundError, ExitCode(err))
}

func TestSessionsExportImport(t *testing.T) {
	cfgPath, dataDir := writeConfig(t)
	original := sampleSession("Keep me")
	seedSessions(t, dataDir, original)

	backup := filepath.Join(t.TempDir(), "backup.json")
	_, _, err := runCLI(t, "", "--config", cfgPath, "sessions", "export", backup)
	require.NoError(t, err)

	seedSessions(t, dataDir, sampleSession("Replace me"))

	out, _, err := runCLI(t, "", "--config", cfgPath, "sessions", "import", backup)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 sessions")

	out, _, err = runCLI(t, "", "--config", cfgPath, "--json", "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, original.ID)
	assert.NotContains(t, out, "Replace me")
}

func TestSessionsImport_RejectsInvalid(t *testing.T) {
	cfgPath, dataDir := writeConfig(t)
	seedSessions(t, dataDir, sampleSession("Untouched"))

	_, _, err := runCLI(t, `{"theme":"dark"}`, "--config", cfgPath, "sessions", "import", "-")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrInvalidBackup))
	assert.Equal(t, ExitConfigError, ExitCode(err))

	out, _, err := runCLI(t, "", "--config", cfgPath, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Untouched")
}

func TestFindSession(t *testing.T) {
	a := &model.Session{ID: "abc123"}
	b := &model.Session{ID: "abd456"}
	sessions := []*model.Session{a, b}

	got, err := findSession(sessions, "abc123")
	require.NoError(t, err)
	assert.Same(t, a, got)

	got, err = findSession(sessions, "abd")
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = findSession(sessions, "ab")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = findSession(sessions, "x")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"not found", &NotFoundError{Resource: "session", ID: "x"}, ExitNotFoundError},
		{"session not found", session.ErrSessionNotFound, ExitNotFoundError},
		{"invalid settings", config.ValidateErrors{{Field: "settings.language", Message: "bad"}}, ExitConfigError},
		{"wrapped backup", &CommandError{Command: "sessions import", Err: storage.ErrInvalidBackup}, ExitConfigError},
		{"not interactive", errNotInteractive, ExitUsageError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestDisplayError_JSON(t *testing.T) {
	var buf bytes.Buffer
	DisplayError(&buf, &CommandError{Command: "models", Action: "list", Reason: "unreachable"}, true)

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "models", out["command"])
}

func TestRenderSessions(t *testing.T) {
	now := time.Now()
	s1 := &model.Session{ID: "11111111-aaaa", Title: "مرحبا بالعالم", CreatedAt: now.Add(-2 * time.Hour)}
	s2 := &model.Session{ID: "22222222-bbbb", Title: strings.Repeat("long title ", 10), CreatedAt: now}

	var buf bytes.Buffer
	renderSessions(&buf, []*model.Session{s1, s2}, s2.ID, now)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "11111111")
	assert.Contains(t, lines[0], "2 hours ago")
	assert.True(t, strings.HasPrefix(lines[1], "*"))
	assert.Contains(t, lines[1], "...")
}

// =============================================================================
// REPL
// =============================================================================

type chatBackend struct {
	mu      sync.Mutex
	answers []string
	calls   int
}

func (b *chatBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	answer := "ok."
	if b.calls < len(b.answers) {
		answer = b.answers[b.calls]
	}
	b.calls++
	b.mu.Unlock()

	fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", answer)
	fmt.Fprintln(w, `{"done":true}`)
}

type fakeBridge struct {
	mu   sync.Mutex
	runs []string
}

func (b *fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/run":
		var body struct {
			Command string `json:"command"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.runs = append(b.runs, body.Command)
		b.mu.Unlock()
		fmt.Fprint(w, `{"output":"a.txt"}`)
	case "/api/read":
		fmt.Fprintf(w, `{"content":"contents of %s"}`, r.URL.Query().Get("path"))
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func newREPL(t *testing.T, answers ...string) (*repl, *bytes.Buffer, *fakeBridge) {
	t.Helper()
	llm := httptest.NewServer(&chatBackend{answers: answers})
	t.Cleanup(llm.Close)
	fb := &fakeBridge{}
	br := httptest.NewServer(fb)
	t.Cleanup(br.Close)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Log.Level = "error"
	cfg.Storage.FlushIntervalMs = 10
	cfg.Settings.OllamaURL = llm.URL
	cfg.Settings.BridgeBackendURL = br.URL

	kv, err := storage.NewFileKV(t.TempDir())
	require.NoError(t, err)

	var buf bytes.Buffer
	r := &repl{out: &buf}
	a, err := app.New(cfg, app.Options{OnDelta: r.delta, Engine: narration.Silent{}, KV: kv})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	r.app = a
	return r, &buf, fb
}

func activeTranscript(t *testing.T, r *repl) []*model.Message {
	t.Helper()
	s, err := r.app.Sessions.Session(r.app.Sessions.ActiveID())
	require.NoError(t, err)
	return s.Messages
}

func TestREPL_Send(t *testing.T) {
	r, out, _ := newREPL(t, "Hello from the model.")
	ctx := context.Background()

	require.NoError(t, r.handle(ctx, "hi there"))
	assert.Contains(t, out.String(), "Hello from the model.")

	msgs := activeTranscript(t, r)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi there", msgs[0].Content)
}

func TestREPL_PermissionFlow(t *testing.T) {
	r, out, fb := newREPL(t, "Let me look.\nDIRECTIVE_RUN: ls /tmp", "There is one file.")
	ctx := context.Background()

	require.NoError(t, r.handle(ctx, "what is in /tmp?"))
	assert.Contains(t, out.String(), "Permission required for: `ls /tmp`")
	assert.Contains(t, out.String(), "/allow")

	require.NoError(t, r.handle(ctx, "/allow"))
	assert.Equal(t, []string{"ls /tmp"}, fb.runs)
	assert.Contains(t, out.String(), "There is one file.")

	msgs := activeTranscript(t, r)
	require.Len(t, msgs, 5)
	assert.Equal(t, model.DirectiveAllowed, msgs[2].DirectiveStatus)
	assert.Contains(t, msgs[3].Content, "[STDOUT] a.txt")

	assert.ErrorContains(t, r.handle(ctx, "/deny"), "no command is waiting")
}

func TestREPL_Deny(t *testing.T) {
	r, _, fb := newREPL(t, "DIRECTIVE_RUN: rm -rf build")
	ctx := context.Background()

	require.NoError(t, r.handle(ctx, "clean up"))
	require.NoError(t, r.handle(ctx, "/deny"))
	assert.Empty(t, fb.runs)

	msgs := activeTranscript(t, r)
	require.Len(t, msgs, 3)
	assert.Equal(t, model.DirectiveDenied, msgs[2].DirectiveStatus)
}

func TestREPL_ReadAttachesBridgeFile(t *testing.T) {
	r, _, _ := newREPL(t, "Looks fine.")
	require.NoError(t, r.handle(context.Background(), "/read /etc/hosts"))

	msgs := activeTranscript(t, r)
	require.Len(t, msgs, 2)
	require.NotNil(t, msgs[0].Attachment)
	assert.Equal(t, "hosts", msgs[0].Attachment.Name)
	assert.Contains(t, msgs[0].Content, "[FILE: hosts]")
	assert.Contains(t, msgs[0].Content, "contents of /etc/hosts")
}

func TestREPL_EditResends(t *testing.T) {
	r, _, _ := newREPL(t, "First.", "Second.")
	ctx := context.Background()

	require.NoError(t, r.handle(ctx, "one"))
	first := activeTranscript(t, r)[0]

	require.NoError(t, r.handle(ctx, "/edit "+first.ID[:8]+" two"))
	msgs := activeTranscript(t, r)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "Second.", msgs[1].Content)
}

func TestREPL_SessionsAndQuit(t *testing.T) {
	r, out, _ := newREPL(t)
	ctx := context.Background()

	first := r.app.Sessions.ActiveID()
	require.NoError(t, r.handle(ctx, "/new"))
	assert.NotEqual(t, first, r.app.Sessions.ActiveID())

	require.NoError(t, r.handle(ctx, "/open "+first[:8]))
	assert.Equal(t, first, r.app.Sessions.ActiveID())

	require.NoError(t, r.handle(ctx, "/sessions"))
	assert.Contains(t, out.String(), first[:8])

	assert.ErrorContains(t, r.handle(ctx, "/bogus"), "unknown command")
	assert.ErrorIs(t, r.handle(ctx, "/quit"), errQuit)
}

type scriptedLines struct{ lines []string }

func (s *scriptedLines) ReadLine(string) (string, error) {
	if len(s.lines) == 0 {
		return "", errors.New("EOF")
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func TestREPL_Run(t *testing.T) {
	r, out, _ := newREPL(t, "Pong.")
	err := r.run(context.Background(), &scriptedLines{lines: []string{"ping", "/nope", "/quit", "never sent"}})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "Pong.")
	assert.Contains(t, out.String(), "unknown command")
	assert.Len(t, activeTranscript(t, r), 2)
}
