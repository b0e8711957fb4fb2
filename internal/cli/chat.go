// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/karawan/internal/app"
	"github.com/jeranaias/karawan/internal/generation"
	"github.com/jeranaias/karawan/internal/model"
	"github.com/jeranaias/karawan/internal/session"
	"github.com/jeranaias/karawan/internal/stream"
)

func newChatCommand(g *Globals) *cobra.Command {
	var (
		sessionID string
		thoughts  bool
		noRender  bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat in the terminal",
		Long: `Start an interactive chat. Answers stream as they arrive. Type /help
for the slash commands; Ctrl+C stops a running answer, Ctrl+D quits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !IsTTY() {
				return errNotInteractive
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			r := &repl{out: g.out, thoughts: thoughts, markdown: !noRender && IsStdoutTTY()}
			a, err := app.New(cfg, app.Options{ConfigPath: g.watchPath(), OnDelta: r.delta})
			if err != nil {
				return &CommandError{Command: "chat", Action: "start", Reason: "cannot assemble client", Err: err}
			}
			defer a.Close()
			r.app = a

			if sessionID != "" {
				if err := r.open(sessionID); err != nil {
					return err
				}
			}

			input := NewChatInput(filepath.Join(cfg.DataDir, "chat_history"))
			defer input.Close()
			return r.run(cmd.Context(), input)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume a session by id or id prefix")
	cmd.Flags().BoolVar(&thoughts, "thoughts", false, "Show the model's reasoning")
	cmd.Flags().BoolVar(&noRender, "raw", false, "Stream plain text instead of rendering markdown")
	return cmd
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatInput is a line editor with persistent history.
type ChatInput struct {
	line        *liner.State
	historyFile string
}

// NewChatInput creates a line editor and loads its history.
func NewChatInput(historyFile string) *ChatInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	c := &ChatInput{line: line, historyFile: historyFile}
	if f, err := os.Open(historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// ReadLine prompts for one line and records it in the history.
func (c *ChatInput) ReadLine(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close writes the history and restores the terminal.
func (c *ChatInput) Close() {
	if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
		c.line.WriteHistory(f)
		f.Close()
	}
	c.line.Close()
}

// LineReader is the input side of the REPL.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// =============================================================================
// REPL
// =============================================================================

type repl struct {
	app      *app.App
	out      io.Writer
	thoughts bool
	markdown bool

	mu        sync.Mutex
	reasoning bool // inside a reasoning run of deltas
}

// errQuit ends the loop.
var errQuit = errors.New("quit")

func (r *repl) run(ctx context.Context, in LineReader) error {
	r.banner()
	for {
		line, err := in.ReadLine(PromptStyle.Render("karawan> "))
		if err != nil {
			// Ctrl+C at the prompt and Ctrl+D both end the session.
			fmt.Fprintln(r.out)
			return nil
		}
		if err := r.handle(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			DisplayError(r.out, err, false)
		}
	}
}

func (r *repl) banner() {
	s := r.app.Sessions.Settings()
	fmt.Fprintf(r.out, "%s %s\n", TitleStyle.Render("karawan"), DimStyle.Render(Version))
	fmt.Fprintf(r.out, "%s %s\n", RenderLabel("model"), s.SelectedModel)
	fmt.Fprintf(r.out, "%s %s\n", RenderLabel("server"), r.app.Ollama.BaseURL())
	if s.BridgeEnabled {
		fmt.Fprintf(r.out, "%s %s\n", RenderLabel("bridge"), r.app.Bridge.BaseURL())
	}
	fmt.Fprintln(r.out, DimStyle.Render("Type /help for commands."))
	fmt.Fprintln(r.out)
}

// handle executes one input line.
func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return r.send(ctx, session.Input{Content: line})
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	ctrl := r.app.Sessions.Controller()
	if ctrl == nil {
		return session.ErrClosed
	}

	switch name {
	case "/quit", "/exit", "/q":
		return errQuit
	case "/help", "/?":
		r.help()
	case "/stop":
		ctrl.Cancel()
		r.app.Narrator.Stop()
	case "/allow", "/always", "/deny":
		return r.decide(ctx, ctrl, name != "/deny", name == "/always")
	case "/speak":
		return r.speak(rest)
	case "/edit":
		id, text, _ := strings.Cut(rest, " ")
		msg, err := r.find(id)
		if err != nil {
			return err
		}
		return r.send(ctx, session.Input{Content: text, ResendID: msg.ID})
	case "/read":
		if rest == "" {
			return fmt.Errorf("usage: /read <path>")
		}
		content, err := r.app.Bridge.ReadFile(ctx, rest)
		if err != nil {
			return err
		}
		return r.send(ctx, session.Input{Attachment: &session.File{Name: filepath.Base(rest), Content: content}})
	case "/new":
		s := r.app.Sessions.Create()
		fmt.Fprintf(r.out, "%s %s\n", RenderStatus("ok"), s.Title)
	case "/sessions":
		renderSessions(r.out, r.app.Sessions.Sessions(), r.app.Sessions.ActiveID(), time.Now())
	case "/open":
		return r.open(rest)
	case "/history":
		sess, err := r.app.Sessions.Session(r.app.Sessions.ActiveID())
		if err != nil {
			return err
		}
		for _, m := range sess.Messages {
			renderMessage(r.out, m, r.markdown)
		}
	default:
		return fmt.Errorf("unknown command %s (try /help)", name)
	}
	return nil
}

func (r *repl) help() {
	rows := [][2]string{
		{"/stop", "stop the running answer and narration"},
		{"/allow", "run the pending command"},
		{"/always", "run it and every later command in this session"},
		{"/deny", "refuse the pending command"},
		{"/speak [id]", "read an answer aloud, or stop reading it"},
		{"/edit <id> <text>", "replace a message and everything after it"},
		{"/read <path>", "send a bridge file for analysis"},
		{"/new", "start a new session"},
		{"/sessions", "list sessions"},
		{"/open <id>", "switch to a session"},
		{"/history", "print the current transcript"},
		{"/quit", "leave"},
	}
	for _, row := range rows {
		fmt.Fprintf(r.out, "  %s %s\n", LabelStyle.Width(20).Render(row[0]), row[1])
	}
}

func (r *repl) open(id string) error {
	s, err := findSession(r.app.Sessions.Sessions(), id)
	if err != nil {
		return err
	}
	if err := r.app.Sessions.Select(s.ID); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s %s\n", RenderStatus("ok"), s.Title)
	return nil
}

// find resolves a message id or prefix in the active session. An empty id
// is the last assistant answer.
func (r *repl) find(id string) (*model.Message, error) {
	sess, err := r.app.Sessions.Session(r.app.Sessions.ActiveID())
	if err != nil {
		return nil, err
	}
	if id == "" {
		for i := len(sess.Messages) - 1; i >= 0; i-- {
			if m := sess.Messages[i]; m.Role == model.RoleAssistant && !m.IsPermissionRequest() {
				return m, nil
			}
		}
		return nil, &NotFoundError{Resource: "answer", ID: "(last)"}
	}
	for _, m := range sess.Messages {
		if strings.HasPrefix(m.ID, id) {
			return m, nil
		}
	}
	return nil, &NotFoundError{Resource: "message", ID: id}
}

func (r *repl) speak(id string) error {
	msg, err := r.find(id)
	if err != nil {
		return err
	}
	if !r.app.Narrator.Toggle(msg.ID, msg.Content) && r.app.Listener != nil {
		r.app.Listener.Trigger()
	}
	return nil
}

func (r *repl) decide(ctx context.Context, ctrl *session.Controller, allowed, always bool) error {
	req := ctrl.PendingRequest()
	if req == nil {
		return fmt.Errorf("no command is waiting for approval")
	}
	if err := ctrl.Decide(ctx, req.ID, allowed, always); err != nil {
		return err
	}
	if !allowed {
		fmt.Fprintf(r.out, "%s %s\n", RenderStatus("denied"), req.DirectiveCommand)
		return nil
	}
	fmt.Fprintf(r.out, "%s %s\n", RenderStatus("allowed"), req.DirectiveCommand)
	r.follow(ctx, ctrl)
	return nil
}

// send submits a user turn and follows the answer.
func (r *repl) send(ctx context.Context, in session.Input) error {
	ctrl := r.app.Sessions.Controller()
	if ctrl == nil {
		return session.ErrClosed
	}
	if _, err := ctrl.Submit(in); err != nil {
		if errors.Is(err, session.ErrNarrationActive) {
			return fmt.Errorf("%w (use /stop)", err)
		}
		return err
	}
	r.follow(ctx, ctrl)
	return nil
}

// follow waits for the running generation and any generation chained from
// it by an auto-approved command. Ctrl+C cancels the one in flight.
func (r *repl) follow(ctx context.Context, ctrl *session.Controller) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	for {
		g := ctrl.Current()
		if g == nil {
			return
		}
		var res *generation.Result
		select {
		case <-g.Done():
			res = g.Wait()
		case <-ctx.Done():
			ctrl.Cancel()
			res = g.Wait()
		}
		r.settled(res)
		if ctrl.Current() == g {
			break
		}
	}

	if req := ctrl.PendingRequest(); req != nil {
		renderPermission(r.out, req)
	}
}

// delta echoes streaming text. With markdown rendering on, the answer is
// printed once it is complete instead.
func (r *repl) delta(_, _ string, d stream.Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.Reasoning != "" && r.thoughts {
		fmt.Fprint(r.out, DimStyle.Render(d.Reasoning))
		r.reasoning = true
	}
	if d.Answer != "" && !r.markdown {
		if r.reasoning {
			fmt.Fprintln(r.out)
			r.reasoning = false
		}
		fmt.Fprint(r.out, d.Answer)
	}
}

func (r *repl) settled(res *generation.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasoning = false

	if r.markdown && res.Answer != "" {
		fmt.Fprint(r.out, renderMarkdown(res.Answer))
	} else {
		fmt.Fprintln(r.out)
	}

	switch res.State {
	case generation.StateCancelled:
		fmt.Fprintln(r.out, RenderStatus("cancelled"))
	case generation.StateFailed:
		fmt.Fprintf(r.out, "%s %v\n", RenderStatus("failed"), res.Err)
	}
}
