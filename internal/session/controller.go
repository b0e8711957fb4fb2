// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"

	"github.com/jeranaias/karawan/internal/generation"
	"github.com/jeranaias/karawan/internal/logger"
	"github.com/jeranaias/karawan/internal/model"
	"github.com/jeranaias/karawan/internal/permission"
	"github.com/jeranaias/karawan/internal/stream"
)

var (
	// ErrEmptyInput is returned for a submission with no text and no file.
	ErrEmptyInput = errors.New("empty message")

	// ErrNarrationActive is returned when waitForFinish is set and the
	// previous answer is still being narrated.
	ErrNarrationActive = errors.New("narration in progress")
)

// Controller drives generations and permission decisions for the active
// session.
type Controller struct {
	m         *Manager
	sessionID string
	tr        transcript

	coord *generation.Coordinator
	gate  *permission.Gate

	// ctx spans the controller's life; generations derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	// deciding is set while an allowed command runs and its result turn
	// is submitted. Other submissions are refused meanwhile.
	deciding bool
}

type decisionKey struct{}

func newController(m *Manager, sessionID string) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		m:         m,
		sessionID: sessionID,
		tr:        transcript{m: m, id: sessionID},
		ctx:       ctx,
		cancel:    cancel,
	}

	c.gate = permission.NewGate(m.deps.Runner, c.tr, c, func(cmd string) string {
		s := m.Settings()
		return s.PermissionPrompt(cmd)
	})

	cfg := generation.Config{
		Backend:    m.deps.Backend,
		Transcript: c.tr,
		Directives: c,
		OnSettled:  c.settled,
	}
	if m.deps.Narrator != nil {
		cfg.Narrator = m.deps.Narrator
	}
	if m.deps.OnDelta != nil {
		cfg.OnDelta = func(messageID string, d stream.Delta) {
			m.deps.OnDelta(sessionID, messageID, d)
		}
	}
	c.coord = generation.New(cfg)

	logger.Debug("session controller started", "session", sessionID)
	return c
}

// SessionID returns the session this controller drives.
func (c *Controller) SessionID() string { return c.sessionID }

// Submit sends a user turn and starts a generation for it.
func (c *Controller) Submit(in Input) (*generation.Generation, error) {
	if in.Empty() {
		return nil, ErrEmptyInput
	}
	settings := c.m.Settings()
	if settings.WaitForFinish && c.m.deps.Narrator != nil && c.m.deps.Narrator.Active() {
		return nil, ErrNarrationActive
	}
	return c.submitFrom(context.Background(), in)
}

// SubmitTurn sends content as a user turn without the narration check.
// Command results come back this way.
func (c *Controller) SubmitTurn(ctx context.Context, content string) error {
	_, err := c.submitFrom(ctx, Input{Content: content})
	return err
}

// submitFrom appends the user turn and starts a generation. ctx only
// identifies the caller: a turn chained from directive handling or from
// the decision holding the reservation gets through, everything else
// waits for the controller to be idle.
func (c *Controller) submitFrom(ctx context.Context, in Input) (*generation.Generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	base := c.ctx
	if generation.Chained(ctx) {
		if c.coord.State() == generation.StateStreaming {
			return nil, generation.ErrBusy
		}
		base = ctx
	} else {
		own := ctx.Value(decisionKey{}) == c
		if c.coord.Busy() || (c.deciding && !own) {
			return nil, generation.ErrBusy
		}
	}

	msg, err := c.tr.appendUserTurn(in)
	if err != nil {
		return nil, err
	}

	settings := c.m.Settings()
	opts := generation.Options{
		Model:        settings.SelectedModel,
		SystemPrompt: settings.SystemPrompt(),
		AutoSpeak:    settings.AutoSpeak,
	}
	gen, err := c.coord.Start(base, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("generation started", "session", c.sessionID, "user", msg.ID, "draft", gen.MessageID(), "model", opts.Model)
	return gen, nil
}

// Cancel aborts the streaming generation.
func (c *Controller) Cancel() bool {
	return c.coord.Cancel()
}

// Busy reports whether a generation is streaming or an allowed command
// is still being executed.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	deciding := c.deciding
	c.mu.Unlock()
	return deciding || c.coord.Busy()
}

// Current returns the latest generation, or nil.
func (c *Controller) Current() *generation.Generation {
	return c.coord.Current()
}

// State returns the state of the latest generation.
func (c *Controller) State() generation.State {
	return c.coord.State()
}

// Decide resolves a permission request. Allowing needs an idle
// controller, since the command result goes back as a new turn: while a
// generation is in flight the request stays pending and ErrBusy is
// returned. Denying is always possible.
func (c *Controller) Decide(ctx context.Context, requestID string, allowed, always bool) error {
	if !allowed {
		return c.gate.Decide(ctx, requestID, false, always)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.deciding || c.coord.Busy() {
		c.mu.Unlock()
		return generation.ErrBusy
	}
	c.deciding = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.deciding = false
		c.mu.Unlock()
	}()
	return c.gate.Decide(context.WithValue(ctx, decisionKey{}, c), requestID, true, always)
}

// AlwaysAllow reports the session's standing grant.
func (c *Controller) AlwaysAllow() bool {
	return c.gate.AlwaysAllow()
}

// SetAlwaysAllow sets or clears the standing grant.
func (c *Controller) SetAlwaysAllow(v bool) {
	c.gate.SetAlwaysAllow(v)
}

// PendingRequest returns the newest undecided permission request.
func (c *Controller) PendingRequest() *model.Message {
	msgs := c.tr.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsPending() {
			return msgs[i]
		}
	}
	return nil
}

// HandleDirective routes a directive to the gate when the bridge is
// enabled.
func (c *Controller) HandleDirective(ctx context.Context, command string) (*model.Message, error) {
	if !c.m.Settings().BridgeEnabled {
		logger.Info("directive ignored, bridge disabled", "command", command)
		return nil, nil
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.gate.HandleDirective(ctx, command)
}

func (c *Controller) settled(res *generation.Result) {
	logger.Info("generation settled",
		"session", c.sessionID,
		"message", res.MessageID,
		"state", res.State,
		"duration", res.Duration,
	)
	if fn := c.m.deps.OnSettled; fn != nil {
		fn(c.sessionID, res, c.m.Settings())
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// halt cancels generations until none is left running, including one
// chained from a directive of the cancelled one.
func (c *Controller) halt() {
	for {
		c.coord.Cancel()
		g := c.coord.Current()
		if g == nil {
			return
		}
		<-g.Done()
		if c.coord.Current() == g {
			return
		}
	}
}

// close cancels the in-flight generation and refuses new ones.
func (c *Controller) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.coord.Cancel()
	c.cancel()
	logger.Debug("session controller closed", "session", c.sessionID)
}
