// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package permission

import (
	"context"
	"errors"
	"sync"

	"github.com/jeranaias/karawan/internal/bridge"
	"github.com/jeranaias/karawan/internal/logger"
	"github.com/jeranaias/karawan/internal/model"
)

var (
	// ErrUnknownRequest is returned when a decision names a message that
	// is not a permission request.
	ErrUnknownRequest = errors.New("unknown permission request")

	// ErrNotPending is returned when a request was already decided.
	ErrNotPending = errors.New("permission request already decided")
)

// Runner executes commands. *bridge.Client implements it.
type Runner interface {
	Run(ctx context.Context, command string) (bridge.RunResult, error)
}

// Transcript is the part of a session the gate writes to. Update returns
// model.ErrMessageNotFound for unknown ids.
type Transcript interface {
	Append(msg *model.Message) error
	Update(id string, fn func(*model.Message) error) error
}

// Submitter sends a new user turn to the model.
type Submitter interface {
	SubmitTurn(ctx context.Context, content string) error
}

// Gate holds the permission state of one session.
type Gate struct {
	runner     Runner
	transcript Transcript
	submitter  Submitter
	prompt     func(command string) string

	mu          sync.Mutex
	alwaysAllow bool
}

// NewGate creates a gate. prompt renders the content of a request message.
func NewGate(runner Runner, transcript Transcript, submitter Submitter, prompt func(string) string) *Gate {
	if prompt == nil {
		prompt = func(cmd string) string { return "Permission required for: `" + cmd + "`" }
	}
	return &Gate{
		runner:     runner,
		transcript: transcript,
		submitter:  submitter,
		prompt:     prompt,
	}
}

// AlwaysAllow reports whether the session holds a standing grant.
func (g *Gate) AlwaysAllow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.alwaysAllow
}

// SetAlwaysAllow sets or clears the standing grant.
func (g *Gate) SetAlwaysAllow(v bool) {
	g.mu.Lock()
	g.alwaysAllow = v
	g.mu.Unlock()
}

// HandleDirective takes the command extracted from a finished answer.
// Under a standing grant it runs at once; otherwise a pending request is
// appended to the transcript and the returned message is that request.
func (g *Gate) HandleDirective(ctx context.Context, command string) (*model.Message, error) {
	if risks := Assess(command); len(risks) > 0 {
		logger.Warn("risky directive", "command", command, "risks", risks)
	}

	if g.AlwaysAllow() {
		return nil, g.execute(ctx, command)
	}

	req := model.NewPermissionRequest(g.prompt(command), command)
	if err := g.transcript.Append(req); err != nil {
		return nil, err
	}
	logger.Info("permission requested", "id", req.ID, "command", command)
	return req, nil
}

// Decide resolves a pending request. always sets the standing grant for
// the rest of the session. Allowed commands are executed and their result
// is submitted as a new user turn before Decide returns.
func (g *Gate) Decide(ctx context.Context, requestID string, allowed, always bool) error {
	var command string
	err := g.transcript.Update(requestID, func(m *model.Message) error {
		if !m.IsPermissionRequest() {
			return ErrUnknownRequest
		}
		if !m.IsPending() {
			return ErrNotPending
		}
		command = m.DirectiveCommand
		if allowed {
			m.DirectiveStatus = model.DirectiveAllowed
		} else {
			m.DirectiveStatus = model.DirectiveDenied
		}
		return nil
	})
	if errors.Is(err, model.ErrMessageNotFound) {
		return ErrUnknownRequest
	}
	if err != nil {
		return err
	}

	if always {
		g.SetAlwaysAllow(true)
	}
	logger.Info("permission decided", "id", requestID, "allowed", allowed, "always", always)

	if !allowed {
		return nil
	}
	return g.execute(ctx, command)
}

func (g *Gate) execute(ctx context.Context, command string) error {
	res, err := g.runner.Run(ctx, command)
	if err != nil {
		logger.Warn("bridge command failed", "command", command, "err", err)
	}
	return g.submitter.SubmitTurn(ctx, ResultTurn(res))
}
