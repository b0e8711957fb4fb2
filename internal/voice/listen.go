// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/karawan/internal/logger"
)

// DefaultDelay is the pause between the end of an answer and reopening
// the microphone.
const DefaultDelay = 300 * time.Millisecond

// Recognizer turns speech into text. Listen blocks until an utterance was
// recognized or ctx is done.
type Recognizer interface {
	Listen(ctx context.Context) (string, error)
}

// =============================================================================
// EXEC RECOGNIZER
// =============================================================================

// ExecRecognizer runs an external speech-to-text command and reads the
// recognized text from its stdout.
type ExecRecognizer struct {
	name string
	args []string
}

// NewExecRecognizer parses a command line such as "whisper-listen --lang en".
func NewExecRecognizer(command string) (*ExecRecognizer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("empty stt command")
	}
	return &ExecRecognizer{name: fields[0], args: fields[1:]}, nil
}

// Listen runs the command once.
func (r *ExecRecognizer) Listen(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, r.name, r.args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", r.name, err, msg)
		}
		return "", fmt.Errorf("%s: %w", r.name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// =============================================================================
// AUTO LISTEN
// =============================================================================

// Config wires an AutoListen.
type Config struct {
	// Enabled reports the continuous-voice setting.
	Enabled func() bool

	// Busy reports whether a generation or narration is active.
	Busy func() bool

	// Submit sends recognized text as a user turn.
	Submit func(text string) error

	Delay time.Duration
}

// AutoListen reopens voice input after each answer.
type AutoListen struct {
	rec Recognizer
	cfg Config

	mu        sync.Mutex
	timer     *time.Timer
	cancel    context.CancelFunc
	listening bool
	closed    bool
	wg        sync.WaitGroup
}

// NewAutoListen creates an idle AutoListen.
func NewAutoListen(rec Recognizer, cfg Config) *AutoListen {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	return &AutoListen{rec: rec, cfg: cfg}
}

// Trigger schedules one listen after the delay, provided continuous voice
// is on and nothing is generating or speaking. Repeated triggers before
// the delay elapses collapse into one.
func (a *AutoListen) Trigger() {
	if !a.ready() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.listening || a.timer != nil {
		return
	}
	a.wg.Add(1)
	a.timer = time.AfterFunc(a.cfg.Delay, a.fire)
}

// Listening reports whether the recognizer is running.
func (a *AutoListen) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

// Stop cancels a scheduled or running listen.
func (a *AutoListen) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

// Close stops listening and waits for the listen goroutine to exit.
func (a *AutoListen) Close() {
	a.mu.Lock()
	a.closed = true
	a.stopLocked()
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *AutoListen) stopLocked() {
	if a.timer != nil && a.timer.Stop() {
		a.wg.Done()
	}
	a.timer = nil
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *AutoListen) ready() bool {
	if a.cfg.Enabled != nil && !a.cfg.Enabled() {
		return false
	}
	if a.cfg.Busy != nil && a.cfg.Busy() {
		return false
	}
	return true
}

func (a *AutoListen) fire() {
	defer a.wg.Done()
	ready := a.ready()

	a.mu.Lock()
	a.timer = nil
	if a.closed || !ready {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.listening = true
	a.mu.Unlock()

	text, err := a.rec.Listen(ctx)

	a.mu.Lock()
	a.listening = false
	a.cancel = nil
	a.mu.Unlock()
	cancel()

	switch {
	case err != nil:
		if !errors.Is(err, context.Canceled) {
			logger.Warn("speech recognition failed", "err", err)
		}
	case text == "":
		logger.Debug("nothing recognized")
	default:
		if err := a.cfg.Submit(text); err != nil {
			logger.Warn("voice submission rejected", "err", err)
		}
	}
}
