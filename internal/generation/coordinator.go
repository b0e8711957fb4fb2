// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/karawan/internal/logger"
	"github.com/jeranaias/karawan/internal/model"
	"github.com/jeranaias/karawan/internal/ollama"
	"github.com/jeranaias/karawan/internal/permission"
	"github.com/jeranaias/karawan/internal/stream"
)

// ErrBusy is returned when a generation is already streaming.
var ErrBusy = errors.New("a generation is already in progress")

// =============================================================================
// STATE
// =============================================================================

// State is the lifecycle position of a generation.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a generation.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Backend streams chat completions. *ollama.Client implements it.
type Backend interface {
	ChatStream(ctx context.Context, req ollama.ChatRequest, fn ollama.DeltaHandler) (*ollama.StreamResult, error)
}

// Transcript is the session a generation writes into. Messages returns
// copies; Update edits a message in place under the owner's lock.
type Transcript interface {
	Messages() []*model.Message
	Append(msg *model.Message) error
	Update(id string, fn func(*model.Message) error) error
	Persist() error
}

// Narrator speaks answers.
type Narrator interface {
	Stream(messageID, text string)
	Finish(messageID, text string, speakTail bool)
	Speak(messageID, text string)
	Streamed(messageID string) bool
	Stop()
}

// DirectiveHandler receives the command found in a completed answer.
type DirectiveHandler interface {
	HandleDirective(ctx context.Context, command string) (*model.Message, error)
}

// Options are resolved from settings for each generation.
type Options struct {
	Model        string
	SystemPrompt string
	AutoSpeak    bool
}

// Config wires a coordinator. Narrator, Directives and the hooks are
// optional.
type Config struct {
	Backend    Backend
	Transcript Transcript
	Narrator   Narrator
	Directives DirectiveHandler

	// OnDelta observes every decoded increment of the draft.
	OnDelta func(messageID string, delta stream.Delta)

	// OnSettled runs after a generation reached its terminal state and
	// its directive, if any, was handled.
	OnSettled func(res *Result)
}

// =============================================================================
// RESULT
// =============================================================================

// Result describes a finished generation.
type Result struct {
	MessageID string
	State     State
	Answer    string
	Reasoning string

	// Directive is the command found in a completed answer.
	Directive string

	// Request is the pending permission message, when one was appended.
	Request *model.Message

	Err      error
	Duration time.Duration
}

// Generation is a handle on one running generation.
type Generation struct {
	messageID string
	cancel    context.CancelFunc
	done      chan struct{}
	result    *Result
}

// MessageID returns the id of the assistant draft.
func (g *Generation) MessageID() string { return g.messageID }

// Done is closed when the generation has settled.
func (g *Generation) Done() <-chan struct{} { return g.done }

// Wait blocks until the generation settles and returns its result.
func (g *Generation) Wait() *Result {
	<-g.done
	return g.result
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator owns the in-flight generation of one session.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	state   State
	current *Generation

	// settling is the completed generation whose directive is still
	// being handled. Only a start chained from that handling may begin.
	settling *Generation
}

type chainKey struct{}

// Chained reports whether ctx was handed out while a completed
// generation handles its directive. Start accepts such a context while
// the coordinator is otherwise still settling.
func Chained(ctx context.Context) bool {
	_, ok := ctx.Value(chainKey{}).(*Generation)
	return ok
}

// New creates an idle coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// State returns the state of the latest generation.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether a generation is streaming or a completed one is
// still handling its directive.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateStreaming || c.settling != nil
}

// Current returns the latest generation, or nil.
func (c *Coordinator) Current() *Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Start appends an assistant draft and begins streaming into it. The
// history sent to the model is the transcript as it was before the draft.
// ctx bounds the whole generation; Cancel ends it early.
func (c *Coordinator) Start(ctx context.Context, opts Options) (*Generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStreaming {
		return nil, ErrBusy
	}
	if c.settling != nil {
		if g, _ := ctx.Value(chainKey{}).(*Generation); g != c.settling {
			return nil, ErrBusy
		}
		c.settling = nil
	}

	history := c.cfg.Transcript.Messages()
	draft := model.NewAssistantDraft()
	if err := c.cfg.Transcript.Append(draft); err != nil {
		return nil, err
	}

	if c.cfg.Narrator != nil {
		c.cfg.Narrator.Stop()
	}

	genCtx, cancel := context.WithCancel(ctx)
	gen := &Generation{
		messageID: draft.ID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.state = StateStreaming
	c.current = gen

	req := ollama.ChatRequest{
		Model:    opts.Model,
		Messages: BuildHistory(opts.SystemPrompt, history),
	}
	go c.run(ctx, genCtx, gen, req, opts)
	return gen, nil
}

// Generate starts a generation and waits for it to settle.
func (c *Coordinator) Generate(ctx context.Context, opts Options) (*Result, error) {
	gen, err := c.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return gen.Wait(), nil
}

// Cancel aborts the streaming generation. It reports whether there was
// one.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming || c.current == nil {
		return false
	}
	c.current.cancel()
	return true
}

// BuildHistory converts a transcript into backend messages, system prompt
// first. Empty messages are skipped.
func BuildHistory(systemPrompt string, msgs []*model.Message) []ollama.Message {
	out := make([]ollama.Message, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, ollama.Message{Role: string(model.RoleSystem), Content: systemPrompt})
	}
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, ollama.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// =============================================================================
// STREAM LOOP
// =============================================================================

func (c *Coordinator) run(parent, ctx context.Context, gen *Generation, req ollama.ChatRequest, opts Options) {
	defer gen.cancel()
	start := time.Now()
	id := gen.messageID

	var answer, reasoning strings.Builder
	onDelta := func(d stream.Delta) {
		answer.WriteString(d.Answer)
		reasoning.WriteString(d.Reasoning)
		a, r := answer.String(), reasoning.String()

		if err := c.cfg.Transcript.Update(id, func(m *model.Message) error {
			m.Content = a
			m.Thought = r
			return nil
		}); err != nil {
			logger.Warn("draft update failed", "message", id, "err", err)
		}
		if c.cfg.OnDelta != nil {
			c.cfg.OnDelta(id, d)
		}
		if opts.AutoSpeak && d.Answer != "" && c.cfg.Narrator != nil {
			c.cfg.Narrator.Stream(id, a)
		}
	}

	_, err := c.cfg.Backend.ChatStream(ctx, req, onDelta)

	res := &Result{
		MessageID: id,
		Answer:    answer.String(),
		Reasoning: reasoning.String(),
		Duration:  time.Since(start),
	}
	switch {
	case err == nil:
		res.State = StateCompleted
	case errors.Is(err, context.Canceled):
		res.State = StateCancelled
	default:
		res.State = StateFailed
		res.Err = err
		logger.Error("generation failed", "message", id, "model", req.Model, "err", err)
		if uerr := c.cfg.Transcript.Update(id, func(m *model.Message) error {
			m.Error = err.Error()
			return nil
		}); uerr != nil {
			logger.Warn("draft update failed", "message", id, "err", uerr)
		}
	}

	if perr := c.cfg.Transcript.Persist(); perr != nil {
		logger.Warn("persist transcript failed", "err", perr)
	}

	c.narrate(res, opts)

	c.mu.Lock()
	c.state = res.State
	if res.State == StateCompleted {
		c.settling = gen
	}
	c.mu.Unlock()

	logger.Debug("generation settled", "message", id, "state", res.State, "duration", res.Duration)

	if res.State == StateCompleted {
		c.directive(context.WithValue(parent, chainKey{}, gen), res)
		c.mu.Lock()
		if c.settling == gen {
			c.settling = nil
		}
		c.mu.Unlock()
	}
	if c.cfg.OnSettled != nil {
		c.cfg.OnSettled(res)
	}

	gen.result = res
	close(gen.done)
}

// narrate finishes narration of the answer. A streamed message gets its
// trailing fragment spoken once; otherwise the whole answer is spoken as
// one utterance. Cancelled and failed answers only drain what is queued.
func (c *Coordinator) narrate(res *Result, opts Options) {
	if !opts.AutoSpeak || c.cfg.Narrator == nil {
		return
	}
	n := c.cfg.Narrator
	switch {
	case n.Streamed(res.MessageID):
		n.Finish(res.MessageID, res.Answer, res.State == StateCompleted)
	case res.State == StateCompleted:
		n.Speak(res.MessageID, res.Answer)
	}
}

func (c *Coordinator) directive(ctx context.Context, res *Result) {
	cmd, ok := permission.Detect(res.Answer)
	if !ok {
		return
	}
	res.Directive = cmd
	if c.cfg.Directives == nil {
		return
	}
	req, err := c.cfg.Directives.HandleDirective(ctx, cmd)
	if err != nil {
		logger.Warn("directive handling failed", "command", cmd, "err", err)
	}
	res.Request = req
}
