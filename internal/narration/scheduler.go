// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package narration

import (
	"context"
	"errors"
	"sync"

	"github.com/jeranaias/karawan/internal/logger"
)

// =============================================================================
// ENGINE CONTRACT
// =============================================================================

// Utterance is one unit of synthesized speech.
type Utterance struct {
	MessageID string
	Text      string

	// Voice is an engine voice identifier; empty selects the default.
	Voice string
	Pitch float64
	Rate  float64
	// Lang is a BCP 47 tag such as "en-US" or "ar-SA".
	Lang string
}

// Engine plays utterances. Speak blocks until the utterance finishes or
// ctx is cancelled.
type Engine interface {
	Speak(ctx context.Context, u Utterance) error
}

// VoiceLister is implemented by engines that can enumerate their voices.
// Unknown voice identifiers then fall back to the engine default.
type VoiceLister interface {
	Voices(ctx context.Context) ([]string, error)
}

// Options configure utterances.
type Options struct {
	SkipCode bool
	Voice    string
	Pitch    float64
	Rate     float64
	Lang     string
}

// =============================================================================
// SCHEDULER
// =============================================================================

type queued struct {
	u     Utterance
	epoch uint64
}

// state tracks the one message being narrated.
type state struct {
	id     string
	spoken int // bytes of the answer already consumed

	active   bool // narrating and not stopped
	muted    bool // stopped by the user; later stream calls are ignored
	finished bool // no more text will arrive
	notified bool
}

// Scheduler segments answer text into utterances and feeds a single
// engine queue.
type Scheduler struct {
	engine Engine

	mu      sync.Mutex
	opts    Options
	st      state
	queue   []queued
	playing *queued
	stopCur context.CancelFunc
	epoch   uint64

	// Voice listing cache, reset when the voice setting changes. A failed
	// listing is cached as listed with no known voices.
	voices       map[string]bool
	voicesListed bool
	voicesGen    uint64

	onComplete func(messageID string)

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a scheduler and its queue consumer. Call Close to stop it.
func New(engine Engine, opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine: engine,
		opts:   opts,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// OnComplete sets the callback fired when a finished message has played
// out. It runs on the scheduler goroutine or the caller's; it must not
// block.
func (s *Scheduler) OnComplete(fn func(messageID string)) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

// SetOptions replaces the utterance options for subsequent utterances.
func (s *Scheduler) SetOptions(opts Options) {
	s.mu.Lock()
	if opts.Voice != s.opts.Voice {
		s.voices = nil
		s.voicesListed = false
		s.voicesGen++
	}
	s.opts = opts
	s.mu.Unlock()
}

// Close stops playback and the consumer goroutine.
func (s *Scheduler) Close() {
	s.Stop()
	s.cancel()
	<-s.done
}

// Stream consumes the complete sentences of text that have not been
// spoken yet. text is the full answer so far and must only grow between
// calls for the same message. A call for a different message stops the
// previous one.
func (s *Scheduler) Stream(messageID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st.id != messageID {
		s.stopLocked()
		s.st = state{id: messageID, active: true}
	}
	if s.st.muted || s.st.finished || s.st.spoken >= len(text) {
		return
	}

	units, consumed := splitUnits(text[s.st.spoken:], s.opts.SkipCode)
	for _, unit := range units {
		if clean := speakable(unit, s.opts.SkipCode); clean != "" {
			s.enqueueLocked(messageID, clean)
		}
	}
	s.st.spoken += consumed
}

// Finish marks a streamed message as complete. With speakTail set, the
// trailing text that never formed a full sentence is spoken; otherwise it
// is dropped. The completion callback fires once the queue for the
// message drains.
func (s *Scheduler) Finish(messageID, text string, speakTail bool) {
	s.mu.Lock()
	if s.st.id != messageID || s.st.muted || s.st.finished {
		s.mu.Unlock()
		return
	}

	if speakTail && s.st.spoken < len(text) {
		if clean := speakable(text[s.st.spoken:], s.opts.SkipCode); clean != "" {
			s.enqueueLocked(messageID, clean)
		}
		s.st.spoken = len(text)
	}
	s.st.finished = true

	fire := s.completeLocked()
	s.mu.Unlock()
	fire()
}

// Speak narrates a complete text as a single utterance, cancelling
// anything in flight.
func (s *Scheduler) Speak(messageID, text string) {
	s.mu.Lock()
	s.stopLocked()
	s.st = state{id: messageID, spoken: len(text), active: true, finished: true}

	if clean := speakable(text, s.opts.SkipCode); clean != "" {
		s.enqueueLocked(messageID, clean)
	}

	fire := s.completeLocked()
	s.mu.Unlock()
	fire()
}

// Toggle stops the message if it is being narrated, and otherwise speaks
// it in oneshot mode. It reports whether narration started.
func (s *Scheduler) Toggle(messageID, text string) bool {
	if s.Speaking(messageID) {
		s.Stop()
		return false
	}
	s.Speak(messageID, text)
	return true
}

// Stop cancels the current and all pending utterances. The stopped
// message is not narrated further.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

// Speaking reports whether messageID is being narrated.
func (s *Scheduler) Speaking(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.id == messageID && s.st.active
}

// Active reports whether any message is being narrated.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.active
}

// SpokenLength returns how many bytes of messageID's text have been
// consumed, or 0 for another message.
func (s *Scheduler) SpokenLength(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.id != messageID {
		return 0
	}
	return s.st.spoken
}

// Streamed reports whether messageID has streaming narration state.
func (s *Scheduler) Streamed(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.id == messageID
}

func (s *Scheduler) stopLocked() {
	s.epoch++
	s.queue = nil
	if s.stopCur != nil {
		s.stopCur()
	}
	if s.st.id != "" {
		s.st.muted = true
		s.st.active = false
	}
}

func (s *Scheduler) enqueueLocked(messageID, text string) {
	s.queue = append(s.queue, queued{
		epoch: s.epoch,
		u: Utterance{
			MessageID: messageID,
			Text:      text,
			Voice:     s.opts.Voice,
			Pitch:     s.opts.Pitch,
			Rate:      s.opts.Rate,
			Lang:      s.opts.Lang,
		},
	})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// resolveVoice drops a voice the engine does not know. The engine is
// asked once per voice setting, without holding the lock. When the
// listing fails the requested voice is kept.
func (s *Scheduler) resolveVoice(ctx context.Context, voice string) string {
	if voice == "" {
		return ""
	}
	lister, ok := s.engine.(VoiceLister)
	if !ok {
		return voice
	}

	s.mu.Lock()
	known, listed, gen := s.voices, s.voicesListed, s.voicesGen
	s.mu.Unlock()

	if !listed {
		names, err := lister.Voices(ctx)
		if err != nil && ctx.Err() != nil {
			return voice
		}
		known = nil
		if err != nil {
			logger.Debug("voice listing unavailable", "voice", voice, "err", err)
		} else {
			known = make(map[string]bool, len(names))
			for _, n := range names {
				known[n] = true
			}
		}
		s.mu.Lock()
		if s.voicesGen == gen {
			s.voices, s.voicesListed = known, true
		}
		s.mu.Unlock()
	}

	if known == nil || known[voice] {
		return voice
	}
	return ""
}

// completeLocked returns the notification to run after unlocking. The
// message is complete when it is finished and nothing of it is queued or
// playing. A cancelled utterance still winding down does not count.
func (s *Scheduler) completeLocked() func() {
	st := &s.st
	busy := s.playing != nil && s.playing.epoch == s.epoch
	if !st.finished || st.notified || st.muted || busy || len(s.queue) > 0 {
		return func() {}
	}
	st.notified = true
	st.active = false

	id, fn := st.id, s.onComplete
	return func() {
		if fn != nil {
			fn(id)
		}
	}
}

// =============================================================================
// QUEUE CONSUMER
// =============================================================================

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		item, ctx, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		item.u.Voice = s.resolveVoice(ctx, item.u.Voice)
		if ctx.Err() == nil {
			err := s.engine.Speak(ctx, item.u)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("narration failed", "message", item.u.MessageID, "err", err)
			}
		}
		s.played(item)
	}
}

func (s *Scheduler) next() (queued, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil || len(s.queue) == 0 {
		return queued{}, nil, false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]

	ctx, cancel := context.WithCancel(s.ctx)
	s.playing = &item
	s.stopCur = cancel
	return item, ctx, true
}

func (s *Scheduler) played(item queued) {
	s.mu.Lock()
	if s.stopCur != nil {
		s.stopCur()
		s.stopCur = nil
	}
	s.playing = nil

	fire := func() {}
	if item.epoch == s.epoch && s.st.id == item.u.MessageID {
		fire = s.completeLocked()
	}
	s.mu.Unlock()
	fire()
}
