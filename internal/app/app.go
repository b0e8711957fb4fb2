// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app assembles the running client from a config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jeranaias/karawan/internal/bridge"
	"github.com/jeranaias/karawan/internal/config"
	"github.com/jeranaias/karawan/internal/generation"
	"github.com/jeranaias/karawan/internal/logger"
	"github.com/jeranaias/karawan/internal/narration"
	"github.com/jeranaias/karawan/internal/ollama"
	"github.com/jeranaias/karawan/internal/session"
	"github.com/jeranaias/karawan/internal/storage"
	"github.com/jeranaias/karawan/internal/stream"
	"github.com/jeranaias/karawan/internal/voice"
)

// Options customise assembly. Zero values use the configured commands.
type Options struct {
	// ConfigPath enables hot reload of that file when set.
	ConfigPath string

	// OnDelta observes streaming increments, e.g. to echo them in a REPL.
	OnDelta func(sessionID, messageID string, d stream.Delta)

	// OnSettled observes every finished generation.
	OnSettled func(sessionID string, res *generation.Result)

	// Engine and Recognizer replace the exec-based speech commands.
	Engine     narration.Engine
	Recognizer voice.Recognizer

	// KV replaces the configured storage backend.
	KV storage.KV
}

// App owns every long-lived component.
type App struct {
	Config   *config.Config
	Store    *storage.Store
	Ollama   *ollama.Client
	Bridge   *bridge.Client
	Monitor  *bridge.Monitor
	Narrator *narration.Scheduler
	Listener *voice.AutoListen // nil without a speech-to-text command
	Sessions *session.Manager

	opts      Options
	logCloser io.Closer
	watcher   *config.Watcher
	cancel    context.CancelFunc
}

// New opens storage, builds the clients and loads the sessions.
func New(cfg *config.Config, opts Options) (*App, error) {
	closer, err := logger.Configure(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	a := &App{Config: cfg, opts: opts, logCloser: closer}

	kv := opts.KV
	if kv == nil {
		kv, err = storage.Open(cfg.Storage.Backend, cfg.DataDir)
		if err != nil {
			closer.Close()
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
	}
	a.Store = storage.NewStore(kv)

	a.Ollama = ollama.NewClient(&ollama.ClientConfig{
		BaseURL:        cfg.Settings.OllamaURL,
		Timeout:        30 * time.Second,
		ReadBufferSize: 4096,
	})
	a.Bridge = bridge.NewClient(cfg.Settings.BridgeBackendURL)
	a.Monitor = bridge.NewMonitor(a.Bridge, bridge.PollInterval)

	engine := opts.Engine
	if engine == nil {
		engine = execEngine(cfg.Settings.TTSCommand)
	}
	a.Narrator = narration.New(engine, narration.Options{})

	a.Sessions, err = session.NewManager(a.Store, session.Deps{
		Backend:   a.Ollama,
		Runner:    a.Bridge,
		Narrator:  a.Narrator,
		OnDelta:   opts.OnDelta,
		OnSettled: a.settled,
	}, session.Options{
		FlushInterval: time.Duration(cfg.Storage.FlushIntervalMs) * time.Millisecond,
		Defaults:      &cfg.Settings,
	})
	if err != nil {
		a.Narrator.Close()
		a.Store.Close()
		closer.Close()
		return nil, err
	}

	settings := a.Sessions.Settings()
	rec := opts.Recognizer
	if rec == nil && settings.STTCommand != "" {
		if r, err := voice.NewExecRecognizer(settings.STTCommand); err == nil {
			rec = r
		}
	}
	if rec != nil {
		a.Listener = voice.NewAutoListen(rec, voice.Config{
			Enabled: func() bool { return a.Sessions.Settings().ContinuousVoice },
			Busy:    a.busy,
			Submit:  a.submitVoice,
		})
		a.Narrator.OnComplete(func(string) { a.Listener.Trigger() })
	}

	a.applySettings(settings)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.Monitor.Run(ctx)

	if opts.ConfigPath != "" {
		w, err := config.NewWatcher(opts.ConfigPath, 0, a.reload, func(err error) {
			logger.Warn("config reload failed", "path", opts.ConfigPath, "err", err)
		})
		if err == nil {
			err = w.Watch()
		}
		if err != nil {
			logger.Warn("config watch disabled", "err", err)
		} else {
			a.watcher = w
		}
	}

	logger.Debug("app ready", "data_dir", cfg.DataDir, "backend", cfg.Storage.Backend)
	return a, nil
}

func execEngine(command string) narration.Engine {
	if command == "" {
		return narration.Silent{}
	}
	e, err := narration.NewExecEngine(command)
	if err != nil {
		logger.Warn("narration disabled", "err", err)
		return narration.Silent{}
	}
	return e
}

// UpdateSettings stores new settings and pushes them to the clients and
// the narrator.
func (a *App) UpdateSettings(s config.Settings) error {
	if err := a.Sessions.UpdateSettings(s); err != nil {
		return err
	}
	a.applySettings(a.Sessions.Settings())
	return nil
}

// Import replaces settings and sessions from a backup document and pushes
// the resulting settings to the clients and the narrator.
func (a *App) Import(data []byte) error {
	if err := a.Sessions.Import(data); err != nil {
		return err
	}
	a.applySettings(a.Sessions.Settings())
	return nil
}

func (a *App) applySettings(s config.Settings) {
	a.Ollama.SetBaseURL(s.OllamaURL)
	a.Bridge.SetBaseURL(s.BridgeBackendURL)
	a.Narrator.SetOptions(narration.Options{
		SkipCode: s.VoiceSkipCode,
		Voice:    s.VoiceID,
		Pitch:    s.VoicePitch,
		Rate:     s.VoiceRate,
		Lang:     s.LanguageTag(),
	})
	if a.Listener != nil && !s.ContinuousVoice {
		a.Listener.Stop()
	}
}

// reload applies an edited config file. The settings section replaces the
// stored settings; the engine commands take effect on restart.
func (a *App) reload(cfg *config.Config) {
	logger.L().SetLevel(logger.ParseLevel(cfg.Log.Level))
	if err := a.UpdateSettings(cfg.Settings); err != nil {
		logger.Warn("reloaded settings rejected", "err", err)
		return
	}
	logger.Info("config reloaded", "model", cfg.Settings.SelectedModel)
}

// settled reopens voice input after an answer that will not be narrated.
// Narrated answers reopen it from the narrator's completion callback.
func (a *App) settled(sessionID string, res *generation.Result, s config.Settings) {
	if a.opts.OnSettled != nil {
		a.opts.OnSettled(sessionID, res)
	}
	if a.Listener != nil && !s.AutoSpeak && res.State != generation.StateCancelled {
		a.Listener.Trigger()
	}
}

func (a *App) busy() bool {
	if a.Narrator.Active() {
		return true
	}
	ctrl := a.Sessions.Controller()
	return ctrl != nil && ctrl.Busy()
}

func (a *App) submitVoice(text string) error {
	ctrl := a.Sessions.Controller()
	if ctrl == nil {
		return session.ErrClosed
	}
	_, err := ctrl.Submit(session.Input{Content: text})
	return err
}

// Close stops background work and flushes the sessions.
func (a *App) Close() error {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.Listener != nil {
		a.Listener.Close()
	}
	a.Narrator.Close()

	err := errors.Join(a.Sessions.Close(), a.Store.Close())
	if cerr := a.logCloser.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}
