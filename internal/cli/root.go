// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/karawan/internal/config"
	"github.com/jeranaias/karawan/internal/storage"
)

// Version information, set by main from build flags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Globals are the persistent flags shared by every command.
type Globals struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
	JSON       bool

	out io.Writer
	err io.Writer
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	g := &Globals{out: os.Stdout, err: os.Stderr}

	root := &cobra.Command{
		Use:   "karawan",
		Short: "Chat client for a local Ollama server",
		Long: `karawan talks to a local Ollama server, keeps your conversations,
narrates answers aloud and lets the model run shell commands through the
bridge service after you approve them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			g.out = cmd.OutOrStdout()
			g.err = cmd.ErrOrStderr()
		},
	}

	root.PersistentFlags().StringVarP(&g.ConfigPath, "config", "c", "", "Config file (default ~/.karawan/config.toml)")
	root.PersistentFlags().StringVar(&g.DataDir, "data-dir", "", "Directory holding the session store")
	root.PersistentFlags().StringVar(&g.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&g.JSON, "json", false, "Machine-readable output")

	root.AddCommand(
		newServeCommand(g),
		newChatCommand(g),
		newSessionsCommand(g),
		newModelsCommand(g),
		newBridgeCommand(g),
		newVersionCommand(g),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		jsonMode, _ := root.PersistentFlags().GetBool("json")
		DisplayError(os.Stderr, err, jsonMode)
		return ExitCode(err)
	}
	return ExitSuccess
}

// =============================================================================
// SHARED SETUP
// =============================================================================

// loadConfig reads the config file and applies the global flag overrides.
func (g *Globals) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.ConfigPath != "" {
		cfg, err = config.LoadFromPath(g.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, &CommandError{Command: "config", Action: "load", Reason: "cannot read configuration", Err: err}
	}

	if g.DataDir != "" {
		cfg.DataDir = g.DataDir
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	cfg.Version = Version
	return cfg, nil
}

// watchPath is the config file to hot reload, if one exists.
func (g *Globals) watchPath() string {
	if g.ConfigPath != "" {
		return g.ConfigPath
	}
	for _, fn := range []func() (string, error){config.ConfigPathTOML, config.ConfigPathJSON} {
		if p, err := fn(); err == nil {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

// openStore opens the session store without starting any background work.
func (g *Globals) openStore() (*config.Config, *storage.Store, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	kv, err := storage.Open(cfg.Storage.Backend, cfg.DataDir)
	if err != nil {
		return nil, nil, &CommandError{Command: "storage", Action: "open", Reason: cfg.DataDir, Err: err}
	}
	return cfg, storage.NewStore(kv), nil
}

// settings returns the stored settings, or the config file's when none
// were saved yet.
func settings(cfg *config.Config, store *storage.Store) (config.Settings, error) {
	s, found, err := store.LoadSettings()
	if err != nil {
		return config.Settings{}, err
	}
	if !found {
		s = cfg.Settings.Clone()
		s.ApplyDefaults()
	}
	return s, nil
}

// storedSettings loads settings and closes the store.
func (g *Globals) storedSettings() (config.Settings, error) {
	cfg, store, err := g.openStore()
	if err != nil {
		return config.Settings{}, err
	}
	defer store.Close()
	return settings(cfg, store)
}

func (g *Globals) printf(format string, args ...any) {
	fmt.Fprintf(g.out, format, args...)
}

func (g *Globals) println(args ...any) {
	fmt.Fprintln(g.out, args...)
}

// errNotInteractive is returned by chat when stdin is not a terminal.
var errNotInteractive = errors.New("stdin is not a terminal")
