// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/karawan/internal/app"
	"github.com/jeranaias/karawan/internal/logger"
	"github.com/jeranaias/karawan/internal/server"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(g *Globals) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP API",
		Long: `Run the HTTP API used by the browser client. Generations run in the
background; clients poll the session to follow a streaming answer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			a, err := app.New(cfg, app.Options{ConfigPath: g.watchPath()})
			if err != nil {
				return &CommandError{Command: "serve", Action: "start", Reason: "cannot assemble client", Err: err}
			}
			defer a.Close()

			srv := server.New(server.OptionsFromConfig(cfg), serverDeps(a))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			g.printf("%s listening on http://%s\n", TitleStyle.Render("karawan"), cfg.Server.Addr)

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown incomplete", "err", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

// serverDeps exposes the assembled client to the API.
func serverDeps(a *app.App) server.Deps {
	deps := server.Deps{
		Sessions: a.Sessions,
		Backend:  a.Ollama,
		Bridge:   a.Bridge,
		Monitor:  a.Monitor,
		Speaker:  a.Narrator,
		Settings: a,
	}
	if a.Listener != nil {
		deps.Listener = a.Listener
	}
	return deps
}
