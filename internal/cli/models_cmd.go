// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/karawan/internal/ollama"
)

const requestTimeout = 10 * time.Second

func newModelsCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models installed on the Ollama server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.storedSettings()
			if err != nil {
				return err
			}

			client := ollama.NewClient(&ollama.ClientConfig{BaseURL: s.OllamaURL, Timeout: requestTimeout})
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			models, err := client.ListModels(ctx)
			if err != nil {
				return &CommandError{Command: "models", Action: "list", Reason: client.BaseURL(), Err: err}
			}
			return g.output("models", models, func() {
				renderModels(g.out, models)
			})
		},
	}
}
