// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/karawan/internal/bridge"
	"github.com/jeranaias/karawan/internal/permission"
)

func newBridgeCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Talk to the bridge service",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Probe the bridge",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				client, err := g.bridgeClient()
				if err != nil {
					return err
				}
				m := bridge.NewMonitor(client, 0)
				m.Check(cmd.Context())
				st := m.Status()
				return g.output("bridge status", st, func() {
					state := "offline"
					if st.Online {
						state = "online"
					}
					g.printf("%s %s\n", RenderStatus(state), client.BaseURL())
					if st.Error != "" {
						g.println(DimStyle.Render(st.Error))
					}
				})
			},
		},
		&cobra.Command{
			Use:   "ls [path]",
			Short: "List a directory",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := g.storedSettings()
				if err != nil {
					return err
				}
				path := s.BridgeRootPath
				if len(args) == 1 {
					path = args[0]
				}

				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				nodes, err := bridge.NewClient(s.BridgeBackendURL).ListFiles(ctx, path)
				if err != nil {
					return &CommandError{Command: "bridge ls", Action: "list", Reason: path, Err: err}
				}
				return g.output("bridge ls", nodes, func() {
					renderNodes(g.out, nodes)
				})
			},
		},
		&cobra.Command{
			Use:   "cat <path>",
			Short: "Print a file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := g.bridgeClient()
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				content, err := client.ReadFile(ctx, args[0])
				if err != nil {
					return &CommandError{Command: "bridge cat", Action: "read", Reason: args[0], Err: err}
				}
				return g.output("bridge cat", map[string]string{"path": args[0], "content": content}, func() {
					fmt.Fprint(g.out, content)
				})
			},
		},
		&cobra.Command{
			Use:   "run <command...>",
			Short: "Run a shell command on the bridge",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := g.bridgeClient()
				if err != nil {
					return err
				}
				command := strings.Join(args, " ")
				for _, r := range permission.Assess(command) {
					fmt.Fprintf(g.err, "%s %s\n", WarningStyle.Render("warning:"), r)
				}

				res, err := client.Run(cmd.Context(), command)
				if err != nil {
					return &CommandError{Command: "bridge run", Action: "run", Reason: command, Err: err}
				}
				return g.output("bridge run", res, func() {
					g.println(res.Format())
				})
			},
		},
	)
	return cmd
}

func (g *Globals) bridgeClient() (*bridge.Client, error) {
	s, err := g.storedSettings()
	if err != nil {
		return nil, err
	}
	return bridge.NewClient(s.BridgeBackendURL), nil
}
