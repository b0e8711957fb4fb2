// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"runtime"

	"github.com/spf13/cobra"
)

// VersionInfo is the build description printed by version.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

func newVersionCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			info := VersionInfo{
				Version:   Version,
				GitCommit: GitCommit,
				BuildDate: BuildDate,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			return g.output("version", info, func() {
				g.printf("karawan %s (%s, built %s)\n", info.Version, info.GitCommit, info.BuildDate)
				g.printf("%s %s\n", RenderLabel("go"), info.GoVersion)
				g.printf("%s %s\n", RenderLabel("platform"), info.Platform)
			})
		},
	}
}
