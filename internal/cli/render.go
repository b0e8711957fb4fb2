// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jeranaias/karawan/internal/bridge"
	"github.com/jeranaias/karawan/internal/model"
	"github.com/jeranaias/karawan/internal/ollama"
	"github.com/jeranaias/karawan/internal/permission"
	"github.com/jeranaias/karawan/internal/util"
)

const (
	titleWidth = 34
	idWidth    = 8
)

// shortID is the prefix of an id shown in listings. Commands accept any
// unique prefix.
func shortID(id string) string {
	if len(id) <= idWidth {
		return id
	}
	return id[:idWidth]
}

// renderSessions writes one line per session, marking the active one.
func renderSessions(w io.Writer, sessions []*model.Session, activeID string, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No sessions."))
		return
	}
	for _, s := range sessions {
		marker := " "
		if s.ID == activeID {
			marker = PromptStyle.Render("*")
		}
		title := util.PadWidth(util.TruncateWidth(s.Title, titleWidth), titleWidth)
		fmt.Fprintf(w, "%s %s  %s  %3d msgs  %s\n",
			marker,
			DimStyle.Render(shortID(s.ID)),
			title,
			len(s.Messages),
			DimStyle.Render(humanize.RelTime(s.CreatedAt, now, "ago", "from now")),
		)
	}
}

// renderMessage writes one transcript entry.
func renderMessage(w io.Writer, m *model.Message, markdown bool) {
	switch {
	case m.IsPermissionRequest():
		fmt.Fprintf(w, "%s %s %s\n", RenderStatus(string(m.DirectiveStatus)), DimStyle.Render(shortID(m.ID)), m.Content)
		return
	case m.Role == model.RoleUser:
		fmt.Fprintf(w, "%s %s\n", PromptStyle.Render("you>"), m.Content)
		if m.Attachment != nil {
			fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("     [%s, %s]", m.Attachment.Name, m.Attachment.Size)))
		}
		return
	}

	fmt.Fprintf(w, "%s %s\n", TitleStyle.Render(m.Role.DisplayName()+">"), DimStyle.Render(shortID(m.ID)))
	if m.Thought != "" {
		fmt.Fprintln(w, DimStyle.Render(strings.TrimSpace(m.Thought)))
	}
	if markdown {
		fmt.Fprint(w, renderMarkdown(m.Content))
	} else {
		fmt.Fprintln(w, m.Content)
	}
	if m.Error != "" {
		fmt.Fprintf(w, "%s %s\n", RenderStatus("error"), m.Error)
	}
}

// renderPermission describes a pending command with its risk flags.
func renderPermission(w io.Writer, req *model.Message) {
	fmt.Fprintf(w, "%s %s\n", RenderStatus("pending"), req.Content)
	for _, r := range permission.Assess(req.DirectiveCommand) {
		fmt.Fprintf(w, "  %s %s\n", WarningStyle.Render("!"), r)
	}
	fmt.Fprintln(w, DimStyle.Render("  /allow, /always or /deny"))
}

func renderModels(w io.Writer, models []ollama.ModelInfo) {
	if len(models) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No models installed."))
		return
	}
	for _, m := range models {
		fmt.Fprintf(w, "%s  %8s  %s\n",
			util.PadWidth(util.TruncateWidth(m.Name, 40), 40),
			humanize.Bytes(uint64(max(m.Size, 0))),
			DimStyle.Render(m.Details.ParameterSize),
		)
	}
}

func renderNodes(w io.Writer, nodes []bridge.Node) {
	if len(nodes) == 0 {
		fmt.Fprintln(w, DimStyle.Render("(empty)"))
		return
	}
	for _, n := range nodes {
		name := n.Name
		size := ""
		if n.IsDir() {
			name += "/"
		} else if n.Size != nil {
			size = humanize.IBytes(uint64(max(*n.Size, 0)))
		}
		fmt.Fprintf(w, "%s  %s\n", util.PadWidth(name, 40), DimStyle.Render(size))
	}
}
