// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/karawan/internal/export"
	"github.com/jeranaias/karawan/internal/model"
	"github.com/jeranaias/karawan/internal/storage"
	"github.com/jeranaias/karawan/internal/util"
)

func newSessionsCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect and back up conversations",
	}
	cmd.AddCommand(
		newSessionsListCommand(g),
		newSessionsShowCommand(g),
		newSessionsExportCommand(g),
		newSessionsImportCommand(g),
	)
	return cmd
}

// SessionInfo is the --json view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}

func newSessionsListCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, store, err := g.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.LoadSessions()
			if err != nil {
				return err
			}

			infos := make([]SessionInfo, 0, len(sessions))
			for _, s := range sessions {
				infos = append(infos, SessionInfo{ID: s.ID, Title: s.Title, Model: s.Model, Messages: len(s.Messages), CreatedAt: s.CreatedAt})
			}
			return g.output("sessions list", infos, func() {
				active := ""
				if len(sessions) > 0 {
					active = sessions[0].ID
				}
				renderSessions(g.out, sessions, active, time.Now())
			})
		},
	}
}

func newSessionsShowCommand(g *Globals) *cobra.Command {
	var (
		format   string
		thoughts bool
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a transcript",
		Long: `Print a transcript. With --format markdown or html the session is
written as a standalone document instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			_, store, err := g.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.LoadSessions()
			if err != nil {
				return err
			}
			s, err := findSession(sessions, args[0])
			if err != nil {
				return err
			}

			if format != "" {
				opts := export.DefaultOptions()
				opts.IncludeThoughts = thoughts
				exp, err := export.For(format, opts)
				if err != nil {
					return &CommandError{Command: "sessions show", Action: "export", Reason: format, Err: err}
				}
				doc, err := exp.Export(s)
				if err != nil {
					return &CommandError{Command: "sessions show", Action: "export", Reason: s.ID, Err: err}
				}
				_, err = g.out.Write(doc)
				return err
			}

			return g.output("sessions show", s, func() {
				g.println(TitleStyle.Render(s.Title))
				g.println(RenderSeparator(util.RuneLen(s.Title)))
				for _, m := range s.Messages {
					renderMessage(g.out, m, false)
				}
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "Write a document: markdown or html")
	cmd.Flags().BoolVar(&thoughts, "thoughts", false, "Include the model's reasoning in the document")
	return cmd
}

// findSession resolves a full id or a unique id prefix.
func findSession(sessions []*model.Session, id string) (*model.Session, error) {
	var match *model.Session
	for _, s := range sessions {
		if s.ID == id {
			return s, nil
		}
		if id != "" && strings.HasPrefix(s.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous session id %q", id)
			}
			match = s
		}
	}
	if match == nil {
		return nil, &NotFoundError{Resource: "session", ID: id}
	}
	return match, nil
}

func newSessionsExportCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write settings and sessions as one JSON document",
		Long:  `Write settings and sessions as one JSON document to file, or to stdout when no file is given.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, store, err := g.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			s, err := settings(cfg, store)
			if err != nil {
				return err
			}
			sessions, err := store.LoadSessions()
			if err != nil {
				return err
			}
			data, err := storage.Export(s, sessions)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				_, err = g.out.Write(append(data, '\n'))
				return err
			}
			if err := util.AtomicWriteFile(args[0], data, 0600); err != nil {
				return &CommandError{Command: "sessions export", Action: "write", Reason: args[0], Err: err}
			}
			fmt.Fprintf(g.err, "%s exported %d sessions to %s\n", RenderStatus("ok"), len(sessions), args[0])
			return nil
		},
	}
}

func newSessionsImportCommand(g *Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Replace settings and sessions from a backup",
		Long: `Replace the stored settings and sessions with those of a backup
document. Sections missing from the document are left as they are. An
invalid document changes nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			b, err := storage.ParseBackup(data)
			if err != nil {
				return err
			}

			_, store, err := g.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Apply(b); err != nil {
				return err
			}
			return g.output("sessions import", map[string]int{"sessions": len(b.Sessions)}, func() {
				g.printf("%s imported %d sessions\n", RenderStatus("ok"), len(b.Sessions))
			})
		},
	}
}
