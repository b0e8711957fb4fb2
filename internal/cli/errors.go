// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/karawan/internal/config"
	"github.com/jeranaias/karawan/internal/ollama"
	"github.com/jeranaias/karawan/internal/session"
	"github.com/jeranaias/karawan/internal/storage"
)

// Exit codes.
const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitNetworkError  = 5
	ExitNotFoundError = 7
)

// CommandError is a failed command with context.
type CommandError struct {
	Command string
	Action  string
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %s: %v", e.Command, e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Command, e.Action, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NotFoundError is a missing session, file or model.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ExitCode classifies err.
func ExitCode(err error) int {
	var (
		notFound *NotFoundError
		verrs    config.ValidateErrors
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &notFound), errors.Is(err, session.ErrSessionNotFound):
		return ExitNotFoundError
	case errors.As(err, &verrs), errors.Is(err, storage.ErrInvalidBackup):
		return ExitConfigError
	case ollama.IsNotRunning(err), ollama.IsTimeout(err):
		return ExitNetworkError
	case errors.Is(err, errNotInteractive):
		return ExitUsageError
	}
	return ExitGeneralError
}

// DisplayError prints err for a human, or as a JSON object in JSON mode.
func DisplayError(w io.Writer, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		out := map[string]any{"success": false, "error": err.Error(), "exit_code": ExitCode(err)}
		var ce *CommandError
		if errors.As(err, &ce) {
			out["command"] = ce.Command
			out["action"] = ce.Action
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
}
