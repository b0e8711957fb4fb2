// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package permission

import (
	"regexp"
	"strings"

	"github.com/jeranaias/karawan/internal/bridge"
)

// DirectiveTag is the literal marker models use to request a command.
const DirectiveTag = "DIRECTIVE_RUN:"

var directivePattern = regexp.MustCompile(`DIRECTIVE_RUN:[ \t]*([^\n]+)`)

// Detect returns the command of the first directive in answer. The tag is
// case-sensitive and the command runs to the end of its line.
func Detect(answer string) (string, bool) {
	m := directivePattern.FindStringSubmatch(answer)
	if m == nil {
		return "", false
	}
	cmd := strings.TrimSpace(m[1])
	if cmd == "" {
		return "", false
	}
	return cmd, true
}

// ResultTurn is the user turn that reports a command result to the model.
func ResultTurn(res bridge.RunResult) string {
	return "Command result:\n```\n" + res.Format() + "\n```"
}
