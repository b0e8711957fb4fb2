// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package narration

import (
	"regexp"
	"strings"
)

var (
	fencedCode = regexp.MustCompile("```[\\s\\S]*?```")
	inlineCode = regexp.MustCompile("`.*?`")
)

const fence = "```"

func isTerminator(c byte) bool {
	return c == '.' || c == '!' || c == '?' || c == '\n'
}

// nextUnit finds the end of the first complete sentence unit in s. A unit
// is any leading terminators, then at least one non-terminator, then a
// run of terminators. With skipCode set, terminators inside code spans do
// not end a unit and an unterminated fence makes the unit incomplete.
func nextUnit(s string, skipCode bool) (int, bool) {
	body := false
	i := 0
	for i < len(s) {
		c := s[i]

		if skipCode && c == '`' {
			if strings.HasPrefix(s[i:], fence) {
				j := strings.Index(s[i+len(fence):], fence)
				if j < 0 {
					return 0, false
				}
				i += len(fence) + j + len(fence)
				body = true
				continue
			}
			// A backtick with no closing one on its line is plain text.
			j := strings.IndexAny(s[i+1:], "`\n")
			if j >= 0 && s[i+1+j] == '`' {
				i += j + 2
				body = true
				continue
			}
		}

		if isTerminator(c) {
			if body {
				end := i
				for end < len(s) && isTerminator(s[end]) {
					end++
				}
				return end, true
			}
			i++
			continue
		}

		body = true
		i++
	}
	return 0, false
}

// splitUnits returns the complete units at the start of s and how many
// bytes they cover. Trailing incomplete text is not consumed.
func splitUnits(s string, skipCode bool) ([]string, int) {
	var units []string
	consumed := 0
	for {
		n, ok := nextUnit(s[consumed:], skipCode)
		if !ok {
			return units, consumed
		}
		units = append(units, s[consumed:consumed+n])
		consumed += n
	}
}

// speakable prepares text for the engine: code spans are removed when
// skipCode is set, and surrounding space is trimmed.
func speakable(s string, skipCode bool) string {
	if skipCode {
		s = fencedCode.ReplaceAllString(s, "")
		// An unclosed fence runs to the end of the text.
		if i := strings.Index(s, fence); i >= 0 {
			s = s[:i]
		}
		s = inlineCode.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}
