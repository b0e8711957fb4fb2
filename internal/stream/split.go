// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import "strings"

// Reasoning span markers.
const (
	OpenMarker  = "<thought>"
	CloseMarker = "</thought>"
)

// State is carried from one fragment to the next.
type State struct {
	// InReasoning is true between an open marker and its close marker.
	InReasoning bool

	// Pending holds a fragment tail that may be the start of a marker.
	Pending string
}

// Delta is the output of one fragment.
type Delta struct {
	Answer    string
	Reasoning string
}

// Empty reports whether the delta carries no text.
func (d Delta) Empty() bool {
	return d.Answer == "" && d.Reasoning == ""
}

// Step classifies one content fragment. It is a pure function of its
// inputs: text before an open marker stays in the current channel, text
// after it is reasoning, and text after a close marker is answer. Markers
// are stripped. An open marker inside a reasoning span and a close marker
// outside one are stripped without changing the channel.
func Step(st State, fragment string) (State, Delta) {
	var d Delta
	text := st.Pending + fragment
	st.Pending = ""

	for text != "" {
		i, marker := nextMarker(text)
		if i < 0 {
			hold := partialMarker(text)
			emit(&d, st.InReasoning, text[:len(text)-hold])
			st.Pending = text[len(text)-hold:]
			break
		}

		emit(&d, st.InReasoning, text[:i])
		text = text[i+len(marker):]
		st.InReasoning = marker == OpenMarker
	}

	return st, d
}

// Flush releases any held-back partial marker as plain text in the current
// channel. It is called once when the stream ends.
func Flush(st State) (State, Delta) {
	var d Delta
	emit(&d, st.InReasoning, st.Pending)
	st.Pending = ""
	return st, d
}

func emit(d *Delta, reasoning bool, s string) {
	if s == "" {
		return
	}
	if reasoning {
		d.Reasoning += s
	} else {
		d.Answer += s
	}
}

// nextMarker returns the position and text of the first marker in s.
func nextMarker(s string) (int, string) {
	o := strings.Index(s, OpenMarker)
	c := strings.Index(s, CloseMarker)
	switch {
	case o < 0 && c < 0:
		return -1, ""
	case c < 0 || (o >= 0 && o < c):
		return o, OpenMarker
	default:
		return c, CloseMarker
	}
}

// partialMarker returns the length of the longest suffix of s that is a
// proper prefix of either marker.
func partialMarker(s string) int {
	longest := 0
	for _, m := range []string{OpenMarker, CloseMarker} {
		for n := len(m) - 1; n > longest; n-- {
			if strings.HasSuffix(s, m[:n]) {
				longest = n
				break
			}
		}
	}
	return longest
}
