// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"encoding/json"
)

// frame is one line of the /api/chat stream.
type frame struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Decoder turns raw transport chunks into deltas. It never blocks and is
// not safe for concurrent use; one decoder serves one generation.
type Decoder struct {
	buf   []byte
	state State

	done    bool
	errText string
	dropped int
}

// NewDecoder creates a decoder in the answer channel.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write consumes one transport chunk. A line split across chunks is
// buffered until its newline arrives. It returns one delta per content
// fragment that produced text, in arrival order.
func (d *Decoder) Write(chunk []byte) []Delta {
	d.buf = append(d.buf, chunk...)

	var out []Delta
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		if delta, ok := d.line(line); ok {
			out = append(out, delta)
		}
		d.buf = d.buf[i+1:]
	}

	// Reclaim the consumed prefix.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return out
}

// Close ends the stream. A trailing line without a newline is still
// parsed, and any held-back partial marker is released as text.
func (d *Decoder) Close() []Delta {
	var out []Delta
	if len(d.buf) > 0 {
		if delta, ok := d.line(d.buf); ok {
			out = append(out, delta)
		}
		d.buf = nil
	}

	var tail Delta
	d.state, tail = Flush(d.state)
	if !tail.Empty() {
		out = append(out, tail)
	}
	return out
}

// State returns the current marker state.
func (d *Decoder) State() State {
	return d.state
}

// Done reports whether the backend sent its final frame.
func (d *Decoder) Done() bool {
	return d.done
}

// Err returns the error text of an error frame, if the backend sent one.
func (d *Decoder) Err() string {
	return d.errText
}

// Dropped returns how many malformed lines were skipped.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) line(line []byte) (Delta, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Delta{}, false
	}

	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		d.dropped++
		return Delta{}, false
	}
	if f.Done {
		d.done = true
	}
	if f.Error != "" {
		d.errText = f.Error
	}
	if f.Message.Content == "" {
		return Delta{}, false
	}

	var delta Delta
	d.state, delta = Step(d.state, f.Message.Content)
	return delta, !delta.Empty()
}
