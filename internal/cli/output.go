// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"io"
	"time"
)

// JSONResponse wraps the result of a command in --json mode.
type JSONResponse struct {
	Success   bool   `json:"success"`
	Command   string `json:"command"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data any) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Command:   command,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Write encodes the response with indentation.
func (r *JSONResponse) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// output prints data as JSON in --json mode and runs human otherwise.
func (g *Globals) output(command string, data any, human func()) error {
	if g.JSON {
		return NewJSONResponse(command, data).Write(g.out)
	}
	human()
	return nil
}
