// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API.
//
// # Key Types
//
//   - Client: HTTP client for /api/chat streaming and /api/tags discovery
//   - Message: Chat message with role and content
//   - ChatRequest: Request structure for chat completions
//   - StreamResult: Accumulated answer and reasoning of a finished stream
//   - ClientError: Typed error with IsNotRunning / IsTimeout helpers
//
// # Usage
//
//	client := ollama.NewClient(&ollama.ClientConfig{BaseURL: url})
//	res, err := client.ChatStream(ctx, ollama.ChatRequest{
//	    Model:    "llama3",
//	    Messages: []ollama.Message{{Role: "user", Content: "Hello"}},
//	}, func(d stream.Delta) {
//	    fmt.Print(d.Answer)
//	})
//
// The stream is consumed one transport chunk at a time and never buffered
// whole, so responses of any length are supported. Cancelling ctx stops the
// stream and ChatStream returns context.Canceled together with the partial
// result.
package ollama
