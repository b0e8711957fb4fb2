// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/karawan/internal/stream"
)

func writeFrame(w http.ResponseWriter, content string) {
	fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", content)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:11434", "http://localhost:11434"},
		{"http://localhost:11434/", "http://localhost:11434"},
		{"http://localhost:11434/api", "http://localhost:11434"},
		{"http://localhost:11434/api/", "http://localhost:11434"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeBaseURL(tt.in))
		})
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models":[{"name":"llama3:8b","size":4661224676},{"name":"qwen2.5:7b"}]}`))
	}))
	defer srv.Close()

	models, err := NewClient(&ClientConfig{BaseURL: srv.URL}).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3:8b", models[0].Name)
	assert.Equal(t, "4.3 GiB", models[0].FormatSize())
	assert.Equal(t, "-", models[1].FormatSize())
}

func TestListModels_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(&ClientConfig{BaseURL: url}).ListModels(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotRunning(err))
}

func TestChatStream_DecodesReasoningAndAnswer(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeFrame(w, "<thought>Hello ")
		writeFrame(w, "world</thought>Answer text.")
		w.Write([]byte(`{"message":{"content":""},"done":true}` + "\n"))
	}))
	defer srv.Close()

	client := NewClient(&ClientConfig{BaseURL: srv.URL + "/api/", ReadBufferSize: 7})
	var deltas []stream.Delta
	res, err := client.ChatStream(context.Background(), ChatRequest{
		Model:    "llama3",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(d stream.Delta) {
		deltas = append(deltas, d)
	})

	require.NoError(t, err)
	assert.True(t, got.Stream)
	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, "Answer text.", res.Answer)
	assert.Equal(t, "Hello world", res.Reasoning)
	assert.True(t, res.Done)
	assert.Len(t, deltas, 2)
}

func TestChatStream_CancelKeepsPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, "partial ")
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	res, err := NewClient(&ClientConfig{BaseURL: srv.URL}).ChatStream(ctx, ChatRequest{Model: "m"}, func(d stream.Delta) {
		calls++
		cancel()
	})

	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, "partial ", res.Answer)
	assert.Equal(t, 1, calls)
}

func TestChatStream_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(&ClientConfig{BaseURL: srv.URL}).ChatStream(context.Background(), ChatRequest{Model: "nope"}, nil)
	assert.True(t, IsModelNotFound(err))
}

func TestChatStream_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"out of memory"}`))
	}))
	defer srv.Close()

	_, err := NewClient(&ClientConfig{BaseURL: srv.URL}).ChatStream(context.Background(), ChatRequest{Model: "m"}, nil)
	require.Error(t, err)
	assert.Equal(t, "out of memory", err.Error())
}

func TestChatStream_ErrorFrameFailsWithPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrame(w, "so far")
		w.Write([]byte(`{"error":"runner terminated"}` + "\n"))
	}))
	defer srv.Close()

	res, err := NewClient(&ClientConfig{BaseURL: srv.URL}).ChatStream(context.Background(), ChatRequest{Model: "m"}, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "so far", res.Answer)
}
