// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/types"
)

func TestNewClientDefaults(t *testing.T) {
	t.Setenv("KILN_LLM_ENDPOINT", "")
	t.Setenv("BASE_URL", "http://gateway.internal:4000/")

	c := NewClient(Config{APIKey: "test-key"})
	assert.Equal(t, DefaultModel, c.Model())
	assert.Equal(t, "http://gateway.internal:4000/v1/chat/completions", c.Endpoint())
	assert.NotNil(t, c.httpClient)
}

func TestNewClientExplicitEndpointWins(t *testing.T) {
	t.Setenv("KILN_LLM_ENDPOINT", "http://env.example/v1/chat/completions")

	c := NewClient(Config{Endpoint: "http://cfg.example/chat", Model: "gpt-4o"})
	assert.Equal(t, "http://cfg.example/chat", c.Endpoint())
	assert.Equal(t, "gpt-4o", c.Model())
}

func TestChatProxiesAndDisablesStreaming(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(Completion{
			ID:    "cmpl-1",
			Model: "gpt-4.1",
			Choices: []Choice{{
				Message:      ResponseMessage{Role: "assistant", Content: "hi there"},
				FinishReason: "stop",
			}},
			Usage: Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "secret", Endpoint: srv.URL})
	resp, err := c.Chat(context.Background(), ChatRequest{
		Messages: []types.ChatMessage{
			{Role: types.RoleSystem, MessageType: types.MessageText, Content: "be brief"},
			{Role: types.RoleUser, MessageType: types.MessageText, Content: "hello"},
		},
		Tools: []types.ToolDescriptor{
			types.NewToolDescriptor(types.FunctionSpec{
				Name:       "lookup",
				Parameters: types.NewObjectSchema(nil, nil),
			}),
		},
		Extra: map[string]interface{}{"temperature": 0.2, "stream": true},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	// Extra passes through but can never re-enable streaming.
	assert.Equal(t, false, captured["stream"])
	assert.Equal(t, 0.2, captured["temperature"])
	assert.Equal(t, "auto", captured["tool_choice"])
	assert.Equal(t, DefaultModel, captured["model"])

	msgs := captured["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])
}

func TestChatConvertsToolMessages(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(Completion{Choices: []Choice{{FinishReason: "stop"}}})
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL})
	_, err := c.Chat(context.Background(), ChatRequest{
		Messages: []types.ChatMessage{
			{
				Role:        types.RoleAssistant,
				MessageType: types.MessageToolCall,
				ToolCalls: []types.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: types.ToolCallFunction{Name: "lookup", Arguments: `{"q":"x"}`},
				}},
			},
			{
				Role:        types.RoleTool,
				MessageType: types.MessageToolResult,
				Content:     `{"answer": 42}`,
				ToolCallID:  "call_1",
			},
		},
	})
	require.NoError(t, err)

	msgs := captured["messages"].([]interface{})
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]interface{})
	assert.Equal(t, "assistant", first["role"])
	require.Len(t, first["tool_calls"], 1)
	second := msgs[1].(map[string]interface{})
	assert.Equal(t, "tool", second["role"])
	assert.Equal(t, "call_1", second["tool_call_id"])
}

func TestChatRetriesOnThrottle(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(Completion{Choices: []Choice{{
			Message:      ResponseMessage{Role: "assistant", Content: "ok"},
			FinishReason: "stop",
		}}})
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, RetryBackoff: time.Millisecond})
	resp, err := c.Chat(context.Background(), ChatRequest{
		Messages: []types.ChatMessage{{Role: types.RoleUser, MessageType: types.MessageText, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChatGatewayErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(Completion{Error: &GatewayError{
			Message: "unknown model", Type: "invalid_request_error",
		}})
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, RetryBackoff: time.Millisecond})
	_, err := c.Chat(context.Background(), ChatRequest{
		Messages: []types.ChatMessage{{Role: types.RoleUser, MessageType: types.MessageText, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, "PlatformCallFailed", errdefs.Kind(err))
	assert.Contains(t, err.Error(), "unknown model")
	assert.Equal(t, int32(1), calls.Load())
}
