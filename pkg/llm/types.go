// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package llm

import "github.com/kilnworks/kiln/pkg/types"

// Gateway wire types for OpenAI-shaped chat completions.

// ChatRequest is the caller-facing request shape. Model, Tools and
// ToolChoice are optional; Extra carries provider passthrough fields
// (temperature, max_tokens and friends) merged into the wire body.
type ChatRequest struct {
	Messages   []types.ChatMessage    `json:"messages"`
	Model      string                 `json:"model,omitempty"`
	Tools      []types.ToolDescriptor `json:"tools,omitempty"`
	ToolChoice interface{}            `json:"tool_choice,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// wireMessage is one message in gateway format.
type wireMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []types.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// Completion is the gateway response for a finished (non-streamed) call.
type Completion struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []Choice      `json:"choices"`
	Usage   Usage         `json:"usage"`
	Error   *GatewayError `json:"error,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message produced by the model.
type ResponseMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []types.ToolCall `json:"tool_calls,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GatewayError is the error envelope returned by the gateway.
type GatewayError struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Code    interface{} `json:"code,omitempty"`
}
