// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types contains shared types used across the kiln platform.
// This package breaks import cycles by providing the message and tool
// descriptor shapes that the history store, bridge, composer, and LLM
// gateway all depend on.
package types

import (
	"encoding/json"
	"time"
)

// DefaultSessionID represents "no explicit session" for a profile.
const DefaultSessionID = "default"

// Role identifies the sender of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// MessageType discriminates the persisted chat message variants.
type MessageType string

const (
	MessageText       MessageType = "text"
	MessageToolCall   MessageType = "tool_call"
	MessageToolResult MessageType = "tool_result"
)

// ToolCallFunction is the function half of an OpenAI-shaped tool call.
// Arguments is the raw JSON string produced by the model.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ChatMessage is a single entry in a (module, profile, session) transcript.
//
// Uniqueness is (module_id, profile, timestamp, session_id); the history
// store bumps the timestamp on collision.
type ChatMessage struct {
	ID          int64       `json:"id,omitempty"`
	ModuleID    string      `json:"module_id"`
	Profile     string      `json:"profile"`
	SessionID   string      `json:"session_id"`
	Role        Role        `json:"role"`
	Content     string      `json:"content,omitempty"`
	MessageType MessageType `json:"message_type"`

	// ToolCalls is set when MessageType is tool_call.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set when MessageType is tool_result.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Schema is a JSON Schema fragment for tool parameters.
//
// Type is the scalar schema type; NullableTypes replaces it with a type list
// when the parameter admits null. A nil AdditionalProps with
// NoAdditionalProps set emits "additionalProperties": false, the shape
// required for the top-level parameters object.
type Schema struct {
	Type              string
	NullableTypes     []string
	Description       string
	Properties        map[string]*Schema
	Required          []string
	Items             *Schema
	AdditionalProps   *Schema
	NoAdditionalProps bool
	OneOf             []*Schema
	Enum              []interface{}
}

// MarshalJSON emits the schema in JSON Schema wire form.
func (s *Schema) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	switch {
	case len(s.NullableTypes) > 0:
		m["type"] = s.NullableTypes
	case s.Type != "":
		m["type"] = s.Type
	}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if s.Properties != nil {
		m["properties"] = s.Properties
	}
	if s.Required != nil {
		m["required"] = s.Required
	}
	if s.Items != nil {
		m["items"] = s.Items
	}
	if s.AdditionalProps != nil {
		m["additionalProperties"] = s.AdditionalProps
	} else if s.NoAdditionalProps {
		m["additionalProperties"] = false
	}
	if len(s.OneOf) > 0 {
		m["oneOf"] = s.OneOf
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	return json.Marshal(m)
}

// NewObjectSchema creates a closed object schema with the given properties.
func NewObjectSchema(properties map[string]*Schema, required []string) *Schema {
	return &Schema{
		Type:              "object",
		Properties:        properties,
		Required:          required,
		NoAdditionalProps: true,
	}
}

// FunctionSpec describes one callable exposed to the LLM.
type FunctionSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	IsAsync     bool    `json:"is_async,omitempty"`
	Parameters  *Schema `json:"parameters"`
}

// ToolDescriptor is the OpenAI-shaped wrapper around a FunctionSpec.
type ToolDescriptor struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// NewToolDescriptor wraps a function spec in the wire envelope.
func NewToolDescriptor(fn FunctionSpec) ToolDescriptor {
	return ToolDescriptor{Type: "function", Function: fn}
}

// AgentState is the per-module transient execution flag.
type AgentState string

const (
	StateStandby   AgentState = "STANDBY"
	StateExecuting AgentState = "EXECUTING"
)
