// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{Path: filepath.Join(t.TempDir(), "history.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func textMsg(content string) types.ChatMessage {
	return types.ChatMessage{
		ModuleID:    "swift-mesa-42",
		Profile:     "research",
		Role:        types.RoleUser,
		Content:     content,
		MessageType: types.MessageText,
	}
}

func TestAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, textMsg("hello"))
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.Equal(t, types.DefaultSessionID, first.SessionID)
	assert.False(t, first.Timestamp.IsZero())

	_, err = s.Append(ctx, textMsg("world"))
	require.NoError(t, err)

	messages, err := s.Messages(ctx, "swift-mesa-42", "research", "")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, "world", messages[1].Content)
}

func TestAppendCollisionBumpsTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_000)
	msg := textMsg("a")
	msg.Timestamp = at
	_, err := s.Append(ctx, msg)
	require.NoError(t, err)

	msg = textMsg("b")
	msg.Timestamp = at
	second, err := s.Append(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, at.Add(time.Millisecond).UnixMilli(), second.Timestamp.UnixMilli())

	messages, err := s.Messages(ctx, "swift-mesa-42", "research", "")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "a", messages[0].Content)
	assert.Equal(t, "b", messages[1].Content)
}

func TestToolCallRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	call := types.ChatMessage{
		ModuleID:    "m",
		Profile:     "p",
		Role:        types.RoleAssistant,
		MessageType: types.MessageToolCall,
		ToolCalls: []types.ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: types.ToolCallFunction{
				Name:      "search",
				Arguments: `{"query":"go"}`,
			},
		}},
	}
	_, err := s.Append(ctx, call)
	require.NoError(t, err)

	result := types.ChatMessage{
		ModuleID:    "m",
		Profile:     "p",
		Role:        types.RoleTool,
		MessageType: types.MessageToolResult,
		Content:     "3 hits",
		ToolCallID:  "call_1",
		ToolName:    "search",
	}
	_, err = s.Append(ctx, result)
	require.NoError(t, err)

	messages, err := s.Messages(ctx, "m", "p", "")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Len(t, messages[0].ToolCalls, 1)
	assert.Equal(t, "search", messages[0].ToolCalls[0].Function.Name)
	assert.Equal(t, "call_1", messages[1].ToolCallID)
}

func TestToolResultRequiresPriorCall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	result := types.ChatMessage{
		ModuleID:    "m",
		Profile:     "p",
		Role:        types.RoleTool,
		MessageType: types.MessageToolResult,
		ToolCallID:  "never_issued",
	}
	_, err := s.Append(ctx, result)
	assert.Error(t, err)

	// The same id in a different session does not satisfy the check.
	call := types.ChatMessage{
		ModuleID:    "m",
		Profile:     "p",
		SessionID:   "other",
		Role:        types.RoleAssistant,
		MessageType: types.MessageToolCall,
		ToolCalls:   []types.ToolCall{{ID: "call_x", Type: "function"}},
	}
	_, err = s.Append(ctx, call)
	require.NoError(t, err)

	result.ToolCallID = "call_x"
	_, err = s.Append(ctx, result)
	assert.Error(t, err)
}

func TestVariantValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := textMsg("x")
	bad.ToolCallID = "stray"
	_, err := s.Append(ctx, bad)
	assert.Error(t, err)

	call := types.ChatMessage{
		ModuleID: "m", Profile: "p",
		Role:        types.RoleAssistant,
		MessageType: types.MessageToolCall,
	}
	_, err = s.Append(ctx, call)
	assert.Error(t, err)
}

func TestSessionsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := textMsg("in default")
	_, err := s.Append(ctx, a)
	require.NoError(t, err)

	b := textMsg("in side")
	b.SessionID = "side"
	_, err = s.Append(ctx, b)
	require.NoError(t, err)

	messages, err := s.Messages(ctx, "swift-mesa-42", "research", "side")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "in side", messages[0].Content)

	require.NoError(t, s.DeleteSession(ctx, "swift-mesa-42", "research", "side"))
	messages, err = s.Messages(ctx, "swift-mesa-42", "research", "side")
	require.NoError(t, err)
	assert.Empty(t, messages)
}
