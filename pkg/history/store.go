// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package history persists chat transcripts per (module, profile, session).
//
// The store is append-only. Insert uniqueness rides on the wall-clock
// timestamp; simultaneous appends collide on the unique index and retry with
// a one millisecond bump, at most three times.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "github.com/kilnworks/kiln/internal/sqlitedriver"
	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/types"
)

const maxCollisionRetries = 3

// Store is the SQLite-backed chat history.
type Store struct {
	db     *sql.DB
	ownsDB bool
	logger *zap.Logger
}

// Config configures a history Store.
type Config struct {
	// Path is the SQLite database file (required unless DB is set).
	Path string

	// DB reuses an already open handle instead of opening Path.
	DB *sql.DB

	// Logger is the zap logger (optional).
	Logger *zap.Logger
}

// NewStore opens the history store and creates its schema.
func NewStore(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	db := config.DB
	ownsDB := false
	if db == nil {
		if config.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		var err error
		db, err = sql.Open("sqlite3", config.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		ownsDB = true
		if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure database: %w", err)
		}
	}

	s := &Store{db: db, ownsDB: ownsDB, logger: config.Logger}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		module_id TEXT NOT NULL,
		profile TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		message_type TEXT NOT NULL,
		content TEXT,
		tool_calls TEXT,
		tool_call_id TEXT,
		tool_name TEXT,
		timestamp INTEGER NOT NULL,
		UNIQUE (module_id, profile, timestamp, session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_chat_session
		ON chat_messages(module_id, profile, session_id, timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "create history schema: %v", err)
	}
	return nil
}

// Close releases the database handle when the store owns it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Append inserts one message and returns it with id and final timestamp
// filled in. A zero timestamp is stamped with the current wall clock.
// Timestamp collisions retry with a +1 ms bump.
func (s *Store) Append(ctx context.Context, msg types.ChatMessage) (*types.ChatMessage, error) {
	if err := s.validate(ctx, &msg); err != nil {
		return nil, err
	}
	if msg.SessionID == "" {
		msg.SessionID = types.DefaultSessionID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return nil, errdefs.WithDetail(errdefs.ErrDB, "encode tool calls: %v", err)
		}
		toolCalls = sql.NullString{String: string(raw), Valid: true}
	}

	for attempt := 0; ; attempt++ {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_messages
				(module_id, profile, session_id, role, message_type, content,
				 tool_calls, tool_call_id, tool_name, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ModuleID, msg.Profile, msg.SessionID, string(msg.Role),
			string(msg.MessageType), msg.Content, toolCalls,
			msg.ToolCallID, msg.ToolName, msg.Timestamp.UnixMilli())

		if err == nil {
			msg.ID, err = res.LastInsertId()
			if err != nil {
				return nil, errdefs.WithDetail(errdefs.ErrDB, "last insert id: %v", err)
			}
			return &msg, nil
		}
		if !isUniqueViolation(err) || attempt >= maxCollisionRetries {
			return nil, errdefs.WithDetail(errdefs.ErrDB, "append message: %v", err)
		}
		msg.Timestamp = msg.Timestamp.Add(time.Millisecond)
	}
}

// Messages returns the session transcript in ascending timestamp order.
func (s *Store) Messages(ctx context.Context, moduleID, profile, sessionID string) ([]types.ChatMessage, error) {
	if sessionID == "" {
		sessionID = types.DefaultSessionID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, module_id, profile, session_id, role, message_type,
		       content, tool_calls, tool_call_id, tool_name, timestamp
		FROM chat_messages
		WHERE module_id = ? AND profile = ? AND session_id = ?
		ORDER BY timestamp ASC, id ASC
	`, moduleID, profile, sessionID)
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "query messages: %v", err)
	}
	defer rows.Close()

	var messages []types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		var role, msgType string
		var content, toolCalls, toolCallID, toolName sql.NullString
		var ts int64
		if err := rows.Scan(&m.ID, &m.ModuleID, &m.Profile, &m.SessionID,
			&role, &msgType, &content, &toolCalls, &toolCallID, &toolName, &ts); err != nil {
			return nil, errdefs.WithDetail(errdefs.ErrDB, "scan message: %v", err)
		}
		m.Role = types.Role(role)
		m.MessageType = types.MessageType(msgType)
		m.Content = content.String
		m.ToolCallID = toolCallID.String
		m.ToolName = toolName.String
		m.Timestamp = time.UnixMilli(ts)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, errdefs.WithDetail(errdefs.ErrDB, "decode tool calls: %v", err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "iterate messages: %v", err)
	}
	return messages, nil
}

// DeleteSession drops a session transcript. Used when a module is deleted.
func (s *Store) DeleteSession(ctx context.Context, moduleID, profile, sessionID string) error {
	if sessionID == "" {
		sessionID = types.DefaultSessionID
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM chat_messages WHERE module_id = ? AND profile = ? AND session_id = ?
	`, moduleID, profile, sessionID)
	if err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "delete session: %v", err)
	}
	return nil
}

// validate enforces the per-variant field rules. A tool_result must
// reference a tool call already recorded in the same session.
func (s *Store) validate(ctx context.Context, msg *types.ChatMessage) error {
	if msg.ModuleID == "" || msg.Profile == "" {
		return fmt.Errorf("module_id and profile are required")
	}
	switch msg.MessageType {
	case types.MessageText:
		if len(msg.ToolCalls) > 0 || msg.ToolCallID != "" {
			return fmt.Errorf("text message carries tool fields")
		}
	case types.MessageToolCall:
		if len(msg.ToolCalls) == 0 {
			return fmt.Errorf("tool_call message requires tool_calls")
		}
	case types.MessageToolResult:
		if msg.ToolCallID == "" {
			return fmt.Errorf("tool_result message requires tool_call_id")
		}
		known, err := s.sessionHasToolCall(ctx, msg)
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("tool_result references unknown tool_call_id %q", msg.ToolCallID)
		}
	case "":
		msg.MessageType = types.MessageText
	default:
		return fmt.Errorf("unknown message_type %q", msg.MessageType)
	}
	return nil
}

func (s *Store) sessionHasToolCall(ctx context.Context, msg *types.ChatMessage) (bool, error) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = types.DefaultSessionID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_calls FROM chat_messages
		WHERE module_id = ? AND profile = ? AND session_id = ? AND message_type = ?
	`, msg.ModuleID, msg.Profile, sessionID, string(types.MessageToolCall))
	if err != nil {
		return false, errdefs.WithDetail(errdefs.ErrDB, "query tool calls: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return false, errdefs.WithDetail(errdefs.ErrDB, "scan tool calls: %v", err)
		}
		if !raw.Valid {
			continue
		}
		var calls []types.ToolCall
		if err := json.Unmarshal([]byte(raw.String), &calls); err != nil {
			continue
		}
		for _, c := range calls {
			if c.ID == msg.ToolCallID {
				return true, nil
			}
		}
	}
	return false, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
