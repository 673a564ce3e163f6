// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package docstore is the per-profile JSON document store agents use for
// durable state. Rows are scoped to (module, profile, collection) and
// queried with a small recursive filter language evaluated over the decoded
// documents.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/kilnworks/kiln/internal/sqlitedriver"
	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/uid"
)

// Scope names one document collection.
type Scope struct {
	ModuleID   string `json:"module_id"`
	Profile    string `json:"profile"`
	Collection string `json:"collection"`
}

// Document is one stored JSON value.
type Document struct {
	ID         string                 `json:"id"`
	ModuleID   string                 `json:"module_id"`
	Profile    string                 `json:"profile"`
	Collection string                 `json:"collection"`
	Value      map[string]interface{} `json:"value"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Store is the SQLite-backed document store.
type Store struct {
	db     *sql.DB
	ownsDB bool
	logger *zap.Logger
}

// Config configures a document Store.
type Config struct {
	// Path is the SQLite database file (required unless DB is set).
	Path string

	// DB reuses an already open handle instead of opening Path.
	DB *sql.DB

	// Logger is the zap logger (optional).
	Logger *zap.Logger
}

// NewStore opens the document store and creates its schema.
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
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		module_id TEXT NOT NULL,
		profile TEXT NOT NULL,
		collection TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_scope
		ON documents(module_id, profile, collection);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "create docstore schema: %v", err)
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

// SetValue inserts one document and returns it.
func (s *Store) SetValue(ctx context.Context, scope Scope, value map[string]interface{}) (*Document, error) {
	docs, err := s.SetMany(ctx, scope, []map[string]interface{}{value})
	if err != nil {
		return nil, err
	}
	return &docs[0], nil
}

// SetMany batch-inserts documents in one transaction.
func (s *Store) SetMany(ctx context.Context, scope Scope, values []map[string]interface{}) ([]Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "begin transaction: %v", err)
	}
	defer tx.Rollback()

	now := time.Now()
	docs := make([]Document, 0, len(values))
	for _, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
		}
		doc := Document{
			ID:         uid.UUID(),
			ModuleID:   scope.ModuleID,
			Profile:    scope.Profile,
			Collection: scope.Collection,
			Value:      value,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, module_id, profile, collection, value, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, doc.ID, doc.ModuleID, doc.Profile, doc.Collection, string(raw),
			now.UnixMilli(), now.UnixMilli()); err != nil {
			return nil, errdefs.WithDetail(errdefs.ErrDB, "insert document: %v", err)
		}
		docs = append(docs, doc)
	}
	if err := tx.Commit(); err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "commit transaction: %v", err)
	}
	return docs, nil
}

// Find returns the scope's documents matching the filter, sorted and
// windowed per the filter's sort_by/limit/offset.
func (s *Store) Find(ctx context.Context, scope Scope, filter *Filter) ([]Document, error) {
	docs, err := s.loadScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	matched := docs[:0]
	for _, doc := range docs {
		ok, err := filter.Matches(doc.Value)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, doc)
		}
	}
	return filter.apply(matched), nil
}

// Update replaces the value of every matching document and bumps its
// updated_at. Returns the number of rows changed.
func (s *Store) Update(ctx context.Context, scope Scope, filter *Filter, newValue map[string]interface{}) (int, error) {
	raw, err := json.Marshal(newValue)
	if err != nil {
		return 0, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	matched, err := s.Find(ctx, scope, filter)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errdefs.WithDetail(errdefs.ErrDB, "begin transaction: %v", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, doc := range matched {
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET value = ?, updated_at = ? WHERE id = ?`,
			string(raw), now, doc.ID); err != nil {
			return 0, errdefs.WithDetail(errdefs.ErrDB, "update document: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errdefs.WithDetail(errdefs.ErrDB, "commit transaction: %v", err)
	}
	return len(matched), nil
}

// Delete removes every matching document and returns the count.
func (s *Store) Delete(ctx context.Context, scope Scope, filter *Filter) (int, error) {
	matched, err := s.Find(ctx, scope, filter)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errdefs.WithDetail(errdefs.ErrDB, "begin transaction: %v", err)
	}
	defer tx.Rollback()

	for _, doc := range matched {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, doc.ID); err != nil {
			return 0, errdefs.WithDetail(errdefs.ErrDB, "delete document: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errdefs.WithDetail(errdefs.ErrDB, "commit transaction: %v", err)
	}
	return len(matched), nil
}

// GetByID fetches one document by uuid.
func (s *Store) GetByID(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, module_id, profile, collection, value, created_at, updated_at
		FROM documents WHERE id = ?
	`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// DeleteModule drops every document belonging to a module.
func (s *Store) DeleteModule(ctx context.Context, moduleID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE module_id = ?`, moduleID); err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "delete module documents: %v", err)
	}
	return nil
}

func (s *Store) loadScope(ctx context.Context, scope Scope) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, module_id, profile, collection, value, created_at, updated_at
		FROM documents
		WHERE module_id = ? AND profile = ? AND collection = ?
		ORDER BY created_at ASC, id ASC
	`, scope.ModuleID, scope.Profile, scope.Collection)
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "query documents: %v", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "iterate documents: %v", err)
	}
	return docs, nil
}

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var doc Document
	var raw string
	var created, updated int64
	err := row.Scan(&doc.ID, &doc.ModuleID, &doc.Profile, &doc.Collection,
		&raw, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "scan document: %v", err)
	}
	doc.CreatedAt = time.UnixMilli(created)
	doc.UpdatedAt = time.UnixMilli(updated)
	if err := json.Unmarshal([]byte(raw), &doc.Value); err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "decode document value: %v", err)
	}
	return &doc, nil
}
