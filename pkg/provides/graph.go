// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package provides tracks capability edges between modules.
//
// An edge (provider, receiver, kind) grants the receiver access to what the
// provider's kit declares under that kind: "tool" exposes the provider's
// shared tools, "instruction" contributes instruction text, and "workspace"
// mounts the provider's workspace as a submodule.
package provides

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/kilnworks/kiln/internal/sqlitedriver"
	"github.com/kilnworks/kiln/pkg/errdefs"
)

// Edge kinds.
const (
	KindTool        = "tool"
	KindInstruction = "instruction"
	KindWorkspace   = "workspace"
)

// Edge is one capability grant between two modules.
type Edge struct {
	ProviderID  string    `json:"provider_id"`
	ReceiverID  string    `json:"receiver_id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Graph stores capability edges in SQLite.
type Graph struct {
	db     *sql.DB
	ownsDB bool
	logger *zap.Logger
}

// Config configures a Graph.
type Config struct {
	// Path is the SQLite database file (required unless DB is set).
	Path string

	// DB reuses an already open handle instead of opening Path.
	DB *sql.DB

	// Logger is the zap logger (optional).
	Logger *zap.Logger
}

// NewGraph opens the edge store and creates its schema.
func NewGraph(config Config) (*Graph, error) {
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

	g := &Graph{db: db, ownsDB: ownsDB, logger: config.Logger}
	if err := g.initSchema(); err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return g, nil
}

func (g *Graph) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS provides_edges (
		provider_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (provider_id, receiver_id, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_provides_receiver ON provides_edges(receiver_id, kind);
	`
	if _, err := g.db.Exec(schema); err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "create provides schema: %v", err)
	}
	return nil
}

// Close releases the database handle when the graph owns it.
func (g *Graph) Close() error {
	if !g.ownsDB {
		return nil
	}
	return g.db.Close()
}

// Add records a capability edge. Adding an existing edge refreshes its
// description and updated_at instead of failing.
func (g *Graph) Add(ctx context.Context, edge Edge) error {
	if edge.ProviderID == edge.ReceiverID {
		return errdefs.WithDetail(errdefs.ErrComposition, "module %q cannot provide to itself", edge.ProviderID)
	}
	if edge.Kind != KindTool && edge.Kind != KindInstruction && edge.Kind != KindWorkspace {
		return errdefs.WithDetail(errdefs.ErrComposition, "unknown provide kind %q", edge.Kind)
	}

	now := time.Now().UnixMilli()
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO provides_edges (provider_id, receiver_id, kind, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, receiver_id, kind)
		DO UPDATE SET description = excluded.description, updated_at = excluded.updated_at
	`, edge.ProviderID, edge.ReceiverID, edge.Kind, edge.Description, now, now)
	if err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "add provides edge: %v", err)
	}

	g.logger.Info("provides edge added",
		zap.String("provider", edge.ProviderID),
		zap.String("receiver", edge.ReceiverID),
		zap.String("kind", edge.Kind),
	)
	return nil
}

// Remove deletes one edge. Removing an absent edge is a no-op.
func (g *Graph) Remove(ctx context.Context, providerID, receiverID, kind string) error {
	_, err := g.db.ExecContext(ctx,
		`DELETE FROM provides_edges WHERE provider_id = ? AND receiver_id = ? AND kind = ?`,
		providerID, receiverID, kind)
	if err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "remove provides edge: %v", err)
	}
	return nil
}

// RemoveAllFor deletes every edge touching a module, in either direction.
// Called when the module is deleted.
func (g *Graph) RemoveAllFor(ctx context.Context, moduleID string) error {
	_, err := g.db.ExecContext(ctx,
		`DELETE FROM provides_edges WHERE provider_id = ? OR receiver_id = ?`,
		moduleID, moduleID)
	if err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "remove provides edges for module: %v", err)
	}
	return nil
}

// ProvidersFor returns the edges granting capabilities to a receiver,
// optionally filtered by kind.
func (g *Graph) ProvidersFor(ctx context.Context, receiverID, kind string) ([]Edge, error) {
	query := `SELECT provider_id, receiver_id, kind, description, created_at, updated_at
		FROM provides_edges WHERE receiver_id = ?`
	args := []any{receiverID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY provider_id, kind`
	return g.queryEdges(ctx, query, args...)
}

// ReceiversOf returns the edges where a module is the provider, optionally
// filtered by kind.
func (g *Graph) ReceiversOf(ctx context.Context, providerID, kind string) ([]Edge, error) {
	query := `SELECT provider_id, receiver_id, kind, description, created_at, updated_at
		FROM provides_edges WHERE provider_id = ?`
	args := []any{providerID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY receiver_id, kind`
	return g.queryEdges(ctx, query, args...)
}

// HasEdge reports whether a specific grant exists.
func (g *Graph) HasEdge(ctx context.Context, providerID, receiverID, kind string) (bool, error) {
	var n int
	err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provides_edges WHERE provider_id = ? AND receiver_id = ? AND kind = ?`,
		providerID, receiverID, kind).Scan(&n)
	if err != nil {
		return false, errdefs.WithDetail(errdefs.ErrDB, "check provides edge: %v", err)
	}
	return n > 0, nil
}

func (g *Graph) queryEdges(ctx context.Context, query string, args ...any) ([]Edge, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "query provides edges: %v", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var created, updated int64
		if err := rows.Scan(&e.ProviderID, &e.ReceiverID, &e.Kind, &e.Description, &created, &updated); err != nil {
			return nil, errdefs.WithDetail(errdefs.ErrDB, "scan provides edge: %v", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		e.UpdatedAt = time.UnixMilli(updated)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "iterate provides edges: %v", err)
	}
	return edges, nil
}
