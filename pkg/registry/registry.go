// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package registry holds the tenant records of the platform: which module
// instances exist, which kit version each one runs, its path label inside a
// project, and its encrypted environment variables.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	_ "github.com/kilnworks/kiln/internal/sqlitedriver"
	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/kit"
	"github.com/kilnworks/kiln/pkg/provides"
	"github.com/kilnworks/kiln/pkg/secrets"
	"github.com/kilnworks/kiln/pkg/types"
	"github.com/kilnworks/kiln/pkg/uid"
	"github.com/kilnworks/kiln/pkg/workspace"
)

// pathRe constrains module path labels to dotted alphanumeric segments.
var pathRe = regexp.MustCompile(`^[A-Za-z0-9]+(\.[A-Za-z0-9]+)*$`)

// Module is one tenant record.
type Module struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	Owner     string            `json:"owner"`
	KitID     string            `json:"kit_id"`
	Version   string            `json:"version"`
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	EnvVars   map[string]string `json:"env_vars,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// KitRef returns the kit version the module was instantiated from.
func (m *Module) KitRef() kit.Ref {
	return kit.Ref{Owner: m.Owner, KitID: m.KitID, Version: m.Version}
}

// CreateParams are the inputs to CreateModule.
type CreateParams struct {
	ProjectID string
	Owner     string
	KitID     string
	Version   string
	EnvVars   map[string]string
	Path      string
	Name      string
}

// Registry persists modules in SQLite and coordinates the kit store, the
// workspace store, and the provides graph on lifecycle changes.
type Registry struct {
	db         *sql.DB
	ownsDB     bool
	kits       *kit.Store
	workspaces *workspace.Store
	graph      *provides.Graph
	codec      *secrets.Codec
	logger     *zap.Logger
}

// Config configures a Registry.
type Config struct {
	// Path is the SQLite database file (required unless DB is set).
	Path string

	// DB reuses an already open handle instead of opening Path.
	DB *sql.DB

	// Kits is the kit store (required).
	Kits *kit.Store

	// Workspaces is the workspace store (required).
	Workspaces *workspace.Store

	// Graph is the provides graph (required).
	Graph *provides.Graph

	// Codec encrypts environment variables at rest (required).
	Codec *secrets.Codec

	// Logger is the zap logger (optional).
	Logger *zap.Logger
}

// New opens the registry and creates its schema.
func New(config Config) (*Registry, error) {
	if config.Kits == nil || config.Workspaces == nil || config.Graph == nil {
		return nil, fmt.Errorf("kit store, workspace store, and provides graph are required")
	}
	if config.Codec == nil {
		return nil, fmt.Errorf("secrets codec is required")
	}
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

	r := &Registry{
		db:         db,
		ownsDB:     ownsDB,
		kits:       config.Kits,
		workspaces: config.Workspaces,
		graph:      config.Graph,
		codec:      config.Codec,
		logger:     config.Logger,
	}
	if err := r.initSchema(); err != nil {
		if ownsDB {
			db.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS modules (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		kit_id TEXT NOT NULL,
		version TEXT NOT NULL,
		name TEXT NOT NULL,
		env_vars TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_mappings (
		project_id TEXT NOT NULL,
		module_id TEXT NOT NULL,
		path TEXT NOT NULL,
		PRIMARY KEY (project_id, path),
		FOREIGN KEY (module_id) REFERENCES modules(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS module_states (
		module_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		last_updated INTEGER NOT NULL,
		FOREIGN KEY (module_id) REFERENCES modules(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_mappings_module ON project_mappings(module_id);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "create registry schema: %v", err)
	}
	return nil
}

// Close releases the database handle when the registry owns it.
func (r *Registry) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// ValidatePath checks a module path label.
func ValidatePath(path string) error {
	if !pathRe.MatchString(path) {
		return errdefs.WithDetail(errdefs.ErrInvalidPath, "path label %q must be dotted alphanumeric segments", path)
	}
	return nil
}

// CreateModule instantiates a kit version as a new module. It assigns a
// readable uid, materializes the workspace from the kit seed, and writes all
// rows in one transaction. The workspace is torn down if the transaction
// fails.
func (r *Registry) CreateModule(ctx context.Context, params CreateParams) (*Module, error) {
	if err := ValidatePath(params.Path); err != nil {
		return nil, err
	}

	ref := kit.Ref{Owner: params.Owner, KitID: params.KitID, Version: params.Version}
	manifest, err := r.kits.Manifest(ref)
	if err != nil {
		return nil, err
	}

	name := params.Name
	if name == "" {
		name = manifest.Name
	}
	if name == "" {
		name = manifest.ID
	}

	encrypted, err := r.codec.EncryptMap(params.EnvVars)
	if err != nil {
		return nil, err
	}

	moduleID := uid.Readable()
	seed, err := r.kits.SeedZip(ref)
	if err != nil {
		return nil, err
	}
	if err := r.workspaces.Create(moduleID, seed, nil); err != nil {
		return nil, fmt.Errorf("failed to materialize workspace: %w", err)
	}

	now := time.Now()
	module := &Module{
		ID:        moduleID,
		ProjectID: params.ProjectID,
		Owner:     params.Owner,
		KitID:     params.KitID,
		Version:   params.Version,
		Name:      name,
		Path:      params.Path,
		EnvVars:   params.EnvVars,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO modules (id, owner, kit_id, version, name, env_vars, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, moduleID, params.Owner, params.KitID, params.Version, name, encrypted,
			now.UnixMilli(), now.UnixMilli()); err != nil {
			return errdefs.WithDetail(errdefs.ErrDB, "insert module: %v", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_mappings (project_id, module_id, path) VALUES (?, ?, ?)
		`, params.ProjectID, moduleID, params.Path); err != nil {
			return errdefs.WithDetail(errdefs.ErrDB, "insert project mapping: %v", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO module_states (module_id, state, last_updated) VALUES (?, ?, ?)
		`, moduleID, string(types.StateStandby), now.UnixMilli()); err != nil {
			return errdefs.WithDetail(errdefs.ErrDB, "insert module state: %v", err)
		}
		return nil
	})
	if err != nil {
		// Compensate: the workspace must not outlive a failed create.
		if derr := r.workspaces.Delete(moduleID); derr != nil {
			r.logger.Error("workspace cleanup after failed create",
				zap.String("module", moduleID), zap.Error(derr))
		}
		return nil, err
	}

	r.logger.Info("module created",
		zap.String("module", moduleID),
		zap.String("kit", ref.String()),
		zap.String("project", params.ProjectID),
		zap.String("path", params.Path),
	)
	return module, nil
}

// GetModule loads one module with its environment decrypted.
func (r *Registry) GetModule(ctx context.Context, moduleID string) (*Module, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT m.id, m.owner, m.kit_id, m.version, m.name, m.env_vars,
		       m.created_at, m.updated_at, pm.project_id, pm.path
		FROM modules m
		JOIN project_mappings pm ON pm.module_id = m.id
		WHERE m.id = ?
	`, moduleID)
	return r.scanModule(row)
}

// ListModules returns every module mapped into a project, env decrypted,
// ordered by path label.
func (r *Registry) ListModules(ctx context.Context, projectID string) ([]*Module, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.owner, m.kit_id, m.version, m.name, m.env_vars,
		       m.created_at, m.updated_at, pm.project_id, pm.path
		FROM modules m
		JOIN project_mappings pm ON pm.module_id = m.id
		WHERE pm.project_id = ?
		ORDER BY pm.path
	`, projectID)
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "list modules: %v", err)
	}
	defer rows.Close()

	var modules []*Module
	for rows.Next() {
		m, err := r.scanModule(rows)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "iterate modules: %v", err)
	}
	return modules, nil
}

// UpdatePath moves a module to a new path label inside its project.
func (r *Registry) UpdatePath(ctx context.Context, moduleID, newPath string) error {
	if err := ValidatePath(newPath); err != nil {
		return err
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE project_mappings SET path = ? WHERE module_id = ?`, newPath, moduleID)
		if err != nil {
			return errdefs.WithDetail(errdefs.ErrDB, "update path: %v", err)
		}
		if err := requireRow(res, moduleID); err != nil {
			return err
		}
		return r.touch(ctx, tx, moduleID)
	})
}

// UpdateName renames a module.
func (r *Registry) UpdateName(ctx context.Context, moduleID, newName string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE modules SET name = ?, updated_at = ? WHERE id = ?`,
			newName, time.Now().UnixMilli(), moduleID)
		if err != nil {
			return errdefs.WithDetail(errdefs.ErrDB, "update name: %v", err)
		}
		return requireRow(res, moduleID)
	})
}

// UpdateEnvVar sets one environment variable. An empty value deletes the key.
// The whole map is re-encrypted.
func (r *Registry) UpdateEnvVar(ctx context.Context, moduleID, key, value string) error {
	module, err := r.GetModule(ctx, moduleID)
	if err != nil {
		return err
	}
	env := module.EnvVars
	if env == nil {
		env = map[string]string{}
	}
	if value == "" {
		delete(env, key)
	} else {
		env[key] = value
	}
	encrypted, err := r.codec.EncryptMap(env)
	if err != nil {
		return err
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE modules SET env_vars = ?, updated_at = ? WHERE id = ?`,
			encrypted, time.Now().UnixMilli(), moduleID)
		if err != nil {
			return errdefs.WithDetail(errdefs.ErrDB, "update env vars: %v", err)
		}
		return requireRow(res, moduleID)
	})
}

// DeleteModule removes every provides edge touching the module, then the
// module rows in one transaction, then destroys its workspace. Edges go
// first: edge removal is idempotent, so a failure before the rows commit
// leaves the module intact and the whole delete retriable, and edges can
// never outlive their module.
func (r *Registry) DeleteModule(ctx context.Context, moduleID string) error {
	if _, err := r.GetModule(ctx, moduleID); err != nil {
		return err
	}
	if err := r.graph.RemoveAllFor(ctx, moduleID); err != nil {
		return err
	}

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM modules WHERE id = ?`, moduleID)
		if err != nil {
			return errdefs.WithDetail(errdefs.ErrDB, "delete module: %v", err)
		}
		if err := requireRow(res, moduleID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM project_mappings WHERE module_id = ?`, moduleID); err != nil {
			return errdefs.WithDetail(errdefs.ErrDB, "delete project mapping: %v", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM module_states WHERE module_id = ?`, moduleID); err != nil {
			return errdefs.WithDetail(errdefs.ErrDB, "delete module state: %v", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := r.workspaces.Delete(moduleID); err != nil {
		return err
	}

	r.logger.Info("module deleted", zap.String("module", moduleID))
	return nil
}

// ModulesUsingKit counts live modules instantiated from a kit version.
// Kit deletion must be refused while this is non-zero.
func (r *Registry) ModulesUsingKit(ctx context.Context, ref kit.Ref) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM modules WHERE owner = ? AND kit_id = ? AND version = ?`,
		ref.Owner, ref.KitID, ref.Version).Scan(&n)
	if err != nil {
		return 0, errdefs.WithDetail(errdefs.ErrDB, "count modules for kit: %v", err)
	}
	return n, nil
}

// GetKitConfig resolves the module's kit manifest with absolute paths.
// The result reflects the kit store at call time and is never cached.
func (r *Registry) GetKitConfig(ctx context.Context, moduleID string) (*kit.ResolvedConfig, error) {
	module, err := r.GetModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	return r.kits.Resolve(module.KitRef())
}

// GetState returns the module's agent state and when it last changed.
func (r *Registry) GetState(ctx context.Context, moduleID string) (types.AgentState, time.Time, error) {
	var state string
	var updated int64
	err := r.db.QueryRowContext(ctx,
		`SELECT state, last_updated FROM module_states WHERE module_id = ?`, moduleID).
		Scan(&state, &updated)
	if err == sql.ErrNoRows {
		return "", time.Time{}, errdefs.WithDetail(errdefs.ErrModuleNotFound, "module %q", moduleID)
	}
	if err != nil {
		return "", time.Time{}, errdefs.WithDetail(errdefs.ErrDB, "get module state: %v", err)
	}
	return types.AgentState(state), time.UnixMilli(updated), nil
}

// SetState transitions the module's agent state.
func (r *Registry) SetState(ctx context.Context, moduleID string, state types.AgentState) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE module_states SET state = ?, last_updated = ? WHERE module_id = ?`,
		string(state), time.Now().UnixMilli(), moduleID)
	if err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "set module state: %v", err)
	}
	return requireRow(res, moduleID)
}

func (r *Registry) scanModule(row interface{ Scan(...any) error }) (*Module, error) {
	var m Module
	var env string
	var created, updated int64
	err := row.Scan(&m.ID, &m.Owner, &m.KitID, &m.Version, &m.Name, &env,
		&created, &updated, &m.ProjectID, &m.Path)
	if err == sql.ErrNoRows {
		return nil, errdefs.WithDetail(errdefs.ErrModuleNotFound, "no such module")
	}
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrDB, "scan module: %v", err)
	}
	m.CreatedAt = time.UnixMilli(created)
	m.UpdatedAt = time.UnixMilli(updated)
	if env != "" {
		m.EnvVars, err = r.codec.DecryptMap(env)
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (r *Registry) touch(ctx context.Context, tx *sql.Tx, moduleID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE modules SET updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), moduleID)
	if err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "touch module: %v", err)
	}
	return nil
}

func (r *Registry) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "begin transaction: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "commit transaction: %v", err)
	}
	return nil
}

func requireRow(res sql.Result, moduleID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errdefs.WithDetail(errdefs.ErrDB, "rows affected: %v", err)
	}
	if n == 0 {
		return errdefs.WithDetail(errdefs.ErrModuleNotFound, "module %q", moduleID)
	}
	return nil
}
