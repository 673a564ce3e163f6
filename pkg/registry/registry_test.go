// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package registry

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/kit"
	"github.com/kilnworks/kiln/pkg/provides"
	"github.com/kilnworks/kiln/pkg/secrets"
	"github.com/kilnworks/kiln/pkg/types"
	"github.com/kilnworks/kiln/pkg/workspace"
)

const testManifest = `docVersion: "v1"
id: hello
owner: acme
version: 1.0.0
name: Hello Kit
image: python:3.11-slim
agents:
  - name: greeter
    class: Greeter
profiles:
  greet:
    agent: greeter
    instruction: greet.md
    actions:
      - path: "tools.py:say_hello"
        name: say_hello
`

type fixture struct {
	registry *Registry
	kits     *kit.Store
	ws       *workspace.Store
	graph    *provides.Graph
	ref      kit.Ref
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()

	kits, err := kit.NewStore(kit.StoreConfig{BasePath: filepath.Join(base, "kits")})
	require.NoError(t, err)

	files := map[string]string{
		"kit.yaml":              testManifest,
		"actions/tools.py":      "def say_hello(name: str):\n    return 'hi'\n",
		"instructions/greet.md": "Greet the user.",
		"workspace/README.md":   "seed",
	}
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	_, err = kits.Ingest(buf, false)
	require.NoError(t, err)

	ws, err := workspace.NewStore(workspace.StoreConfig{BasePath: filepath.Join(base, "workspaces")})
	require.NoError(t, err)

	graph, err := provides.NewGraph(provides.Config{Path: filepath.Join(base, "provides.db")})
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	codec, err := secrets.NewCodec(key)
	require.NoError(t, err)

	reg, err := New(Config{
		Path:       filepath.Join(base, "registry.db"),
		Kits:       kits,
		Workspaces: ws,
		Graph:      graph,
		Codec:      codec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	return &fixture{
		registry: reg,
		kits:     kits,
		ws:       ws,
		graph:    graph,
		ref:      kit.Ref{Owner: "acme", KitID: "hello", Version: "1.0.0"},
	}
}

func (f *fixture) create(t *testing.T, path string) *Module {
	t.Helper()
	m, err := f.registry.CreateModule(context.Background(), CreateParams{
		ProjectID: "proj1",
		Owner:     "acme",
		KitID:     "hello",
		Version:   "1.0.0",
		EnvVars:   map[string]string{"API_KEY": "secret"},
		Path:      path,
	})
	require.NoError(t, err)
	return m
}

func TestCreateModule(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "sales.crm")

	assert.NotEmpty(t, m.ID)
	assert.NotContains(t, m.ID, "_")
	assert.Equal(t, "Hello Kit", m.Name)
	assert.True(t, f.ws.Exists(m.ID))

	files, err := f.ws.ListFiles(m.ID)
	require.NoError(t, err)
	assert.Contains(t, files, "README.md")

	state, _, err := f.registry.GetState(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateStandby, state)
}

func TestCreateModuleBadPath(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"", "a..b", ".a", "a.", "a b", "a/b", "a.b-c"} {
		_, err := f.registry.CreateModule(context.Background(), CreateParams{
			ProjectID: "p", Owner: "acme", KitID: "hello", Version: "1.0.0", Path: path,
		})
		assert.True(t, errors.Is(err, errdefs.ErrInvalidPath), "path %q should be rejected", path)
	}
}

func TestCreateModuleUnknownKit(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.CreateModule(context.Background(), CreateParams{
		ProjectID: "p", Owner: "acme", KitID: "nope", Version: "1.0.0", Path: "a",
	})
	assert.True(t, errors.Is(err, errdefs.ErrKitNotFound))
}

func TestCreateModuleDuplicatePathRollsBackWorkspace(t *testing.T) {
	f := newFixture(t)
	f.create(t, "dup.path")

	// Same project, same path: the transaction fails and the second
	// workspace must not survive.
	_, err := f.registry.CreateModule(context.Background(), CreateParams{
		ProjectID: "proj1", Owner: "acme", KitID: "hello", Version: "1.0.0", Path: "dup.path",
	})
	require.Error(t, err)

	modules, err := f.registry.ListModules(context.Background(), "proj1")
	require.NoError(t, err)
	require.Len(t, modules, 1)
	assert.True(t, f.ws.Exists(modules[0].ID))
}

func TestEnvVarsRoundTrip(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "env.test")
	ctx := context.Background()

	got, err := f.registry.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"API_KEY": "secret"}, got.EnvVars)

	// The stored column must not contain the plaintext.
	var raw string
	require.NoError(t, f.registry.db.QueryRow(
		`SELECT env_vars FROM modules WHERE id = ?`, m.ID).Scan(&raw))
	assert.NotContains(t, raw, "secret")

	require.NoError(t, f.registry.UpdateEnvVar(ctx, m.ID, "REGION", "us-east-1"))
	require.NoError(t, f.registry.UpdateEnvVar(ctx, m.ID, "API_KEY", ""))

	got, err = f.registry.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"REGION": "us-east-1"}, got.EnvVars)
}

func TestUpdatePathAndName(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "old.path")
	ctx := context.Background()

	require.NoError(t, f.registry.UpdatePath(ctx, m.ID, "new.path"))
	require.NoError(t, f.registry.UpdateName(ctx, m.ID, "Renamed"))

	got, err := f.registry.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "new.path", got.Path)
	assert.Equal(t, "Renamed", got.Name)

	err = f.registry.UpdatePath(ctx, m.ID, "has space")
	assert.True(t, errors.Is(err, errdefs.ErrInvalidPath))

	err = f.registry.UpdatePath(ctx, "missing-module-1", "ok.path")
	assert.True(t, errors.Is(err, errdefs.ErrModuleNotFound))
}

func TestDeleteModuleCleansEverything(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "del.me")
	other := f.create(t, "other.one")
	ctx := context.Background()

	require.NoError(t, f.graph.Add(ctx, provides.Edge{
		ProviderID: m.ID, ReceiverID: other.ID, Kind: provides.KindTool,
	}))
	require.NoError(t, f.graph.Add(ctx, provides.Edge{
		ProviderID: other.ID, ReceiverID: m.ID, Kind: provides.KindWorkspace,
	}))

	require.NoError(t, f.registry.DeleteModule(ctx, m.ID))

	_, err := f.registry.GetModule(ctx, m.ID)
	assert.True(t, errors.Is(err, errdefs.ErrModuleNotFound))
	assert.False(t, f.ws.Exists(m.ID))

	edges, err := f.graph.ProvidersFor(ctx, other.ID, "")
	require.NoError(t, err)
	assert.Empty(t, edges)

	// The other module is untouched.
	_, err = f.registry.GetModule(ctx, other.ID)
	require.NoError(t, err)
}

func TestDeleteModuleStaysRetriableWhenEdgeCleanupFails(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "del.me")
	other := f.create(t, "other.one")
	ctx := context.Background()

	require.NoError(t, f.graph.Add(ctx, provides.Edge{
		ProviderID: m.ID, ReceiverID: other.ID, Kind: provides.KindTool,
	}))

	// Edge removal fails when the provides database is gone.
	require.NoError(t, f.graph.Close())

	err := f.registry.DeleteModule(ctx, m.ID)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errdefs.ErrModuleNotFound))

	// Nothing was torn down, so the delete can simply run again.
	_, err = f.registry.GetModule(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, f.ws.Exists(m.ID))

	err = f.registry.DeleteModule(ctx, m.ID)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errdefs.ErrModuleNotFound))
}

func TestModulesUsingKit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.registry.ModulesUsingKit(ctx, f.ref)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	m := f.create(t, "use.one")
	f.create(t, "use.two")

	n, err = f.registry.ModulesUsingKit(ctx, f.ref)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, f.registry.DeleteModule(ctx, m.ID))
	n, err = f.registry.ModulesUsingKit(ctx, f.ref)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetKitConfig(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "cfg.test")

	rc, err := f.registry.GetKitConfig(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", rc.Manifest.ID)

	profile, err := rc.ProfileNamed("greet")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(profile.InstructionPath))
	require.Len(t, profile.Actions, 1)
	assert.True(t, filepath.IsAbs(profile.Actions[0].AbsFile))
}

func TestStateTransitions(t *testing.T) {
	f := newFixture(t)
	m := f.create(t, "state.test")
	ctx := context.Background()

	before, _, err := f.registry.GetState(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateStandby, before)

	require.NoError(t, f.registry.SetState(ctx, m.ID, types.StateExecuting))
	state, _, err := f.registry.GetState(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateExecuting, state)

	require.NoError(t, f.registry.SetState(ctx, m.ID, types.StateStandby))

	err = f.registry.SetState(ctx, "missing-module-9", types.StateStandby)
	assert.True(t, errors.Is(err, errdefs.ErrModuleNotFound))
}
