// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package composer

import (
	"archive/tar"
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/kit"
	"github.com/kilnworks/kiln/pkg/provides"
	"github.com/kilnworks/kiln/pkg/registry"
	"github.com/kilnworks/kiln/pkg/secrets"
	"github.com/kilnworks/kiln/pkg/workspace"
)

const receiverKit = `docVersion: "v1"
id: hello
owner: acme
version: 1.0.0
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

const providerKit = `docVersion: "v1"
id: math
owner: acme
version: 1.0.0
image: python:3.11-slim
agents:
  - name: calculator
    class: Calculator
profiles:
  calc:
    agent: calculator
    actions:
      - path: "math_tools.py:square"
        name: square
provide:
  tools:
    - name: square
      profile: calc
  instructions:
    - path: shared.md
      name: shared
`

type fixture struct {
	composer *Composer
	registry *registry.Registry
	graph    *provides.Graph
	kits     *kit.Store
}

func ingest(t *testing.T, kits *kit.Store, files map[string]string) {
	t.Helper()
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
	_, err := kits.Ingest(buf, false)
	require.NoError(t, err)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()

	kits, err := kit.NewStore(kit.StoreConfig{BasePath: filepath.Join(base, "kits")})
	require.NoError(t, err)

	ingest(t, kits, map[string]string{
		"kit.yaml":              receiverKit,
		"actions/tools.py":      "def say_hello(name: str):\n    \"\"\"Say hello.\"\"\"\n    return name\n",
		"instructions/greet.md": "Greet the user warmly.",
		"workspace/README.md":   "seed",
	})
	ingest(t, kits, map[string]string{
		"kit.yaml":               providerKit,
		"actions/math_tools.py":  "def square(x: int):\n    \"\"\"Square a number.\"\"\"\n    return x * x\n",
		"instructions/shared.md": "Always verify arithmetic twice.\n",
		"workspace/README.md":    "seed",
	})

	ws, err := workspace.NewStore(workspace.StoreConfig{BasePath: filepath.Join(base, "workspaces")})
	require.NoError(t, err)

	graph, err := provides.NewGraph(provides.Config{Path: filepath.Join(base, "provides.db")})
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	codec, err := secrets.NewCodec(key)
	require.NoError(t, err)

	reg, err := registry.New(registry.Config{
		Path:       filepath.Join(base, "registry.db"),
		Kits:       kits,
		Workspaces: ws,
		Graph:      graph,
		Codec:      codec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	comp, err := New(Config{Registry: reg, Graph: graph})
	require.NoError(t, err)

	return &fixture{composer: comp, registry: reg, graph: graph, kits: kits}
}

func (f *fixture) createModule(t *testing.T, kitID, path string) string {
	t.Helper()
	m, err := f.registry.CreateModule(context.Background(), registry.CreateParams{
		ProjectID: "proj1",
		Owner:     "acme",
		KitID:     kitID,
		Version:   "1.0.0",
		Path:      path,
	})
	require.NoError(t, err)
	return m.ID
}

func TestMangleRoundTrip(t *testing.T) {
	name := MangleToolName("swift-mesa-42", "square")
	assert.Equal(t, "external_swift-mesa-42_square", name)

	provider, tool, err := SplitExternalName(name)
	require.NoError(t, err)
	assert.Equal(t, "swift-mesa-42", provider)
	assert.Equal(t, "square", tool)

	// Tool names keep their own underscores intact.
	provider, tool, err = SplitExternalName("external_brave-fjord-3_run_all_checks")
	require.NoError(t, err)
	assert.Equal(t, "brave-fjord-3", provider)
	assert.Equal(t, "run_all_checks", tool)
}

func TestSplitExternalNameRejectsMalformed(t *testing.T) {
	for _, name := range []string{"square", "external_", "external_only"} {
		_, _, err := SplitExternalName(name)
		assert.ErrorIs(t, err, errdefs.ErrComposition, name)
	}
}

func TestComposeIntrinsicOnly(t *testing.T) {
	f := newFixture(t)
	receiver := f.createModule(t, "hello", "agents.hello")

	comp, err := f.composer.Compose(context.Background(), receiver, "greet")
	require.NoError(t, err)
	require.Len(t, comp.Tools, 1)
	assert.Equal(t, "say_hello", comp.Tools[0].Function.Name)
	assert.Equal(t, "Say hello.", comp.Tools[0].Function.Description)
	assert.Equal(t, "Greet the user warmly.", comp.Instructions)
}

func TestComposeMergesProvidedTools(t *testing.T) {
	f := newFixture(t)
	provider := f.createModule(t, "math", "agents.math")
	receiver := f.createModule(t, "hello", "agents.hello")

	require.NoError(t, f.graph.Add(context.Background(), provides.Edge{
		ProviderID: provider, ReceiverID: receiver, Kind: provides.KindTool,
	}))
	require.NoError(t, f.graph.Add(context.Background(), provides.Edge{
		ProviderID: provider, ReceiverID: receiver, Kind: provides.KindInstruction,
	}))

	comp, err := f.composer.Compose(context.Background(), receiver, "greet")
	require.NoError(t, err)
	require.Len(t, comp.Tools, 2)

	names := []string{comp.Tools[0].Function.Name, comp.Tools[1].Function.Name}
	assert.Contains(t, names, "say_hello")
	assert.Contains(t, names, MangleToolName(provider, "square"))
	for _, tool := range comp.Tools {
		if tool.Function.Name != "say_hello" {
			assert.Contains(t, tool.Function.Description, "[From module: "+provider+"]")
			assert.Contains(t, tool.Function.Description, "Square a number.")
		}
	}

	assert.Contains(t, comp.Instructions, "Greet the user warmly.")
	assert.Contains(t, comp.Instructions, "\n\nProvided Instructions from Module: "+provider+"\n")
	assert.Contains(t, comp.Instructions, "Always verify arithmetic twice.")
}

func TestComposeSkipsEdgeToMissingProvider(t *testing.T) {
	f := newFixture(t)
	receiver := f.createModule(t, "hello", "agents.hello")

	// Edges from a provider that no longer resolves to a module must not
	// break the receiver's own composition.
	require.NoError(t, f.graph.Add(context.Background(), provides.Edge{
		ProviderID: "vanished-provider-1", ReceiverID: receiver, Kind: provides.KindTool,
	}))
	require.NoError(t, f.graph.Add(context.Background(), provides.Edge{
		ProviderID: "vanished-provider-1", ReceiverID: receiver, Kind: provides.KindInstruction,
	}))

	comp, err := f.composer.Compose(context.Background(), receiver, "greet")
	require.NoError(t, err)
	require.Len(t, comp.Tools, 1)
	assert.Equal(t, "say_hello", comp.Tools[0].Function.Name)

	assert.Contains(t, comp.Instructions, "Greet the user warmly.")
	assert.NotContains(t, comp.Instructions, "Provided Instructions from Module:")
}

func TestComposeDuplicateProvidedName(t *testing.T) {
	f := newFixture(t)

	dup := `docVersion: "v1"
id: dup
owner: acme
version: 1.0.0
image: python:3.11-slim
agents:
  - name: calculator
    class: Calculator
profiles:
  calc:
    agent: calculator
    actions:
      - path: "math_tools.py:square"
        name: square
provide:
  tools:
    - name: square
      profile: calc
    - name: square
      profile: calc
`
	ingest(t, f.kits, map[string]string{
		"kit.yaml":              dup,
		"actions/math_tools.py": "def square(x: int):\n    return x * x\n",
		"workspace/README.md":   "seed",
	})
	provider := f.createModule(t, "dup", "agents.dup")
	receiver := f.createModule(t, "hello", "agents.hello")
	require.NoError(t, f.graph.Add(context.Background(), provides.Edge{
		ProviderID: provider, ReceiverID: receiver, Kind: provides.KindTool,
	}))

	_, err := f.composer.Compose(context.Background(), receiver, "greet")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrComposition)
}

func TestProvidedToolsEmptyWithoutEdges(t *testing.T) {
	f := newFixture(t)
	receiver := f.createModule(t, "hello", "agents.hello")

	tools, err := f.composer.ProvidedTools(context.Background(), receiver)
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestResolveExternal(t *testing.T) {
	f := newFixture(t)
	provider := f.createModule(t, "math", "agents.math")
	receiver := f.createModule(t, "hello", "agents.hello")
	require.NoError(t, f.graph.Add(context.Background(), provides.Edge{
		ProviderID: provider, ReceiverID: receiver, Kind: provides.KindTool,
	}))

	ext, err := f.composer.ResolveExternal(context.Background(), receiver, MangleToolName(provider, "square"))
	require.NoError(t, err)
	assert.Equal(t, provider, ext.ProviderID)
	assert.Equal(t, "square", ext.ToolName)
	assert.Equal(t, "calc", ext.Profile)
	assert.Equal(t, "square", ext.Action.Function)
	assert.Contains(t, ext.Action.AbsFile, "math_tools.py")
}

func TestResolveExternalDeniedWithoutEdge(t *testing.T) {
	f := newFixture(t)
	provider := f.createModule(t, "math", "agents.math")
	receiver := f.createModule(t, "hello", "agents.hello")

	_, err := f.composer.ResolveExternal(context.Background(), receiver, MangleToolName(provider, "square"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrCapabilityDenied)
}

func TestResolveExternalRevoked(t *testing.T) {
	f := newFixture(t)
	provider := f.createModule(t, "math", "agents.math")
	receiver := f.createModule(t, "hello", "agents.hello")
	require.NoError(t, f.graph.Add(context.Background(), provides.Edge{
		ProviderID: provider, ReceiverID: receiver, Kind: provides.KindTool,
	}))

	_, err := f.composer.ResolveExternal(context.Background(), receiver, MangleToolName(provider, "square"))
	require.NoError(t, err)

	require.NoError(t, f.graph.Remove(context.Background(), provider, receiver, provides.KindTool))
	_, err = f.composer.ResolveExternal(context.Background(), receiver, MangleToolName(provider, "square"))
	assert.ErrorIs(t, err, errdefs.ErrCapabilityDenied)
}

func TestResolveExternalUnknownTool(t *testing.T) {
	f := newFixture(t)
	provider := f.createModule(t, "math", "agents.math")
	receiver := f.createModule(t, "hello", "agents.hello")
	require.NoError(t, f.graph.Add(context.Background(), provides.Edge{
		ProviderID: provider, ReceiverID: receiver, Kind: provides.KindTool,
	}))

	_, err := f.composer.ResolveExternal(context.Background(), receiver, MangleToolName(provider, "cube"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrComposition)
}
