// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package funcparser

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/errdefs"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestParseBatchProcessing(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"tools.py": `def process(items: list[dict], factor: float = 1.5):
    """Scale a batch of records.

    Args:
        items: The records to process.
        factor: Multiplier applied to each record.
    """
    return items
`,
	})

	spec, err := Parse(dir, "tools.py", "process")
	require.NoError(t, err)

	assert.Equal(t, "process", spec.Name)
	assert.Equal(t, "Scale a batch of records.", spec.Description)
	assert.False(t, spec.IsAsync)
	assert.Equal(t, []string{"items"}, spec.Parameters.Required)

	items := spec.Parameters.Properties["items"]
	require.NotNil(t, items)
	assert.Equal(t, "array", items.Type)
	require.NotNil(t, items.Items)
	assert.Equal(t, "object", items.Items.Type)
	assert.Equal(t, "The records to process.", items.Description)

	factor := spec.Parameters.Properties["factor"]
	require.NotNil(t, factor)
	assert.Equal(t, "number", factor.Type)

	// The wire form must close the parameters object.
	raw, err := json.Marshal(spec.Parameters)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"additionalProperties":false`)
}

func TestParseAnnotations(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"annot.py": `async def configure(
    name: str,
    count: int,
    ratio: float,
    active: bool,
    tags: list[str],
    extra: dict[str, int],
    note: optional[str] = None,
    value: union[int, str] = 0,
    mode: literal['fast', 'slow'] = 'fast',
    blob=None,
):
    """Configure a thing."""
    pass
`,
	})

	spec, err := Parse(dir, "annot.py", "configure")
	require.NoError(t, err)
	assert.True(t, spec.IsAsync)

	props := spec.Parameters.Properties
	assert.Equal(t, "string", props["name"].Type)
	assert.Equal(t, "integer", props["count"].Type)
	assert.Equal(t, "number", props["ratio"].Type)
	assert.Equal(t, "boolean", props["active"].Type)
	assert.Equal(t, "array", props["tags"].Type)
	assert.Equal(t, "string", props["tags"].Items.Type)
	assert.Equal(t, "object", props["extra"].Type)
	assert.Equal(t, "integer", props["extra"].AdditionalProps.Type)
	assert.Equal(t, []string{"string", "null"}, props["note"].NullableTypes)
	require.Len(t, props["value"].OneOf, 2)
	assert.Equal(t, []interface{}{"fast", "slow"}, props["mode"].Enum)
	assert.Equal(t, "object", props["blob"].Type)

	assert.Equal(t, []string{"name", "count", "ratio", "active", "tags", "extra"},
		spec.Parameters.Required)

	// No Args block: every parameter gets the fallback description.
	assert.Equal(t, "Parameter name", props["name"].Description)
}

func TestParseNoDocstring(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"bare.py": "def run(x: int):\n    return x\n",
	})

	spec, err := Parse(dir, "bare.py", "run")
	require.NoError(t, err)
	assert.Equal(t, "Execute the run action", spec.Description)
}

func TestParseNumpyDocstring(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"np.py": `def fetch(url: str, retries: int = 3):
    """Fetch a resource.

    Parameters
    ----------
    url : str
        The address to fetch.
    retries : int
        Attempt budget before giving up.
    """
    pass
`,
	})

	spec, err := Parse(dir, "np.py", "fetch")
	require.NoError(t, err)
	assert.Equal(t, "The address to fetch.", spec.Parameters.Properties["url"].Description)
	assert.Equal(t, "Attempt budget before giving up.", spec.Parameters.Properties["retries"].Description)
}

func TestParseFollowsImportChain(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"public.py":        "from .impl.core import do_work\n",
		"impl/__init__.py": "",
		"impl/core.py": `def do_work(task: str):
    """Do the work."""
    pass
`,
	})

	spec, err := Parse(dir, "public.py", "do_work")
	require.NoError(t, err)
	assert.Equal(t, "Do the work.", spec.Description)
}

func TestParseImportAlias(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"public.py":  "from helpers import internal_name as exported\n",
		"helpers.py": `def internal_name():
    """Renamed on export."""
    pass
`,
	})

	spec, err := Parse(dir, "public.py", "exported")
	require.NoError(t, err)
	assert.Equal(t, "internal_name", spec.Name)
}

func TestParseNotFound(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"a.py": "from b import missing\n",
		"b.py": "def other():\n    pass\n",
	})

	_, err := Parse(dir, "a.py", "missing")
	assert.True(t, errors.Is(err, errdefs.ErrFunctionNotFound))

	_, err = Parse(dir, "nope.py", "anything")
	assert.True(t, errors.Is(err, errdefs.ErrFunctionNotFound))
}

func TestParseCircularImport(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"a.py": "from b import ghost\n",
		"b.py": "from a import ghost\n",
	})

	_, err := Parse(dir, "a.py", "ghost")
	assert.True(t, errors.Is(err, errdefs.ErrFunctionNotFound))
}

func TestClassTools(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"agents/__init__.py": `from kiln_agent import Agent, tool


class Researcher(Agent):
    """Research agent."""

    @tool
    def search(self, query: str, limit: int = 10):
        """Search the corpus.

        Args:
            query: Search terms.
            limit: Maximum hits.
        """
        pass

    @tool()
    async def summarize(self, text: str):
        """Summarize text."""
        pass

    def helper(self, x):
        pass
`,
	})

	path, err := FindClassFile(filepath.Join(dir, "agents"), "Researcher")
	require.NoError(t, err)

	tools, err := ClassTools(path, "Researcher", "tool")
	require.NoError(t, err)
	require.Len(t, tools, 2)

	assert.Equal(t, "function", tools[0].Type)
	assert.Equal(t, "search", tools[0].Function.Name)
	assert.Equal(t, "Search the corpus.", tools[0].Function.Description)
	assert.Equal(t, []string{"query"}, tools[0].Function.Parameters.Required)
	assert.NotContains(t, tools[0].Function.Parameters.Properties, "self")

	assert.Equal(t, "summarize", tools[1].Function.Name)
	assert.True(t, tools[1].Function.IsAsync)
}

func TestFindClassFilePeerFallback(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"agents/__init__.py": "from .worker import Worker\n",
		"agents/worker.py":   "class Worker(Agent):\n    pass\n",
	})

	path, err := FindClassFile(filepath.Join(dir, "agents"), "Worker")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "agents", "worker.py"), path)

	_, err = FindClassFile(filepath.Join(dir, "agents"), "Ghost")
	assert.True(t, errors.Is(err, errdefs.ErrFunctionNotFound))
}
