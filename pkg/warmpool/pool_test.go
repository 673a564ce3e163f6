// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package warmpool

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/kit"
	"github.com/kilnworks/kiln/pkg/workspace"
)

type notFoundErr struct{}

func (notFoundErr) Error() string { return "no such container" }
func (notFoundErr) NotFound()     {}

type dummyConn struct{ net.Conn }

func (dummyConn) Close() error { return nil }

type fakeContainer struct {
	running    bool
	image      string
	config     *container.Config
	hostConfig *container.HostConfig
}

// fakeDocker simulates container lifecycle and exec for the pool.
type fakeDocker struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextID     int
	creates    int

	execExitCode int
	execStdout   string
	execStderr   string
	errorFile    string
	lastExecEnv  []string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: make(map[string]*fakeContainer)}
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return types.ContainerJSON{}, notFoundErr{}
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    id,
			State: &types.ContainerState{Running: c.running},
		},
		Config: c.config,
	}, nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.creates++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[id] = &fakeContainer{image: config.Image, config: config, hostConfig: hostConfig}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return notFoundErr{}
	}
	c.running = true
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
	}
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return notFoundErr{}
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeDocker) ContainerExecCreate(ctx context.Context, id string, options container.ExecOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastExecEnv = options.Env
	return types.IDResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(ctx context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	var buf bytes.Buffer
	if f.execStdout != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.execStdout))
	}
	if f.execStderr != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.execStderr))
	}
	return types.HijackedResponse{
		Conn:   dummyConn{},
		Reader: bufio.NewReader(&buf),
	}, nil
}

func (f *fakeDocker) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.execExitCode}, nil
}

func (f *fakeDocker) CopyToContainer(ctx context.Context, id, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	return nil
}

func (f *fakeDocker) CopyFromContainer(ctx context.Context, id, src string) (io.ReadCloser, container.PathStat, error) {
	if f.errorFile == "" {
		return nil, container.PathStat{}, notFoundErr{}
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: path.Base(src), Mode: 0o644, Size: int64(len(f.errorFile))})
	tw.Write([]byte(f.errorFile))
	tw.Close()
	return io.NopCloser(&buf), container.PathStat{}, nil
}

func newTestPool(t *testing.T, api API) (*Pool, *workspace.Store) {
	t.Helper()
	ws, err := workspace.NewStore(workspace.StoreConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, zip.NewWriter(&buf).Close())
	require.NoError(t, ws.Create("brave-fjord-3", bytes.NewReader(buf.Bytes()), nil))

	pool, err := NewPool(Config{Client: api, Workspaces: ws})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool, ws
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	api := newFakeDocker()
	pool, ws := newTestPool(t, api)
	ctx := context.Background()

	id, _, err := pool.Acquire(ctx, "brave-fjord-3", "kiln-runner-abc", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, api.creates)

	created := api.containers[id]
	assert.Equal(t, []string{"tail", "-f", "/dev/null"}, []string(created.config.Entrypoint))
	require.Len(t, created.hostConfig.Mounts, 1)
	assert.Equal(t, ws.Root("brave-fjord-3"), created.hostConfig.Mounts[0].Source)
	assert.Equal(t, WorkspaceMountPath, created.hostConfig.Mounts[0].Target)

	// Healthy container with a matching tag is reused.
	again, _, err := pool.Acquire(ctx, "brave-fjord-3", "kiln-runner-abc", nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, api.creates)
}

func TestAcquireReplacesOnImageMismatch(t *testing.T) {
	api := newFakeDocker()
	pool, _ := newTestPool(t, api)
	ctx := context.Background()

	first, _, err := pool.Acquire(ctx, "brave-fjord-3", "kiln-runner-old", nil)
	require.NoError(t, err)

	second, _, err := pool.Acquire(ctx, "brave-fjord-3", "kiln-runner-new", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, api.creates)

	_, gone := api.containers[first]
	assert.False(t, gone, "stale container must be removed")
}

func TestAcquireReplacesDeadContainer(t *testing.T) {
	api := newFakeDocker()
	pool, _ := newTestPool(t, api)
	ctx := context.Background()

	first, _, err := pool.Acquire(ctx, "brave-fjord-3", "kiln-runner-abc", nil)
	require.NoError(t, err)
	api.containers[first].running = false

	second, _, err := pool.Acquire(ctx, "brave-fjord-3", "kiln-runner-abc", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestAcquireUnknownWorkspace(t *testing.T) {
	api := newFakeDocker()
	pool, _ := newTestPool(t, api)

	_, _, err := pool.Acquire(context.Background(), "no-such-workspace", "kiln-runner-abc", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrModuleNotFound)
}

func TestAcquireInjectsPortEnv(t *testing.T) {
	api := newFakeDocker()
	pool, _ := newTestPool(t, api)

	id, hostPorts, err := pool.Acquire(context.Background(), "brave-fjord-3", "kiln-runner-abc",
		[]kit.PortDecl{{Port: 18080, Name: "http"}})
	require.NoError(t, err)
	require.Contains(t, hostPorts, "HTTP")
	assert.GreaterOrEqual(t, hostPorts["HTTP"], 18080)

	env := strings.Join(api.containers[id].config.Env, " ")
	assert.Contains(t, env, fmt.Sprintf("PORT_HTTP=%d", hostPorts["HTTP"]))
}

func TestExecuteToolSuccess(t *testing.T) {
	api := newFakeDocker()
	api.execStdout = `{"result": 7}`
	pool, _ := newTestPool(t, api)

	out, err := pool.ExecuteTool(context.Background(), "brave-fjord-3", "kiln-runner-abc", nil, ToolCall{
		FunctionSource: []byte("def add(a, b):\n    return a + b\n"),
		FunctionName:   "add",
		Params:         map[string]interface{}{"a": 3, "b": 4},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result": 7}`, string(out))
	assert.Contains(t, api.lastExecEnv, "KILN_FUNCTION_NAME=add")

	// Success keeps the warm container.
	assert.Len(t, api.containers, 1)
}

func TestExecuteToolFailureSurfacesTraceback(t *testing.T) {
	api := newFakeDocker()
	api.execExitCode = 1
	api.errorFile = "Traceback (most recent call last):\nZeroDivisionError: division by zero"
	pool, _ := newTestPool(t, api)

	_, err := pool.ExecuteTool(context.Background(), "brave-fjord-3", "kiln-runner-abc", nil, ToolCall{
		FunctionSource: []byte("def boom():\n    return 1 / 0\n"),
		FunctionName:   "boom",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrTool)
	assert.Contains(t, err.Error(), "ZeroDivisionError")

	// Any error evicts the container so the next call starts fresh.
	assert.Empty(t, api.containers)
}

func TestExecuteToolFailureFallsBackToStderr(t *testing.T) {
	api := newFakeDocker()
	api.execExitCode = 2
	api.execStderr = "python: command crashed"
	pool, _ := newTestPool(t, api)

	_, err := pool.ExecuteTool(context.Background(), "brave-fjord-3", "kiln-runner-abc", nil, ToolCall{
		FunctionName: "boom",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command crashed")
}

func TestSweepEvictsIdleContainers(t *testing.T) {
	api := newFakeDocker()
	pool, _ := newTestPool(t, api)
	ctx := context.Background()

	_, _, err := pool.Acquire(ctx, "brave-fjord-3", "kiln-runner-abc", nil)
	require.NoError(t, err)

	pool.mu.Lock()
	pool.entries["brave-fjord-3"].lastUsed = time.Now().Add(-2 * pool.idleTimeout)
	pool.mu.Unlock()

	pool.Sweep()
	assert.Empty(t, api.containers)

	pool.mu.Lock()
	assert.Empty(t, pool.entries)
	pool.mu.Unlock()
}

func TestFindBindablePortSkipsBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	port, err := findBindablePort(busy)
	require.NoError(t, err)
	assert.Greater(t, port, busy)
}
