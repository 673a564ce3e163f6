// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package warmpool keeps one long-lived tool container warm per
// workspace. A warm container idles on "tail -f /dev/null" with the
// workspace bind-mounted at /repo; tool calls stage a task directory
// into it and exec a small driver. Containers idle past the configured
// timeout are evicted by a background sweeper.
package warmpool

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/kit"
	"github.com/kilnworks/kiln/pkg/uid"
	"github.com/kilnworks/kiln/pkg/workspace"
)

const (
	// DefaultIdleTimeout evicts containers unused for this long.
	DefaultIdleTimeout = 900 * time.Second

	// DefaultSweepSchedule is the cron spec for the idle sweeper.
	DefaultSweepSchedule = "@every 30s"

	// WorkspaceMountPath is where the workspace appears inside the container.
	WorkspaceMountPath = "/repo"

	// taskDirRoot holds staged tool-call task directories in-container.
	taskDirRoot = "/tmp/kiln-tasks"

	// maxPortProbes bounds the upward search for a bindable host port.
	maxPortProbes = 100
)

// API is the subset of the Docker client the pool uses.
type API interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
}

// entry tracks one warm container.
type entry struct {
	containerID string
	imageTag    string
	hostPorts   map[string]int
	lastUsed    time.Time
}

// Pool manages warm containers keyed by workspace name.
type Pool struct {
	cli        API
	workspaces *workspace.Store
	logger     *zap.Logger

	idleTimeout time.Duration
	cron        *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	locks   map[string]*sync.Mutex
}

// Config configures the warm container pool.
type Config struct {
	// Client is the Docker API client (required).
	Client API

	// Workspaces resolves workspace names to host paths (required).
	Workspaces *workspace.Store

	// IdleTimeout evicts containers idle longer than this.
	// Default: DefaultIdleTimeout.
	IdleTimeout time.Duration

	// SweepSchedule is the sweeper cron spec. Default: DefaultSweepSchedule.
	SweepSchedule string

	Logger *zap.Logger
}

// ToolCall is one staged function invocation inside a warm container.
type ToolCall struct {
	// FunctionSource is the Python source file defining the function.
	FunctionSource []byte

	// FunctionName is the callable to invoke within FunctionSource.
	FunctionName string

	// Params are passed to the function as keyword arguments.
	Params map[string]interface{}

	// Env is added to the exec environment.
	Env map[string]string
}

// NewPool creates the pool and starts its idle sweeper.
func NewPool(config Config) (*Pool, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("docker client is required")
	}
	if config.Workspaces == nil {
		return nil, fmt.Errorf("workspace store is required")
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = DefaultSweepSchedule
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	p := &Pool{
		cli:         config.Client,
		workspaces:  config.Workspaces,
		logger:      config.Logger,
		idleTimeout: config.IdleTimeout,
		cron:        cron.New(),
		entries:     make(map[string]*entry),
		locks:       make(map[string]*sync.Mutex),
	}
	if _, err := p.cron.AddFunc(config.SweepSchedule, p.Sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", config.SweepSchedule, err)
	}
	p.cron.Start()
	return p, nil
}

// Close stops the sweeper and removes every warm container.
func (p *Pool) Close() error {
	p.cron.Stop()

	p.mu.Lock()
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	p.mu.Unlock()

	ctx := context.Background()
	for _, name := range names {
		if err := p.Remove(ctx, name); err != nil {
			p.logger.Warn("failed to remove warm container on close",
				zap.String("workspace", name), zap.Error(err))
		}
	}
	return nil
}

// workspaceLock returns the per-workspace mutex, creating it on demand.
// All container lifecycle work for one workspace is serialized on it.
func (p *Pool) workspaceLock(name string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[name] = lock
	}
	return lock
}

// Acquire returns a healthy warm container for the workspace running the
// given image, creating or replacing one as needed. It returns the
// container id and the label→host port map.
func (p *Pool) Acquire(ctx context.Context, workspaceName, imageTag string, ports []kit.PortDecl) (string, map[string]int, error) {
	lock := p.workspaceLock(workspaceName)
	lock.Lock()
	defer lock.Unlock()
	return p.acquireLocked(ctx, workspaceName, imageTag, ports)
}

func (p *Pool) acquireLocked(ctx context.Context, workspaceName, imageTag string, ports []kit.PortDecl) (string, map[string]int, error) {
	p.mu.Lock()
	ent := p.entries[workspaceName]
	p.mu.Unlock()

	if ent != nil {
		if ent.imageTag == imageTag && p.healthy(ctx, ent.containerID) {
			p.touch(workspaceName)
			return ent.containerID, ent.hostPorts, nil
		}
		// Stale image or dead container: replace it.
		p.logger.Info("replacing stale warm container",
			zap.String("workspace", workspaceName),
			zap.String("have_image", ent.imageTag),
			zap.String("want_image", imageTag),
		)
		if err := p.removeContainer(ctx, workspaceName, ent.containerID); err != nil {
			return "", nil, err
		}
	}

	containerID, hostPorts, err := p.create(ctx, workspaceName, imageTag, ports)
	if err != nil {
		return "", nil, err
	}

	p.mu.Lock()
	p.entries[workspaceName] = &entry{
		containerID: containerID,
		imageTag:    imageTag,
		hostPorts:   hostPorts,
		lastUsed:    time.Now(),
	}
	p.mu.Unlock()
	return containerID, hostPorts, nil
}

// healthy reports whether the container exists and is running.
func (p *Pool) healthy(ctx context.Context, containerID string) bool {
	inspect, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

func (p *Pool) create(ctx context.Context, workspaceName, imageTag string, ports []kit.PortDecl) (string, map[string]int, error) {
	if !p.workspaces.Exists(workspaceName) {
		return "", nil, errdefs.WithDetail(errdefs.ErrModuleNotFound, "workspace %q does not exist", workspaceName)
	}

	env := []string{"PYTHONUNBUFFERED=1"}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	hostPorts := make(map[string]int, len(ports))
	for _, decl := range ports {
		hostPort, err := findBindablePort(decl.Port)
		if err != nil {
			return "", nil, err
		}
		containerPort := nat.Port(fmt.Sprintf("%d/tcp", decl.Port))
		exposed[containerPort] = struct{}{}
		bindings[containerPort] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(hostPort),
		}}
		label := strings.ToUpper(decl.Name)
		hostPorts[label] = hostPort
		env = append(env, fmt.Sprintf("PORT_%s=%d", label, hostPort))
	}

	containerConfig := &container.Config{
		Image:        imageTag,
		Entrypoint:   []string{"tail", "-f", "/dev/null"},
		Env:          env,
		WorkingDir:   WorkspaceMountPath,
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		NetworkMode:  "bridge",
		PortBindings: bindings,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: p.workspaces.Root(workspaceName),
			Target: WorkspaceMountPath,
		}},
	}

	name := "kiln-warm-" + workspaceName
	resp, err := p.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create warm container for %s: %w", workspaceName, err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.forceRemove(ctx, resp.ID)
		return "", nil, fmt.Errorf("failed to start warm container for %s: %w", workspaceName, err)
	}

	p.logger.Info("warm container created",
		zap.String("workspace", workspaceName),
		zap.String("container_id", resp.ID),
		zap.String("image", imageTag),
	)
	return resp.ID, hostPorts, nil
}

// ExecuteTool runs one function call inside the workspace's warm
// container and returns the driver's stdout (a JSON document). On any
// failure the container is removed so the next call starts fresh.
func (p *Pool) ExecuteTool(ctx context.Context, workspaceName, imageTag string, ports []kit.PortDecl, call ToolCall) ([]byte, error) {
	lock := p.workspaceLock(workspaceName)
	lock.Lock()
	defer lock.Unlock()

	containerID, _, err := p.acquireLocked(ctx, workspaceName, imageTag, ports)
	if err != nil {
		return nil, err
	}

	out, err := p.executeInContainer(ctx, containerID, call)
	if err != nil {
		if rmErr := p.removeContainer(ctx, workspaceName, containerID); rmErr != nil {
			p.logger.Warn("failed to remove warm container after error",
				zap.String("workspace", workspaceName), zap.Error(rmErr))
		}
		return nil, err
	}
	p.touch(workspaceName)
	return out, nil
}

func (p *Pool) executeInContainer(ctx context.Context, containerID string, call ToolCall) ([]byte, error) {
	taskDir := path.Join(taskDirRoot, uid.UUID())
	archive, err := taskArchive(taskDir, call)
	if err != nil {
		return nil, fmt.Errorf("failed to stage task directory: %w", err)
	}
	if err := p.cli.CopyToContainer(ctx, containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("failed to copy task directory: %w", err)
	}

	env := []string{"KILN_FUNCTION_NAME=" + call.FunctionName}
	for k, v := range call.Env {
		env = append(env, k+"="+v)
	}

	execResp, err := p.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"python", path.Join(taskDir, "driver.py")},
		Env:          env,
		WorkingDir:   WorkspaceMountPath,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		traceback := p.readErrorFile(ctx, containerID, path.Join(taskDir, "error.txt"))
		if traceback == "" {
			traceback = strings.TrimSpace(stderr.String())
		}
		return nil, errdefs.WithDetail(errdefs.ErrTool,
			"%s failed (exit %d): %s", call.FunctionName, inspect.ExitCode, traceback)
	}
	return stdout.Bytes(), nil
}

// readErrorFile fetches the driver's error.txt, returning "" when absent.
func (p *Pool) readErrorFile(ctx context.Context, containerID, errPath string) string {
	reader, _, err := p.cli.CopyFromContainer(ctx, containerID, errPath)
	if err != nil {
		return ""
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err != nil {
			return ""
		}
		if path.Base(hdr.Name) == "error.txt" {
			content, err := io.ReadAll(tr)
			if err != nil {
				return ""
			}
			return strings.TrimSpace(string(content))
		}
	}
}

// Remove evicts the workspace's warm container if one exists.
func (p *Pool) Remove(ctx context.Context, workspaceName string) error {
	lock := p.workspaceLock(workspaceName)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	ent := p.entries[workspaceName]
	p.mu.Unlock()
	if ent == nil {
		return nil
	}
	return p.removeContainer(ctx, workspaceName, ent.containerID)
}

func (p *Pool) removeContainer(ctx context.Context, workspaceName, containerID string) error {
	timeout := 10
	if err := p.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		p.logger.Warn("failed to stop warm container",
			zap.String("container_id", containerID), zap.Error(err))
	}
	if err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove warm container %s: %w", containerID, err)
	}

	p.mu.Lock()
	delete(p.entries, workspaceName)
	p.mu.Unlock()

	p.logger.Info("warm container removed",
		zap.String("workspace", workspaceName),
		zap.String("container_id", containerID),
	)
	return nil
}

func (p *Pool) forceRemove(ctx context.Context, containerID string) {
	if err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove container", zap.String("container_id", containerID), zap.Error(err))
	}
}

func (p *Pool) touch(workspaceName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ent := p.entries[workspaceName]; ent != nil {
		ent.lastUsed = time.Now()
	}
}

// Sweep evicts every container idle past the timeout. The cron scheduler
// calls it periodically; it is exported for deterministic testing and
// operational use.
func (p *Pool) Sweep() {
	cutoff := time.Now().Add(-p.idleTimeout)

	p.mu.Lock()
	var stale []string
	for name, ent := range p.entries {
		if ent.lastUsed.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	p.mu.Unlock()

	ctx := context.Background()
	for _, name := range stale {
		p.logger.Info("sweeping idle warm container", zap.String("workspace", name))
		if err := p.Remove(ctx, name); err != nil {
			p.logger.Warn("failed to sweep warm container",
				zap.String("workspace", name), zap.Error(err))
		}
	}
}

// findBindablePort searches upward from the requested port for one the
// host can bind.
func findBindablePort(start int) (int, error) {
	for port := start; port < start+maxPortProbes; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no bindable port in range %d-%d", start, start+maxPortProbes-1)
}

// taskArchive builds the in-memory tar holding the staged task directory.
func taskArchive(taskDir string, call ToolCall) (io.Reader, error) {
	params, err := paramsJSON(call.Params)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	files := []struct {
		name    string
		content []byte
	}{
		{"function.py", call.FunctionSource},
		{"params.json", params},
		{"driver.py", []byte(driverScript)},
	}
	for _, f := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: path.Join(strings.TrimPrefix(taskDir, "/"), f.name),
			Mode: 0o644,
			Size: int64(len(f.content)),
		}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf.Bytes()), nil
}

func paramsJSON(params map[string]interface{}) ([]byte, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	return json.Marshal(params)
}
