// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package runner executes agent profiles in one-shot containers. Each run
// mounts the module workspace read-write, the kit tree read-only, and a
// per-kit virtualenv prepared on the host, then supervises the container
// until it exits or the run deadline passes.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/funcparser"
	"github.com/kilnworks/kiln/pkg/registry"
	"github.com/kilnworks/kiln/pkg/types"
	"github.com/kilnworks/kiln/pkg/uid"
	"github.com/kilnworks/kiln/pkg/workspace"
)

const (
	// DefaultTimeout bounds a single agent run.
	DefaultTimeout = 600 * time.Second

	// DefaultBootstrapPackage is installed into every runner venv so the
	// in-container agent code can reach the bridge.
	DefaultBootstrapPackage = "kiln-agent-sdk"

	// DefaultBridgeHost is how containers on the default bridge network
	// reach the platform's RPC listener.
	DefaultBridgeHost = "host.docker.internal"

	workspaceMount = "/repo"
	kitMount       = "/module"
	venvMount      = "/venv"
	resultMount    = "/result.json"

	venvReadyMarker = ".kiln-ready"
)

var pythonVersionRe = regexp.MustCompile(`Python (\d+\.\d+)`)

// API is the slice of the Docker client the runner needs. Narrow on
// purpose so tests can substitute a fake without a daemon.
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (dockertypes.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}

// Runner drives agent executions for registered modules.
type Runner struct {
	cli        API
	registry   *registry.Registry
	workspaces *workspace.Store
	logger     *zap.Logger

	venvRoot   string
	bootstrap  string
	bridgeHost string
	bridgePort int
	devMode    bool
	timeout    time.Duration

	pollInterval time.Duration

	probeMu sync.Mutex
	probes  map[string]string // base image -> python minor version
}

// Config wires a Runner.
type Config struct {
	Client     API
	Registry   *registry.Registry
	Workspaces *workspace.Store

	// VenvRoot is the host directory that holds per-kit virtualenvs.
	VenvRoot string

	// Bootstrap overrides the SDK package installed into every venv.
	Bootstrap string

	// BridgeHost and BridgePort tell the in-container agent where the
	// platform RPC listener is.
	BridgeHost string
	BridgePort int

	// DevMode keeps exited containers around for inspection.
	DevMode bool

	// Timeout replaces DefaultTimeout for runs that do not set their own.
	Timeout time.Duration

	Logger *zap.Logger
}

// AgentContext identifies one agent invocation.
type AgentContext struct {
	ModuleID  string
	Profile   string
	UserInput string
	SessionID string
}

// Result is the normalized outcome of a run.
type Result struct {
	Response string        `json:"response"`
	Results  []interface{} `json:"results,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// RunOptions tune a single execution.
type RunOptions struct {
	// Timeout bounds the container run; zero means the runner's
	// configured default.
	Timeout time.Duration
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("runner: docker client is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("runner: registry is required")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("runner: workspace store is required")
	}
	if cfg.VenvRoot == "" {
		return nil, fmt.Errorf("runner: venv root is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bootstrap := cfg.Bootstrap
	if bootstrap == "" {
		bootstrap = DefaultBootstrapPackage
	}
	bridgeHost := cfg.BridgeHost
	if bridgeHost == "" {
		bridgeHost = DefaultBridgeHost
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		cli:          cfg.Client,
		registry:     cfg.Registry,
		workspaces:   cfg.Workspaces,
		logger:       logger,
		venvRoot:     cfg.VenvRoot,
		bootstrap:    bootstrap,
		bridgeHost:   bridgeHost,
		bridgePort:   cfg.BridgePort,
		devMode:      cfg.DevMode,
		timeout:      timeout,
		pollInterval: time.Second,
		probes:       make(map[string]string),
	}, nil
}

// Run executes one profile of a module and blocks until the agent
// finishes, fails, or the timeout fires. The module state is EXECUTING
// for the duration and restored to STANDBY on every exit path.
func (r *Runner) Run(ctx context.Context, ac AgentContext, opts RunOptions) (*Result, error) {
	module, err := r.registry.GetModule(ctx, ac.ModuleID)
	if err != nil {
		return nil, err
	}
	rc, err := r.registry.GetKitConfig(ctx, ac.ModuleID)
	if err != nil {
		return nil, err
	}
	profile, err := rc.ProfileNamed(ac.Profile)
	if err != nil {
		return nil, err
	}
	if !r.workspaces.Exists(ac.ModuleID) {
		return nil, errdefs.WithDetail(errdefs.ErrModuleNotFound,
			"workspace for module %s is missing", ac.ModuleID)
	}

	if err := r.registry.SetState(ctx, ac.ModuleID, types.StateExecuting); err != nil {
		return nil, err
	}
	defer func() {
		// Restore with a fresh context so cancellation of the run
		// cannot strand the module in EXECUTING.
		bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := r.registry.SetState(bg, ac.ModuleID, types.StateStandby); serr != nil {
			r.logger.Error("restore module state",
				zap.String("module", ac.ModuleID), zap.Error(serr))
		}
	}()

	minor, err := r.probeInterpreter(ctx, rc.Manifest.Image)
	if err != nil {
		return nil, err
	}
	venvDir, err := r.ensureVenv(ctx, module, rc.Manifest.Image, minor, rc.Manifest.Dependencies)
	if err != nil {
		return nil, err
	}

	resultPath, err := r.prepareResultFile()
	if err != nil {
		return nil, err
	}
	defer os.Remove(resultPath)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}

	sessionID := ac.SessionID
	if sessionID == "" {
		sessionID = types.DefaultSessionID
	}

	env := []string{
		"PYTHONUNBUFFERED=1",
		"PYTHONPATH=" + venvMount + "/lib/python" + minor + "/site-packages:" + kitMount,
		"AGENT_MODULE_ID=" + ac.ModuleID,
		"AGENT_PROFILE=" + ac.Profile,
		"AGENT_USER_INPUT=" + ac.UserInput,
		"AGENT_SESSION_ID=" + sessionID,
		"AGENT_CLASS_NAME=" + profile.AgentClass,
		"BRIDGE_HOST=" + r.bridgeHost,
		fmt.Sprintf("BRIDGE_PORT=%d", r.bridgePort),
	}
	for _, k := range sortedKeys(module.EnvVars) {
		env = append(env, k+"="+module.EnvVars[k])
	}

	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      rc.Manifest.Image,
			Entrypoint: []string{"sh", "-c", runnerEntrypoint},
			Env:        env,
			WorkingDir: workspaceMount,
		},
		&container.HostConfig{
			NetworkMode: "bridge",
			ExtraHosts:  []string{DefaultBridgeHost + ":host-gateway"},
			Mounts: []mount.Mount{
				{Type: mount.TypeBind, Source: r.workspaces.Root(ac.ModuleID), Target: workspaceMount},
				{Type: mount.TypeBind, Source: rc.KitDir, Target: kitMount, ReadOnly: true},
				{Type: mount.TypeBind, Source: venvDir, Target: venvMount},
				{Type: mount.TypeBind, Source: resultPath, Target: resultMount},
			},
		},
		nil, nil, "kiln-run-"+ac.ModuleID+"-"+uid.UUID()[:8])
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrAgentRunner, "create run container: %v", err)
	}
	containerID := created.ID
	defer func() {
		if r.devMode {
			r.logger.Info("dev mode, keeping run container",
				zap.String("container", containerID))
			return
		}
		bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if rerr := r.cli.ContainerRemove(bg, containerID, container.RemoveOptions{Force: true}); rerr != nil {
			r.logger.Warn("remove run container",
				zap.String("container", containerID), zap.Error(rerr))
		}
	}()

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrAgentRunner, "start run container: %v", err)
	}

	r.logger.Info("agent run started",
		zap.String("module", ac.ModuleID),
		zap.String("profile", ac.Profile),
		zap.String("container", containerID),
	)

	exitCode, err := r.supervise(ctx, containerID, timeout)
	if err != nil {
		return nil, err
	}

	result, rerr := readResultFile(resultPath)
	if exitCode != 0 {
		if result != nil && result.Error != "" {
			return nil, errdefs.WithDetail(errdefs.ErrAgentRunner,
				"agent %s/%s failed: %s", ac.ModuleID, ac.Profile, result.Error)
		}
		logs := r.containerLogs(containerID)
		return nil, errdefs.WithDetail(errdefs.ErrAgentRunner,
			"agent %s/%s exited with code %d: %s", ac.ModuleID, ac.Profile, exitCode, logs)
	}
	if rerr != nil {
		return nil, errdefs.WithDetail(errdefs.ErrAgentRunner,
			"agent %s/%s produced no readable result: %v", ac.ModuleID, ac.Profile, rerr)
	}
	return result, nil
}

// ToolSchemas lists the tool descriptors a profile's agent class exposes,
// read straight from the kit source without starting a container.
func (r *Runner) ToolSchemas(ctx context.Context, moduleID, profileName string) ([]types.ToolDescriptor, error) {
	rc, err := r.registry.GetKitConfig(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	profile, err := rc.ProfileNamed(profileName)
	if err != nil {
		return nil, err
	}
	classFile, err := funcparser.FindClassFile(rc.AgentsDir, profile.AgentClass)
	if err != nil {
		return nil, err
	}
	return funcparser.ClassTools(classFile, profile.AgentClass, "tool")
}

// probeInterpreter determines the python minor version of a base image by
// running `python --version` in a throwaway container. Results are cached
// per image for the lifetime of the Runner.
func (r *Runner) probeInterpreter(ctx context.Context, baseImage string) (string, error) {
	r.probeMu.Lock()
	if minor, ok := r.probes[baseImage]; ok {
		r.probeMu.Unlock()
		return minor, nil
	}
	r.probeMu.Unlock()

	out, exitCode, err := r.runOneShot(ctx, baseImage, []string{"python", "--version"}, nil, 60*time.Second)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", errdefs.WithDetail(errdefs.ErrAgentRunner,
			"image %s has no usable python interpreter: %s", baseImage, strings.TrimSpace(out))
	}
	m := pythonVersionRe.FindStringSubmatch(out)
	if m == nil {
		return "", errdefs.WithDetail(errdefs.ErrAgentRunner,
			"cannot parse interpreter version from %q", strings.TrimSpace(out))
	}
	minor := m[1]

	r.probeMu.Lock()
	r.probes[baseImage] = minor
	r.probeMu.Unlock()
	return minor, nil
}

// ensureVenv creates the per-kit virtualenv on the host if it does not
// exist yet. The venv is built inside a container of the kit's base image
// so compiled wheels match the runtime.
func (r *Runner) ensureVenv(ctx context.Context, module *registry.Module, baseImage, minor string, deps []string) (string, error) {
	name := fmt.Sprintf("%s_%s_%s_py%s", module.Owner, module.KitID, module.Version, minor)
	dir := filepath.Join(r.venvRoot, name)
	if _, err := os.Stat(filepath.Join(dir, venvReadyMarker)); err == nil {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errdefs.WithDetail(errdefs.ErrAgentRunner, "create venv dir: %v", err)
	}

	packages := append([]string{r.bootstrap}, deps...)
	cmd := []string{"sh", "-c",
		"python -m venv " + venvMount +
			" && " + venvMount + "/bin/pip install --no-cache-dir " + strings.Join(packages, " ")}
	mounts := []mount.Mount{{Type: mount.TypeBind, Source: dir, Target: venvMount}}

	r.logger.Info("building venv",
		zap.String("venv", name),
		zap.String("image", baseImage),
		zap.Int("packages", len(packages)),
	)
	out, exitCode, err := r.runOneShot(ctx, baseImage, cmd, mounts, DefaultTimeout)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", errdefs.WithDetail(errdefs.ErrAgentRunner,
			"venv build for %s failed (exit %d): %s", name, exitCode, tail(out, 2000))
	}
	if err := os.WriteFile(filepath.Join(dir, venvReadyMarker), []byte(name+"\n"), 0o644); err != nil {
		return "", errdefs.WithDetail(errdefs.ErrAgentRunner, "mark venv ready: %v", err)
	}
	return dir, nil
}

// runOneShot runs a command in a fresh container of the given image, waits
// for it to exit, and returns its combined output and exit code.
func (r *Runner) runOneShot(ctx context.Context, image string, cmd []string, mounts []mount.Mount, timeout time.Duration) (string, int, error) {
	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{Image: image, Entrypoint: cmd},
		&container.HostConfig{Mounts: mounts},
		nil, nil, "kiln-oneshot-"+uid.UUID()[:8])
	if err != nil {
		return "", 0, errdefs.WithDetail(errdefs.ErrAgentRunner, "create container: %v", err)
	}
	containerID := created.ID
	defer func() {
		bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if rerr := r.cli.ContainerRemove(bg, containerID, container.RemoveOptions{Force: true}); rerr != nil {
			r.logger.Warn("remove oneshot container",
				zap.String("container", containerID), zap.Error(rerr))
		}
	}()
	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", 0, errdefs.WithDetail(errdefs.ErrAgentRunner, "start container: %v", err)
	}
	exitCode, err := r.supervise(ctx, containerID, timeout)
	if err != nil {
		return "", 0, err
	}
	return r.containerLogs(containerID), exitCode, nil
}

// supervise polls the container until it exits or the timeout fires. On
// timeout the container is stopped and the run fails.
func (r *Runner) supervise(ctx context.Context, containerID string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		info, err := r.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return 0, errdefs.WithDetail(errdefs.ErrAgentRunner, "inspect container: %v", err)
		}
		if info.State != nil && !info.State.Running && info.State.Status != "created" {
			return info.State.ExitCode, nil
		}
		if time.Now().After(deadline) {
			stopTimeout := 10
			bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if serr := r.cli.ContainerStop(bg, containerID, container.StopOptions{Timeout: &stopTimeout}); serr != nil {
				r.logger.Warn("stop timed out container",
					zap.String("container", containerID), zap.Error(serr))
			}
			cancel()
			return 0, errdefs.WithDetail(errdefs.ErrAgentRunner,
				"run timed out after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// containerLogs fetches and demultiplexes the container's full output.
// Failures degrade to an empty string; logs are diagnostic only.
func (r *Runner) containerLogs(containerID string) string {
	bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rd, err := r.cli.ContainerLogs(bg, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return ""
	}
	defer rd.Close()
	var combined strings.Builder
	if _, err := stdcopy.StdCopy(&combined, &combined, rd); err != nil {
		return combined.String()
	}
	return combined.String()
}

// prepareResultFile creates the host file the container writes its result
// into. It must exist before the bind mount or Docker creates a directory.
func (r *Runner) prepareResultFile() (string, error) {
	f, err := os.CreateTemp("", "kiln-result-*.json")
	if err != nil {
		return "", errdefs.WithDetail(errdefs.ErrAgentRunner, "create result file: %v", err)
	}
	path := f.Name()
	f.Close()
	if err := os.Chmod(path, 0o666); err != nil {
		os.Remove(path)
		return "", errdefs.WithDetail(errdefs.ErrAgentRunner, "chmod result file: %v", err)
	}
	return path, nil
}

func readResultFile(path string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("result file is empty")
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode result file: %w", err)
	}
	return &res, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
