// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package dockerutil creates Docker API clients shared by the image
// cache, the warm container pool and the agent runner.
package dockerutil

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/docker/docker/client"
)

// DefaultSocketPaths returns the Docker socket locations probed when
// DOCKER_HOST is unset. Can be overridden via KILN_DOCKER_SOCKET_PATHS
// (comma-separated).
func DefaultSocketPaths() []string {
	if paths := os.Getenv("KILN_DOCKER_SOCKET_PATHS"); paths != "" {
		var out []string
		for _, p := range strings.Split(paths, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}

	home := os.Getenv("HOME")
	if home == "" {
		if user := os.Getenv("USER"); user != "" {
			home = "/Users/" + user
		}
	}

	// OrbStack socket first for macOS, then the standard Linux location.
	return []string{
		home + "/.orbstack/run/docker.sock",
		"/var/run/docker.sock",
	}
}

// DetectHost resolves the Docker daemon endpoint. It tries DOCKER_HOST,
// then the known socket paths, then falls back to the standard location.
func DetectHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	for _, sock := range DefaultSocketPaths() {
		if _, err := os.Stat(sock); err == nil {
			return "unix://" + sock
		}
	}
	return "unix:///var/run/docker.sock"
}

// NewClient creates a Docker client for the given host (auto-detected
// when empty) and verifies the daemon is reachable.
func NewClient(ctx context.Context, host string) (*client.Client, error) {
	if host == "" {
		host = DetectHost()
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to ping Docker daemon: %w", err)
	}
	return cli, nil
}
