// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package image maintains the cache of derived runner images. A derived
// image is the kit's base image plus one pip layer installing the agent
// bootstrap library and the kit's dependencies. Builds for the same
// cache key coalesce onto a single in-flight build.
package image

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// API is the subset of the Docker client the builder uses.
type API interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageList(ctx context.Context, options imagetypes.ListOptions) ([]imagetypes.Summary, error)
	ImageRemove(ctx context.Context, imageID string, options imagetypes.RemoveOptions) ([]imagetypes.DeleteResponse, error)
}

// TagPrefix is shared by every derived runner image; PurgePrefix uses it
// as its default.
const TagPrefix = "kiln-runner-"

// DefaultBootstrapPackage is the in-container client library installed
// into every derived image ahead of the kit dependencies.
const DefaultBootstrapPackage = "kiln-agent-sdk"

// Builder builds and caches derived runner images.
type Builder struct {
	cli       API
	bootstrap string
	logger    *zap.Logger
	group     singleflight.Group
}

// Config configures the image builder.
type Config struct {
	// Client is the Docker API client (required).
	Client API

	// Bootstrap overrides the bootstrap package spec. Default:
	// DefaultBootstrapPackage.
	Bootstrap string

	Logger *zap.Logger
}

// NewBuilder creates an image builder.
func NewBuilder(config Config) (*Builder, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("docker client is required")
	}
	if config.Bootstrap == "" {
		config.Bootstrap = DefaultBootstrapPackage
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Builder{
		cli:       config.Client,
		bootstrap: config.Bootstrap,
		logger:    config.Logger,
	}, nil
}

// Tag computes the deterministic image tag for a base image and
// dependency set. Dependency order and duplicates do not affect it.
func Tag(baseImage string, dependencies []string) string {
	deps := normalizeDeps(dependencies)
	h := sha256.New()
	h.Write([]byte(baseImage))
	for _, d := range deps {
		h.Write([]byte{0})
		h.Write([]byte(d))
	}
	return TagPrefix + hex.EncodeToString(h.Sum(nil))[:12]
}

// Ensure returns the tag of a cached derived image, building it first if
// absent. Concurrent callers for the same tag share one build.
func (b *Builder) Ensure(ctx context.Context, baseImage string, dependencies []string) (string, error) {
	tag := Tag(baseImage, dependencies)

	_, err, _ := b.group.Do(tag, func() (interface{}, error) {
		exists, err := b.exists(ctx, tag)
		if err != nil {
			return nil, err
		}
		if exists {
			b.logger.Debug("derived image cached", zap.String("tag", tag))
			return nil, nil
		}
		return nil, b.build(ctx, tag, baseImage, dependencies)
	})
	if err != nil {
		return "", err
	}
	return tag, nil
}

// PurgePrefix removes every image whose repo tag starts with prefix
// (TagPrefix when empty) and returns the number removed.
func (b *Builder) PurgePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		prefix = TagPrefix
	}
	images, err := b.cli.ImageList(ctx, imagetypes.ListOptions{All: true})
	if err != nil {
		return 0, fmt.Errorf("failed to list images: %w", err)
	}

	removed := 0
	for _, summary := range images {
		for _, repoTag := range summary.RepoTags {
			if !strings.HasPrefix(repoTag, prefix) {
				continue
			}
			if _, err := b.cli.ImageRemove(ctx, repoTag, imagetypes.RemoveOptions{
				Force:         true,
				PruneChildren: true,
			}); err != nil {
				return removed, fmt.Errorf("failed to remove image %s: %w", repoTag, err)
			}
			b.logger.Info("purged derived image", zap.String("tag", repoTag))
			removed++
			break
		}
	}
	return removed, nil
}

func (b *Builder) exists(ctx context.Context, tag string) (bool, error) {
	_, _, err := b.cli.ImageInspectWithRaw(ctx, tag)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image %s: %w", tag, err)
}

func (b *Builder) build(ctx context.Context, tag, baseImage string, dependencies []string) error {
	b.logger.Info("building derived image",
		zap.String("tag", tag),
		zap.String("base_image", baseImage),
		zap.Int("dependencies", len(dependencies)),
	)

	buildContext, err := tarContext(b.dockerfile(baseImage, dependencies))
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}

	resp, err := b.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	// The build API streams progress as JSON lines; a failure only shows
	// up as an error message inside the stream.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return fmt.Errorf("image build failed for %s: %s", tag, msg.Error)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			b.logger.Debug("image build", zap.String("tag", tag), zap.String("output", line))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read build output: %w", err)
	}

	b.logger.Info("derived image built", zap.String("tag", tag))
	return nil
}

// dockerfile renders the single-layer derived image definition.
func (b *Builder) dockerfile(baseImage string, dependencies []string) string {
	packages := append([]string{b.bootstrap}, normalizeDeps(dependencies)...)
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s\n", baseImage)
	fmt.Fprintf(&sb, "RUN pip install --no-cache-dir %s\n", strings.Join(packages, " "))
	return sb.String()
}

// normalizeDeps sorts and deduplicates a dependency list.
func normalizeDeps(dependencies []string) []string {
	seen := make(map[string]struct{}, len(dependencies))
	deps := make([]string, 0, len(dependencies))
	for _, d := range dependencies {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return deps
}

// tarContext wraps a Dockerfile in the in-memory tar archive the build
// API expects.
func tarContext(dockerfile string) (*bytes.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(dockerfile)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf.Bytes()), nil
}
