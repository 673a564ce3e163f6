// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package platform assembles every component of the agent execution
// platform from a loaded Config and owns their lifecycles.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/internal/dockerutil"
	"github.com/kilnworks/kiln/pkg/bridge"
	"github.com/kilnworks/kiln/pkg/composer"
	"github.com/kilnworks/kiln/pkg/docstore"
	"github.com/kilnworks/kiln/pkg/history"
	"github.com/kilnworks/kiln/pkg/image"
	"github.com/kilnworks/kiln/pkg/kit"
	"github.com/kilnworks/kiln/pkg/llm"
	"github.com/kilnworks/kiln/pkg/provides"
	"github.com/kilnworks/kiln/pkg/registry"
	"github.com/kilnworks/kiln/pkg/runner"
	"github.com/kilnworks/kiln/pkg/secrets"
	"github.com/kilnworks/kiln/pkg/warmpool"
	"github.com/kilnworks/kiln/pkg/workspace"
)

// Platform is the assembled daemon.
type Platform struct {
	cfg    *Config
	logger *zap.Logger

	Kits       *kit.Store
	Workspaces *workspace.Store
	Graph      *provides.Graph
	Registry   *registry.Registry
	History    *history.Store
	Docs       *docstore.Store
	Composer   *composer.Composer
	Images     *image.Builder
	Pool       *warmpool.Pool
	Runner     *runner.Runner
	Gateway    *llm.Client
	Bridge     *bridge.Server

	// KitRegistry is nil when no remote registry is configured.
	KitRegistry *kit.RegistryClient

	docker *client.Client
}

// New builds the platform. The encryption key check runs first; a daemon
// without it must not come up at all.
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Platform, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	codec, err := secrets.NewCodecFromEnv()
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	kits, err := kit.NewStore(kit.StoreConfig{
		BasePath: cfg.KitsDir(),
		Logger:   logger.Named("kits"),
	})
	if err != nil {
		return nil, err
	}
	workspaces, err := workspace.NewStore(workspace.StoreConfig{
		BasePath: cfg.WorkspacesDir(),
		Logger:   logger.Named("workspaces"),
	})
	if err != nil {
		return nil, err
	}
	graph, err := provides.NewGraph(provides.Config{
		Path:   cfg.ProvidesDB(),
		Logger: logger.Named("provides"),
	})
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(registry.Config{
		Path:       cfg.RegistryDB(),
		Kits:       kits,
		Workspaces: workspaces,
		Graph:      graph,
		Codec:      codec,
		Logger:     logger.Named("registry"),
	})
	if err != nil {
		return nil, err
	}
	hist, err := history.NewStore(history.Config{
		Path:   cfg.HistoryDB(),
		Logger: logger.Named("history"),
	})
	if err != nil {
		return nil, err
	}
	docs, err := docstore.NewStore(docstore.Config{
		Path:   cfg.DocsDB(),
		Logger: logger.Named("docstore"),
	})
	if err != nil {
		return nil, err
	}
	comp, err := composer.New(composer.Config{
		Registry: reg,
		Graph:    graph,
		Logger:   logger.Named("composer"),
	})
	if err != nil {
		return nil, err
	}

	dockerHost := cfg.Docker.Host
	if dockerHost == "" {
		dockerHost = dockerutil.DetectHost()
	}
	docker, err := dockerutil.NewClient(ctx, dockerHost)
	if err != nil {
		return nil, err
	}

	images, err := image.NewBuilder(image.Config{
		Client:    docker,
		Bootstrap: cfg.Runner.Bootstrap,
		Logger:    logger.Named("image"),
	})
	if err != nil {
		return nil, err
	}
	pool, err := warmpool.NewPool(warmpool.Config{
		Client:        docker,
		Workspaces:    workspaces,
		IdleTimeout:   time.Duration(cfg.WarmPool.IdleSeconds) * time.Second,
		SweepSchedule: cfg.WarmPool.SweepSchedule,
		Logger:        logger.Named("warmpool"),
	})
	if err != nil {
		return nil, err
	}
	run, err := runner.NewRunner(runner.Config{
		Client:     docker,
		Registry:   reg,
		Workspaces: workspaces,
		VenvRoot:   cfg.VenvsDir(),
		Bootstrap:  cfg.Runner.Bootstrap,
		BridgePort: cfg.Bridge.Port,
		DevMode:    cfg.Runner.DevMode,
		Timeout:    time.Duration(cfg.Runner.TimeoutSeconds) * time.Second,
		Logger:     logger.Named("runner"),
	})
	if err != nil {
		return nil, err
	}

	endpoint := cfg.LLM.Endpoint
	if endpoint == "" && cfg.LLM.BaseURL != "" {
		endpoint = strings.TrimRight(cfg.LLM.BaseURL, "/") + llm.DefaultEndpointPath
	}
	gateway := llm.NewClient(llm.Config{
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		Endpoint: endpoint,
		Logger:   logger.Named("llm"),
	})

	bridgeSrv, err := bridge.NewServer(bridge.Config{
		History:    hist,
		Docs:       docs,
		Registry:   reg,
		Composer:   comp,
		Workspaces: workspaces,
		Gateway:    gateway,
		Executor:   pool,
		Images:     images,
		Logger:     logger.Named("bridge"),
	})
	if err != nil {
		return nil, err
	}

	var kitRegistry *kit.RegistryClient
	if cfg.Registry.URL != "" {
		kitRegistry, err = kit.NewRegistryClient(kit.RegistryClientConfig{
			BaseURL: cfg.Registry.URL,
			Logger:  logger.Named("kitregistry"),
		})
		if err != nil {
			return nil, err
		}
	}

	return &Platform{
		cfg:         cfg,
		logger:      logger,
		Kits:        kits,
		Workspaces:  workspaces,
		Graph:       graph,
		Registry:    reg,
		History:     hist,
		Docs:        docs,
		Composer:    comp,
		Images:      images,
		Pool:        pool,
		Runner:      run,
		Gateway:     gateway,
		Bridge:      bridgeSrv,
		KitRegistry: kitRegistry,
		docker:      docker,
	}, nil
}

// Run serves the bridge until ctx is cancelled, then shuts everything
// down in reverse dependency order.
func (p *Platform) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", p.cfg.Bridge.Host, p.cfg.Bridge.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: p.Bridge.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("bridge listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		p.Close()
		return err
	case <-ctx.Done():
	}

	p.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		p.logger.Warn("bridge shutdown", zap.Error(err))
	}
	return p.Close()
}

// Close releases every component. Safe to call once.
func (p *Platform) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if p.Pool != nil {
		keep(p.Pool.Close())
	}
	if p.docker != nil {
		keep(p.docker.Close())
	}
	if p.Registry != nil {
		keep(p.Registry.Close())
	}
	if p.Graph != nil {
		keep(p.Graph.Close())
	}
	if p.History != nil {
		keep(p.History.Close())
	}
	if p.Docs != nil {
		keep(p.Docs.Close())
	}
	return firstErr
}
