// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package kit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kilnworks/kiln/pkg/errdefs"
)

// RegistryURLEnvVar configures the remote kit registry endpoint.
const RegistryURLEnvVar = "REGISTRY_URL"

// registryResponse is the remote registry's fetch contract.
type registryResponse struct {
	DownloadURL string          `json:"downloadUrl"`
	KitConfig   json.RawMessage `json:"kitConfig"`
}

// RegistryClient clones kits from a remote registry over HTTP.
//
// Remote failures surface as errdefs.ErrRegistry (retryable); a payload that
// downloads but fails validation is errdefs.ErrMalformedKit (not retryable).
type RegistryClient struct {
	baseURL      string
	httpClient   *http.Client
	maxRetries   int
	retryBackoff time.Duration
	logger       *zap.Logger
}

// RegistryClientConfig configures a RegistryClient.
type RegistryClientConfig struct {
	// BaseURL is the registry endpoint. Falls back to $REGISTRY_URL.
	BaseURL string

	// Timeout bounds each HTTP request (default: 60s).
	Timeout time.Duration

	// MaxRetries bounds retries on transport errors, throttling, and 5xx
	// responses (default: 3).
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled each retry (default: 1s).
	RetryBackoff time.Duration

	// Logger is the zap logger (optional).
	Logger *zap.Logger
}

// NewRegistryClient creates a registry client.
func NewRegistryClient(config RegistryClientConfig) (*RegistryClient, error) {
	if config.BaseURL == "" {
		config.BaseURL = os.Getenv(RegistryURLEnvVar)
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("registry URL is required (set %s)", RegistryURLEnvVar)
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 1 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &RegistryClient{
		baseURL:      config.BaseURL,
		httpClient:   &http.Client{Timeout: config.Timeout},
		maxRetries:   config.MaxRetries,
		retryBackoff: config.RetryBackoff,
		logger:       config.Logger,
	}, nil
}

// Fetch downloads a kit archive from the registry and ingests it into store.
func (c *RegistryClient) Fetch(ctx context.Context, store *Store, ref Ref, overwrite bool) (*Manifest, error) {
	metaURL, err := url.JoinPath(c.baseURL, "kits", ref.Owner, ref.KitID, ref.Version)
	if err != nil {
		return nil, fmt.Errorf("bad registry URL: %w", err)
	}

	c.logger.Info("fetching kit from registry",
		zap.String("kit", ref.String()),
		zap.String("url", metaURL),
	)

	var meta registryResponse
	if err := c.getJSON(ctx, metaURL, &meta); err != nil {
		return nil, err
	}
	if meta.DownloadURL == "" {
		return nil, errdefs.WithDetail(errdefs.ErrRegistry, "registry response for %s has no downloadUrl", ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.DownloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bad download URL: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrRegistry, "kit download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.WithDetail(errdefs.ErrRegistry, "kit download returned %d", resp.StatusCode)
	}

	return store.Ingest(resp.Body, overwrite)
}

// getJSON fetches and decodes one registry document, retrying transport
// errors, throttling, and 5xx responses with doubling backoff.
func (c *RegistryClient) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	backoff := c.retryBackoff
	for attempt := 0; ; attempt++ {
		retryable, err := c.fetchJSON(ctx, rawURL, out)
		if err == nil {
			return nil
		}
		if !retryable || attempt >= c.maxRetries {
			return err
		}

		c.logger.Warn("registry request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *RegistryClient) fetchJSON(ctx context.Context, rawURL string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, fmt.Errorf("bad request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, errdefs.Wrap(errdefs.ErrRegistry, "registry request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return true, errdefs.Wrap(errdefs.ErrRegistry, "failed to read registry response")
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return retryable, errdefs.WithDetail(errdefs.ErrRegistry, "registry returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, errdefs.Wrap(errdefs.ErrMalformedKit, "registry response is not valid JSON")
	}
	return false, nil
}
