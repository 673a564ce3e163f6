// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package llm is the client for the external LLM provider gateway.
// The platform performs no inference of its own; every chat completion
// is proxied to the gateway as a single completed (non-streamed) call.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/types"
)

// Client talks to the chat-completions endpoint of the provider gateway.
type Client struct {
	apiKey       string
	model        string
	endpoint     string
	httpClient   *http.Client
	maxRetries   int
	retryBackoff time.Duration
	logger       *zap.Logger
}

// Config holds configuration for the gateway client.
type Config struct {
	APIKey       string
	Model        string        // Default: gpt-4.1
	Endpoint     string        // Default: derived from BASE_URL
	Timeout      time.Duration // Default: 120s
	MaxRetries   int           // Retries on 429 throttling. Default: 3
	RetryBackoff time.Duration // Initial backoff, doubles each retry. Default: 1s
	Logger       *zap.Logger
}

// Default gateway configuration values.
// Can be overridden via environment variables:
//   - KILN_LLM_MODEL
//   - KILN_LLM_ENDPOINT / BASE_URL
const (
	DefaultModel        = "gpt-4.1"
	DefaultEndpointPath = "/v1/chat/completions"
	DefaultBaseURL      = "http://localhost:4000"
	DefaultTimeout      = 120 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 1 * time.Second
)

// NewClient creates a new gateway client.
func NewClient(config Config) *Client {
	if config.Model == "" {
		if envModel := os.Getenv("KILN_LLM_MODEL"); envModel != "" {
			config.Model = envModel
		} else {
			config.Model = DefaultModel
		}
	}
	if config.Endpoint == "" {
		if envEndpoint := os.Getenv("KILN_LLM_ENDPOINT"); envEndpoint != "" {
			config.Endpoint = envEndpoint
		} else if baseURL := os.Getenv("BASE_URL"); baseURL != "" {
			config.Endpoint = strings.TrimRight(baseURL, "/") + DefaultEndpointPath
		} else {
			config.Endpoint = DefaultBaseURL + DefaultEndpointPath
		}
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Client{
		apiKey:       config.APIKey,
		model:        config.Model,
		endpoint:     config.Endpoint,
		maxRetries:   config.MaxRetries,
		retryBackoff: config.RetryBackoff,
		logger:       config.Logger,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Model returns the default model identifier.
func (c *Client) Model() string {
	return c.model
}

// Endpoint returns the resolved gateway endpoint.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Chat sends a conversation to the gateway and returns the completed
// response. Streaming is always disabled.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*Completion, error) {
	body, err := json.Marshal(c.buildWireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	backoff := c.retryBackoff
	for attempt := 0; ; attempt++ {
		resp, retryable, err := c.callAPI(ctx, body)
		if err == nil {
			return resp, nil
		}
		if !retryable || attempt >= c.maxRetries {
			return nil, err
		}

		c.logger.Warn("gateway request throttled, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// buildWireRequest assembles the gateway request body. Extra fields are
// merged in without being allowed to override the core fields or to
// re-enable streaming.
func (c *Client) buildWireRequest(req ChatRequest) map[string]interface{} {
	wire := make(map[string]interface{}, len(req.Extra)+5)
	for k, v := range req.Extra {
		wire[k] = v
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	wire["model"] = model
	wire["messages"] = convertMessages(req.Messages)
	wire["stream"] = false

	if len(req.Tools) > 0 {
		wire["tools"] = req.Tools
		if req.ToolChoice != nil {
			wire["tool_choice"] = req.ToolChoice
		} else {
			wire["tool_choice"] = "auto"
		}
	}
	return wire
}

// convertMessages converts stored chat messages to gateway format.
func convertMessages(messages []types.ChatMessage) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.MessageType {
		case types.MessageToolCall:
			out = append(out, wireMessage{
				Role:      string(types.RoleAssistant),
				Content:   msg.Content,
				ToolCalls: msg.ToolCalls,
			})
		case types.MessageToolResult:
			out = append(out, wireMessage{
				Role:       string(types.RoleTool),
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			out = append(out, wireMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return out
}

// callAPI makes one HTTP request to the gateway. The bool result reports
// whether a failure is worth retrying (throttling only).
func (c *Client) callAPI(ctx context.Context, body []byte) (*Completion, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, false, errdefs.WithDetail(errdefs.ErrPlatformCall, "gateway request failed: %v", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, false, errdefs.WithDetail(errdefs.ErrPlatformCall, "failed to read gateway response: %v", err)
	}

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, true, errdefs.WithDetail(errdefs.ErrPlatformCall,
			"gateway throttled (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp Completion
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, false, errdefs.WithDetail(errdefs.ErrPlatformCall,
			"malformed gateway response (status %d): %v", httpResp.StatusCode, err)
	}
	if resp.Error != nil {
		return nil, false, errdefs.WithDetail(errdefs.ErrPlatformCall,
			"gateway error: %s (type: %s)", resp.Error.Message, resp.Error.Type)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, false, errdefs.WithDetail(errdefs.ErrPlatformCall,
			"gateway error (status %d): %s", httpResp.StatusCode, string(respBody))
	}
	return &resp, false, nil
}
