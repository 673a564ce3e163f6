// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package bridge is the platform RPC surface agents call back into from
// their containers. One POST route per verb under /v1; the caller's
// identity arrives in X-Kiln-Module/X-Kiln-Profile headers that the
// runner sets from the container environment.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/pkg/composer"
	"github.com/kilnworks/kiln/pkg/docstore"
	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/history"
	"github.com/kilnworks/kiln/pkg/kit"
	"github.com/kilnworks/kiln/pkg/llm"
	"github.com/kilnworks/kiln/pkg/registry"
	"github.com/kilnworks/kiln/pkg/warmpool"
	"github.com/kilnworks/kiln/pkg/workspace"
)

const (
	// DefaultCallTimeout is the per-verb safety ceiling.
	DefaultCallTimeout = 300 * time.Second

	headerModule  = "X-Kiln-Module"
	headerProfile = "X-Kiln-Profile"
)

// Gateway is the LLM proxy surface the bridge needs.
type Gateway interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.Completion, error)
}

// ToolExecutor runs a tool call inside a module's warm container.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, workspaceName, imageTag string, ports []kit.PortDecl, call warmpool.ToolCall) ([]byte, error)
}

// ImageEnsurer resolves the runtime image for a kit.
type ImageEnsurer interface {
	Ensure(ctx context.Context, baseImage string, dependencies []string) (string, error)
}

// Server handles the agent-facing RPC verbs.
type Server struct {
	history    *history.Store
	docs       *docstore.Store
	registry   *registry.Registry
	composer   *composer.Composer
	workspaces *workspace.Store
	gateway    Gateway
	executor   ToolExecutor
	images     ImageEnsurer
	logger     *zap.Logger

	callTimeout time.Duration
}

// Config wires a Server. Every field except Logger and CallTimeout is
// required.
type Config struct {
	History    *history.Store
	Docs       *docstore.Store
	Registry   *registry.Registry
	Composer   *composer.Composer
	Workspaces *workspace.Store
	Gateway    Gateway
	Executor   ToolExecutor
	Images     ImageEnsurer

	CallTimeout time.Duration
	Logger      *zap.Logger
}

func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.History == nil:
		return nil, fmt.Errorf("bridge: history store is required")
	case cfg.Docs == nil:
		return nil, fmt.Errorf("bridge: document store is required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("bridge: registry is required")
	case cfg.Composer == nil:
		return nil, fmt.Errorf("bridge: composer is required")
	case cfg.Workspaces == nil:
		return nil, fmt.Errorf("bridge: workspace store is required")
	case cfg.Gateway == nil:
		return nil, fmt.Errorf("bridge: gateway client is required")
	case cfg.Executor == nil:
		return nil, fmt.Errorf("bridge: tool executor is required")
	case cfg.Images == nil:
		return nil, fmt.Errorf("bridge: image ensurer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Server{
		history:     cfg.History,
		docs:        cfg.Docs,
		registry:    cfg.Registry,
		composer:    cfg.Composer,
		workspaces:  cfg.Workspaces,
		gateway:     cfg.Gateway,
		executor:    cfg.Executor,
		images:      cfg.Images,
		logger:      logger,
		callTimeout: timeout,
	}, nil
}

// caller is the authenticated-by-environment identity of one RPC call.
type caller struct {
	ModuleID string
	Profile  string
}

type callerKey struct{}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(callerKey{}).(caller)
	return c
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withCallTimeout)

	r.Route("/v1", func(r chi.Router) {
		r.With(s.requireCaller).Group(func(r chi.Router) {
			r.Post("/add_message", s.handle(s.addMessage))
			r.Post("/get_messages", s.handle(s.getMessages))
			r.Post("/chat_completion", s.handle(s.chatCompletion))
			r.Post("/structured_output", s.handle(s.structuredOutput))
			r.Post("/get_profile_metadata", s.handle(s.getProfileMetadata))
			r.Post("/read_file", s.handle(s.readFile))
			r.Post("/write_file", s.handle(s.writeFile))
			r.Post("/list_files", s.handle(s.listFiles))
			r.Post("/get_repo_tree", s.handle(s.getRepoTree))
			r.Post("/profile_store_find", s.handle(s.storeFind))
			r.Post("/profile_store_set_value", s.handle(s.storeSetValue))
			r.Post("/profile_store_set_many", s.handle(s.storeSetMany))
			r.Post("/profile_store_update", s.handle(s.storeUpdate))
			r.Post("/profile_store_delete", s.handle(s.storeDelete))
			r.Post("/profile_store_get_by_id", s.handle(s.storeGetByID))
			r.Post("/get_provided_tools_schema", s.handle(s.providedToolsSchema))
			r.Post("/execute_external_tool", s.handle(s.executeExternalTool))
		})
		r.Post("/get_supported_content_types", s.handle(s.supportedContentTypes))
		r.Post("/generate_uuid", s.handle(s.generateUUID))
		r.Post("/generate_readable_uid", s.handle(s.generateReadableUID))
		r.Post("/ping", s.handle(s.ping))
	})
	return r
}

// verbFunc decodes its own body from raw and returns a JSON-safe result.
type verbFunc func(ctx context.Context, raw json.RawMessage) (interface{}, error)

func (s *Server) handle(fn verbFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, r, errdefs.WithDetail(errdefs.ErrPlatformCall, "read request body: %v", err))
			return
		}
		// The parameterless verbs accept a bare POST.
		if len(bytes.TrimSpace(raw)) == 0 {
			raw = []byte("{}")
		}
		if !json.Valid(raw) {
			s.writeError(w, r, errdefs.WithDetail(errdefs.ErrPlatformCall, "request body is not valid JSON"))
			return
		}
		result, err := fn(r.Context(), raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	}
}

// requireCaller extracts the module/profile identity headers.
func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		moduleID := r.Header.Get(headerModule)
		profile := r.Header.Get(headerProfile)
		if moduleID == "" || profile == "" {
			s.writeError(w, r, errdefs.WithDetail(errdefs.ErrPlatformCall,
				"missing %s/%s headers", headerModule, headerProfile))
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller{ModuleID: moduleID, Profile: profile})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) withCallTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.callTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type wireError struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps the error taxonomy to HTTP statuses and the
// {"error": {"kind", "message"}} body. Stack traces never leak; the
// message is the error text only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdefs.Kind(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrModuleNotFound),
		errors.Is(err, errdefs.ErrKitNotFound),
		errors.Is(err, errdefs.ErrFunctionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errdefs.ErrCapabilityDenied):
		status = http.StatusForbidden
	case errors.Is(err, errdefs.ErrInvalidPath),
		errors.Is(err, errdefs.ErrMalformedKit),
		errors.Is(err, errdefs.ErrComposition),
		errors.Is(err, errdefs.ErrInvalidVersion):
		status = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrPlatformCall):
		status = http.StatusBadGateway
	}

	s.logger.Warn("bridge call failed",
		zap.String("path", r.URL.Path),
		zap.String("kind", kind),
		zap.Error(err),
	)

	var body wireError
	body.Error.Kind = kind
	body.Error.Message = err.Error()
	s.writeJSON(w, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}
