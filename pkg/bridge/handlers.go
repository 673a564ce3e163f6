// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kilnworks/kiln/pkg/docstore"
	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/llm"
	"github.com/kilnworks/kiln/pkg/types"
	"github.com/kilnworks/kiln/pkg/uid"
	"github.com/kilnworks/kiln/pkg/warmpool"
)

// supportedContentTypesList is what the presentation layer can render.
var supportedContentTypesList = []string{
	"text/plain",
	"text/markdown",
	"text/html",
	"text/csv",
	"application/json",
	"image/png",
	"image/jpeg",
	"image/svg+xml",
}

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errdefs.WithDetail(errdefs.ErrPlatformCall, "malformed request: %v", err)
	}
	return nil
}

func (s *Server) addMessage(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID   string            `json:"session_id"`
		Role        types.Role        `json:"role"`
		Content     string            `json:"content"`
		MessageType types.MessageType `json:"message_type"`
		ToolCalls   []types.ToolCall  `json:"tool_calls"`
		ToolCallID  string            `json:"tool_call_id"`
		ToolName    string            `json:"tool_name"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	c := callerFrom(ctx)
	msg := types.ChatMessage{
		ModuleID:    c.ModuleID,
		Profile:     c.Profile,
		SessionID:   req.SessionID,
		Role:        req.Role,
		Content:     req.Content,
		MessageType: req.MessageType,
		ToolCalls:   req.ToolCalls,
		ToolCallID:  req.ToolCallID,
		ToolName:    req.ToolName,
	}
	stored, err := s.history.Append(ctx, msg)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": stored}, nil
}

func (s *Server) getMessages(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	c := callerFrom(ctx)
	if req.SessionID == "" {
		req.SessionID = types.DefaultSessionID
	}
	msgs, err := s.history.Messages(ctx, c.ModuleID, c.Profile, req.SessionID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []types.ChatMessage{}
	}
	return map[string]interface{}{"messages": msgs}, nil
}

func (s *Server) chatCompletion(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req llm.ChatRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	return s.gateway.Chat(ctx, req)
}

func (s *Server) structuredOutput(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		llm.ChatRequest
		Schema json.RawMessage `json:"schema"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if len(req.Schema) == 0 {
		return nil, errdefs.WithDetail(errdefs.ErrPlatformCall, "structured_output requires a schema")
	}

	completion, err := s.gateway.Chat(ctx, req.ChatRequest)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, errdefs.WithDetail(errdefs.ErrPlatformCall, "gateway returned no choices")
	}
	content := completion.Choices[0].Message.Content

	var object interface{}
	if err := json.Unmarshal([]byte(content), &object); err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrPlatformCall,
			"completion is not valid JSON: %v", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(req.Schema),
		gojsonschema.NewStringLoader(content),
	)
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrPlatformCall, "schema validation: %v", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, errdefs.WithDetail(errdefs.ErrPlatformCall,
			"completion does not match schema: %s", strings.Join(details, "; "))
	}
	return map[string]interface{}{"object": object, "raw": completion}, nil
}

func (s *Server) getProfileMetadata(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		IncludeProvided *bool `json:"include_provided"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	c := callerFrom(ctx)

	compose := s.composer.Compose
	if req.IncludeProvided != nil && !*req.IncludeProvided {
		compose = s.composer.Intrinsic
	}
	comp, err := compose(ctx, c.ModuleID, c.Profile)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"instructions": comp.Instructions,
		"actions":      comp.Tools,
	}, nil
}

func (s *Server) readFile(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	c := callerFrom(ctx)
	data, err := s.workspaces.ReadFile(c.ModuleID, req.Path)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": req.Path, "content": string(data)}, nil
}

func (s *Server) writeFile(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	c := callerFrom(ctx)
	if err := s.workspaces.UpdateFile(c.ModuleID, req.Path, []byte(req.Content), nil); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": req.Path, "written": len(req.Content)}, nil
}

func (s *Server) listFiles(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	c := callerFrom(ctx)
	files, err := s.workspaces.ListFiles(c.ModuleID)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []string{}
	}
	return map[string]interface{}{"files": files}, nil
}

func (s *Server) getRepoTree(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	c := callerFrom(ctx)
	files, err := s.workspaces.ListFiles(c.ModuleID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tree": renderTree(files)}, nil
}

func (s *Server) storeScope(ctx context.Context, collection string) docstore.Scope {
	c := callerFrom(ctx)
	return docstore.Scope{ModuleID: c.ModuleID, Profile: c.Profile, Collection: collection}
}

func (s *Server) storeFind(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		Collection string           `json:"collection"`
		Filter     *docstore.Filter `json:"filter"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	docs, err := s.docs.Find(ctx, s.storeScope(ctx, req.Collection), req.Filter)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	return map[string]interface{}{"documents": docs}, nil
}

func (s *Server) storeSetValue(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		Collection string                 `json:"collection"`
		Value      map[string]interface{} `json:"value"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	doc, err := s.docs.SetValue(ctx, s.storeScope(ctx, req.Collection), req.Value)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"document": doc}, nil
}

func (s *Server) storeSetMany(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		Collection string                   `json:"collection"`
		Values     []map[string]interface{} `json:"values"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	docs, err := s.docs.SetMany(ctx, s.storeScope(ctx, req.Collection), req.Values)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"documents": docs}, nil
}

func (s *Server) storeUpdate(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		Collection string                 `json:"collection"`
		Filter     *docstore.Filter       `json:"filter"`
		Value      map[string]interface{} `json:"value"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	n, err := s.docs.Update(ctx, s.storeScope(ctx, req.Collection), req.Filter, req.Value)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"updated": n}, nil
}

func (s *Server) storeDelete(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		Collection string           `json:"collection"`
		Filter     *docstore.Filter `json:"filter"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	n, err := s.docs.Delete(ctx, s.storeScope(ctx, req.Collection), req.Filter)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": n}, nil
}

func (s *Server) storeGetByID(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	doc, err := s.docs.GetByID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	// Documents never cross tenant boundaries over the bridge.
	if doc.ModuleID != callerFrom(ctx).ModuleID {
		return nil, errdefs.WithDetail(errdefs.ErrPlatformCall, "document %q not found", req.ID)
	}
	return map[string]interface{}{"document": doc}, nil
}

func (s *Server) providedToolsSchema(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	c := callerFrom(ctx)
	tools, err := s.composer.ProvidedTools(ctx, c.ModuleID)
	if err != nil {
		return nil, err
	}
	if tools == nil {
		tools = []types.ToolDescriptor{}
	}
	return map[string]interface{}{"tools": tools}, nil
}

func (s *Server) executeExternalTool(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var req struct {
		Name   string                 `json:"name"`
		Params map[string]interface{} `json:"params"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	c := callerFrom(ctx)

	ext, err := s.composer.ResolveExternal(ctx, c.ModuleID, req.Name)
	if err != nil {
		return nil, err
	}
	prc, err := s.registry.GetKitConfig(ctx, ext.ProviderID)
	if err != nil {
		return nil, err
	}
	source, err := os.ReadFile(ext.Action.AbsFile)
	if err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrTool, "tool source: %v", err)
	}
	tag, err := s.images.Ensure(ctx, prc.Manifest.Image, prc.Manifest.Dependencies)
	if err != nil {
		return nil, err
	}
	out, err := s.executor.ExecuteTool(ctx, ext.ProviderID, tag, prc.Manifest.Ports, warmpool.ToolCall{
		FunctionSource: source,
		FunctionName:   ext.Action.Function,
		Params:         req.Params,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Result interface{} `json:"result"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &payload); err != nil {
		return nil, errdefs.WithDetail(errdefs.ErrTool,
			"tool %s produced unreadable output: %v", req.Name, err)
	}
	return map[string]interface{}{"result": payload.Result}, nil
}

func (s *Server) supportedContentTypes(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"content_types": supportedContentTypesList}, nil
}

func (s *Server) generateUUID(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"uuid": uid.UUID()}, nil
}

func (s *Server) generateReadableUID(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"uid": uid.Readable()}, nil
}

func (s *Server) ping(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}, nil
}

// renderTree turns a sorted relative path list into an indented tree,
// directories first at each level.
func renderTree(files []string) string {
	root := newTreeNode()
	for _, f := range files {
		node := root
		for _, part := range strings.Split(f, "/") {
			child, ok := node.children[part]
			if !ok {
				child = newTreeNode()
				node.children[part] = child
			}
			node = child
		}
		node.leaf = true
	}
	var b strings.Builder
	root.render(&b, 0)
	return b.String()
}

type treeNode struct {
	children map[string]*treeNode
	leaf     bool
}

func newTreeNode() *treeNode {
	return &treeNode{children: map[string]*treeNode{}}
}

func (n *treeNode) render(b *strings.Builder, depth int) {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		di, dj := len(n.children[names[i]].children) > 0, len(n.children[names[j]].children) > 0
		if di != dj {
			return di
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		child := n.children[name]
		b.WriteString(strings.Repeat("  ", depth))
		if len(child.children) > 0 {
			b.WriteString(name + "/\n")
		} else {
			b.WriteString(name + "\n")
		}
		child.render(b, depth+1)
	}
}
