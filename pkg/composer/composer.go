// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package composer assembles the tool catalog and instruction text a
// profile sees at run time. Intrinsic actions come from the module's own
// kit; provided tools and instructions are merged in across provides
// edges, with cross-module tool names mangled so the agent can route
// calls back to the owning module.
package composer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kilnworks/kiln/pkg/errdefs"
	"github.com/kilnworks/kiln/pkg/funcparser"
	"github.com/kilnworks/kiln/pkg/kit"
	"github.com/kilnworks/kiln/pkg/provides"
	"github.com/kilnworks/kiln/pkg/registry"
	"github.com/kilnworks/kiln/pkg/types"
)

// ExternalPrefix marks tools routed to another module.
const ExternalPrefix = "external_"

// Composer merges intrinsic and provided capabilities for profiles.
type Composer struct {
	registry *registry.Registry
	graph    *provides.Graph
	logger   *zap.Logger
}

// Config wires a Composer.
type Config struct {
	Registry *registry.Registry
	Graph    *provides.Graph
	Logger   *zap.Logger
}

// Composition is the fully merged view of one profile.
type Composition struct {
	Tools        []types.ToolDescriptor `json:"tools"`
	Instructions string                 `json:"instructions"`
}

// ExternalTool is a resolved cross-module tool call target.
type ExternalTool struct {
	ProviderID string
	ToolName   string
	Profile    string
	Action     kit.ResolvedAction
}

func New(cfg Config) (*Composer, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("composer: registry is required")
	}
	if cfg.Graph == nil {
		return nil, fmt.Errorf("composer: provides graph is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{registry: cfg.Registry, graph: cfg.Graph, logger: logger}, nil
}

// MangleToolName rewrites a provider tool name into the form the caller
// sees in its catalog.
func MangleToolName(providerID, name string) string {
	return ExternalPrefix + providerID + "_" + name
}

// SplitExternalName reverses MangleToolName. Module ids never contain
// underscores, so the first underscore after the prefix ends the id.
func SplitExternalName(mangled string) (providerID, name string, err error) {
	rest, ok := strings.CutPrefix(mangled, ExternalPrefix)
	if !ok {
		return "", "", errdefs.WithDetail(errdefs.ErrComposition,
			"%q is not an external tool name", mangled)
	}
	providerID, name, ok = strings.Cut(rest, "_")
	if !ok || providerID == "" || name == "" {
		return "", "", errdefs.WithDetail(errdefs.ErrComposition,
			"malformed external tool name %q", mangled)
	}
	return providerID, name, nil
}

// Compose builds the merged tool catalog and instruction text for one
// profile. Tool names must be unique after mangling.
func (c *Composer) Compose(ctx context.Context, moduleID, profileName string) (*Composition, error) {
	rc, err := c.registry.GetKitConfig(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	profile, err := rc.ProfileNamed(profileName)
	if err != nil {
		return nil, err
	}

	tools, err := intrinsicTools(rc, profile)
	if err != nil {
		return nil, err
	}
	provided, err := c.ProvidedTools(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	tools = append(tools, provided...)

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if seen[t.Function.Name] {
			return nil, errdefs.WithDetail(errdefs.ErrComposition,
				"duplicate tool name %q in profile %s/%s", t.Function.Name, moduleID, profileName)
		}
		seen[t.Function.Name] = true
	}

	instructions, err := c.composeInstructions(ctx, moduleID, rc, profile)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("profile composed",
		zap.String("module", moduleID),
		zap.String("profile", profileName),
		zap.Int("tools", len(tools)),
	)
	return &Composition{Tools: tools, Instructions: instructions}, nil
}

// Intrinsic builds the profile view without provider contributions.
func (c *Composer) Intrinsic(ctx context.Context, moduleID, profileName string) (*Composition, error) {
	rc, err := c.registry.GetKitConfig(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	profile, err := rc.ProfileNamed(profileName)
	if err != nil {
		return nil, err
	}
	tools, err := intrinsicTools(rc, profile)
	if err != nil {
		return nil, err
	}
	var instructions string
	if profile.InstructionPath != "" {
		raw, err := os.ReadFile(profile.InstructionPath)
		if err != nil {
			return nil, errdefs.WithDetail(errdefs.ErrMalformedKit,
				"instruction document: %v", err)
		}
		instructions = string(raw)
	}
	return &Composition{Tools: tools, Instructions: instructions}, nil
}

// ProvidedTools lists every tool exposed to receiverID over tool edges,
// names mangled and descriptions tagged with the providing module.
func (c *Composer) ProvidedTools(ctx context.Context, receiverID string) ([]types.ToolDescriptor, error) {
	edges, err := c.graph.ProvidersFor(ctx, receiverID, provides.KindTool)
	if err != nil {
		return nil, err
	}
	var tools []types.ToolDescriptor
	for _, edge := range edges {
		prc, err := c.registry.GetKitConfig(ctx, edge.ProviderID)
		if errors.Is(err, errdefs.ErrModuleNotFound) {
			// Dangling edge from a deleted provider. Its tools are gone;
			// the receiver's own catalog must still compose.
			c.logger.Warn("skipping edge to missing provider",
				zap.String("provider", edge.ProviderID),
				zap.String("receiver", edge.ReceiverID))
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, pt := range prc.Manifest.Provide.Tools {
			action, err := providedAction(prc, pt)
			if err != nil {
				return nil, err
			}
			desc, err := actionDescriptor(prc.ActionsDir, action)
			if err != nil {
				return nil, err
			}
			desc.Function.Name = MangleToolName(edge.ProviderID, pt.Name)
			desc.Function.Description = fmt.Sprintf("[From module: %s] %s",
				edge.ProviderID, desc.Function.Description)
			tools = append(tools, *desc)
		}
	}
	return tools, nil
}

// ResolveExternal authorizes a cross-module tool call and resolves the
// provider-side action to execute. A missing tool edge means the caller
// was never granted the capability.
func (c *Composer) ResolveExternal(ctx context.Context, callerID, mangledName string) (*ExternalTool, error) {
	providerID, toolName, err := SplitExternalName(mangledName)
	if err != nil {
		return nil, err
	}
	ok, err := c.graph.HasEdge(ctx, providerID, callerID, provides.KindTool)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.WithDetail(errdefs.ErrCapabilityDenied,
			"module %s has no tool grant from %s", callerID, providerID)
	}
	prc, err := c.registry.GetKitConfig(ctx, providerID)
	if err != nil {
		return nil, err
	}
	for _, pt := range prc.Manifest.Provide.Tools {
		if pt.Name != toolName {
			continue
		}
		action, err := providedAction(prc, pt)
		if err != nil {
			return nil, err
		}
		return &ExternalTool{
			ProviderID: providerID,
			ToolName:   toolName,
			Profile:    pt.Profile,
			Action:     action,
		}, nil
	}
	return nil, errdefs.WithDetail(errdefs.ErrComposition,
		"module %s does not provide tool %q", providerID, toolName)
}

// composeInstructions concatenates the profile's own instruction document
// with every provider's shared instructions.
func (c *Composer) composeInstructions(ctx context.Context, moduleID string, rc *kit.ResolvedConfig, profile kit.ResolvedProfile) (string, error) {
	var b strings.Builder
	if profile.InstructionPath != "" {
		raw, err := os.ReadFile(profile.InstructionPath)
		if err != nil {
			return "", errdefs.WithDetail(errdefs.ErrMalformedKit,
				"instruction document: %v", err)
		}
		b.Write(raw)
	}

	edges, err := c.graph.ProvidersFor(ctx, moduleID, provides.KindInstruction)
	if err != nil {
		return "", err
	}
	for _, edge := range edges {
		prc, err := c.registry.GetKitConfig(ctx, edge.ProviderID)
		if errors.Is(err, errdefs.ErrModuleNotFound) {
			c.logger.Warn("skipping edge to missing provider",
				zap.String("provider", edge.ProviderID),
				zap.String("receiver", edge.ReceiverID))
			continue
		}
		if err != nil {
			return "", err
		}
		text, err := providedInstructions(prc)
		if err != nil {
			return "", err
		}
		if text == "" {
			continue
		}
		b.WriteString("\n\nProvided Instructions from Module: " + edge.ProviderID + "\n")
		b.WriteString(text)
	}
	return b.String(), nil
}

// intrinsicTools builds descriptors for the profile's own actions. The
// manifest name and description win over the parsed ones when set.
func intrinsicTools(rc *kit.ResolvedConfig, profile kit.ResolvedProfile) ([]types.ToolDescriptor, error) {
	tools := make([]types.ToolDescriptor, 0, len(profile.Actions))
	for _, action := range profile.Actions {
		desc, err := actionDescriptor(rc.ActionsDir, action)
		if err != nil {
			return nil, err
		}
		tools = append(tools, *desc)
	}
	return tools, nil
}

func actionDescriptor(actionsDir string, action kit.ResolvedAction) (*types.ToolDescriptor, error) {
	file, fn, err := kit.SplitActionPath(action.Path)
	if err != nil {
		return nil, err
	}
	desc, err := funcparser.Descriptor(actionsDir, file, fn)
	if err != nil {
		return nil, err
	}
	if action.Name != "" {
		desc.Function.Name = action.Name
	}
	if action.Description != "" {
		desc.Function.Description = action.Description
	}
	return desc, nil
}

// providedAction finds the resolved action backing a provide.tools entry
// inside the profile that owns it.
func providedAction(rc *kit.ResolvedConfig, pt kit.ProvidedTool) (kit.ResolvedAction, error) {
	profile, err := rc.ProfileNamed(pt.Profile)
	if err != nil {
		return kit.ResolvedAction{}, err
	}
	for _, action := range profile.Actions {
		if action.Name == pt.Name {
			return action, nil
		}
	}
	return kit.ResolvedAction{}, errdefs.WithDetail(errdefs.ErrComposition,
		"provided tool %q has no action in profile %q", pt.Name, pt.Profile)
}

// providedInstructions joins the documents a kit shares across
// instruction edges.
func providedInstructions(rc *kit.ResolvedConfig) (string, error) {
	var parts []string
	for _, ref := range rc.Manifest.Provide.Instructions {
		raw, err := os.ReadFile(filepath.Join(rc.InstructionsDir, ref.Path))
		if err != nil {
			return "", errdefs.WithDetail(errdefs.ErrMalformedKit,
				"provided instruction %q: %v", ref.Path, err)
		}
		parts = append(parts, strings.TrimRight(string(raw), "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}
