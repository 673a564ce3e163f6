// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package kit validates, persists, and resolves uploaded kit bundles.
//
// A kit is an immutable versioned bundle: a kit.yaml manifest plus actions/,
// instructions/, and workspace/ subtrees, stored under
// base_path/owner/kit_id/version/.
package kit

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/kilnworks/kiln/pkg/errdefs"
)

// ManifestFileName is the manifest file at the top of every kit archive.
const ManifestFileName = "kit.yaml"

// DocVersion is the manifest schema version this build understands.
const DocVersion = "v1"

// versionRe enforces strict X.Y.Z version strings ("1.0.0", "10.20.30").
// Pre-release suffixes and "v" prefixes are rejected.
var versionRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// EnvDecl declares an environment variable a kit expects at module creation.
type EnvDecl struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool    `yaml:"required,omitempty" json:"required,omitempty"`
	Default     *string `yaml:"default,omitempty" json:"default,omitempty"`
}

// AgentDecl binds an agent slot name to the class symbol the runner loads.
type AgentDecl struct {
	Name        string `yaml:"name" json:"name"`
	Class       string `yaml:"class" json:"class"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ActionRef points at a callable: Path is "file:function" relative to actions/.
type ActionRef struct {
	Path        string `yaml:"path" json:"path"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// InstructionRef points at an instruction document relative to instructions/.
type InstructionRef struct {
	Path        string `yaml:"path" json:"path"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Profile is a named agent-invocation slot.
type Profile struct {
	Agent       string      `yaml:"agent" json:"agent"`
	Instruction string      `yaml:"instruction,omitempty" json:"instruction,omitempty"`
	Actions     []ActionRef `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// ProvidedTool names a tool a kit exposes to receiver modules, and the
// profile that owns it on the provider side.
type ProvidedTool struct {
	Name    string `yaml:"name" json:"name"`
	Profile string `yaml:"profile" json:"profile"`
}

// WorkspaceProvide marks the kit's workspace as shareable.
type WorkspaceProvide struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Provide lists the resources a kit offers across provides edges.
type Provide struct {
	Actions      []ActionRef       `yaml:"actions,omitempty" json:"actions,omitempty"`
	Instructions []InstructionRef  `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Tools        []ProvidedTool    `yaml:"tools,omitempty" json:"tools,omitempty"`
	Workspace    *WorkspaceProvide `yaml:"workspace,omitempty" json:"workspace,omitempty"`
}

// SeedFile is one workspace seed entry.
type SeedFile struct {
	Path        string `yaml:"path" json:"path"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// WorkspaceDecl declares the workspace seed tree and ignore globs.
type WorkspaceDecl struct {
	Files  []SeedFile `yaml:"files,omitempty" json:"files,omitempty"`
	Ignore []string   `yaml:"ignore,omitempty" json:"ignore,omitempty"`
}

// PortDecl requests a labeled container port. The actual host port is chosen
// by the warm container pool.
type PortDecl struct {
	Port int    `yaml:"port" json:"port"`
	Name string `yaml:"name" json:"name"`
}

// Manifest is the parsed kit.yaml.
type Manifest struct {
	DocVersion   string             `yaml:"docVersion" json:"docVersion"`
	ID           string             `yaml:"id" json:"id"`
	Owner        string             `yaml:"owner" json:"owner"`
	Version      string             `yaml:"version" json:"version"`
	Name         string             `yaml:"name,omitempty" json:"name,omitempty"`
	Image        string             `yaml:"image" json:"image"`
	Environment  []EnvDecl          `yaml:"environment,omitempty" json:"environment,omitempty"`
	Agents       []AgentDecl        `yaml:"agents,omitempty" json:"agents,omitempty"`
	Profiles     map[string]Profile `yaml:"profiles,omitempty" json:"profiles,omitempty"`
	Provide      Provide            `yaml:"provide,omitempty" json:"provide,omitempty"`
	Dependencies []string           `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Workspace    WorkspaceDecl      `yaml:"workspace,omitempty" json:"workspace,omitempty"`
	Ports        []PortDecl         `yaml:"ports,omitempty" json:"ports,omitempty"`
}

// Ref identifies a kit version.
type Ref struct {
	Owner   string `json:"owner"`
	KitID   string `json:"kit_id"`
	Version string `json:"version"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Owner, r.KitID, r.Version)
}

// ParseManifest decodes and validates a kit.yaml document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrMalformedKit, "failed to decode kit.yaml")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest schema invariants that do not require the
// kit's file tree. Layout checks (action files exist) happen at ingestion.
func (m *Manifest) Validate() error {
	if m.DocVersion != DocVersion {
		return errdefs.WithDetail(errdefs.ErrMalformedKit, "unsupported docVersion %q", m.DocVersion)
	}
	if m.Owner == "" || m.ID == "" || m.Version == "" {
		return errdefs.WithDetail(errdefs.ErrMalformedKit, "owner, id, and version are required")
	}
	if err := ValidateVersion(m.Version); err != nil {
		return err
	}
	if m.Image == "" {
		return errdefs.WithDetail(errdefs.ErrMalformedKit, "image is required")
	}
	agentNames := make(map[string]bool, len(m.Agents))
	for _, a := range m.Agents {
		if a.Name == "" || a.Class == "" {
			return errdefs.WithDetail(errdefs.ErrMalformedKit, "agent entries require name and class")
		}
		agentNames[a.Name] = true
	}
	for name, p := range m.Profiles {
		if p.Agent == "" {
			return errdefs.WithDetail(errdefs.ErrMalformedKit, "profile %q has no agent", name)
		}
		if !agentNames[p.Agent] {
			return errdefs.WithDetail(errdefs.ErrMalformedKit, "profile %q references unknown agent %q", name, p.Agent)
		}
		for _, a := range p.Actions {
			if _, _, err := SplitActionPath(a.Path); err != nil {
				return err
			}
		}
	}
	for _, t := range m.Provide.Tools {
		if t.Name == "" || t.Profile == "" {
			return errdefs.WithDetail(errdefs.ErrMalformedKit, "provide.tools entries require name and profile")
		}
		if _, ok := m.Profiles[t.Profile]; !ok {
			return errdefs.WithDetail(errdefs.ErrMalformedKit, "provide.tools entry %q references unknown profile %q", t.Name, t.Profile)
		}
	}
	return nil
}

// ValidateVersion enforces strict X.Y.Z semver.
func ValidateVersion(v string) error {
	if !versionRe.MatchString(v) || !semver.IsValid("v"+v) {
		return errdefs.WithDetail(errdefs.ErrInvalidVersion, "%q is not a strict X.Y.Z version", v)
	}
	return nil
}

// CompareVersions orders two strict versions by numeric tuple.
func CompareVersions(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}

// SplitActionPath splits a "file:function" reference.
func SplitActionPath(p string) (file, function string, err error) {
	parts := strings.SplitN(p, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errdefs.WithDetail(errdefs.ErrMalformedKit, "action path %q is not file:function", p)
	}
	return parts[0], parts[1], nil
}

// checkLayout verifies that every referenced action file and instruction
// document exists inside the extracted kit directory.
func checkLayout(m *Manifest, kitDir string) error {
	seen := map[string]bool{}
	check := func(rel string) error {
		if seen[rel] {
			return nil
		}
		seen[rel] = true
		if _, err := os.Stat(filepath.Join(kitDir, rel)); err != nil {
			return errdefs.WithDetail(errdefs.ErrMalformedKit, "manifest references missing file %q", rel)
		}
		return nil
	}
	for name, p := range m.Profiles {
		for _, a := range p.Actions {
			file, _, err := SplitActionPath(a.Path)
			if err != nil {
				return err
			}
			if err := check(filepath.Join("actions", file)); err != nil {
				return err
			}
		}
		if p.Instruction != "" {
			if err := check(filepath.Join("instructions", p.Instruction)); err != nil {
				return fmt.Errorf("profile %q: %w", name, err)
			}
		}
	}
	for _, a := range m.Provide.Actions {
		file, _, err := SplitActionPath(a.Path)
		if err != nil {
			return err
		}
		if err := check(filepath.Join("actions", file)); err != nil {
			return err
		}
	}
	for _, ins := range m.Provide.Instructions {
		if err := check(filepath.Join("instructions", ins.Path)); err != nil {
			return err
		}
	}
	return nil
}
