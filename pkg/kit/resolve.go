// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package kit

import (
	"path/filepath"

	"github.com/kilnworks/kiln/pkg/errdefs"
)

// ResolvedAction is an action reference with its source file expanded to an
// absolute path inside the stored kit version.
type ResolvedAction struct {
	ActionRef
	AbsFile  string `json:"abs_file"`
	Function string `json:"function"`
}

// ResolvedProfile is a profile with its agent class and file references
// resolved against the kit directory.
type ResolvedProfile struct {
	Agent           string           `json:"agent"`
	AgentClass      string           `json:"agent_class"`
	InstructionPath string           `json:"instruction_path,omitempty"`
	Actions         []ResolvedAction `json:"actions,omitempty"`
}

// ResolvedConfig is the ground-truth kit view consumed by the composer,
// runner, and bridge. It is rebuilt per request and never cached.
type ResolvedConfig struct {
	Manifest *Manifest `json:"manifest"`

	KitDir          string `json:"kit_dir"`
	ActionsDir      string `json:"actions_dir"`
	InstructionsDir string `json:"instructions_dir"`
	AgentsDir       string `json:"agents_dir"`

	Profiles map[string]ResolvedProfile `json:"profiles"`
}

// Resolve loads a kit's manifest and expands every action and instruction
// reference to an absolute filesystem path.
func (s *Store) Resolve(ref Ref) (*ResolvedConfig, error) {
	m, err := s.Manifest(ref)
	if err != nil {
		return nil, err
	}
	dir := s.Dir(ref)
	rc := &ResolvedConfig{
		Manifest:        m,
		KitDir:          dir,
		ActionsDir:      filepath.Join(dir, "actions"),
		InstructionsDir: filepath.Join(dir, "instructions"),
		AgentsDir:       filepath.Join(dir, "agents"),
		Profiles:        make(map[string]ResolvedProfile, len(m.Profiles)),
	}

	classes := make(map[string]string, len(m.Agents))
	for _, a := range m.Agents {
		classes[a.Name] = a.Class
	}

	for name, p := range m.Profiles {
		rp := ResolvedProfile{Agent: p.Agent, AgentClass: classes[p.Agent]}
		if p.Instruction != "" {
			rp.InstructionPath = filepath.Join(rc.InstructionsDir, p.Instruction)
		}
		for _, a := range p.Actions {
			file, fn, err := SplitActionPath(a.Path)
			if err != nil {
				return nil, err
			}
			rp.Actions = append(rp.Actions, ResolvedAction{
				ActionRef: a,
				AbsFile:   filepath.Join(rc.ActionsDir, file),
				Function:  fn,
			})
		}
		rc.Profiles[name] = rp
	}
	return rc, nil
}

// ProfileNamed returns the resolved profile or ErrMalformedKit when the kit
// does not declare it.
func (rc *ResolvedConfig) ProfileNamed(name string) (ResolvedProfile, error) {
	p, ok := rc.Profiles[name]
	if !ok {
		return ResolvedProfile{}, errdefs.WithDetail(errdefs.ErrMalformedKit, "kit declares no profile %q", name)
	}
	return p, nil
}
