// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5/config"
	"go.uber.org/zap"
)

const gitmodulesFile = ".gitmodules"

// AddSubmodule records child as a submodule of parent at subPath in the
// parent's .gitmodules. Re-adding the same path updates the entry in place.
// The change is left uncommitted so it lands with the caller's next Commit.
func (s *Store) AddSubmodule(parent, child, subPath string) error {
	if !s.Exists(parent) {
		return fmt.Errorf("workspace %q does not exist", parent)
	}
	if !s.Exists(child) {
		return fmt.Errorf("workspace %q does not exist", child)
	}
	if _, err := SafeJoin(s.Root(parent), subPath); err != nil {
		return err
	}

	modules, err := s.readModules(parent)
	if err != nil {
		return err
	}
	modules.Submodules[subPath] = &config.Submodule{
		Name: subPath,
		Path: subPath,
		URL:  s.Root(child),
	}
	if err := s.writeModules(parent, modules); err != nil {
		return err
	}

	s.logger.Info("submodule added",
		zap.String("parent", parent),
		zap.String("child", child),
		zap.String("path", subPath),
	)
	return nil
}

// RemoveSubmodule drops the submodule entry at subPath from the parent's
// .gitmodules. Removing an absent entry is a no-op.
func (s *Store) RemoveSubmodule(parent, subPath string) error {
	if !s.Exists(parent) {
		return fmt.Errorf("workspace %q does not exist", parent)
	}

	modules, err := s.readModules(parent)
	if err != nil {
		return err
	}
	if _, ok := modules.Submodules[subPath]; !ok {
		return nil
	}
	delete(modules.Submodules, subPath)
	if err := s.writeModules(parent, modules); err != nil {
		return err
	}

	s.logger.Info("submodule removed",
		zap.String("parent", parent),
		zap.String("path", subPath),
	)
	return nil
}

// Submodules returns the parent's submodule entries keyed by path.
func (s *Store) Submodules(parent string) (map[string]*config.Submodule, error) {
	if !s.Exists(parent) {
		return nil, fmt.Errorf("workspace %q does not exist", parent)
	}
	modules, err := s.readModules(parent)
	if err != nil {
		return nil, err
	}
	return modules.Submodules, nil
}

func (s *Store) readModules(name string) (*config.Modules, error) {
	modules := config.NewModules()
	data, err := os.ReadFile(filepath.Join(s.Root(name), gitmodulesFile))
	if os.IsNotExist(err) {
		return modules, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", gitmodulesFile, err)
	}
	if err := modules.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", gitmodulesFile, err)
	}
	return modules, nil
}

func (s *Store) writeModules(name string, modules *config.Modules) error {
	data, err := modules.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", gitmodulesFile, err)
	}
	if len(modules.Submodules) == 0 {
		err := os.Remove(filepath.Join(s.Root(name), gitmodulesFile))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", gitmodulesFile, err)
		}
		return nil
	}
	if err := os.WriteFile(filepath.Join(s.Root(name), gitmodulesFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", gitmodulesFile, err)
	}
	return nil
}
