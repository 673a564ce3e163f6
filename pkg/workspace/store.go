// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package workspace manages per-module versioned file trees.
//
// Every workspace is a git repository seeded from its kit's workspace tree.
// The platform commits with a fixed synthetic author unless a caller
// overrides it; later commits are produced by tool execution.
package workspace

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/pkg/errdefs"
)

const (
	// PlatformAuthorName is the synthetic commit author for platform commits.
	PlatformAuthorName = "Kiln Platform"
	// PlatformAuthorEmail is the synthetic commit author address.
	PlatformAuthorEmail = "platform@kiln.local"
)

// UnpackFunc extracts a seed stream into a directory.
type UnpackFunc func(seed io.Reader, dst string) error

// PathSafetyFunc validates that rel resolves inside root and returns the
// absolute target path.
type PathSafetyFunc func(root, rel string) (string, error)

// CommitOptions controls commit authorship.
type CommitOptions struct {
	Message     string
	AuthorName  string
	AuthorEmail string
}

// Store manages workspaces under a base directory, one git repository per
// workspace name. Names are never reassigned; deletion destroys the tree.
type Store struct {
	basePath string
	logger   *zap.Logger
}

// StoreConfig configures a workspace Store.
type StoreConfig struct {
	// BasePath is the root directory holding all workspaces (required).
	BasePath string

	// Logger is the zap logger (optional).
	Logger *zap.Logger
}

// NewStore creates a workspace store rooted at config.BasePath.
func NewStore(config StoreConfig) (*Store, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("base path is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace base path: %w", err)
	}
	return &Store{basePath: config.BasePath, logger: config.Logger}, nil
}

// Root returns the directory of a workspace.
func (s *Store) Root(name string) string {
	return filepath.Join(s.basePath, name)
}

// Exists reports whether a workspace has been created.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Root(name))
	return err == nil
}

// Create materializes a workspace from a seed stream and makes the initial
// platform-authored commit. A nil unpack treats the seed as a zip.
func (s *Store) Create(name string, seed io.Reader, unpack UnpackFunc) error {
	root := s.Root(name)
	if _, err := os.Stat(root); err == nil {
		return fmt.Errorf("workspace %q already exists", name)
	}
	if unpack == nil {
		unpack = unzipSeed
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace dir: %w", err)
	}

	cleanup := func(err error) error {
		os.RemoveAll(root)
		return err
	}

	if seed != nil {
		if err := unpack(seed, root); err != nil {
			return cleanup(fmt.Errorf("failed to unpack seed: %w", err))
		}
	}

	repo, err := git.PlainInit(root, false)
	if err != nil {
		return cleanup(fmt.Errorf("failed to init repository: %w", err))
	}
	wt, err := repo.Worktree()
	if err != nil {
		return cleanup(fmt.Errorf("failed to open worktree: %w", err))
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return cleanup(fmt.Errorf("failed to stage seed files: %w", err))
	}
	_, err = wt.Commit("Initialize workspace", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            platformSignature(),
	})
	if err != nil {
		return cleanup(fmt.Errorf("failed to create initial commit: %w", err))
	}

	s.logger.Info("workspace created", zap.String("workspace", name))
	return nil
}

// Delete removes a workspace tree entirely.
func (s *Store) Delete(name string) error {
	root := s.Root(name)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to delete workspace %q: %w", name, err)
	}
	s.logger.Info("workspace deleted", zap.String("workspace", name))
	return nil
}

// ListFiles returns the workspace's files as slash-separated relative paths,
// excluding git metadata.
func (s *Store) ListFiles(name string) ([]string, error) {
	root := s.Root(name)
	if !s.Exists(name) {
		return nil, fmt.Errorf("workspace %q does not exist", name)
	}
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == git.GitDirName {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}
	return files, nil
}

// ReadFile reads a file from the workspace with path safety applied.
func (s *Store) ReadFile(name, rel string) ([]byte, error) {
	target, err := SafeJoin(s.Root(name), rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", rel, err)
	}
	return data, nil
}

// UpdateFile writes content to rel inside the workspace. A .bak sibling of
// any existing file is created first and restored if the write fails.
// A nil safety falls back to SafeJoin.
func (s *Store) UpdateFile(name, rel string, content []byte, safety PathSafetyFunc) error {
	if safety == nil {
		safety = SafeJoin
	}
	target, err := safety(s.Root(name), rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent dirs: %w", err)
	}

	bak := target + ".bak"
	hadOriginal := false
	if _, err := os.Stat(target); err == nil {
		hadOriginal = true
		if err := copyFile(target, bak); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	if err := os.WriteFile(target, content, 0o644); err != nil {
		if hadOriginal {
			if rerr := os.Rename(bak, target); rerr != nil {
				s.logger.Error("backup restore failed",
					zap.String("workspace", name),
					zap.String("path", rel),
					zap.Error(rerr),
				)
			}
		}
		return fmt.Errorf("failed to write %q: %w", rel, err)
	}

	if hadOriginal {
		os.Remove(bak)
	}
	return nil
}

// Commit stages everything and commits. An unchanged tree is a no-op that
// returns the current head hash.
func (s *Store) Commit(name string, opts CommitOptions) (string, error) {
	repo, err := git.PlainOpen(s.Root(name))
	if err != nil {
		return "", fmt.Errorf("failed to open workspace repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}

	sig := platformSignature()
	if opts.AuthorName != "" {
		sig.Name = opts.AuthorName
	}
	if opts.AuthorEmail != "" {
		sig.Email = opts.AuthorEmail
	}
	msg := opts.Message
	if msg == "" {
		msg = "Update workspace"
	}

	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			head, herr := repo.Head()
			if herr != nil {
				return "", fmt.Errorf("failed to resolve head: %w", herr)
			}
			return head.Hash().String(), nil
		}
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// ActiveBranch returns the short name of the branch HEAD points at.
func (s *Store) ActiveBranch(name string) (string, error) {
	repo, err := git.PlainOpen(s.Root(name))
	if err != nil {
		return "", fmt.Errorf("failed to open workspace repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve head: %w", err)
	}
	return head.Name().Short(), nil
}

// SafeJoin resolves rel under root and rejects any escape with
// errdefs.ErrInvalidPath, regardless of the string's surface form.
func SafeJoin(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}
	target := filepath.Clean(filepath.Join(absRoot, filepath.FromSlash(rel)))
	if target != absRoot && !strings.HasPrefix(target, absRoot+string(os.PathSeparator)) {
		return "", errdefs.WithDetail(errdefs.ErrInvalidPath, "%q escapes the workspace root", rel)
	}
	return target, nil
}

func platformSignature() *object.Signature {
	return &object.Signature{
		Name:  PlatformAuthorName,
		Email: PlatformAuthorEmail,
		When:  time.Now(),
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func unzipSeed(seed io.Reader, dst string) error {
	data, err := io.ReadAll(seed)
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target, err := SafeJoin(dst, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}
