// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package kit

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/kilnworks/kiln/pkg/errdefs"
)

// Store persists kits under base_path/owner/kit_id/version.
// Ingestion is atomic: archives are extracted into a staging directory and
// promoted with a single rename.
type Store struct {
	basePath string
	logger   *zap.Logger
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// BasePath is the root directory for kit content (required).
	BasePath string

	// Logger is the zap logger (optional).
	Logger *zap.Logger
}

// NewStore creates a kit store rooted at config.BasePath.
func NewStore(config StoreConfig) (*Store, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("base path is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create kit base path: %w", err)
	}
	return &Store{basePath: config.BasePath, logger: config.Logger}, nil
}

// Dir returns the content directory for a kit version.
func (s *Store) Dir(ref Ref) string {
	return filepath.Join(s.basePath, ref.Owner, ref.KitID, ref.Version)
}

// Ingest validates and stores a kit archive. The manifest's own
// (owner, id, version) identifies the kit; a duplicate version is rejected
// unless overwrite is set.
func (s *Store) Ingest(archive io.Reader, overwrite bool) (*Manifest, error) {
	stage, err := os.MkdirTemp(s.basePath, ".stage-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(stage)

	if err := ExtractArchive(archive, stage); err != nil {
		return nil, err
	}

	kitRoot, err := locateManifestRoot(stage)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(kitRoot, ManifestFileName))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrMalformedKit, "failed to read %s", ManifestFileName)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if err := checkLayout(m, kitRoot); err != nil {
		return nil, err
	}

	ref := Ref{Owner: m.Owner, KitID: m.ID, Version: m.Version}
	dst := s.Dir(ref)
	if _, err := os.Stat(dst); err == nil {
		if !overwrite {
			return nil, errdefs.WithDetail(errdefs.ErrVersionExists, "%s already stored", ref)
		}
		if err := os.RemoveAll(dst); err != nil {
			return nil, fmt.Errorf("failed to remove existing version: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create kit dir: %w", err)
	}
	if err := os.Rename(kitRoot, dst); err != nil {
		return nil, fmt.Errorf("failed to promote staged kit: %w", err)
	}

	s.logger.Info("kit ingested",
		zap.String("kit", ref.String()),
		zap.String("image", m.Image),
	)
	return m, nil
}

// locateManifestRoot accepts both archive layouts: manifest at the archive
// root, or inside a single top-level directory.
func locateManifestRoot(stage string) (string, error) {
	if _, err := os.Stat(filepath.Join(stage, ManifestFileName)); err == nil {
		return stage, nil
	}
	entries, err := os.ReadDir(stage)
	if err != nil {
		return "", fmt.Errorf("failed to read staging dir: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 1 {
		root := filepath.Join(stage, dirs[0])
		if _, err := os.Stat(filepath.Join(root, ManifestFileName)); err == nil {
			return root, nil
		}
	}
	return "", errdefs.WithDetail(errdefs.ErrMalformedKit, "no %s at archive root", ManifestFileName)
}

// Manifest loads the stored manifest for a kit version.
func (s *Store) Manifest(ref Ref) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(ref), ManifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.WithDetail(errdefs.ErrKitNotFound, "%s", ref)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Exists reports whether a kit version is stored.
func (s *Store) Exists(ref Ref) bool {
	_, err := os.Stat(filepath.Join(s.Dir(ref), ManifestFileName))
	return err == nil
}

// ListVersions returns the stored versions of a kit, ascending by numeric
// tuple.
func (s *Store) ListVersions(owner, kitID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.basePath, owner, kitID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.WithDetail(errdefs.ErrKitNotFound, "%s/%s", owner, kitID)
		}
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() && versionRe.MatchString(e.Name()) {
			versions = append(versions, e.Name())
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) < 0
	})
	return versions, nil
}

// Delete removes a kit version, then prunes the now-empty kit and owner
// directories. Callers (the module registry) must refuse deletion while any
// module references the kit.
func (s *Store) Delete(ref Ref) error {
	dir := s.Dir(ref)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return errdefs.WithDetail(errdefs.ErrKitNotFound, "%s", ref)
		}
		return fmt.Errorf("failed to stat kit dir: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete kit version: %w", err)
	}
	// prune empty parents: kit dir, then owner dir
	for _, parent := range []string{filepath.Dir(dir), filepath.Dir(filepath.Dir(dir))} {
		entries, err := os.ReadDir(parent)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(parent); err != nil {
			break
		}
	}
	s.logger.Info("kit deleted", zap.String("kit", ref.String()))
	return nil
}

// SeedZip packs the kit's workspace/ seed tree into an in-memory zip,
// honoring the manifest's ignore globs. An absent workspace/ directory
// yields an empty zip.
func (s *Store) SeedZip(ref Ref) (*bytes.Buffer, error) {
	m, err := s.Manifest(ref)
	if err != nil {
		return nil, err
	}
	wsDir := filepath.Join(s.Dir(ref), "workspace")
	if _, err := os.Stat(wsDir); os.IsNotExist(err) {
		// a zero-entry zip still needs its central directory
		buf := &bytes.Buffer{}
		if err := zip.NewWriter(buf).Close(); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return ZipDir(wsDir, m.Workspace.Ignore)
}
