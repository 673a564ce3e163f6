// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package kit

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/kilnworks/kiln/pkg/errdefs"
)

// maxArchiveFileBytes bounds a single extracted file to keep a hostile
// archive from filling the disk.
const maxArchiveFileBytes = 512 << 20

// ExtractArchive unpacks a kit archive (tar.gz or zip, detected by magic
// bytes) into dst. Entries escaping dst are rejected.
func ExtractArchive(r io.Reader, dst string) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrMalformedKit, "failed to read archive")
	}
	switch {
	case len(buf) >= 2 && buf[0] == 0x1f && buf[1] == 0x8b:
		return extractTarGz(bytes.NewReader(buf), dst)
	case len(buf) >= 4 && bytes.Equal(buf[:4], []byte("PK\x03\x04")):
		return extractZip(bytes.NewReader(buf), int64(len(buf)), dst)
	default:
		return errdefs.WithDetail(errdefs.ErrMalformedKit, "archive is neither tar.gz nor zip")
	}
}

func extractTarGz(r io.Reader, dst string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrMalformedKit, "bad gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errdefs.Wrap(errdefs.ErrMalformedKit, "bad tar stream")
		}
		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeExtracted(target, io.LimitReader(tr, maxArchiveFileBytes), hdr.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			// symlinks and devices are not part of the kit format
			continue
		}
	}
}

func extractZip(r io.ReaderAt, size int64, dst string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrMalformedKit, "bad zip stream")
	}
	for _, f := range zr.File {
		target, err := safeJoin(dst, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return errdefs.Wrap(errdefs.ErrMalformedKit, "bad zip entry %q", f.Name)
		}
		err = writeExtracted(target, io.LimitReader(rc, maxArchiveFileBytes), f.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func safeJoin(dst, name string) (string, error) {
	clean := filepath.Clean(filepath.Join(dst, filepath.FromSlash(name)))
	if clean != dst && !strings.HasPrefix(clean, dst+string(os.PathSeparator)) {
		return "", errdefs.WithDetail(errdefs.ErrMalformedKit, "archive entry %q escapes extraction root", name)
	}
	return clean, nil
}

func writeExtracted(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ZipDir packs the directory tree at root into an in-memory zip, skipping
// relative paths matched by any of the ignore globs. Used to carry a kit's
// workspace seed to the workspace store.
func ZipDir(root string, ignore []string) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ignored(rel, ignore) {
			return nil
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

// ignored reports whether rel matches any glob, testing both the full path
// and its base name so "*.pyc" and "node_modules/**" style globs both work.
func ignored(rel string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := path.Match(g, rel); ok {
			return true
		}
		if ok, _ := path.Match(g, path.Base(rel)); ok {
			return true
		}
		// directory prefix globs like "cache/**"
		if strings.HasSuffix(g, "/**") {
			if strings.HasPrefix(rel, strings.TrimSuffix(g, "/**")+"/") {
				return true
			}
		}
	}
	return false
}

// UnzipTo extracts an in-memory zip produced by ZipDir into dst.
func UnzipTo(data []byte, dst string) error {
	return extractZip(bytes.NewReader(data), int64(len(data)), dst)
}
