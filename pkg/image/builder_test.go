// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package image

import (
	"archive/tar"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notFoundErr struct{}

func (notFoundErr) Error() string { return "no such image" }
func (notFoundErr) NotFound()     {}

// fakeAPI simulates the image side of the Docker daemon.
type fakeAPI struct {
	mu       sync.Mutex
	images   map[string]string // tag -> Dockerfile content
	builds   int
	buildDur time.Duration
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{images: make(map[string]string)}
}

func (f *fakeAPI) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.images[imageID]; ok {
		return types.ImageInspect{ID: imageID}, nil, nil
	}
	return types.ImageInspect{}, nil, notFoundErr{}
}

func (f *fakeAPI) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	if f.buildDur > 0 {
		time.Sleep(f.buildDur)
	}
	tr := tar.NewReader(buildContext)
	var dockerfile string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.ImageBuildResponse{}, err
		}
		if hdr.Name == options.Dockerfile {
			content, err := io.ReadAll(tr)
			if err != nil {
				return types.ImageBuildResponse{}, err
			}
			dockerfile = string(content)
		}
	}

	f.mu.Lock()
	f.builds++
	for _, tag := range options.Tags {
		f.images[tag] = dockerfile
	}
	f.mu.Unlock()

	body := `{"stream":"Step 1/2 : FROM base"}` + "\n" + `{"stream":"Successfully built"}` + "\n"
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeAPI) ImageList(ctx context.Context, options imagetypes.ListOptions) ([]imagetypes.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []imagetypes.Summary
	for tag := range f.images {
		out = append(out, imagetypes.Summary{RepoTags: []string{tag}})
	}
	return out, nil
}

func (f *fakeAPI) ImageRemove(ctx context.Context, imageID string, options imagetypes.RemoveOptions) ([]imagetypes.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, imageID)
	return []imagetypes.DeleteResponse{{Deleted: imageID}}, nil
}

func TestTagDeterministic(t *testing.T) {
	a := Tag("python:3.11-slim", []string{"pandas", "numpy"})
	b := Tag("python:3.11-slim", []string{"numpy", "pandas", "numpy"})
	assert.Equal(t, a, b, "order and duplicates must not change the tag")
	assert.True(t, strings.HasPrefix(a, TagPrefix))
	assert.Len(t, a, len(TagPrefix)+12)

	c := Tag("python:3.12-slim", []string{"numpy", "pandas"})
	assert.NotEqual(t, a, c)
}

func TestEnsureBuildsOnce(t *testing.T) {
	api := newFakeAPI()
	b, err := NewBuilder(Config{Client: api})
	require.NoError(t, err)

	tag, err := b.Ensure(context.Background(), "python:3.11-slim", []string{"requests"})
	require.NoError(t, err)
	assert.Equal(t, Tag("python:3.11-slim", []string{"requests"}), tag)
	assert.Equal(t, 1, api.builds)

	dockerfile := api.images[tag]
	assert.Contains(t, dockerfile, "FROM python:3.11-slim")
	assert.Contains(t, dockerfile, "pip install --no-cache-dir "+DefaultBootstrapPackage+" requests")

	// Cache hit skips the build.
	again, err := b.Ensure(context.Background(), "python:3.11-slim", []string{"requests"})
	require.NoError(t, err)
	assert.Equal(t, tag, again)
	assert.Equal(t, 1, api.builds)
}

func TestEnsureCoalescesConcurrentBuilds(t *testing.T) {
	api := newFakeAPI()
	api.buildDur = 50 * time.Millisecond
	b, err := NewBuilder(Config{Client: api})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Ensure(context.Background(), "python:3.11-slim", []string{"scipy"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, api.builds)
}

func TestDockerfileSortsDependencies(t *testing.T) {
	b, err := NewBuilder(Config{Client: newFakeAPI()})
	require.NoError(t, err)

	dockerfile := b.dockerfile("python:3.11-slim", []string{"zlib", "aiohttp", " zlib "})
	assert.Contains(t, dockerfile, DefaultBootstrapPackage+" aiohttp zlib\n")
}

func TestPurgePrefix(t *testing.T) {
	api := newFakeAPI()
	api.images[TagPrefix+"aaaaaaaaaaaa"] = ""
	api.images[TagPrefix+"bbbbbbbbbbbb"] = ""
	api.images["python:3.11-slim"] = ""

	b, err := NewBuilder(Config{Client: api})
	require.NoError(t, err)

	removed, err := b.PurgePrefix(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := api.images["python:3.11-slim"]
	assert.True(t, ok, "unrelated images must survive a purge")
}
