// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package kit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/pkg/errdefs"
)

func newTestRegistryClient(t *testing.T, baseURL string) *RegistryClient {
	t.Helper()
	c, err := NewRegistryClient(RegistryClientConfig{
		BaseURL:      baseURL,
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestFetchRetriesServerErrors(t *testing.T) {
	archive := buildTarGz(t, helloFiles(), "").Bytes()

	var metaCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/kits/acme/hello/1.0.0", func(w http.ResponseWriter, r *http.Request) {
		if metaCalls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"downloadUrl": "http://" + r.Host + "/download",
		})
	})
	mux.HandleFunc("/download", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestRegistryClient(t, srv.URL)
	m, err := c.Fetch(context.Background(), newTestStore(t), Ref{Owner: "acme", KitID: "hello", Version: "1.0.0"}, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", m.ID)
	assert.Equal(t, int32(3), metaCalls.Load())
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestRegistryClient(t, srv.URL)
	_, err := c.Fetch(context.Background(), newTestStore(t), Ref{Owner: "acme", KitID: "hello", Version: "1.0.0"}, false)
	assert.ErrorIs(t, err, errdefs.ErrRegistry)
	// Initial attempt plus the default three retries.
	assert.Equal(t, int32(4), calls.Load())
}

func TestFetchDoesNotRetryMalformedResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newTestRegistryClient(t, srv.URL)
	_, err := c.Fetch(context.Background(), newTestStore(t), Ref{Owner: "acme", KitID: "hello", Version: "1.0.0"}, false)
	assert.ErrorIs(t, err, errdefs.ErrMalformedKit)
	assert.Equal(t, int32(1), calls.Load())
}
