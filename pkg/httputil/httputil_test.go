// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package httputil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/atomic"
)

func TestDoRequestRetryOn5xx(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Inc() < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		//nolint:errcheck
		w.Write(body)
	}))
	defer server.Close()

	cli := NewClient(Config{MaxRetries: 5, RetryDelay: time.Millisecond})
	content, err := cli.DoRequest(context.Background(), server.URL, http.MethodPost, nil, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "ping", string(content))
	require.Equal(t, int32(3), hits.Load())
}

func TestDoRequestExhausted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cli := NewClient(Config{MaxRetries: 2, RetryDelay: time.Millisecond})
	_, err := cli.DoRequest(context.Background(), server.URL, http.MethodGet, nil, nil)
	require.True(t, errors.Is(err, errors.ErrRemoteTransport))
	require.Equal(t, int32(2), hits.Load())
}

func TestDoRequestClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	cli := NewClient(Config{MaxRetries: 3, RetryDelay: time.Millisecond})
	_, err := cli.DoRequest(context.Background(), server.URL, http.MethodGet, nil, nil)
	require.True(t, errors.Is(err, errors.ErrRemoteTransport))
	require.Equal(t, int32(1), hits.Load())
}

func TestDoRequestTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cli := NewClient(Config{MaxRetries: 2, RetryDelay: time.Millisecond, Timeout: 50 * time.Millisecond})
	_, err := cli.DoRequest(context.Background(), server.URL, http.MethodGet, nil, nil)
	require.True(t, errors.Is(err, errors.ErrRemoteTransport))
}

func TestDoJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer t0", r.Header.Get("Authorization"))
		//nolint:errcheck
		w.Write([]byte(`{"value":"ok"}`))
	}))
	defer server.Close()

	cli := NewClient(Config{MaxRetries: 1})
	var out struct {
		Value string `json:"value"`
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer t0")
	err := cli.DoJSON(context.Background(), server.URL, http.MethodPost, headers, map[string]int{"a": 1}, &out)
	require.NoError(t, err)
	require.Equal(t, "ok", out.Value)
}
