// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httplb

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TODO: make real tests... this is just a simple "smoke test" that the current
//	     scaffolding for the hierarchy of transports results in a usable client

func TestNewClient(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	svr := http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("got it"))
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := svr.Serve(listener)
		require.Equal(t, http.ErrServerClosed, err)
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
		defer shutdownCancel()
		err := svr.Shutdown(shutdownCtx)
		require.NoError(t, err)
	}()

	client := NewClient(WithDebugResourceLeaks(func(*http.Request, *http.Response) {
		require.Fail(t, "response from %v was finalized but never consumed/closed")
	}))
	t.Cleanup(func() {
		err := Close(client)
		require.NoError(t, err)
	})
	err = Prewarm(ctx, client)
	require.NoError(t, err)

	url := fmt.Sprintf("http://%s/foo", listener.Addr().String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() {
		err := resp.Body.Close()
		require.NoError(t, err)
	}()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "got it", string(body))
}

func TestWithMaxPoolsFailsWhenAtCapacityAndAllActive(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	blocking := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte("ok"))
	}))
	defer blocking.Close()

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer other.Close()

	client := NewClient(WithMaxPools(1))
	t.Cleanup(func() {
		require.NoError(t, Close(client))
	})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		req, err := http.NewRequest(http.MethodGet, blocking.URL, nil)
		if err != nil {
			done <- err
			return
		}
		close(started)
		resp, err := client.Do(req) //nolint:bodyclose // closed below when non-nil
		if resp != nil {
			_ = resp.Body.Close()
		}
		done <- err
	}()
	<-started
	// Give the in-flight request time to actually create its pool and start
	// its round trip before this probes the second target.
	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, other.URL, nil)
		require.NoError(t, err)
		_, err = client.Do(req) //nolint:bodyclose // expected to fail before a response exists
		return err != nil
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
}

func TestWithMaxPoolsEvictsIdleTransportToAdmitNewOne(t *testing.T) {
	t.Parallel()

	serverA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("a"))
	}))
	defer serverA.Close()

	serverB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("b"))
	}))
	defer serverB.Close()

	client := NewClient(WithMaxPools(1))
	t.Cleanup(func() {
		require.NoError(t, Close(client))
	})

	get := func(url string) string {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	require.Equal(t, "a", get(serverA.URL))
	// serverA's pool is now idle; a request to a different target, still
	// under the same cap of one, must evict it rather than fail outright.
	require.Equal(t, "b", get(serverB.URL))
	// And once evicted, requesting serverA again just creates it anew.
	require.Equal(t, "a", get(serverA.URL))
}

func TestFailedRoundTripDoesNotLeavePoolStuckActive(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	unreachableURL := fmt.Sprintf("http://%s/", listener.Addr().String())
	require.NoError(t, listener.Close()) // nothing is listening there now

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer other.Close()

	client := NewClient(WithMaxPools(1))
	t.Cleanup(func() {
		require.NoError(t, Close(client))
	})

	req, err := http.NewRequest(http.MethodGet, unreachableURL, nil)
	require.NoError(t, err)
	_, err = client.Do(req) //nolint:bodyclose // request never succeeds, no body to close
	require.Error(t, err)

	// The failed connection must not have left its pool looking permanently
	// active: a request to a different target, still under the same cap of
	// one, must be able to evict it rather than fail with errTooManyPools.
	req, err = http.NewRequest(http.MethodGet, other.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}
