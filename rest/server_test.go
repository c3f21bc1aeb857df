// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/appmeshio/appmeshd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopExecutor never actually runs anything; it is enough to drive the
// REST layer's request/response shapes without touching a real process.
type noopExecutor struct{}

func (noopExecutor) Spawn(appmesh.ExecRequest) (int, error)  { return 1, nil }
func (noopExecutor) Signal(int) error                        { return nil }
func (noopExecutor) KillGroup(time.Duration) error            { return nil }
func (noopExecutor) Wait(time.Duration) (int, bool)           { return 0, true }
func (noopExecutor) Attach(int, time.Time, string) error     { return nil }
func (noopExecutor) Running() bool                            { return false }
func (noopExecutor) Fetch(int, appmesh.Position) ([]byte, appmesh.Position, *int, error) {
	zero := 0
	return []byte("hello"), appmesh.Position(5), &zero, nil
}
func (noopExecutor) StartError() error { return nil }

func newTestServer() (*httptest.Server, func()) {
	reg := appmesh.NewRegistry("rest-test")
	cs := appmesh.NewControlSurface(reg, func(*appmesh.Application) appmesh.Executor { return noopExecutor{} })
	srv := httptest.NewServer(NewHandler(cs))
	return srv, func() {
		srv.Close()
		reg.Shutdown()
	}
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestRegisterAndView(t *testing.T) {
	srv, cleanup := newTestServer()
	defer cleanup()

	resp := doJSON(t, http.MethodPost, srv.URL+"/apps", RegisterRequest{
		Spec: appmesh.AppSpec{Name: "web", Command: "/bin/true"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var snap appmesh.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "web", snap.Spec.Name)
	assert.Equal(t, "Disabled", snap.Status)

	resp2 := doJSON(t, http.MethodGet, srv.URL+"/apps/web", nil)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestViewUnknownAppReturnsNotFound(t *testing.T) {
	srv, cleanup := newTestServer()
	defer cleanup()

	resp := doJSON(t, http.MethodGet, srv.URL+"/apps/nosuch", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var e Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, http.StatusNotFound, e.Code)
}

func TestRegisterMalformedBodyIsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer()
	defer cleanup()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/apps", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnableDisableAndList(t *testing.T) {
	srv, cleanup := newTestServer()
	defer cleanup()

	doJSON(t, http.MethodPost, srv.URL+"/apps", RegisterRequest{
		Spec: appmesh.AppSpec{Name: "svc", Command: "/bin/true"},
	}).Body.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/apps/svc/enable", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	view := doJSON(t, http.MethodGet, srv.URL+"/apps/svc", nil)
	var snap appmesh.Snapshot
	require.NoError(t, json.NewDecoder(view.Body).Decode(&snap))
	view.Body.Close()
	assert.Equal(t, "Enabled", snap.Status)

	listResp := doJSON(t, http.MethodGet, srv.URL+"/apps", nil)
	var list []appmesh.Snapshot
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	listResp.Body.Close()
	assert.Len(t, list, 1)

	disResp := doJSON(t, http.MethodPost, srv.URL+"/apps/svc/disable", nil)
	disResp.Body.Close()
	assert.Equal(t, http.StatusOK, disResp.StatusCode)
}

func TestUnregister(t *testing.T) {
	srv, cleanup := newTestServer()
	defer cleanup()

	doJSON(t, http.MethodPost, srv.URL+"/apps", RegisterRequest{
		Spec: appmesh.AppSpec{Name: "gone", Command: "/bin/true"},
	}).Body.Close()

	resp := doJSON(t, http.MethodDelete, srv.URL+"/apps/gone", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	view := doJSON(t, http.MethodGet, srv.URL+"/apps/gone", nil)
	defer view.Body.Close()
	assert.Equal(t, http.StatusNotFound, view.StatusCode)
}

func TestOutputCarriesCursorAndExitCodeInHeaders(t *testing.T) {
	srv, cleanup := newTestServer()
	defer cleanup()

	doJSON(t, http.MethodPost, srv.URL+"/apps", RegisterRequest{
		Spec: appmesh.AppSpec{Name: "loud", Command: "/bin/true"},
	}).Body.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/apps/loud/output?index=0&position=0", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get(headerOutputPosition))
	assert.Equal(t, "0", resp.Header.Get(headerExitCode))
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))

	body := make([]byte, 5)
	n, _ := resp.Body.Read(body)
	assert.Equal(t, "hello", string(body[:n]))
}

func TestRunAsyncReturnsGeneratedName(t *testing.T) {
	srv, cleanup := newTestServer()
	defer cleanup()

	resp := doJSON(t, http.MethodPost, srv.URL+"/run-async", RunAsyncRequest{
		Spec: appmesh.AppSpec{Command: "/bin/true"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out RunAsyncResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Name, "run-")
	assert.NotEmpty(t, out.ProcessUUID)
}

func TestCallerDefaultsToAnonymous(t *testing.T) {
	srv, cleanup := newTestServer()
	defer cleanup()

	// No Basic Auth supplied; the permissive default AuthGate/OpGate
	// still accepts the anonymous caller.
	resp := doJSON(t, http.MethodPost, srv.URL+"/apps", RegisterRequest{
		Spec: appmesh.AppSpec{Name: "anon", Command: "/bin/true"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
