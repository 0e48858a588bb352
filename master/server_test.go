// Copyright 2025 The idsweep Authors
// This file is part of the idsweep library.
//
// The idsweep library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The idsweep library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the idsweep library. If not, see <http://www.gnu.org/licenses/>.

package master

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idsweep/idsweep/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, *Store) {
	t.Helper()
	store := newTestStore(t)
	srv := NewServer(DefaultConfig, NewDispatcher(store))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAcquireEndpoint(t *testing.T) {
	ts, store := newTestServer(t)

	resp := postJSON(t, ts.URL+"/task/acquire", protocol.AcquireRequest{WorkerID: "W1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env protocol.Response[protocol.Task]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.True(t, env.Success)
	require.NotNil(t, env.Data)
	assert.Nil(t, env.Error)
	assert.Equal(t, int32(1), env.Data.TaskID)
	assert.Equal(t, int64(0), env.Data.StartID)
	assert.Equal(t, int64(2999), env.Data.EndID)

	cursor, err := store.Cursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3000), cursor)
}

func TestAcquireEndpointWireShape(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/task/acquire",
		map[string]any{"worker_id": "W1", "last_performance": nil})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.JSONEq(t, `true`, string(raw["success"]))
	assert.JSONEq(t, `null`, string(raw["error"]))
	assert.JSONEq(t, `{"task_id":1,"start_id":0,"end_id":2999}`, string(raw["data"]))
}

func TestAcquireEndpointMalformedBody(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/task/acquire", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeartbeatEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	// Unknown task: 404, no body contract.
	resp := postJSON(t, ts.URL+"/task/heartbeat", protocol.HeartbeatRequest{TaskID: 5, WorkerID: "A"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	acq := postJSON(t, ts.URL+"/task/acquire", protocol.AcquireRequest{WorkerID: "A"})
	var env protocol.Response[protocol.Task]
	require.NoError(t, json.NewDecoder(acq.Body).Decode(&env))
	require.True(t, env.Success)

	resp = postJSON(t, ts.URL+"/task/heartbeat",
		protocol.HeartbeatRequest{TaskID: env.Data.TaskID, WorkerID: "A"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Wrong holder: 404.
	resp = postJSON(t, ts.URL+"/task/heartbeat",
		protocol.HeartbeatRequest{TaskID: env.Data.TaskID, WorkerID: "B"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	acq := postJSON(t, ts.URL+"/task/acquire", protocol.AcquireRequest{WorkerID: "A"})
	var env protocol.Response[protocol.Task]
	require.NoError(t, json.NewDecoder(acq.Body).Decode(&env))
	require.True(t, env.Success)

	resp := postJSON(t, ts.URL+"/task/submit",
		protocol.SubmitRequest{TaskID: env.Data.TaskID, ValidIDs: []int64{3100, 3500, 3500}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sub protocol.Response[string]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	assert.True(t, sub.Success)

	n, err := store.ResultCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	row, err := store.GetLease(ctx, env.Data.TaskID)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestReleaseEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/task/release", protocol.ReleaseRequest{TaskID: 9, WorkerID: "A"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	acq := postJSON(t, ts.URL+"/task/acquire", protocol.AcquireRequest{WorkerID: "A"})
	var env protocol.Response[protocol.Task]
	require.NoError(t, json.NewDecoder(acq.Body).Decode(&env))
	require.True(t, env.Success)

	resp = postJSON(t, ts.URL+"/task/release",
		protocol.ReleaseRequest{TaskID: env.Data.TaskID, WorkerID: "A"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The released lease is handed straight back out.
	acq = postJSON(t, ts.URL+"/task/acquire", protocol.AcquireRequest{WorkerID: "B"})
	var again protocol.Response[protocol.Task]
	require.NoError(t, json.NewDecoder(acq.Body).Decode(&again))
	require.True(t, again.Success)
	assert.Equal(t, env.Data.TaskID, again.Data.TaskID)
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/task/acquire")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerStartStop(t *testing.T) {
	store := newTestStore(t)
	srv := NewServer(Config{Host: "127.0.0.1", Port: 0}, NewDispatcher(store))
	require.NoError(t, srv.Start())

	resp := postJSON(t, "http://"+srv.Addr().String()+"/task/acquire",
		protocol.AcquireRequest{WorkerID: "A"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
}
