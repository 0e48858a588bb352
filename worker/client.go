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

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/idsweep/idsweep/protocol"
)

var (
	// ErrNoTask mirrors the master's no-task envelope. The loop treats it
	// like any other transient condition: sleep and retry.
	ErrNoTask = errors.New("master has no task available")

	// ErrNotFound is returned by Heartbeat and Release when the master no
	// longer associates the task with this worker.
	ErrNotFound = errors.New("task not found on master")
)

// Client is the worker-side view of the master's task API.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient builds a client for the master at base, e.g.
// "http://localhost:3000".
func NewClient(base string) *Client {
	return &Client{
		base: base,
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Acquire asks the master for a range, reporting the previous task's
// throughput so the master can size the new one.
func (c *Client) Acquire(ctx context.Context, workerID string, lastPerformance *uint32) (*protocol.Task, error) {
	req := protocol.AcquireRequest{WorkerID: workerID, LastPerformance: lastPerformance}
	resp, err := postEnvelope[protocol.Task](ctx, c, "/task/acquire", req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, ErrNoTask
	}
	if resp.Data == nil {
		return nil, errors.New("acquire: success without task payload")
	}
	return resp.Data, nil
}

// Heartbeat refreshes the lease on taskID. ErrNotFound is soft: the task was
// submitted already or re-leased elsewhere, and probing may continue.
func (c *Client) Heartbeat(ctx context.Context, taskID int32, workerID string) error {
	body, err := json.Marshal(protocol.HeartbeatRequest{TaskID: taskID, WorkerID: workerID})
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, "/task/heartbeat", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("heartbeat: unexpected status %s", resp.Status)
	}
	return nil
}

// Submit delivers the valid IDs of a finished task.
func (c *Client) Submit(ctx context.Context, taskID int32, validIDs []int64) error {
	req := protocol.SubmitRequest{TaskID: taskID, ValidIDs: validIDs}
	resp, err := postEnvelope[string](ctx, c, "/task/submit", req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("submit rejected: %s", errMessage(resp.Error))
	}
	return nil
}

// Release hands the lease on taskID back so it becomes immediately
// re-acquirable.
func (c *Client) Release(ctx context.Context, taskID int32, workerID string) error {
	req := protocol.ReleaseRequest{TaskID: taskID, WorkerID: workerID}
	resp, err := postEnvelope[string](ctx, c, "/task/release", req)
	if errors.Is(err, errStatusNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("release rejected: %s", errMessage(resp.Error))
	}
	return nil
}

// errStatusNotFound distinguishes a 404 carrying an envelope from transport
// failures inside postEnvelope.
var errStatusNotFound = errors.New("not found")

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.hc.Do(req)
}

func postEnvelope[T any](ctx context.Context, c *Client, path string, payload any) (*protocol.Response[T], error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", path, errStatusNotFound)
	default:
		return nil, fmt.Errorf("%s: unexpected status %s", path, resp.Status)
	}
	var env protocol.Response[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", path, err)
	}
	return &env, nil
}

func errMessage(msg *string) string {
	if msg == nil {
		return "unknown error"
	}
	return *msg
}
