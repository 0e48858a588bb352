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

// Package protocol defines the JSON wire types exchanged between the master
// and its workers. The field names and nullability rules are part of the wire
// contract and must not change.
package protocol

// AcquireRequest asks the master for a range to scan. LastPerformance is the
// worker's most recent throughput in IDs per second; nil when the worker
// reports none, in which case the master assumes 100 IDs per second.
type AcquireRequest struct {
	WorkerID        string  `json:"worker_id"`
	LastPerformance *uint32 `json:"last_performance"`
}

// Task is a leased ID range. Both bounds are inclusive.
type Task struct {
	TaskID  int32 `json:"task_id"`
	StartID int64 `json:"start_id"`
	EndID   int64 `json:"end_id"`
}

// HeartbeatRequest refreshes the lease on a running task. The master only
// accepts it from the worker currently holding the lease.
type HeartbeatRequest struct {
	TaskID   int32  `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// SubmitRequest delivers the valid IDs found in a completed range. ValidIDs
// is in completion order, unsorted.
type SubmitRequest struct {
	TaskID   int32   `json:"task_id"`
	ValidIDs []int64 `json:"valid_ids"`
}

// ReleaseRequest hands a lease back early so it becomes timeout-eligible
// without waiting out the full lease window.
type ReleaseRequest struct {
	TaskID   int32  `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// Response is the generic master response envelope. Success implies Data is
// present and Error is null; failure implies the reverse.
type Response[T any] struct {
	Success bool    `json:"success"`
	Data    *T      `json:"data"`
	Error   *string `json:"error"`
}

// OK wraps a payload in a successful envelope.
func OK[T any](data T) Response[T] {
	return Response[T]{Success: true, Data: &data}
}

// Fail wraps an error message in a failed envelope.
func Fail[T any](msg string) Response[T] {
	return Response[T]{Success: false, Error: &msg}
}
