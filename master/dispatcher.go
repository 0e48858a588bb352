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
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/idsweep/idsweep/protocol"
)

const (
	// leaseTimeout is how long a lease may go without a heartbeat before any
	// acquiring worker can take it over. It must stay well above the worker
	// heartbeat interval (10s) to ride out transient heartbeat failures.
	leaseTimeout = 60 * time.Second

	// Batch sizing aims for roughly targetTaskSeconds of work per task:
	// short enough that a dead worker strands a small range, long enough to
	// amortize the acquire/submit round-trips.
	targetTaskSeconds = 30
	minBatchSize      = 1000
	maxBatchSize      = 50000

	// defaultSpeed is assumed for workers that report no throughput yet.
	defaultSpeed = 100
)

// ErrNoTask is returned when neither an expired lease nor a fresh range is
// available. Unreachable while the ID space is unbounded; defined for
// forward compatibility.
var ErrNoTask = errors.New("no task available")

var (
	acquireExpiredCounter = metrics.NewRegisteredCounter("master/acquire/expired", nil)
	acquireNewCounter     = metrics.NewRegisteredCounter("master/acquire/new", nil)
	heartbeatMissCounter  = metrics.NewRegisteredCounter("master/heartbeat/miss", nil)
	submitIDsMeter        = metrics.NewRegisteredMeter("master/submit/ids", nil)
	submitTasksCounter    = metrics.NewRegisteredCounter("master/submit/tasks", nil)
)

// Dispatcher is the lease engine: it hands ranges to workers, recovers the
// ranges of dead workers, and persists submitted results.
type Dispatcher struct {
	store *Store
	log   log.Logger

	// mu serializes the acquire path. SQLite offers no skip-locked row
	// reads, so without this two concurrent acquires could be handed the
	// same expired lease.
	mu sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewDispatcher wires a dispatcher over the given store.
func NewDispatcher(store *Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		log:   log.New("component", "dispatcher"),
		now:   time.Now,
	}
}

// batchSize maps the worker's reported throughput to a range width, clamped
// to [minBatchSize, maxBatchSize].
func batchSize(lastPerformance *uint32) int64 {
	speed := int64(defaultSpeed)
	if lastPerformance != nil {
		speed = int64(*lastPerformance)
	}
	size := speed * targetTaskSeconds
	if size < minBatchSize {
		return minBatchSize
	}
	if size > maxBatchSize {
		return maxBatchSize
	}
	return size
}

// Acquire hands workerID a range: the longest-dead expired lease when one
// exists, otherwise a fresh range carved off the cursor and sized from the
// worker's reported throughput.
func (d *Dispatcher) Acquire(ctx context.Context, workerID string, lastPerformance *uint32) (*protocol.Task, error) {
	batch := batchSize(lastPerformance)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().UTC()
	cutoff := now.Add(-leaseTimeout)

	lease, err := d.store.AcquireExpired(ctx, workerID, cutoff.Unix(), now.Unix())
	if err != nil {
		return nil, err
	}
	if lease != nil {
		acquireExpiredCounter.Inc(1)
		d.log.Warn("re-leased expired task", "task", lease.TaskID, "worker", workerID,
			"start", lease.StartID, "end", lease.EndID)
		return &protocol.Task{TaskID: lease.TaskID, StartID: lease.StartID, EndID: lease.EndID}, nil
	}

	lease, err = d.store.AcquireNew(ctx, workerID, batch, now.Unix())
	if err != nil {
		return nil, err
	}
	acquireNewCounter.Inc(1)
	d.log.Info("created task", "task", lease.TaskID, "worker", workerID,
		"start", lease.StartID, "end", lease.EndID)
	return &protocol.Task{TaskID: lease.TaskID, StartID: lease.StartID, EndID: lease.EndID}, nil
}

// Heartbeat refreshes the lease held by workerID. found is false when the
// task is gone (already submitted) or has been re-leased to another worker;
// the worker treats that as a soft signal and keeps probing.
func (d *Dispatcher) Heartbeat(ctx context.Context, taskID int32, workerID string) (found bool, err error) {
	found, err = d.store.TouchLease(ctx, taskID, workerID, d.now().UTC().Unix())
	if err != nil {
		return false, err
	}
	if !found {
		heartbeatMissCounter.Inc(1)
		d.log.Warn("heartbeat for unknown or reassigned task", "task", taskID, "worker", workerID)
	}
	return found, nil
}

// Submit persists the valid IDs of a finished task and drops its lease.
// Accepted regardless of the current leaseholder, and idempotent: duplicate
// IDs and duplicate submits are absorbed.
func (d *Dispatcher) Submit(ctx context.Context, taskID int32, validIDs []int64) error {
	if err := d.store.SubmitResults(ctx, taskID, validIDs, d.now().UTC().Unix()); err != nil {
		return err
	}
	submitTasksCounter.Inc(1)
	submitIDsMeter.Mark(int64(len(validIDs)))
	d.log.Info("task submitted", "task", taskID, "valid", len(validIDs))
	return nil
}

// Release backdates the lease held by workerID past the timeout so the next
// acquire picks it up immediately. found is false when workerID no longer
// holds the lease.
func (d *Dispatcher) Release(ctx context.Context, taskID int32, workerID string) (found bool, err error) {
	staleAt := d.now().UTC().Add(-leaseTimeout - time.Second).Unix()
	found, err = d.store.ExpireLease(ctx, taskID, workerID, staleAt)
	if err != nil {
		return false, err
	}
	if found {
		d.log.Info("task released", "task", taskID, "worker", workerID)
	}
	return found, nil
}
