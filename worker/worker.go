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

// Package worker implements the edge node: an acquire/probe/submit loop with
// bounded fan-out, background lease heartbeats, adaptive throughput
// reporting, and two-stage shutdown.
package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/idsweep/idsweep/probe"
	"github.com/idsweep/idsweep/protocol"
)

var taskTimer = metrics.NewRegisteredTimer("worker/task", nil)

// errForced aborts the loop iteration when the second interrupt arrived
// mid-task.
var errForced = errors.New("forced shutdown")

// Config carries the worker's knobs.
type Config struct {
	// MasterURL is the master's base URL.
	MasterURL string

	// InitialSpeed seeds the throughput estimate before the first task
	// completes, in IDs per second.
	InitialSpeed uint32

	// Concurrency bounds the number of in-flight probes.
	Concurrency int

	// HeartbeatInterval is the pause between lease heartbeats. It must stay
	// well below the master's lease timeout.
	HeartbeatInterval time.Duration

	// RetryInterval is the pause after a failed loop iteration.
	RetryInterval time.Duration
}

// DefaultConfig matches the documented defaults.
var DefaultConfig = Config{
	MasterURL:         "http://localhost:3000",
	InitialSpeed:      100,
	Concurrency:       50,
	HeartbeatInterval: 10 * time.Second,
	RetryInterval:     5 * time.Second,
}

// Worker runs the task loop against one master. All state shared with the
// signal handler and the heartbeat keeper lives in atomics; the throughput
// estimate is guarded by a read/write mutex (main loop writes, acquire path
// reads).
type Worker struct {
	cfg    Config
	id     string
	client *Client
	prober probe.Prober
	log    log.Logger

	speedMu sync.RWMutex
	speed   uint32

	shutdownRequested atomic.Bool
	forceShutdown     atomic.Bool
	currentTask       atomic.Int32

	// exit is swappable for tests of the forced-shutdown path.
	exit func(code int)
}

// New builds a worker with the given identity and probe implementation.
func New(cfg Config, id string, prober probe.Prober) *Worker {
	return &Worker{
		cfg:    cfg,
		id:     id,
		client: NewClient(cfg.MasterURL),
		prober: prober,
		log:    log.New("worker", id),
		speed:  cfg.InitialSpeed,
		exit:   os.Exit,
	}
}

// Run drives the acquire/probe/submit loop until the context is canceled or
// a graceful shutdown is requested. Transient errors never abort the loop;
// they are logged and retried after the configured interval.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "master", w.cfg.MasterURL,
		"speed", w.Speed(), "concurrency", w.cfg.Concurrency)

	for {
		if w.shutdownRequested.Load() {
			w.log.Info("shutdown requested, not acquiring further tasks")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := w.runOnce(ctx)
		switch {
		case errors.Is(err, errForced) || errors.Is(err, context.Canceled):
			return err
		case err != nil:
			w.log.Error("task loop error", "err", err, "retry_in", w.cfg.RetryInterval)
			if !sleepCtx(ctx, w.cfg.RetryInterval) {
				return ctx.Err()
			}
		default:
			// Brief pause between tasks keeps a drained master from being
			// hammered in a tight loop.
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
		}
	}
}

// runOnce executes one full task: acquire, heartbeat in the background, fan
// out the probes, submit.
func (w *Worker) runOnce(ctx context.Context) error {
	task, err := w.acquire(ctx)
	if err != nil {
		return err
	}
	w.log.Info("task acquired", "task", task.TaskID, "start", task.StartID, "end", task.EndID)
	w.currentTask.Store(task.TaskID)
	defer w.currentTask.Store(0)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		w.heartbeatLoop(hbCtx, task.TaskID)
	}()

	started := time.Now()
	validIDs := scanRange(ctx, w.prober, task.StartID, task.EndID, w.cfg.Concurrency, &w.forceShutdown)
	elapsed := time.Since(started)

	stopHeartbeat()
	hbDone.Wait()

	if w.forceShutdown.Load() {
		return errForced
	}

	total := task.EndID - task.StartID + 1
	w.updateSpeed(total, elapsed)
	taskTimer.Update(elapsed)
	w.log.Info("task finished", "task", task.TaskID, "total", total,
		"valid", len(validIDs), "elapsed", elapsed, "speed", w.Speed())

	if err := w.client.Submit(ctx, task.TaskID, validIDs); err != nil {
		return err
	}
	w.log.Info("task submitted", "task", task.TaskID)
	return nil
}

func (w *Worker) acquire(ctx context.Context) (*protocol.Task, error) {
	speed := w.Speed()
	return w.client.Acquire(ctx, w.id, &speed)
}

// heartbeatLoop posts a heartbeat every HeartbeatInterval until canceled.
// Sleep-first: the acquire that started this task just set last_heartbeat,
// so an immediate post would race it for nothing. Failures of any kind are
// soft; probing continues and submit idempotence absorbs the fallout.
func (w *Worker) heartbeatLoop(ctx context.Context, taskID int32) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.HeartbeatInterval):
		}
		switch err := w.client.Heartbeat(ctx, taskID, w.id); {
		case errors.Is(err, ErrNotFound):
			w.log.Warn("heartbeat: task no longer ours", "task", taskID)
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			w.log.Warn("heartbeat failed", "task", taskID, "err", err)
		default:
			w.log.Debug("heartbeat sent", "task", taskID)
		}
	}
}

// Speed returns the current throughput estimate in IDs per second.
func (w *Worker) Speed() uint32 {
	w.speedMu.RLock()
	defer w.speedMu.RUnlock()
	return w.speed
}

// updateSpeed folds a finished task into the throughput estimate: IDs per
// whole elapsed second, or the full count when the task ran under a second.
func (w *Worker) updateSpeed(total int64, elapsed time.Duration) {
	secs := int64(elapsed.Seconds())
	speed := total
	if secs >= 1 {
		speed = total / secs
	}
	w.speedMu.Lock()
	w.speed = uint32(speed)
	w.speedMu.Unlock()
}

// Interrupt implements two-stage shutdown. The first call lets the current
// task finish and submit before the loop exits. The second abandons the
// scan, hands the lease back to the master on a best-effort basis, and
// terminates the process.
func (w *Worker) Interrupt() {
	if w.shutdownRequested.CompareAndSwap(false, true) {
		w.log.Info("interrupt received, finishing current task; interrupt again to force shutdown")
		return
	}
	w.log.Warn("second interrupt, forcing shutdown")
	w.forceShutdown.Store(true)

	if taskID := w.currentTask.Load(); taskID > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.client.Release(ctx, taskID, w.id); err != nil {
			w.log.Error("release on shutdown failed", "task", taskID, "err", err)
		} else {
			w.log.Info("task released", "task", taskID)
		}
	}
	w.exit(1)
}

// sleepCtx sleeps for d unless the context ends first. Returns false when
// the context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
