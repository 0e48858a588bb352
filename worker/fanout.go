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
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/metrics"

	"github.com/idsweep/idsweep/probe"
)

var validIDMeter = metrics.NewRegisteredMeter("worker/probe/valid", nil)

// scanRange probes every ID in the inclusive [start, end] range, keeping at
// most concurrency probes in flight. Valid IDs are returned in completion
// order, not submission order.
//
// A Retry outcome re-probes the same ID without yielding the slot to a new
// one. When abort flips, no new IDs are started, retry loops give up their
// ID, and in-flight probes are left to finish on their own.
func scanRange(ctx context.Context, p probe.Prober, start, end int64, concurrency int, abort *atomic.Bool) []int64 {
	if concurrency < 1 {
		concurrency = 1
	}
	var (
		slots   = make(chan struct{}, concurrency)
		results = make(chan int64)
		wg      sync.WaitGroup
	)
	go func() {
		for id := start; id <= end; id++ {
			if abort.Load() {
				break
			}
			slots <- struct{}{}
			wg.Add(1)
			go func(id int64) {
				defer func() {
					<-slots
					wg.Done()
				}()
				probeOne(ctx, p, id, abort, results)
			}(id)
		}
		wg.Wait()
		close(results)
	}()

	var valid []int64
	for id := range results {
		valid = append(valid, id)
	}
	return valid
}

// probeOne drives a single ID to a terminal outcome, looping on Retry.
func probeOne(ctx context.Context, p probe.Prober, id int64, abort *atomic.Bool, results chan<- int64) {
	for {
		if abort.Load() {
			return
		}
		switch p.Check(ctx, id) {
		case probe.Valid:
			validIDMeter.Mark(1)
			results <- id
			return
		case probe.Invalid:
			return
		case probe.Retry:
			// Upstream rotated the response; ask again for the same ID.
		}
	}
}
