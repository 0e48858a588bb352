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
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/idsweep/idsweep/probe"
)

// proberFunc adapts a function to the probe.Prober contract.
type proberFunc func(ctx context.Context, id int64) probe.Outcome

func (f proberFunc) Check(ctx context.Context, id int64) probe.Outcome { return f(ctx, id) }

func sorted(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestScanRangeCollectsValidIDs(t *testing.T) {
	even := proberFunc(func(_ context.Context, id int64) probe.Outcome {
		if id%2 == 0 {
			return probe.Valid
		}
		return probe.Invalid
	})

	var abort atomic.Bool
	got := scanRange(context.Background(), even, 10, 29, 4, &abort)

	want := []int64{10, 12, 14, 16, 18, 20, 22, 24, 26, 28}
	assert.Equal(t, want, sorted(got))
}

func TestScanRangeSingleID(t *testing.T) {
	all := proberFunc(func(_ context.Context, _ int64) probe.Outcome { return probe.Valid })

	var abort atomic.Bool
	got := scanRange(context.Background(), all, 7, 7, 50, &abort)
	assert.Equal(t, []int64{7}, got)
}

func TestScanRangeBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int64
	slow := proberFunc(func(_ context.Context, _ int64) probe.Outcome {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return probe.Invalid
	})

	var abort atomic.Bool
	got := scanRange(context.Background(), slow, 0, 63, 5, &abort)

	assert.Empty(t, got)
	assert.LessOrEqual(t, peak.Load(), int64(5), "more than concurrency probes in flight")
	assert.Greater(t, peak.Load(), int64(1), "fan-out never overlapped")
}

func TestScanRangeRetriesSameID(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts = make(map[int64]int)
	)
	flaky := proberFunc(func(_ context.Context, id int64) probe.Outcome {
		mu.Lock()
		attempts[id]++
		n := attempts[id]
		mu.Unlock()
		// Every ID needs three rounds before the upstream echoes it back.
		if n < 3 {
			return probe.Retry
		}
		return probe.Valid
	})

	var abort atomic.Bool
	got := scanRange(context.Background(), flaky, 0, 9, 3, &abort)

	want := []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, want, sorted(got), "every ID must eventually resolve, exactly once")

	mu.Lock()
	defer mu.Unlock()
	for id, n := range attempts {
		assert.Equal(t, 3, n, "id %d probed %d times", id, n)
	}
}

func TestScanRangeAbortStopsNewProbes(t *testing.T) {
	var abort atomic.Bool
	abort.Store(true)

	var calls atomic.Int64
	counting := proberFunc(func(_ context.Context, _ int64) probe.Outcome {
		calls.Add(1)
		return probe.Valid
	})

	got := scanRange(context.Background(), counting, 0, 999, 10, &abort)
	assert.Empty(t, got)
	assert.Zero(t, calls.Load(), "no probe may start after abort")
}

func TestScanRangeAbortBreaksRetryLoop(t *testing.T) {
	// An upstream stuck in rotation would retry forever; forced shutdown
	// must break the loop, yielding nothing for the stuck ID.
	var (
		abort atomic.Bool
		calls atomic.Int64
	)
	stuck := proberFunc(func(_ context.Context, _ int64) probe.Outcome {
		if calls.Add(1) > 20 {
			abort.Store(true)
		}
		return probe.Retry
	})

	done := make(chan []int64, 1)
	go func() {
		done <- scanRange(context.Background(), stuck, 0, 3, 2, &abort)
	}()

	select {
	case got := <-done:
		assert.Empty(t, got)
	case <-time.After(5 * time.Second):
		t.Fatal("scanRange did not terminate after abort")
	}
}

func TestScanRangeAbortMidway(t *testing.T) {
	var (
		abort atomic.Bool
		calls atomic.Int64
	)
	p := proberFunc(func(_ context.Context, _ int64) probe.Outcome {
		if calls.Add(1) == 50 {
			abort.Store(true)
		}
		return probe.Valid
	})

	got := scanRange(context.Background(), p, 0, 9999, 4, &abort)
	assert.Less(t, len(got), 10000, "abort must cut the scan short")
}
