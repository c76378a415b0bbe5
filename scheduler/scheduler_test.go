// Copyright 2025 Lagoon Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerRunsTask(t *testing.T) {
	s := New(10 * time.Millisecond)
	var runs atomic.Int64
	s.Register(1, func() {
		runs.Add(1)
	})
	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()
	assert.Greater(t, runs.Load(), int64(2))
}

func TestSchedulerTaskInterval(t *testing.T) {
	s := New(10 * time.Millisecond)
	var fast, slow atomic.Int64
	s.Register(1, func() { fast.Add(1) })
	s.Register(5, func() { slow.Add(1) })
	s.Start()
	time.Sleep(150 * time.Millisecond)
	s.Stop()
	assert.Greater(t, fast.Load(), slow.Load())
	assert.Greater(t, slow.Load(), int64(0))
}

func TestSchedulerNoOverlappingRuns(t *testing.T) {
	s := New(5 * time.Millisecond)
	var concurrent, peak atomic.Int64
	s.Register(1, func() {
		cur := concurrent.Add(1)
		if cur > peak.Load() {
			peak.Store(cur)
		}
		// Run longer than several base intervals
		time.Sleep(40 * time.Millisecond)
		concurrent.Add(-1)
	})
	s.Start()
	time.Sleep(200 * time.Millisecond)
	s.Stop()
	assert.Equal(t, int64(1), peak.Load(), "task runs must not overlap")
}

func TestSchedulerStopWaitsForTasks(t *testing.T) {
	s := New(5 * time.Millisecond)
	var done atomic.Bool
	s.Register(1, func() {
		time.Sleep(30 * time.Millisecond)
		done.Store(true)
	})
	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	assert.True(t, done.Load(), "Stop must wait for in-flight runs")
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	s := New(10 * time.Millisecond)
	s.Register(1, func() {})
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
