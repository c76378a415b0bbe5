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
	"sync"
	"sync/atomic"
	"time"
)

// ScheduledTask runs on a multiple of the scheduler base interval. A task
// whose previous run is still in progress is skipped on its next due tick
// rather than overlapped
type ScheduledTask struct {
	task              func()
	interval          int
	ticksSinceLastRun int
	running           atomic.Bool
}

// Scheduler runs registered tasks on a shared base-interval ticker. Tasks
// never overlap with themselves; a slow run causes skipped ticks, not
// queued ones
type Scheduler struct {
	mutex     sync.Mutex
	interval  time.Duration
	ticker    *time.Ticker
	quit      chan struct{}
	tasks     []*ScheduledTask
	taskWg    sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(interval time.Duration) *Scheduler {
	return &Scheduler{
		interval: interval,
		quit:     make(chan struct{}),
		tasks:    []*ScheduledTask{},
	}
}

// Start the ticker goroutine (runs once)
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.ticker = time.NewTicker(s.interval)
		go s.run()
	})
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.ticker.C:
			s.tick()
		case <-s.quit:
			s.ticker.Stop()
			return
		}
	}
}

// Increments per-task tick counters and launches due tasks. A task still
// running from a previous tick stays due and is retried on the next tick
func (s *Scheduler) tick() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, task := range s.tasks {
		task.ticksSinceLastRun++
		if task.ticksSinceLastRun < task.interval {
			continue
		}
		if !task.running.CompareAndSwap(false, true) {
			// Previous run still in progress
			continue
		}
		task.ticksSinceLastRun = 0
		s.taskWg.Add(1)
		go func(task *ScheduledTask) {
			defer s.taskWg.Done()
			defer task.running.Store(false)
			task.task()
		}(task)
	}
}

// Register adds a task that runs every interval ticks of the base interval
func (s *Scheduler) Register(interval int, task func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if interval < 1 {
		interval = 1
	}
	s.tasks = append(s.tasks, &ScheduledTask{
		interval: interval,
		task:     task,
	})
}

// Stop halts the ticker and waits for in-flight task runs to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	s.taskWg.Wait()
}
