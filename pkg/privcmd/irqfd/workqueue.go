// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package irqfd

import (
	"gvisor.dev/gvisor/pkg/sync"
)

// workQueue runs queued functions in order on a single goroutine.
type workQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	// The fields below are protected by mu.
	items   []func()
	queued  uint64
	done    uint64
	stopped bool

	exited chan struct{}
}

func newWorkQueue() *workQueue {
	q := &workQueue{exited: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run() // S/R-SAFE: no saved state.
	return q
}

// queue schedules f. It never blocks.
func (q *workQueue) queue(f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		panic("queue on stopped workQueue")
	}
	q.items = append(q.items, f)
	q.queued++
	q.cond.Broadcast()
}

// flush waits until every function queued before the call has run.
func (q *workQueue) flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	target := q.queued
	for q.done < target {
		q.cond.Wait()
	}
}

// stop runs the remaining items and terminates the worker.
func (q *workQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.exited
}

func (q *workQueue) run() {
	defer close(q.exited)
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for len(q.items) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			return
		}
		f := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		f()
		q.mu.Lock()
		q.done++
		q.cond.Broadcast()
	}
}
