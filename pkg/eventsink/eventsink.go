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

// Package eventsink provides eventfd-style event sinks: a 64-bit counter
// that can be signalled from any context and waited on through a
// waiter.Queue.
package eventsink

import (
	"math"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/waiter"
)

// Sink is an event counter.
type Sink struct {
	// Queue is used to notify interested parties when the sink becomes
	// readable or writable, and when it is closed (EventHUp).
	waiter.Queue

	// mu protects the fields below.
	mu sync.Mutex

	// val is the current value of the counter.
	val uint64

	// semMode specifies whether the sink is in "semaphore" mode.
	semMode bool

	// closed is set by Close.
	closed bool
}

// New creates a new sink with the given initial value.
func New(initVal uint64, semMode bool) *Sink {
	return &Sink{val: initVal, semMode: semMode}
}

// Signal adds val to the counter and wakes up readers. It never blocks:
// linuxerr.ErrWouldBlock is returned if the counter would overflow.
func (s *Sink) Signal(val uint64) error {
	if val == math.MaxUint64 {
		return linuxerr.EINVAL
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return linuxerr.EBADF
	}
	// We only allow writes that won't cause the value to go over the max
	// uint64 minus 1.
	if val > math.MaxUint64-1-s.val {
		s.mu.Unlock()
		return linuxerr.ErrWouldBlock
	}
	s.val += val
	s.mu.Unlock()

	// Always trigger a notification.
	s.Notify(waiter.EventIn)
	return nil
}

// Read consumes the counter as read(2) on an eventfd would: the whole value,
// or 1 in semaphore mode. It returns linuxerr.ErrWouldBlock if the counter
// is zero.
func (s *Sink) Read() (uint64, error) {
	s.mu.Lock()
	if s.val == 0 {
		s.mu.Unlock()
		return 0, linuxerr.ErrWouldBlock
	}
	var val uint64
	if s.semMode {
		val = 1
		s.val--
	} else {
		val = s.val
		s.val = 0
	}
	s.mu.Unlock()

	// Notify writers. We do this even if we were already writable because
	// it is possible that a writer is waiting to write the maximum value
	// to the event.
	s.Notify(waiter.EventOut)
	return val, nil
}

// Drain resets the counter and returns its previous value. It is used by
// consumers that only care that the sink fired.
func (s *Sink) Drain() uint64 {
	s.mu.Lock()
	val := s.val
	s.val = 0
	s.mu.Unlock()
	return val
}

// Readiness implements waiter.Waitable.Readiness.
func (s *Sink) Readiness(mask waiter.EventMask) waiter.EventMask {
	ready := waiter.EventMask(0)

	s.mu.Lock()
	if s.val > 0 {
		ready |= waiter.EventIn
	}
	if s.val < math.MaxUint64-1 {
		ready |= waiter.EventOut
	}
	if s.closed {
		ready |= waiter.EventHUp
	}
	s.mu.Unlock()

	return mask & ready
}

// EventRegister implements waiter.Waitable.EventRegister.
func (s *Sink) EventRegister(e *waiter.Entry) error {
	s.Queue.EventRegister(e)
	return nil
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (s *Sink) EventUnregister(e *waiter.Entry) {
	s.Queue.EventUnregister(e)
}

// Close marks the sink closed and notifies waiters with EventHUp. Further
// signals fail with EBADF.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Notify(waiter.EventHUp)
}
