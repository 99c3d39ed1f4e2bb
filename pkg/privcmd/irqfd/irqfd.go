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

// Package irqfd routes event sink signals to guest interrupts: every time a
// bound sink fires, a pre-recorded device model operation is issued against
// the bound domain.
//
// Lock order:
//
//	binding.regMu
//		eventsink.Sink.Queue lock
//			Registry.mu
package irqfd

import (
	"slices"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/metric"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/usermem"
	"gvisor.dev/gvisor/pkg/waiter"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/eventsink"
	"gvisor.dev/privcmd/pkg/platform"
	"gvisor.dev/privcmd/pkg/privcmd/privcmdconf"
)

var (
	injections       = metric.MustCreateNewUint64Metric("/privcmd/irqfd/injections", metric.Uint64Metadata{Description: "Number of interrupts injected through irqfds."})
	injectionFailure = metric.MustCreateNewUint64Metric("/privcmd/irqfd/injection_failures", metric.Uint64Metadata{Description: "Number of irqfd injections rejected by the hypervisor."})

	// failureLog reports the first failure of each binding, shared so that
	// many failing bindings cannot flood the log.
	failureLog = log.BasicRateLimitedLogger(time.Second)
)

// Registry holds the irqfd bindings of a device.
type Registry struct {
	hv       platform.Hypervisor
	tunables *privcmdconf.Tunables

	// mu protects bindings and released.
	mu       sync.Mutex
	bindings []*binding
	released bool

	cleanup *workQueue
}

// NewRegistry returns an empty registry that injects through hv.
func NewRegistry(hv platform.Hypervisor, tunables *privcmdconf.Tunables) *Registry {
	return &Registry{
		hv:       hv,
		tunables: tunables,
		cleanup:  newWorkQueue(),
	}
}

// binding is an active irqfd.
type binding struct {
	r       *Registry
	sink    *eventsink.Sink
	dom     xen.DomID
	payload []byte
	entry   waiter.Entry

	// errored latches injection failures, so that only the first failure of
	// a streak is logged.
	errored atomicbitops.Bool

	// active is set while the binding is in r.bindings. Protected by r.mu.
	active bool

	// regMu serializes registration of entry with its removal by the
	// cleanup worker.
	regMu      sync.Mutex
	registered bool
	dead       bool
}

// register adds b's entry to the sink's queue unless b was already torn
// down, then injects if the sink fired before the entry was added. Both
// happen under regMu, so a concurrent teardown either precedes them or waits
// for the injection to complete.
func (b *binding) register() {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	if b.dead {
		return
	}
	b.sink.EventRegister(&b.entry)
	b.registered = true
	if b.sink.Readiness(waiter.EventIn) != 0 {
		b.inject()
	}
}

// unregister removes b's entry from the sink's queue, if present.
func (b *binding) unregister() {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	if b.registered {
		b.sink.EventUnregister(&b.entry)
		b.registered = false
	}
	b.dead = true
}

// NotifyEvent implements waiter.EventListener.NotifyEvent. It runs with the
// sink's queue locked.
func (b *binding) NotifyEvent(mask waiter.EventMask) {
	if mask&waiter.EventIn != 0 {
		b.inject()
	}
	if mask&waiter.EventHUp != 0 {
		b.r.mu.Lock()
		if b.active {
			b.r.deactivateLocked(b)
		}
		b.r.mu.Unlock()
	}
}

func (b *binding) inject() {
	b.sink.Drain()

	// The hypervisor may write to the buffer, so every injection gets a fresh
	// copy of the payload.
	buf := xen.DMOpBuf{Data: slices.Clone(b.payload)}
	if err := b.r.hv.DMOp(context.Background(), b.dom, []xen.DMOpBuf{buf}); err != nil {
		injectionFailure.Increment()
		if !b.errored.Swap(true) {
			failureLog.Warningf("privcmd: irqfd: injection into domain %d failed: %v", b.dom, err)
		}
		return
	}
	b.errored.Store(false)
	injections.Increment()
}

// deactivateLocked removes b from the registry and schedules its teardown.
//
// Preconditions: r.mu is locked; b.active.
func (r *Registry) deactivateLocked(b *binding) {
	b.active = false
	if i := slices.Index(r.bindings, b); i >= 0 {
		r.bindings = slices.Delete(r.bindings, i, i+1)
	}
	r.cleanup.queue(b.unregister)
}

// Assign binds sink to dom. Every time the sink fires, the req.Size bytes at
// req.DMOp in caller memory, copied once here, are issued as a single-buffer
// dm_op against req.Dom.
func (r *Registry) Assign(ctx context.Context, uio usermem.IO, req *xen.PrivcmdIrqfd, sink *eventsink.Sink) error {
	if req.Size > r.tunables.DMOpBufMaxSize() {
		return linuxerr.E2BIG
	}
	b := &binding{
		r:       r,
		sink:    sink,
		dom:     req.Dom,
		payload: make([]byte, req.Size),
	}
	if _, err := uio.CopyIn(ctx, req.DMOp, b.payload, usermem.IOOpts{}); err != nil {
		return linuxerr.EFAULT
	}
	b.entry.Init(b, waiter.EventIn|waiter.EventHUp)

	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return linuxerr.ENODEV
	}
	for _, other := range r.bindings {
		if other.sink == sink {
			r.mu.Unlock()
			return linuxerr.EBUSY
		}
	}
	b.active = true
	r.bindings = append(r.bindings, b)
	r.mu.Unlock()

	b.register()
	return nil
}

// Deassign removes the binding of sink, if any, and waits until it is torn
// down. No injection for sink happens after Deassign returns.
func (r *Registry) Deassign(sink *eventsink.Sink) {
	r.mu.Lock()
	for _, b := range r.bindings {
		if b.sink == sink {
			r.deactivateLocked(b)
			break
		}
	}
	r.mu.Unlock()

	r.cleanup.flush()
}

// Len returns the number of active bindings.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

// Release tears down every binding and stops the cleanup worker. Assign
// fails with ENODEV afterwards.
func (r *Registry) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	for len(r.bindings) > 0 {
		r.deactivateLocked(r.bindings[0])
	}
	r.mu.Unlock()

	r.cleanup.stop()
}
