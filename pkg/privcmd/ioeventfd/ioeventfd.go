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

// Package ioeventfd turns guest writes to virtio-mmio queue notify registers
// into event sink signals, without a round trip through the device model.
//
// Guest accesses arrive as I/O requests in a page shared with the
// hypervisor, one slot per vCPU, announced through a per-vCPU event channel.
// A channel groups the bindings sharing one such page.
//
// Lock order:
//
//	Registry.mu
//		channel.mu
package ioeventfd

import (
	"fmt"
	"slices"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/metric"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/usermem"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/eventsink"
	"gvisor.dev/privcmd/pkg/platform"
)

// MaxVCPUs is the largest vCPU count a channel accepts.
const MaxVCPUs = 4096

var (
	dispatchMatched   = metric.MustCreateNewUint64Metric("/privcmd/ioeventfd/matched", metric.Uint64Metadata{Description: "Number of I/O requests completed by an ioeventfd."})
	dispatchUnmatched = metric.MustCreateNewUint64Metric("/privcmd/ioeventfd/unmatched", metric.Uint64Metadata{Description: "Number of I/O requests handed back to the device model."})
)

// PageFinder locates the host pages backing a shared I/O request area in the
// caller's address space.
type PageFinder interface {
	IoreqPages(addr hostarch.Addr) ([]*platform.Page, error)
}

// Registry holds the ioeventfd channels of a device.
type Registry struct {
	evtchn platform.EventChannels

	// mu protects channels and serializes Assign and Deassign.
	mu       sync.Mutex
	channels []*channel
}

// NewRegistry returns an empty registry that binds ports through evtchn.
func NewRegistry(evtchn platform.EventChannels) *Registry {
	return &Registry{evtchn: evtchn}
}

// channel is a shared I/O request page and the bindings matching requests
// in it.
type channel struct {
	r *Registry

	// ioreq is the caller address of the shared page, and identifies the
	// channel together with dom and vcpus.
	ioreq hostarch.Addr
	dom   xen.DomID
	vcpus uint32

	pages []*platform.Page

	// ports is sized once, at creation.
	ports []*port

	// mu protects bindings. It is held from interrupt context: no
	// allocation and no hypervisor calls while holding it.
	mu       sync.Mutex
	bindings []*binding
}

// port is the event channel of one vCPU.
type port struct {
	ch   *channel
	vcpu uint32
	port uint32
}

// binding is one ioeventfd.
type binding struct {
	sink  *eventsink.Sink
	addr  uint64
	width uint32
	vq    uint32
}

func (ch *channel) String() string {
	return fmt.Sprintf("ioreq %#x dom %d vcpus %d", ch.ioreq, ch.dom, ch.vcpus)
}

func (ch *channel) slot(vcpu uint32) slot {
	off := int(vcpu) * xen.SizeofIoreq
	page := ch.pages[off/hostarch.PageSize].Data
	off %= hostarch.PageSize
	return slot(page[off : off+xen.SizeofIoreq])
}

// HandleInterrupt implements platform.InterruptHandler.HandleInterrupt.
func (p *port) HandleInterrupt() bool {
	ch := p.ch
	s := ch.slot(p.vcpu)
	ctrl := s.loadControl()
	if controlState(ctrl) != xen.STATE_IOREQ_READY ||
		controlType(ctrl) != xen.IOREQ_TYPE_COPY ||
		controlDir(ctrl) != xen.IOREQ_WRITE {
		return false
	}

	state := uint32(xen.STATE_IOREQ_READY)
	ch.mu.Lock()
	s.setState(xen.STATE_IOREQ_INPROCESS)
	addr, size, data := s.addr(), s.size(), s.data()
	for _, b := range ch.bindings {
		if addr == b.addr+xen.VIRTIO_MMIO_QUEUE_NOTIFY &&
			size == b.width &&
			uint32(data&xen.QueueNotifyVQMask) == b.vq {
			b.sink.Signal(1)
			state = xen.STATE_IORESP_READY
			break
		}
	}
	ch.mu.Unlock()

	s.setState(state)
	if state != xen.STATE_IORESP_READY {
		dispatchUnmatched.Increment()
		return false
	}
	dispatchMatched.Increment()
	ch.r.evtchn.Notify(p.port)
	return true
}

func validate(req *xen.PrivcmdIoeventfd) error {
	if req.Addr+uint64(req.AddrLen) < req.Addr {
		return linuxerr.EINVAL
	}
	switch req.AddrLen {
	case 1, 2, 4, 8:
	default:
		return linuxerr.EINVAL
	}
	if req.VCPUs == 0 || req.VCPUs > MaxVCPUs {
		return linuxerr.EINVAL
	}
	return nil
}

// lookupLocked returns the channel for req.Ioreq, or nil if there is none.
// It fails if the channel exists with a different configuration.
//
// Preconditions: r.mu is locked.
func (r *Registry) lookupLocked(req *xen.PrivcmdIoeventfd) (*channel, error) {
	for _, ch := range r.channels {
		if ch.ioreq != req.Ioreq {
			continue
		}
		if ch.dom != req.Dom || ch.vcpus != req.VCPUs {
			log.Warningf("privcmd: ioeventfd: configuration mismatch for %v: got dom %d vcpus %d", ch, req.Dom, req.VCPUs)
			return nil, linuxerr.EINVAL
		}
		return ch, nil
	}
	return nil, nil
}

// newChannelLocked creates and registers the channel described by req.
//
// Preconditions: r.mu is locked.
func (r *Registry) newChannelLocked(ctx context.Context, uio usermem.IO, req *xen.PrivcmdIoeventfd, finder PageFinder) (*channel, error) {
	pages, err := finder.IoreqPages(req.Ioreq)
	if err != nil {
		ctx.Warningf("privcmd: ioeventfd: no I/O request page at %#x: %v", req.Ioreq, err)
		return nil, err
	}
	if uint64(req.VCPUs)*xen.SizeofIoreq > uint64(len(pages))*hostarch.PageSize {
		return nil, linuxerr.EINVAL
	}

	buf := make([]byte, int(req.VCPUs)*4)
	if _, err := uio.CopyIn(ctx, req.Ports, buf, usermem.IOOpts{}); err != nil {
		return nil, linuxerr.EFAULT
	}

	ch := &channel{
		r:     r,
		ioreq: req.Ioreq,
		dom:   req.Dom,
		vcpus: req.VCPUs,
		pages: pages,
		ports: make([]*port, req.VCPUs),
	}
	for i := range ch.ports {
		ch.ports[i] = &port{
			ch:   ch,
			vcpu: uint32(i),
			port: hostarch.ByteOrder.Uint32(buf[i*4:]),
		}
	}

	var cu cleanup.Cleanup
	defer cu.Clean()
	for _, p := range ch.ports {
		if err := r.evtchn.Bind(p.port, p); err != nil {
			return nil, err
		}
		cu.Add(func() { r.evtchn.Unbind(p.port, p) })
	}
	cu.Release()

	r.channels = append(r.channels, ch)
	return ch, nil
}

// freeChannelLocked unbinds ch's ports and removes it from the registry.
//
// Preconditions: r.mu is locked; ch has no bindings.
func (r *Registry) freeChannelLocked(ch *channel) {
	for i := len(ch.ports) - 1; i >= 0; i-- {
		r.evtchn.Unbind(ch.ports[i].port, ch.ports[i])
	}
	if i := slices.Index(r.channels, ch); i >= 0 {
		r.channels = slices.Delete(r.channels, i, i+1)
	}
}

// Assign binds sink to queue notifications for req.VQ at the virtio-mmio
// device at req.Addr, creating the channel for req.Ioreq if needed.
func (r *Registry) Assign(ctx context.Context, uio usermem.IO, req *xen.PrivcmdIoeventfd, sink *eventsink.Sink, finder PageFinder) error {
	if err := validate(req); err != nil {
		return err
	}
	b := &binding{
		sink:  sink,
		addr:  req.Addr,
		width: req.AddrLen,
		vq:    req.VQ,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ch, err := r.lookupLocked(req)
	if err != nil {
		return err
	}
	if ch == nil {
		if ch, err = r.newChannelLocked(ctx, uio, req, finder); err != nil {
			return err
		}
	}

	ch.mu.Lock()
	for _, other := range ch.bindings {
		if other.sink == sink {
			ch.mu.Unlock()
			return linuxerr.EBUSY
		}
	}
	ch.bindings = append(ch.bindings, b)
	ch.mu.Unlock()
	return nil
}

// Deassign removes the binding of sink from the channel for req.Ioreq,
// tearing the channel down when it becomes empty.
func (r *Registry) Deassign(req *xen.PrivcmdIoeventfd, sink *eventsink.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, err := r.lookupLocked(req)
	if err != nil {
		return err
	}
	if ch != nil {
		ch.mu.Lock()
		for i, b := range ch.bindings {
			if b.sink == sink {
				ch.bindings = slices.Delete(ch.bindings, i, i+1)
				empty := len(ch.bindings) == 0
				ch.mu.Unlock()
				if empty {
					r.freeChannelLocked(ch)
				}
				return nil
			}
		}
		ch.mu.Unlock()
	}
	log.Warningf("privcmd: ioeventfd: not assigned: dom %d addr %#x", req.Dom, req.Addr)
	return linuxerr.ENODEV
}

// Len returns the number of channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Bindings returns the number of bindings of the channel for ioreq.
func (r *Registry) Bindings(ioreq hostarch.Addr) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		if ch.ioreq == ioreq {
			ch.mu.Lock()
			defer ch.mu.Unlock()
			return len(ch.bindings)
		}
	}
	return 0
}

// Release drops every binding and frees every channel.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.channels) > 0 {
		ch := r.channels[len(r.channels)-1]
		ch.mu.Lock()
		ch.bindings = nil
		ch.mu.Unlock()
		r.freeChannelLocked(ch)
	}
}
