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

package platformtest

import (
	"slices"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/platform"
)

// FrameState is the state of a guest frame.
type FrameState int

// Frame states.
const (
	// FrameAbsent frames fail to map with EINVAL.
	FrameAbsent FrameState = iota

	// FramePresent frames map successfully.
	FramePresent

	// FramePagedOut frames fail to map with ENOENT until paged back in.
	FramePagedOut
)

type resourceKey struct {
	dom xen.DomID
	typ uint16
	id  uint32
}

type resource struct {
	mfns        []uint64
	callerOwned bool
}

// DMOpCall records a DMOp issued to a Xen.
type DMOpCall struct {
	Dom  xen.DomID
	Bufs [][]byte
}

// Xen is an in-memory hypervisor. It implements platform.Hypervisor,
// platform.Remapper, platform.PageAllocator and platform.EventChannels.
type Xen struct {
	// HypercallFunc, if set, computes hypercall results.
	HypercallFunc func(op uint64, args [5]uint64) (uintptr, error)

	// DMOpFunc, if set, is called for every DMOp and may modify the buffers
	// or fail the call.
	DMOpFunc func(dom xen.DomID, bufs []xen.DMOpBuf) error

	autoTranslated bool

	mu sync.Mutex

	// The fields below are protected by mu.
	frames     map[xen.DomID]map[uint64]FrameState
	resources  map[resourceKey]*resource
	nextPFN    uint64
	allocated  map[*platform.Page]struct{}
	allocLimit int
	ports      map[uint32][]platform.InterruptHandler
	notified   map[uint32]int
	badPorts   map[uint32]bool
	hypercalls int
	dmops      []DMOpCall
	remaps     int
	unmaps     int
}

// NewXen returns a hypervisor with no domains.
func NewXen(autoTranslated bool) *Xen {
	return &Xen{
		autoTranslated: autoTranslated,
		frames:         make(map[xen.DomID]map[uint64]FrameState),
		resources:      make(map[resourceKey]*resource),
		nextPFN:        0x100000,
		allocated:      make(map[*platform.Page]struct{}),
		allocLimit:     -1,
		ports:          make(map[uint32][]platform.InterruptHandler),
		notified:       make(map[uint32]int),
		badPorts:       make(map[uint32]bool),
	}
}

// SetFrame sets the state of frame gfn of dom.
func (x *Xen) SetFrame(dom xen.DomID, gfn uint64, state FrameState) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.setFrameLocked(dom, gfn, state)
}

func (x *Xen) setFrameLocked(dom xen.DomID, gfn uint64, state FrameState) {
	m := x.frames[dom]
	if m == nil {
		m = make(map[uint64]FrameState)
		x.frames[dom] = m
	}
	m[gfn] = state
}

// AddResource registers a resource of dom made of the given frames. The
// frames become mappable from dom, or from DOMID_SELF if callerOwned.
func (x *Xen) AddResource(dom xen.DomID, typ uint16, id uint32, mfns []uint64, callerOwned bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.resources[resourceKey{dom, typ, id}] = &resource{mfns: slices.Clone(mfns), callerOwned: callerOwned}
	owner := dom
	if callerOwned {
		owner = xen.DOMID_SELF
	}
	for _, mfn := range mfns {
		x.setFrameLocked(owner, mfn, FramePresent)
	}
}

// SetAllocLimit bounds the number of outstanding unpopulated pages. A
// negative limit means unlimited.
func (x *Xen) SetAllocLimit(n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.allocLimit = n
}

// FailBind makes Bind fail for port.
func (x *Xen) FailBind(port uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.badPorts[port] = true
}

// Hypercall implements platform.Hypervisor.Hypercall.
func (x *Xen) Hypercall(ctx context.Context, op uint64, args [5]uint64) (uintptr, error) {
	x.mu.Lock()
	x.hypercalls++
	fn := x.HypercallFunc
	x.mu.Unlock()
	if fn == nil {
		return 0, nil
	}
	return fn(op, args)
}

// DMOp implements platform.Hypervisor.DMOp.
func (x *Xen) DMOp(ctx context.Context, dom xen.DomID, bufs []xen.DMOpBuf) error {
	call := DMOpCall{Dom: dom}
	for _, b := range bufs {
		call.Bufs = append(call.Bufs, slices.Clone(b.Data))
	}
	x.mu.Lock()
	x.dmops = append(x.dmops, call)
	fn := x.DMOpFunc
	x.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(dom, bufs)
}

// AcquireResource implements platform.Hypervisor.AcquireResource.
func (x *Xen) AcquireResource(ctx context.Context, res *xen.MemAcquireResource, frames []uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.hypercalls++
	r, ok := x.resources[resourceKey{res.DomID, res.Type, res.ID}]
	if !ok {
		return linuxerr.EINVAL
	}
	if frames == nil {
		res.NrFrames = uint32(len(r.mfns))
		return nil
	}
	if uint64(len(frames)) != uint64(res.NrFrames) || res.Frame+uint64(res.NrFrames) > uint64(len(r.mfns)) {
		return linuxerr.EINVAL
	}
	if !x.autoTranslated {
		copy(frames, r.mfns[res.Frame:])
	}
	res.Flags = 0
	if r.callerOwned {
		res.Flags |= xen.XENMEM_rsrc_acq_caller_owned
	}
	return nil
}

// AutoTranslated implements platform.Hypervisor.AutoTranslated.
func (x *Xen) AutoTranslated() bool {
	return x.autoTranslated
}

// AllocUnpopulated implements platform.PageAllocator.AllocUnpopulated.
func (x *Xen) AllocUnpopulated(n int) ([]*platform.Page, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.allocLimit >= 0 && len(x.allocated)+n > x.allocLimit {
		return nil, linuxerr.ENOMEM
	}
	pages := make([]*platform.Page, n)
	for i := range pages {
		p := &platform.Page{PFN: x.nextPFN, Data: make([]byte, hostarch.PageSize)}
		x.nextPFN++
		x.allocated[p] = struct{}{}
		pages[i] = p
	}
	return pages, nil
}

// FreeUnpopulated implements platform.PageAllocator.FreeUnpopulated.
func (x *Xen) FreeUnpopulated(pages []*platform.Page) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, p := range pages {
		if _, ok := x.allocated[p]; !ok {
			panic("freeing page that was not allocated")
		}
		delete(x.allocated, p)
	}
}

// Allocated returns the number of outstanding unpopulated pages.
func (x *Xen) Allocated() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.allocated)
}

func addressSpace(r *platform.Region) *AddressSpace {
	return r.AS.(*AddressSpace)
}

func inRegion(r *platform.Region, va hostarch.Addr) bool {
	return va >= r.Start && va < r.End
}

// RemapRange implements platform.Remapper.RemapRange.
func (x *Xen) RemapRange(r *platform.Region, va hostarch.Addr, mfn uint64, npages uint64, dom xen.DomID) error {
	x.mu.Lock()
	x.remaps++
	x.mu.Unlock()
	as := addressSpace(r)
	for i := uint64(0); i < npages; i++ {
		addr := va + hostarch.Addr(i<<hostarch.PageShift)
		if !inRegion(r, addr) {
			return linuxerr.EINVAL
		}
		as.setLocked(addr, PTE{Dom: dom, Frame: mfn + i})
	}
	return nil
}

// RemapArray implements platform.Remapper.RemapArray.
func (x *Xen) RemapArray(r *platform.Region, va hostarch.Addr, frames []uint64, errs []int32, dom xen.DomID, pages []*platform.Page) (int, error) {
	if len(errs) != len(frames) || (pages != nil && len(pages) < len(frames)) {
		panic("RemapArray: mismatched frames, errs and pages")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.remaps++
	as := addressSpace(r)
	mapped := 0
	for i, gfn := range frames {
		addr := va + hostarch.Addr(i<<hostarch.PageShift)
		if !inRegion(r, addr) {
			errs[i] = -int32(unix.EINVAL)
			continue
		}
		switch x.frames[dom][gfn] {
		case FramePresent:
			pte := PTE{Dom: dom, Frame: gfn}
			if pages != nil {
				pte.Page = pages[i]
			}
			as.setLocked(addr, pte)
			errs[i] = 0
			mapped++
		case FramePagedOut:
			errs[i] = -int32(unix.ENOENT)
		default:
			errs[i] = -int32(unix.EINVAL)
		}
	}
	return mapped, nil
}

// RemapPages implements platform.Remapper.RemapPages.
func (x *Xen) RemapPages(r *platform.Region, addr hostarch.Addr, length uint64, pages []*platform.Page) error {
	x.mu.Lock()
	x.remaps++
	x.mu.Unlock()
	n := int(length >> hostarch.PageShift)
	if n > len(pages) {
		return linuxerr.EINVAL
	}
	as := addressSpace(r)
	for i := 0; i < n; i++ {
		va := addr + hostarch.Addr(i<<hostarch.PageShift)
		if !inRegion(r, va) {
			return linuxerr.EFAULT
		}
		as.setLocked(va, PTE{Dom: xen.DOMID_SELF, Frame: pages[i].PFN, Page: pages[i]})
	}
	return nil
}

// Unmap implements platform.Remapper.Unmap.
func (x *Xen) Unmap(r *platform.Region, nframes int, pages []*platform.Page) error {
	x.mu.Lock()
	x.unmaps++
	x.mu.Unlock()
	if nframes > len(pages) {
		return linuxerr.EINVAL
	}
	as := addressSpace(r)
	for addr := r.Start; addr < r.End; addr += hostarch.PageSize {
		if pte, ok := as.ptes[addr]; ok && slices.Contains(pages[:nframes], pte.Page) {
			as.clearLocked(addr)
		}
	}
	return nil
}

// Bind implements platform.EventChannels.Bind.
func (x *Xen) Bind(port uint32, h platform.InterruptHandler) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.badPorts[port] {
		return linuxerr.EINVAL
	}
	x.ports[port] = append(x.ports[port], h)
	return nil
}

// Unbind implements platform.EventChannels.Unbind.
func (x *Xen) Unbind(port uint32, h platform.InterruptHandler) {
	x.mu.Lock()
	defer x.mu.Unlock()
	hs := x.ports[port]
	if i := slices.Index(hs, h); i >= 0 {
		hs = slices.Delete(hs, i, i+1)
	}
	if len(hs) == 0 {
		delete(x.ports, port)
	} else {
		x.ports[port] = hs
	}
}

// Notify implements platform.EventChannels.Notify.
func (x *Xen) Notify(port uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.notified[port]++
}

// Raise delivers an interrupt on port and reports whether any handler
// claimed it.
func (x *Xen) Raise(port uint32) bool {
	x.mu.Lock()
	hs := slices.Clone(x.ports[port])
	x.mu.Unlock()
	handled := false
	for _, h := range hs {
		if h.HandleInterrupt() {
			handled = true
		}
	}
	return handled
}

// Bound returns the number of handlers bound to port.
func (x *Xen) Bound(port uint32) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.ports[port])
}

// BoundPorts returns the number of ports with at least one handler.
func (x *Xen) BoundPorts() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.ports)
}

// Notifications returns the number of Notify calls for port.
func (x *Xen) Notifications(port uint32) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.notified[port]
}

// DMOps returns the DMOp calls issued so far.
func (x *Xen) DMOps() []DMOpCall {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.dmops)
}

// Calls returns the number of hypercalls, DMOps and remap operations
// issued so far.
func (x *Xen) Calls() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.hypercalls + len(x.dmops) + x.remaps + x.unmaps
}

// Remaps returns the number of remap operations issued so far.
func (x *Xen) Remaps() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.remaps
}

// Unmaps returns the number of Unmap calls issued so far.
func (x *Xen) Unmaps() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.unmaps
}
