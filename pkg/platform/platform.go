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

// Package platform defines the interfaces privcmd uses to reach the
// hypervisor and the host memory manager.
//
// Implementations live in platform/host (a real Xen host, through the host
// kernel's privcmd driver) and platform/platformtest (an in-memory model used
// by tests).
package platform

import (
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/privcmd/pkg/abi/xen"
)

// Hypervisor is the privileged call transport.
type Hypervisor interface {
	// Hypercall issues hypercall op with the given arguments and returns the
	// hypervisor's (non-negative) result. Negative results are returned as
	// errors.
	Hypercall(ctx context.Context, op uint64, args [5]uint64) (uintptr, error)

	// DMOp issues a device model operation against dom. The buffers are both
	// read and written by the hypervisor.
	DMOp(ctx context.Context, dom xen.DomID, bufs []xen.DMOpBuf) error

	// AcquireResource issues XENMEM_acquire_resource. If frames is nil, it
	// only reports the resource size in res.NrFrames. Otherwise len(frames)
	// == res.NrFrames; on input frames may hold host pfns that the resource
	// is to be placed at (auto-translated hosts), and on output it holds the
	// frames to remap. res.Flags is updated.
	AcquireResource(ctx context.Context, res *xen.MemAcquireResource, frames []uint64) error

	// AutoTranslated reports whether the host runs with
	// XENFEAT_auto_translated_physmap, in which case foreign frames must be
	// backed by host-allocated pages.
	AutoTranslated() bool
}

// Page is a host page that can back a foreign mapping.
type Page struct {
	// PFN is the host frame number of the page.
	PFN uint64

	// Data is the host view of the page, hostarch.PageSize bytes long.
	Data []byte
}

// PageAllocator allocates pages that have no memory behind them in the host
// physmap, for use as the target of foreign mappings.
type PageAllocator interface {
	// AllocUnpopulated allocates n pages.
	AllocUnpopulated(n int) ([]*Page, error)

	// FreeUnpopulated releases pages returned by AllocUnpopulated.
	FreeUnpopulated(pages []*Page)
}

// Remapper installs foreign frames into host page tables.
//
// All methods are called with r.AS locked.
type Remapper interface {
	// RemapRange maps npages contiguous machine frames starting at mfn into
	// r at va.
	RemapRange(r *Region, va hostarch.Addr, mfn uint64, npages uint64, dom xen.DomID) error

	// RemapArray maps frames owned by dom into r starting at va, one page per
	// frame. errs must have the same length as frames; RemapArray stores 0 or
	// a negative errno for every frame, even if it returns an error. If pages
	// is not nil, frames are mapped on top of those host pages. RemapArray
	// returns the number of frames mapped.
	RemapArray(r *Region, va hostarch.Addr, frames []uint64, errs []int32, dom xen.DomID, pages []*Page) (int, error)

	// RemapPages maps the host pages into r at [addr, addr+length).
	RemapPages(r *Region, addr hostarch.Addr, length uint64, pages []*Page) error

	// Unmap tears down nframes foreign frames mapped on top of pages.
	Unmap(r *Region, nframes int, pages []*Page) error
}

// Pinner pins caller memory so that it stays resident while the hypervisor
// accesses it.
type Pinner interface {
	// Pin pins up to npages pages for writing, starting with the page
	// containing addr. It returns the number of pages pinned, which may be
	// less than npages.
	Pin(addr hostarch.Addr, npages int) (int, error)

	// Unpin releases pages pinned by Pin and marks them dirty.
	Unpin(addr hostarch.Addr, npages int)
}

// InterruptHandler handles an event channel interrupt. HandleInterrupt runs
// in interrupt context: it must not block or allocate, and returns true if
// the interrupt was for this handler.
type InterruptHandler interface {
	HandleInterrupt() bool
}

// EventChannels is the host side of the event channel transport.
type EventChannels interface {
	// Bind binds h to port. Several handlers can share a port.
	Bind(port uint32, h InterruptHandler) error

	// Unbind removes h from port.
	Unbind(port uint32, h InterruptHandler)

	// Notify signals the remote end of port.
	Notify(port uint32)
}
