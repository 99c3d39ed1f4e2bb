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

// Package xen defines constants and structures of the Xen privcmd ABI, as
// exposed by Linux's include/uapi/xen/privcmd.h and the hypervisor's public
// headers.
//
// Structures are laid out as on a 64-bit host. Each structure implements
// SizeBytes, MarshalBytes and UnmarshalBytes with the same semantics as
// go_marshal generated code, so they can be copied to and from caller memory
// with CopyIn/CopyOut.
package xen

// DomID is a Xen domain identifier (domid_t).
type DomID uint16

// Special domain identifiers, from xen/include/public/xen.h.
const (
	DOMID_FIRST_RESERVED DomID = 0x7FF0
	DOMID_SELF           DomID = 0x7FF0
	DOMID_IO             DomID = 0x7FF1
	DOMID_XEN            DomID = 0x7FF2
	DOMID_COW            DomID = 0x7FF3
	DOMID_INVALID        DomID = 0x7FF4
	DOMID_IDLE           DomID = 0x7FFF
)

// Xen page geometry. Xen always uses 4K frames regardless of the host page
// size.
const (
	XEN_PAGE_SHIFT = 12
	XEN_PAGE_SIZE  = 1 << XEN_PAGE_SHIFT
)

// Hypercall numbers, from xen/include/public/xen.h.
const (
	HYPERVISOR_memory_op = 12
	HYPERVISOR_dm_op     = 41
)

// Memory op subcommands, from xen/include/public/memory.h.
const (
	XENMEM_acquire_resource = 28

	// XENMEM_rsrc_acq_caller_owned is set by the hypervisor in
	// MemAcquireResource.Flags when the acquired frames are owned by the
	// calling domain rather than the target domain.
	XENMEM_rsrc_acq_caller_owned = 1 << 0
)

// Resource types for XENMEM_acquire_resource.
const (
	XENMEM_resource_ioreq_server = 0
	XENMEM_resource_grant_table  = 1
	XENMEM_resource_vmtrace_buf  = 2
)

// MemAcquireResource mirrors struct xen_mem_acquire_resource, minus the
// guest handle: the frame list travels separately.
type MemAcquireResource struct {
	DomID    DomID
	Type     uint16
	ID       uint32
	NrFrames uint32
	Flags    uint32
	Frame    uint64
}

// DMOpBuf mirrors struct xen_dm_op_buf with the buffer resolved to host
// memory.
type DMOpBuf struct {
	Data []byte
}
