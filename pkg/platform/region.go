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

package platform

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// AddressSpace is the virtual memory manager of the process issuing privcmd
// operations.
type AddressSpace interface {
	// Lock acquires the address space's write lock. Region lookups and
	// remapping happen with the lock held.
	Lock()

	// Unlock releases the lock acquired by Lock.
	Unlock()

	// FindRegion returns the first region ending after addr, or nil.
	FindRegion(addr hostarch.Addr) *Region

	// LookupRegion returns the region containing addr, or nil.
	LookupRegion(addr hostarch.Addr) *Region

	// IsMapped reports whether any page in [addr, addr+npages*PageSize) has a
	// present page table entry.
	IsMapped(addr hostarch.Addr, npages uint64) bool
}

// RegionOps is implemented by the owner of a region.
type RegionOps interface {
	// Close is called when the region is torn down.
	Close(r *Region)

	// Fault is called on an access to an unmapped page of the region. A nil
	// return means the fault was resolved.
	Fault(r *Region, addr hostarch.Addr) error
}

// Region is a range of virtual memory in an AddressSpace, the equivalent of a
// Linux vm_area_struct.
type Region struct {
	// Start and End bound the region. Both are page aligned.
	Start hostarch.Addr
	End   hostarch.Addr

	// AS is the address space containing the region.
	AS AddressSpace

	// Ops is set by the owner of the region when the region is created.
	Ops RegionOps

	// Private is owned by Ops. It is protected by AS's lock.
	Private any
}

// NumPages returns the number of pages in r.
func (r *Region) NumPages() uint64 {
	return uint64(r.End-r.Start) >> hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (r *Region) String() string {
	return fmt.Sprintf("%#x-%#x", r.Start, r.End)
}

// BusError is returned by RegionOps.Fault when the access cannot be
// satisfied.
type BusError struct {
	Addr hostarch.Addr
}

// Error implements error.Error.
func (b *BusError) Error() string {
	return fmt.Sprintf("bus error at %#x", b.Addr)
}
