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

// Package platformtest provides in-memory implementations of the platform
// interfaces for tests.
package platformtest

import (
	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/platform"
)

// PTE is a page table entry installed by a Remapper.
type PTE struct {
	// Dom and Frame identify the mapped frame.
	Dom   xen.DomID
	Frame uint64

	// Page is the host page backing the entry, if any.
	Page *platform.Page
}

// AddressSpace is an in-memory platform.AddressSpace. Regions are kept in a
// btree ordered by end address.
type AddressSpace struct {
	mu sync.Mutex

	// regions and ptes are protected by mu, which callers of the
	// platform.AddressSpace methods hold through Lock.
	regions *btree.BTreeG[*platform.Region]
	ptes    map[hostarch.Addr]PTE
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		regions: btree.NewG(8, func(a, b *platform.Region) bool {
			return a.End < b.End
		}),
		ptes: make(map[hostarch.Addr]PTE),
	}
}

// Lock implements platform.AddressSpace.Lock.
func (as *AddressSpace) Lock() {
	as.mu.Lock()
}

// Unlock implements platform.AddressSpace.Unlock.
func (as *AddressSpace) Unlock() {
	as.mu.Unlock()
}

// FindRegion implements platform.AddressSpace.FindRegion.
func (as *AddressSpace) FindRegion(addr hostarch.Addr) *platform.Region {
	var found *platform.Region
	as.regions.AscendGreaterOrEqual(&platform.Region{End: addr + 1}, func(r *platform.Region) bool {
		found = r
		return false
	})
	return found
}

// LookupRegion implements platform.AddressSpace.LookupRegion.
func (as *AddressSpace) LookupRegion(addr hostarch.Addr) *platform.Region {
	if r := as.FindRegion(addr); r != nil && r.Start <= addr {
		return r
	}
	return nil
}

// IsMapped implements platform.AddressSpace.IsMapped.
func (as *AddressSpace) IsMapped(addr hostarch.Addr, npages uint64) bool {
	for i := uint64(0); i < npages; i++ {
		if _, ok := as.ptes[addr+hostarch.Addr(i<<hostarch.PageShift)]; ok {
			return true
		}
	}
	return false
}

// Map creates a region of npages pages at start and passes it to mmap, which
// plays the role of the mapped file's mmap handler.
func (as *AddressSpace) Map(start hostarch.Addr, npages uint64, mmap func(*platform.Region) error) (*platform.Region, error) {
	if !start.IsPageAligned() || npages == 0 {
		return nil, linuxerr.EINVAL
	}
	r := &platform.Region{
		Start: start,
		End:   start + hostarch.Addr(npages<<hostarch.PageShift),
		AS:    as,
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if other := as.FindRegion(r.Start); other != nil && other.Start < r.End {
		return nil, linuxerr.EEXIST
	}
	if mmap != nil {
		if err := mmap(r); err != nil {
			return nil, err
		}
	}
	as.regions.ReplaceOrInsert(r)
	return r, nil
}

// Unmap tears r down, calling its close handler.
func (as *AddressSpace) Unmap(r *platform.Region) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if r.Ops != nil {
		r.Ops.Close(r)
	}
	for addr := r.Start; addr < r.End; addr += hostarch.PageSize {
		delete(as.ptes, addr)
	}
	as.regions.Delete(r)
}

// Touch simulates an access to addr, faulting if no page is mapped there.
func (as *AddressSpace) Touch(addr hostarch.Addr) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	addr = addr.RoundDown()
	if _, ok := as.ptes[addr]; ok {
		return nil
	}
	r := as.LookupRegion(addr)
	if r == nil {
		return &platform.BusError{Addr: addr}
	}
	if r.Ops == nil {
		return nil
	}
	return r.Ops.Fault(r, addr)
}

// PTE returns the entry mapped at addr.
func (as *AddressSpace) PTE(addr hostarch.Addr) (PTE, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.ptes[addr.RoundDown()]
	return pte, ok
}

// Mapped returns the number of present entries.
func (as *AddressSpace) Mapped() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.ptes)
}

// SetPTE installs an entry directly, bypassing any Remapper.
func (as *AddressSpace) SetPTE(addr hostarch.Addr, pte PTE) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.ptes[addr.RoundDown()] = pte
}

func (as *AddressSpace) setLocked(addr hostarch.Addr, pte PTE) {
	as.ptes[addr] = pte
}

func (as *AddressSpace) clearLocked(addr hostarch.Addr) {
	delete(as.ptes, addr)
}
