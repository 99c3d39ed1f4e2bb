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

package privcmd

import (
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/privcmd/pkg/platform"
)

// mappingState is the state of a region mapped through the device.
type mappingState int

const (
	// unclaimed regions have not been the target of a mapping request yet.
	unclaimed mappingState = iota

	// locked regions hold foreign mappings that are not backed by host
	// pages.
	locked

	// owned regions hold foreign mappings backed by host pages allocated
	// for the region, in mapping.pages.
	owned
)

// mapping is the private state of a region mapped through the device. A
// region leaves the unclaimed state at most once.
type mapping struct {
	state mappingState
	pages []*platform.Page
}

// regionOps implements platform.RegionOps for regions mapped through the
// device.
type regionOps struct {
	dev *Device
}

// Mmap claims r for the device. It is called when the caller maps the
// device into its address space.
func (d *Device) Mmap(r *platform.Region) error {
	r.Ops = d.ops
	r.Private = &mapping{}
	return nil
}

// mappingOf returns the device state of r, or nil if r was not mapped
// through d.
//
// Preconditions: r.AS is locked.
func (d *Device) mappingOf(r *platform.Region) *mapping {
	if r == nil || r.Ops != d.ops {
		return nil
	}
	m, _ := r.Private.(*mapping)
	return m
}

// claimOwned moves an unclaimed region to the owned state, backing it with
// npages freshly allocated host pages.
//
// Preconditions: r.AS is locked; m.state == unclaimed.
func (d *Device) claimOwned(m *mapping, npages int) error {
	pages, err := d.pages.AllocUnpopulated(npages)
	if err != nil {
		log.Warningf("privcmd: allocating %d unpopulated pages: %v", npages, err)
		return linuxerr.ENOMEM
	}
	m.pages = pages
	m.state = owned
	return nil
}

// Close implements platform.RegionOps.Close.
func (o *regionOps) Close(r *platform.Region) {
	m, ok := r.Private.(*mapping)
	if !ok || m.state != owned || len(m.pages) == 0 {
		return
	}
	d := o.dev
	nframes := int(r.NumPages())
	if nframes > len(m.pages) {
		nframes = len(m.pages)
	}
	if err := d.remap.Unmap(r, nframes, m.pages); err != nil {
		log.Warningf("privcmd: unable to unmap region %v: leaking %d pages: %v", r, len(m.pages), err)
	} else {
		d.pages.FreeUnpopulated(m.pages)
	}
	m.pages = nil
}

// Fault implements platform.RegionOps.Fault. Pages of a privcmd region are
// only ever populated by mapping requests.
func (o *regionOps) Fault(r *platform.Region, addr hostarch.Addr) error {
	log.Debugf("privcmd: fault in region %v at %#x", r, addr)
	return &platform.BusError{Addr: addr}
}

// IoreqPages returns the host pages backing the region at addr, which must
// have been mapped through the device with owned pages. It implements
// ioeventfd.PageFinder.
func (fd *FD) IoreqPages(addr hostarch.Addr) ([]*platform.Page, error) {
	as := fd.caller.AddressSpace
	as.Lock()
	defer as.Unlock()
	r := as.FindRegion(addr)
	m := fd.dev.mappingOf(r)
	if m == nil || m.state != owned {
		return nil, linuxerr.EFAULT
	}
	// The I/O request area starts at addr, which may be past the region
	// start.
	first := int((addr.RoundDown() - r.Start) >> hostarch.PageShift)
	if addr < r.Start || first >= len(m.pages) {
		return nil, linuxerr.EFAULT
	}
	return m.pages[first:], nil
}
