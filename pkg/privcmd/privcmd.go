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

// Package privcmd implements the Xen privileged command device: it lets a
// control process issue hypercalls, map foreign guest frames and hypervisor
// resources into its address space, submit device model operations, and
// route events between event sinks and guests.
//
// A Device is shared by all callers. Each caller opens an FD, which may be
// restricted to a single target domain, and issues commands through
// FD.Ioctl or the equivalent typed methods.
package privcmd

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/metric"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/usermem"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/eventsink"
	"gvisor.dev/privcmd/pkg/platform"
	"gvisor.dev/privcmd/pkg/privcmd/ioeventfd"
	"gvisor.dev/privcmd/pkg/privcmd/irqfd"
	"gvisor.dev/privcmd/pkg/privcmd/privcmdconf"
)

var (
	hypercalls       = metric.MustCreateNewUint64Metric("/privcmd/hypercalls", metric.Uint64Metadata{Description: "Number of raw hypercalls issued."})
	mmapBatches      = metric.MustCreateNewUint64Metric("/privcmd/mmap_batches", metric.Uint64Metadata{Description: "Number of batch foreign mapping requests."})
	mmapFrameErrors  = metric.MustCreateNewUint64Metric("/privcmd/mmap_frame_errors", metric.Uint64Metadata{Description: "Number of frames that failed to map in batch requests."})
	resourceMappings = metric.MustCreateNewUint64Metric("/privcmd/resource_mappings", metric.Uint64Metadata{Description: "Number of hypervisor resources mapped."})
	dmOps            = metric.MustCreateNewUint64Metric("/privcmd/dm_ops", metric.Uint64Metadata{Description: "Number of device model operations issued."})
)

// Options configures a Device.
type Options struct {
	Hypervisor    platform.Hypervisor
	Remapper      platform.Remapper
	PageAllocator platform.PageAllocator
	EventChannels platform.EventChannels

	// Config is the initial configuration. If nil, privcmdconf.Default() is
	// used.
	Config *privcmdconf.Config
}

// Device is the privcmd device.
type Device struct {
	hv     platform.Hypervisor
	remap  platform.Remapper
	pages  platform.PageAllocator
	evtchn platform.EventChannels

	tunables   *privcmdconf.Tunables
	irqfds     *irqfd.Registry
	ioeventfds *ioeventfd.Registry

	// ops is installed in every region mapped through the device, and
	// identifies them.
	ops *regionOps

	releaseOnce sync.Once
}

// New creates a device.
func New(opts Options) (*Device, error) {
	if opts.Hypervisor == nil || opts.Remapper == nil || opts.PageAllocator == nil || opts.EventChannels == nil {
		return nil, fmt.Errorf("privcmd: incomplete platform")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = privcmdconf.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("privcmd: %w", err)
	}
	d := &Device{
		hv:       opts.Hypervisor,
		remap:    opts.Remapper,
		pages:    opts.PageAllocator,
		evtchn:   opts.EventChannels,
		tunables: privcmdconf.NewTunables(cfg),
	}
	d.ops = &regionOps{dev: d}
	d.irqfds = irqfd.NewRegistry(d.hv, d.tunables)
	d.ioeventfds = ioeventfd.NewRegistry(d.evtchn)
	log.Infof("privcmd: device created (auto-translated: %t, dm_op limits: %d bufs of %d bytes)",
		d.hv.AutoTranslated(), d.tunables.DMOpMaxBufs(), d.tunables.DMOpBufMaxSize())
	return d, nil
}

// Tunables returns the device's runtime tunables.
func (d *Device) Tunables() *privcmdconf.Tunables {
	return d.tunables
}

// Release tears down all event routing. Regions mapped through the device
// remain until their address space unmaps them.
func (d *Device) Release() {
	d.releaseOnce.Do(func() {
		d.ioeventfds.Release()
		d.irqfds.Release()
		log.Infof("privcmd: device released")
	})
}

// Caller describes the process issuing commands through an FD.
type Caller struct {
	// IO accesses the caller's memory. Addresses in commands are
	// interpreted in it.
	IO usermem.IO

	// AddressSpace holds the regions mapped through the device.
	AddressSpace platform.AddressSpace

	// Pinner pins the caller's memory for device model operations.
	Pinner platform.Pinner

	// Sinks resolves event sink descriptors.
	Sinks eventsink.Resolver
}

// FD is an open handle on the device.
type FD struct {
	dev    *Device
	caller Caller

	// mu protects dom.
	mu sync.Mutex

	// dom is the domain the handle is restricted to, or DOMID_INVALID.
	dom xen.DomID
}

// Open returns a new, unrestricted handle for caller.
func (d *Device) Open(caller Caller) *FD {
	return &FD{
		dev:    d,
		caller: caller,
		dom:    xen.DOMID_INVALID,
	}
}

// Restricted returns the domain fd is restricted to, if any.
func (fd *FD) Restricted() (xen.DomID, bool) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.dom, fd.dom != xen.DOMID_INVALID
}

// Restrict restricts fd to dom. Restricting again to the same domain
// succeeds; restricting to another domain fails with EINVAL.
func (fd *FD) Restrict(dom xen.DomID) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if fd.dom == xen.DOMID_INVALID {
		fd.dom = dom
		return nil
	}
	if fd.dom != dom {
		return linuxerr.EINVAL
	}
	return nil
}

// checkDomain fails with EPERM if fd is restricted to a domain other than
// dom.
func (fd *FD) checkDomain(dom xen.DomID) error {
	if restricted, ok := fd.Restricted(); ok && restricted != dom {
		return linuxerr.EPERM
	}
	return nil
}
