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
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/privcmd/pkg/abi/xen"
)

// MapResource acquires req.Num frames, starting at req.Idx, of the hypervisor
// resource identified by req.Dom, req.Type and req.ID, and maps them into the
// unclaimed region containing req.Addr.
//
// If both req.Addr and req.Num are zero, MapResource only queries the size
// of the resource, in frames, and returns it.
func (fd *FD) MapResource(ctx context.Context, req *xen.PrivcmdMmapResource) (uint32, error) {
	if err := fd.checkDomain(req.Dom); err != nil {
		return 0, err
	}
	if (req.Addr == 0) != (req.Num == 0) {
		return 0, linuxerr.EINVAL
	}
	res := xen.MemAcquireResource{
		DomID: req.Dom,
		Type:  uint16(req.Type),
		ID:    req.ID,
	}
	if req.Addr == 0 {
		if err := fd.dev.hv.AcquireResource(ctx, &res, nil); err != nil {
			return 0, err
		}
		return res.NrFrames, nil
	}
	if req.Num > maxMapPages || req.Num > 1<<32-1 {
		return 0, linuxerr.EINVAL
	}

	as := fd.caller.AddressSpace
	as.Lock()
	defer as.Unlock()

	addr := hostarch.Addr(req.Addr)
	r := as.FindRegion(addr)
	m := fd.dev.mappingOf(r)
	if m == nil || m.state != unclaimed {
		return 0, linuxerr.EINVAL
	}
	end, ok := addr.AddLength(req.Num << hostarch.PageShift)
	if addr < r.Start || !ok || end > r.End {
		return 0, linuxerr.EINVAL
	}

	frames := make([]uint64, req.Num)
	auto := fd.dev.hv.AutoTranslated()
	first := int((addr.RoundDown() - r.Start) >> hostarch.PageShift)
	if auto {
		if err := fd.dev.claimOwned(m, int(r.NumPages())); err != nil {
			return 0, err
		}
		for i := range frames {
			frames[i] = m.pages[first+i].PFN
		}
	} else {
		m.state = locked
	}

	res.Frame = uint64(req.Idx)
	res.NrFrames = uint32(req.Num)
	if err := fd.dev.hv.AcquireResource(ctx, &res, frames); err != nil {
		return 0, err
	}
	resourceMappings.Increment()

	if auto {
		return 0, fd.dev.remap.RemapPages(r, addr.RoundDown(), req.Num<<hostarch.PageShift, m.pages[first:])
	}

	dom := req.Dom
	if res.Flags&xen.XENMEM_rsrc_acq_caller_owned != 0 {
		dom = xen.DOMID_SELF
	}
	errs := make([]int32, len(frames))
	if _, err := fd.dev.remap.RemapArray(r, addr.RoundDown(), frames, errs, dom, nil); err != nil {
		return 0, err
	}
	for _, e := range errs {
		if e != 0 {
			return 0, linuxerr.ErrorFromUnix(unix.Errno(-e))
		}
	}
	return 0, nil
}
