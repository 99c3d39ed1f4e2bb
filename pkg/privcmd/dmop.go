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
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/usermem"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/platform"
)

// pinnedRange is a range of pages pinned through a platform.Pinner.
type pinnedRange struct {
	addr   hostarch.Addr
	npages int
}

func bufPages(b *xen.PrivcmdDMOpBuf) int {
	off := uint64(b.UPtr.PageOffset())
	return int((off + b.Size + hostarch.PageSize - 1) >> hostarch.PageShift)
}

// pinBuffers pins the pages of every buffer, within a budget of npages
// pages. Pinned ranges are appended to pinned even on failure.
func pinBuffers(p platform.Pinner, bufs []xen.PrivcmdDMOpBuf, npages int, pinned *[]pinnedRange) error {
	off := 0
	for i := 0; i < len(bufs); {
		requested := bufPages(&bufs[i]) - off
		if requested == 0 {
			// Empty buffer.
			i++
			continue
		}
		if requested > npages {
			return linuxerr.ENOSPC
		}
		addr := bufs[i].UPtr.RoundDown() + hostarch.Addr(off*hostarch.PageSize)
		n, err := p.Pin(addr, requested)
		if err != nil {
			return err
		}
		if n <= 0 {
			return linuxerr.EFAULT
		}
		*pinned = append(*pinned, pinnedRange{addr: addr, npages: n})
		npages -= n
		if n == requested {
			off = 0
			i++
		} else {
			off += n
		}
	}
	return nil
}

// DMOp issues the device model operation described by the req.Num buffers
// at req.UBufs against req.Dom. The buffers are pinned for the duration of
// the call, and the hypervisor's updates to them are copied back.
func (fd *FD) DMOp(ctx context.Context, req *xen.PrivcmdDMOp) error {
	if err := fd.checkDomain(req.Dom); err != nil {
		return err
	}
	if req.Num == 0 {
		return nil
	}
	tun := fd.dev.tunables
	if uint32(req.Num) > tun.DMOpMaxBufs() {
		return linuxerr.E2BIG
	}

	uio := fd.caller.IO
	raw := make([]byte, int(req.Num)*xen.SizeofPrivcmdDMOpBuf)
	if _, err := uio.CopyIn(ctx, req.UBufs, raw, usermem.IOOpts{}); err != nil {
		return linuxerr.EFAULT
	}
	kbufs := make([]xen.PrivcmdDMOpBuf, req.Num)
	npages := 0
	for i := range kbufs {
		raw = kbufs[i].UnmarshalBytes(raw)
		if kbufs[i].Size > uint64(tun.DMOpBufMaxSize()) {
			return linuxerr.E2BIG
		}
		if _, ok := kbufs[i].UPtr.AddLength(kbufs[i].Size); !ok {
			return linuxerr.EFAULT
		}
		npages += bufPages(&kbufs[i])
	}

	var pinned []pinnedRange
	defer func() {
		for _, pr := range pinned {
			fd.caller.Pinner.Unpin(pr.addr, pr.npages)
		}
	}()
	if err := pinBuffers(fd.caller.Pinner, kbufs, npages, &pinned); err != nil {
		return err
	}

	xbufs := make([]xen.DMOpBuf, len(kbufs))
	for i, kb := range kbufs {
		xbufs[i].Data = make([]byte, kb.Size)
		if _, err := uio.CopyIn(ctx, kb.UPtr, xbufs[i].Data, usermem.IOOpts{}); err != nil {
			return linuxerr.EFAULT
		}
	}
	dmOps.Increment()
	if err := fd.dev.hv.DMOp(ctx, req.Dom, xbufs); err != nil {
		return err
	}
	for i, kb := range kbufs {
		if _, err := uio.CopyOut(ctx, kb.UPtr, xbufs[i].Data, usermem.IOOpts{}); err != nil {
			return linuxerr.EFAULT
		}
	}
	return nil
}
