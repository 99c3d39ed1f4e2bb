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
	"math"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/usermem"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/pagelist"
	"gvisor.dev/privcmd/pkg/platform"
)

// maxMapPages bounds the page count of a single mapping request, so that
// byte lengths never overflow.
const maxMapPages = math.MaxInt64 >> hostarch.PageShift

// MapSingle maps req.Num ranges of contiguous machine frames, described by
// the entries at req.Entry, into the unclaimed region starting at the first
// entry's address. Entries must be contiguous and in increasing order.
//
// Only hosts without auto-translated physmap support it.
func (fd *FD) MapSingle(ctx context.Context, req *xen.PrivcmdMmap) error {
	if fd.dev.hv.AutoTranslated() {
		return linuxerr.ENOSYS
	}
	if err := fd.checkDomain(req.Dom); err != nil {
		return err
	}
	if req.Num < 0 {
		return linuxerr.EINVAL
	}
	if req.Num == 0 {
		return nil
	}

	l, err := pagelist.Gather(ctx, fd.caller.IO, int(req.Num), xen.SizeofPrivcmdMmapEntry, req.Entry)
	defer l.Release()
	if err != nil {
		return err
	}

	var first xen.PrivcmdMmapEntry
	pagelist.Traverse(1, xen.SizeofPrivcmdMmapEntry, l, func(rec []byte) error {
		first.UnmarshalBytes(rec)
		return nil
	})

	as := fd.caller.AddressSpace
	as.Lock()
	defer as.Unlock()

	va := hostarch.Addr(first.VA)
	r := as.FindRegion(va)
	m := fd.dev.mappingOf(r)
	if m == nil || r.Start != va || m.state != unclaimed {
		return linuxerr.EINVAL
	}
	m.state = locked

	return pagelist.Traverse(int(req.Num), xen.SizeofPrivcmdMmapEntry, l, func(rec []byte) error {
		var e xen.PrivcmdMmapEntry
		e.UnmarshalBytes(rec)
		if e.NPages > maxMapPages || e.NPages<<hostarch.PageShift >= -uint64(va) {
			return linuxerr.EINVAL
		}
		if e.VA != uint64(va) || e.VA+e.NPages<<hostarch.PageShift > uint64(r.End) {
			return linuxerr.EINVAL
		}
		if err := fd.dev.remap.RemapRange(r, hostarch.Addr(e.VA).RoundDown(), e.MFN, e.NPages, req.Dom); err != nil {
			return err
		}
		va += hostarch.Addr(e.NPages << hostarch.PageShift)
		return nil
	})
}

// globalError summarizes the per-frame outcomes of a batch.
type globalError int

const (
	// noError means every frame mapped.
	noError globalError = iota

	// mixedError means at least one frame failed with an error other than
	// ENOENT.
	mixedError

	// allPagedOut means at least one frame failed, and every failure was
	// ENOENT: the caller should page the frames in and retry.
	allPagedOut
)

// batchState is the state of a batch mapping across blocks.
type batchState struct {
	r     *platform.Region
	dom   xen.DomID
	va    hostarch.Addr
	index int
	pages []*platform.Page

	// errs holds one outcome per frame: 0 or a negative errno.
	errs []int32

	pagedOut int
	failed   int
}

func (s *batchState) global() globalError {
	switch {
	case s.failed > 0:
		return mixedError
	case s.pagedOut > 0:
		return allPagedOut
	default:
		return noError
	}
}

var enoent = -int32(unix.ENOENT)

// MapBatch maps req.Num foreign frames of req.Dom, listed at req.Arr, into
// the region at req.Addr, one page per frame.
//
// Frames that fail to map do not stop the batch. If any frame failed, the
// per-frame outcomes are written back: for version 1 by setting
// PRIVCMD_MMAPBATCH_PAGED_ERROR or PRIVCMD_MMAPBATCH_MFN_ERROR in the frame
// array, for version 2 as negative errnos in the array at req.Err. MapBatch
// then returns ENOENT if every failure was ENOENT, and nil otherwise.
//
// Frames that mapped are left in place. A caller retries the failed frames
// with further requests over the holes they left; a request covering an
// already mapped page fails with EINVAL.
func (fd *FD) MapBatch(ctx context.Context, req *xen.PrivcmdMmapBatchV2, version int) error {
	if version != 1 && version != 2 {
		return linuxerr.EINVAL
	}
	if err := fd.checkDomain(req.Dom); err != nil {
		return err
	}
	if req.Num == 0 || uint64(req.Num) > maxMapPages {
		return linuxerr.EINVAL
	}
	num := int(req.Num)
	mmapBatches.Increment()

	l, err := pagelist.Gather(ctx, fd.caller.IO, num, xen.SizeofPFN, req.Arr)
	defer l.Release()
	if err != nil {
		return err
	}

	if version == 2 {
		// Successful frames are reported as zeroes.
		if _, err := fd.caller.IO.ZeroOut(ctx, req.Err, int64(num)*4, usermem.IOOpts{}); err != nil {
			return linuxerr.EFAULT
		}
	}

	st := batchState{
		dom:  req.Dom,
		va:   hostarch.Addr(req.Addr),
		errs: make([]int32, num),
	}
	if err := fd.mapBatchLocked(&st, l, num); err != nil {
		return err
	}

	g := st.global()
	if g == noError {
		return nil
	}
	mmapFrameErrors.IncrementBy(uint64(st.failed + st.pagedOut))
	if err := fd.writeBatchErrors(ctx, req, version, &st, l, num); err != nil {
		return err
	}
	if g == allPagedOut {
		return linuxerr.ENOENT
	}
	return nil
}

// mapBatchLocked validates the target region and maps every block of l
// into it, with the caller's address space locked.
func (fd *FD) mapBatchLocked(st *batchState, l *pagelist.List, num int) error {
	as := fd.caller.AddressSpace
	as.Lock()
	defer as.Unlock()

	npages := uint64(num)
	length := hostarch.Addr(npages << hostarch.PageShift)
	r := as.FindRegion(st.va)
	m := fd.dev.mappingOf(r)
	if m == nil {
		return linuxerr.EINVAL
	}
	if m.state == unclaimed {
		// The first request sizes the region exactly.
		if st.va != r.Start || st.va+length != r.End {
			return linuxerr.EINVAL
		}
		if fd.dev.hv.AutoTranslated() {
			if err := fd.dev.claimOwned(m, num); err != nil {
				return err
			}
		} else {
			m.state = locked
		}
	} else {
		end, ok := st.va.AddLength(uint64(length))
		if st.va < r.Start || !ok || end > r.End {
			return linuxerr.EINVAL
		}
		if as.IsMapped(st.va, npages) {
			return linuxerr.EINVAL
		}
	}
	st.r = r
	if m.state == owned {
		st.pages = m.pages[(st.va-r.Start)>>hostarch.PageShift:]
	}

	return pagelist.TraverseBlocks(num, xen.SizeofPFN, l, func(block []byte, n int) error {
		frames := make([]uint64, n)
		for i := range frames {
			frames[i] = hostarch.ByteOrder.Uint64(block[i*xen.SizeofPFN:])
		}
		errs := st.errs[st.index : st.index+n]
		var pages []*platform.Page
		if st.pages != nil {
			pages = st.pages[st.index : st.index+n]
		}
		// Per-frame outcomes are in errs; the return value adds nothing.
		fd.dev.remap.RemapArray(st.r, st.va.RoundDown(), frames, errs, st.dom, pages)
		for _, e := range errs {
			switch {
			case e == 0:
			case e == enoent:
				st.pagedOut++
			default:
				st.failed++
			}
		}
		st.va += hostarch.Addr(n << hostarch.PageShift)
		st.index += n
		return nil
	})
}

// writeBatchErrors reports per-frame outcomes back to the caller.
func (fd *FD) writeBatchErrors(ctx context.Context, req *xen.PrivcmdMmapBatchV2, version int, st *batchState, l *pagelist.List, num int) error {
	uio := fd.caller.IO
	index := 0
	return pagelist.TraverseBlocks(num, xen.SizeofPFN, l, func(block []byte, n int) error {
		errs := st.errs[index : index+n]
		if version == 1 {
			for i, e := range errs {
				if e == 0 {
					continue
				}
				frame := hostarch.ByteOrder.Uint64(block[i*xen.SizeofPFN:])
				if e == enoent {
					frame |= xen.PRIVCMD_MMAPBATCH_PAGED_ERROR
				} else {
					frame |= xen.PRIVCMD_MMAPBATCH_MFN_ERROR
				}
				var buf [xen.SizeofPFN]byte
				hostarch.ByteOrder.PutUint64(buf[:], frame)
				addr := req.Arr + hostarch.Addr((index+i)*xen.SizeofPFN)
				if _, err := uio.CopyOut(ctx, addr, buf[:], usermem.IOOpts{}); err != nil {
					return linuxerr.EFAULT
				}
			}
		} else {
			buf := make([]byte, n*4)
			for i, e := range errs {
				hostarch.ByteOrder.PutUint32(buf[i*4:], uint32(e))
			}
			if _, err := uio.CopyOut(ctx, req.Err+hostarch.Addr(index*4), buf, usermem.IOOpts{}); err != nil {
				return linuxerr.EFAULT
			}
		}
		index += n
		return nil
	})
}
