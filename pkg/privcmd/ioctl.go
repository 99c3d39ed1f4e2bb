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
)

// marshallable is implemented by the ABI structures.
type marshallable interface {
	SizeBytes() int
	MarshalBytes(dst []byte) []byte
	UnmarshalBytes(src []byte) []byte
}

func (fd *FD) copyIn(ctx context.Context, addr hostarch.Addr, m marshallable) error {
	buf := make([]byte, m.SizeBytes())
	if _, err := fd.caller.IO.CopyIn(ctx, addr, buf, usermem.IOOpts{}); err != nil {
		return linuxerr.EFAULT
	}
	m.UnmarshalBytes(buf)
	return nil
}

// Ioctl executes the command cmd with the argument structure at arg in the
// caller's memory.
func (fd *FD) Ioctl(ctx context.Context, cmd uint32, arg hostarch.Addr) (uintptr, error) {
	switch cmd {
	case xen.IOCTL_PRIVCMD_HYPERCALL:
		var hc xen.PrivcmdHypercall
		if _, ok := fd.Restricted(); ok {
			return 0, linuxerr.EPERM
		}
		if err := fd.copyIn(ctx, arg, &hc); err != nil {
			return 0, err
		}
		return fd.Hypercall(ctx, hc.Op, hc.Arg)

	case xen.IOCTL_PRIVCMD_MMAP:
		var m xen.PrivcmdMmap
		if err := fd.copyIn(ctx, arg, &m); err != nil {
			return 0, err
		}
		return 0, fd.MapSingle(ctx, &m)

	case xen.IOCTL_PRIVCMD_MMAPBATCH:
		var m xen.PrivcmdMmapBatch
		if err := fd.copyIn(ctx, arg, &m); err != nil {
			return 0, err
		}
		if m.Num <= 0 {
			return 0, linuxerr.EINVAL
		}
		return 0, fd.MapBatch(ctx, &xen.PrivcmdMmapBatchV2{
			Num:  uint32(m.Num),
			Dom:  m.Dom,
			Addr: m.Addr,
			Arr:  m.Arr,
		}, 1)

	case xen.IOCTL_PRIVCMD_MMAPBATCH_V2:
		var m xen.PrivcmdMmapBatchV2
		if err := fd.copyIn(ctx, arg, &m); err != nil {
			return 0, err
		}
		return 0, fd.MapBatch(ctx, &m, 2)

	case xen.IOCTL_PRIVCMD_DM_OP:
		var op xen.PrivcmdDMOp
		if err := fd.copyIn(ctx, arg, &op); err != nil {
			return 0, err
		}
		return 0, fd.DMOp(ctx, &op)

	case xen.IOCTL_PRIVCMD_RESTRICT:
		var buf [xen.SizeofDomID]byte
		if _, err := fd.caller.IO.CopyIn(ctx, arg, buf[:], usermem.IOOpts{}); err != nil {
			return 0, linuxerr.EFAULT
		}
		return 0, fd.Restrict(xen.DomID(hostarch.ByteOrder.Uint16(buf[:])))

	case xen.IOCTL_PRIVCMD_MMAP_RESOURCE:
		var res xen.PrivcmdMmapResource
		if err := fd.copyIn(ctx, arg, &res); err != nil {
			return 0, err
		}
		n, err := fd.MapResource(ctx, &res)
		if err != nil || res.Addr != 0 {
			return 0, err
		}
		// Size query: report the size in the num field.
		var buf [8]byte
		hostarch.ByteOrder.PutUint64(buf[:], uint64(n))
		if _, err := fd.caller.IO.CopyOut(ctx, arg+xen.PrivcmdMmapResourceNumOffset, buf[:], usermem.IOOpts{}); err != nil {
			return 0, linuxerr.EFAULT
		}
		return 0, nil

	case xen.IOCTL_PRIVCMD_IRQFD:
		var irq xen.PrivcmdIrqfd
		if err := fd.copyIn(ctx, arg, &irq); err != nil {
			return 0, err
		}
		return 0, fd.Irqfd(ctx, &irq)

	case xen.IOCTL_PRIVCMD_IOEVENTFD:
		var ioe xen.PrivcmdIoeventfd
		if err := fd.copyIn(ctx, arg, &ioe); err != nil {
			return 0, err
		}
		return 0, fd.Ioeventfd(ctx, &ioe)

	default:
		ctx.Debugf("privcmd: unknown ioctl %#x", cmd)
		return 0, linuxerr.ENOTTY
	}
}

// Hypercall issues a raw hypercall. It is not allowed on restricted handles.
func (fd *FD) Hypercall(ctx context.Context, op uint64, args [5]uint64) (uintptr, error) {
	if _, ok := fd.Restricted(); ok {
		return 0, linuxerr.EPERM
	}
	hypercalls.Increment()
	return fd.dev.hv.Hypercall(ctx, op, args)
}

// Irqfd assigns or, with PRIVCMD_IRQFD_FLAG_DEASSIGN, deassigns an irqfd.
func (fd *FD) Irqfd(ctx context.Context, req *xen.PrivcmdIrqfd) error {
	if req.Flags&^xen.PRIVCMD_IRQFD_FLAG_DEASSIGN != 0 {
		return linuxerr.EINVAL
	}
	if err := fd.checkDomain(req.Dom); err != nil {
		return err
	}
	sink, err := fd.caller.Sinks.Lookup(int32(req.FD))
	if err != nil {
		return err
	}
	if req.Flags&xen.PRIVCMD_IRQFD_FLAG_DEASSIGN != 0 {
		fd.dev.irqfds.Deassign(sink)
		return nil
	}
	return fd.dev.irqfds.Assign(ctx, fd.caller.IO, req, sink)
}

// Ioeventfd assigns or, with PRIVCMD_IOEVENTFD_FLAG_DEASSIGN, deassigns an
// ioeventfd.
func (fd *FD) Ioeventfd(ctx context.Context, req *xen.PrivcmdIoeventfd) error {
	if req.Flags&^xen.PRIVCMD_IOEVENTFD_FLAG_DEASSIGN != 0 {
		return linuxerr.EINVAL
	}
	if err := fd.checkDomain(req.Dom); err != nil {
		return err
	}
	sink, err := fd.caller.Sinks.Lookup(int32(req.EventFD))
	if err != nil {
		return err
	}
	if req.Flags&xen.PRIVCMD_IOEVENTFD_FLAG_DEASSIGN != 0 {
		return fd.dev.ioeventfds.Deassign(req, sink)
	}
	return fd.dev.ioeventfds.Assign(ctx, fd.caller.IO, req, sink, fd)
}
