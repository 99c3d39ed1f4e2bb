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

package host

import (
	"runtime"
	"unsafe"

	"golang.org/x/exp/constraints"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/privcmd/pkg/abi/xen"
)

// ioctlInvoke makes an ioctl syscall with an integer argument. Hypercalls
// may block, so it does not use RawSyscall.
func ioctlInvoke[Cmd, Arg constraints.Integer](hostFD int32, cmd Cmd, arg Arg) (uintptr, error) {
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(hostFD), uintptr(cmd), uintptr(arg))
	if errno != 0 {
		return n, errno
	}
	return n, nil
}

// ioctlInvokeBuf makes an ioctl syscall whose argument is the structure
// marshalled in buf.
func ioctlInvokeBuf[Cmd constraints.Integer](hostFD int32, cmd Cmd, buf []byte) (uintptr, error) {
	n, err := ioctlInvoke(hostFD, cmd, uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(buf)
	return n, err
}

func (h *Hypervisor) hypercall(hc *xen.PrivcmdHypercall) (uintptr, error) {
	buf := make([]byte, hc.SizeBytes())
	hc.MarshalBytes(buf)
	return ioctlInvokeBuf(h.hostFD, xen.IOCTL_PRIVCMD_HYPERCALL, buf)
}

func (h *Hypervisor) dmOp(dom xen.DomID, bufs []xen.DMOpBuf) error {
	descs := make([]byte, len(bufs)*xen.SizeofPrivcmdDMOpBuf)
	rest := descs
	for i := range bufs {
		d := xen.PrivcmdDMOpBuf{Size: uint64(len(bufs[i].Data))}
		if len(bufs[i].Data) != 0 {
			d.UPtr = hostarch.Addr(uintptr(unsafe.Pointer(&bufs[i].Data[0])))
		}
		rest = d.MarshalBytes(rest)
	}
	op := xen.PrivcmdDMOp{
		Dom:   dom,
		Num:   uint16(len(bufs)),
		UBufs: hostarch.Addr(uintptr(unsafe.Pointer(&descs[0]))),
	}
	buf := make([]byte, op.SizeBytes())
	op.MarshalBytes(buf)
	_, err := ioctlInvokeBuf(h.hostFD, xen.IOCTL_PRIVCMD_DM_OP, buf)
	runtime.KeepAlive(descs)
	runtime.KeepAlive(bufs)
	return err
}

func (h *Hypervisor) mmapResource(req *xen.PrivcmdMmapResource) error {
	buf := make([]byte, req.SizeBytes())
	req.MarshalBytes(buf)
	if _, err := ioctlInvokeBuf(h.hostFD, xen.IOCTL_PRIVCMD_MMAP_RESOURCE, buf); err != nil {
		return err
	}
	req.UnmarshalBytes(buf)
	return nil
}
