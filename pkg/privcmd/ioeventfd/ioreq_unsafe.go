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

package ioeventfd

import (
	"sync/atomic"
	"unsafe"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/privcmd/pkg/abi/xen"
)

// slot is a view of one struct ioreq in a shared I/O request page. The
// hypervisor and the guest's vCPU update it concurrently, so the control
// word is only accessed atomically.
type slot []byte

func (s slot) control() *uint32 {
	return (*uint32)(unsafe.Pointer(&s[xen.IoreqControlOffset]))
}

func (s slot) loadControl() uint32 {
	return atomic.LoadUint32(s.control())
}

// setState replaces the state bits of the control word.
func (s slot) setState(state uint32) {
	ctrl := s.control()
	for {
		old := atomic.LoadUint32(ctrl)
		new := old&^xen.IoreqStateMask | state<<xen.IoreqStateShift
		if atomic.CompareAndSwapUint32(ctrl, old, new) {
			return
		}
	}
}

func (s slot) addr() uint64 {
	return hostarch.ByteOrder.Uint64(s[xen.IoreqAddrOffset:])
}

func (s slot) data() uint64 {
	return hostarch.ByteOrder.Uint64(s[xen.IoreqDataOffset:])
}

func (s slot) size() uint32 {
	return hostarch.ByteOrder.Uint32(s[xen.IoreqSizeOffset:])
}

func controlState(w uint32) uint32 {
	return (w & xen.IoreqStateMask) >> xen.IoreqStateShift
}

func controlType(w uint32) uint32 {
	return w >> xen.IoreqTypeShift
}

func controlDir(w uint32) uint32 {
	return (w >> xen.IoreqDirShift) & 1
}
