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

package xen

// I/O request states, from xen/include/public/hvm/ioreq.h.
const (
	STATE_IOREQ_NONE      = 0
	STATE_IOREQ_READY     = 1
	STATE_IOREQ_INPROCESS = 2
	STATE_IORESP_READY    = 3
)

// I/O request types.
const (
	IOREQ_TYPE_PIO  = 0
	IOREQ_TYPE_COPY = 1
)

// I/O request directions.
const (
	IOREQ_WRITE = 0
	IOREQ_READ  = 1
)

// VIRTIO_MMIO_QUEUE_NOTIFY is the offset of the queue notify register in a
// virtio-mmio device, from include/uapi/linux/virtio_mmio.h.
const VIRTIO_MMIO_QUEUE_NOTIFY = 0x050

// QueueNotifyVQMask selects the virtqueue index from a queue notify write.
const QueueNotifyVQMask = 0xFFFF

// SizeofIoreq is the size of struct ioreq. A shared I/O request page holds
// one ioreq per vCPU, indexed by vCPU number.
const SizeofIoreq = 32

// Offsets into struct ioreq.
const (
	IoreqAddrOffset  = 0
	IoreqDataOffset  = 8
	IoreqCountOffset = 16
	IoreqSizeOffset  = 20
	IoreqPortOffset  = 24

	// IoreqControlOffset is the offset of the 32-bit word holding _pad0,
	// the state/flags byte and the type byte. The state is updated with
	// atomic operations on this word.
	IoreqControlOffset = 28
)

// Bit layout of the control word, little-endian.
const (
	IoreqStateShift = 16
	IoreqStateMask  = 0xf << IoreqStateShift
	IoreqDataIsPtr  = 1 << 20
	IoreqDirShift   = 21
	IoreqDF         = 1 << 22
	IoreqTypeShift  = 24
)

// Ioreq mirrors struct ioreq:
//
//	struct ioreq {
//		uint64_t addr;
//		uint64_t data;
//		uint32_t count;
//		uint32_t size;
//		uint32_t vp_eport;
//		uint16_t _pad0;
//		uint8_t state:4;
//		uint8_t data_is_ptr:1;
//		uint8_t dir:1;
//		uint8_t df:1;
//		uint8_t _pad1:1;
//		uint8_t type;
//	};
type Ioreq struct {
	Addr      uint64
	Data      uint64
	Count     uint32
	Size      uint32
	VPEport   uint32
	State     uint8
	DataIsPtr bool
	Dir       uint8
	DF        bool
	Type      uint8
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*Ioreq) SizeBytes() int {
	return SizeofIoreq
}

// Control returns the control word of r.
func (r *Ioreq) Control() uint32 {
	w := uint32(r.State&0xf)<<IoreqStateShift |
		uint32(r.Dir&1)<<IoreqDirShift |
		uint32(r.Type)<<IoreqTypeShift
	if r.DataIsPtr {
		w |= IoreqDataIsPtr
	}
	if r.DF {
		w |= IoreqDF
	}
	return w
}

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *Ioreq) MarshalBytes(dst []byte) []byte {
	dst = putUint64(dst, r.Addr)
	dst = putUint64(dst, r.Data)
	dst = putUint32(dst, r.Count)
	dst = putUint32(dst, r.Size)
	dst = putUint32(dst, r.VPEport)
	return putUint32(dst, r.Control())
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *Ioreq) UnmarshalBytes(src []byte) []byte {
	r.Addr, src = getUint64(src)
	r.Data, src = getUint64(src)
	r.Count, src = getUint32(src)
	r.Size, src = getUint32(src)
	r.VPEport, src = getUint32(src)
	var w uint32
	w, src = getUint32(src)
	r.State = uint8((w & IoreqStateMask) >> IoreqStateShift)
	r.DataIsPtr = w&IoreqDataIsPtr != 0
	r.Dir = uint8(w>>IoreqDirShift) & 1
	r.DF = w&IoreqDF != 0
	r.Type = uint8(w >> IoreqTypeShift)
	return src
}
