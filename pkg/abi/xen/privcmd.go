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

import (
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Ioctl encoding, from include/uapi/asm-generic/ioctl.h.
const (
	iocNone  = 0
	iocWrite = 1

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	// privcmdMagic is the IOC_TYPE of privcmd ioctls.
	privcmdMagic = 'P'
)

// Sizes of the privcmd ioctl argument structures.
const (
	SizeofPrivcmdHypercall    = 48
	SizeofPrivcmdMmapEntry    = 24
	SizeofPrivcmdMmap         = 16
	SizeofPrivcmdMmapBatch    = 24
	SizeofPrivcmdMmapBatchV2  = 32
	SizeofPrivcmdDMOpBuf      = 16
	SizeofPrivcmdDMOp         = 16
	SizeofPrivcmdMmapResource = 32
	SizeofPrivcmdIrqfd        = 24
	SizeofPrivcmdIoeventfd    = 48
	SizeofDomID               = 2
	SizeofPFN                 = 8
)

// Privcmd ioctl commands, from include/uapi/xen/privcmd.h.
const (
	IOCTL_PRIVCMD_HYPERCALL     = iocNone<<iocDirShift | SizeofPrivcmdHypercall<<iocSizeShift | privcmdMagic<<iocTypeShift | 0<<iocNRShift
	IOCTL_PRIVCMD_MMAP          = iocNone<<iocDirShift | SizeofPrivcmdMmap<<iocSizeShift | privcmdMagic<<iocTypeShift | 2<<iocNRShift
	IOCTL_PRIVCMD_MMAPBATCH     = iocNone<<iocDirShift | SizeofPrivcmdMmapBatch<<iocSizeShift | privcmdMagic<<iocTypeShift | 3<<iocNRShift
	IOCTL_PRIVCMD_MMAPBATCH_V2  = iocNone<<iocDirShift | SizeofPrivcmdMmapBatchV2<<iocSizeShift | privcmdMagic<<iocTypeShift | 4<<iocNRShift
	IOCTL_PRIVCMD_DM_OP         = iocNone<<iocDirShift | SizeofPrivcmdDMOp<<iocSizeShift | privcmdMagic<<iocTypeShift | 5<<iocNRShift
	IOCTL_PRIVCMD_RESTRICT      = iocNone<<iocDirShift | SizeofDomID<<iocSizeShift | privcmdMagic<<iocTypeShift | 6<<iocNRShift
	IOCTL_PRIVCMD_MMAP_RESOURCE = iocNone<<iocDirShift | SizeofPrivcmdMmapResource<<iocSizeShift | privcmdMagic<<iocTypeShift | 7<<iocNRShift
	IOCTL_PRIVCMD_IRQFD         = iocWrite<<iocDirShift | SizeofPrivcmdIrqfd<<iocSizeShift | privcmdMagic<<iocTypeShift | 8<<iocNRShift
	IOCTL_PRIVCMD_IOEVENTFD     = iocWrite<<iocDirShift | SizeofPrivcmdIoeventfd<<iocSizeShift | privcmdMagic<<iocTypeShift | 9<<iocNRShift
)

// MMAPBATCH V1 error encodings. The top nibble of the 32-bit frame number
// carries the error, which loses information for callers with frame numbers
// using those bits. Only kept for V1 compatibility.
const (
	PRIVCMD_MMAPBATCH_MFN_ERROR   = 0xf0000000
	PRIVCMD_MMAPBATCH_PAGED_ERROR = 0x80000000
)

// Flags for PrivcmdIrqfd and PrivcmdIoeventfd.
const (
	PRIVCMD_IRQFD_FLAG_DEASSIGN     = 1 << 0
	PRIVCMD_IOEVENTFD_FLAG_DEASSIGN = 1 << 0
)

// PrivcmdHypercall is struct privcmd_hypercall.
type PrivcmdHypercall struct {
	Op  uint64
	Arg [5]uint64
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*PrivcmdHypercall) SizeBytes() int { return SizeofPrivcmdHypercall }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (p *PrivcmdHypercall) MarshalBytes(dst []byte) []byte {
	dst = putUint64(dst, p.Op)
	for _, a := range p.Arg {
		dst = putUint64(dst, a)
	}
	return dst
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (p *PrivcmdHypercall) UnmarshalBytes(src []byte) []byte {
	p.Op, src = getUint64(src)
	for i := range p.Arg {
		p.Arg[i], src = getUint64(src)
	}
	return src
}

// PrivcmdMmapEntry is struct privcmd_mmap_entry.
type PrivcmdMmapEntry struct {
	VA     uint64
	MFN    uint64
	NPages uint64
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*PrivcmdMmapEntry) SizeBytes() int { return SizeofPrivcmdMmapEntry }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (e *PrivcmdMmapEntry) MarshalBytes(dst []byte) []byte {
	dst = putUint64(dst, e.VA)
	dst = putUint64(dst, e.MFN)
	return putUint64(dst, e.NPages)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (e *PrivcmdMmapEntry) UnmarshalBytes(src []byte) []byte {
	e.VA, src = getUint64(src)
	e.MFN, src = getUint64(src)
	e.NPages, src = getUint64(src)
	return src
}

// PrivcmdMmap is struct privcmd_mmap.
type PrivcmdMmap struct {
	Num   int32
	Dom   DomID
	_     uint16
	Entry hostarch.Addr
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*PrivcmdMmap) SizeBytes() int { return SizeofPrivcmdMmap }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (m *PrivcmdMmap) MarshalBytes(dst []byte) []byte {
	dst = putUint32(dst, uint32(m.Num))
	dst = putUint16(dst, uint16(m.Dom))
	dst = putUint16(dst, 0)
	return putUint64(dst, uint64(m.Entry))
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (m *PrivcmdMmap) UnmarshalBytes(src []byte) []byte {
	var v32 uint32
	var v16 uint16
	var v64 uint64
	v32, src = getUint32(src)
	m.Num = int32(v32)
	v16, src = getUint16(src)
	m.Dom = DomID(v16)
	_, src = getUint16(src)
	v64, src = getUint64(src)
	m.Entry = hostarch.Addr(v64)
	return src
}

// PrivcmdMmapBatch is struct privcmd_mmapbatch (V1). Per-frame errors are
// returned in-band in Arr.
type PrivcmdMmapBatch struct {
	Num  int32
	Dom  DomID
	_    uint16
	Addr uint64
	Arr  hostarch.Addr
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*PrivcmdMmapBatch) SizeBytes() int { return SizeofPrivcmdMmapBatch }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (m *PrivcmdMmapBatch) MarshalBytes(dst []byte) []byte {
	dst = putUint32(dst, uint32(m.Num))
	dst = putUint16(dst, uint16(m.Dom))
	dst = putUint16(dst, 0)
	dst = putUint64(dst, m.Addr)
	return putUint64(dst, uint64(m.Arr))
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (m *PrivcmdMmapBatch) UnmarshalBytes(src []byte) []byte {
	var v32 uint32
	var v16 uint16
	var v64 uint64
	v32, src = getUint32(src)
	m.Num = int32(v32)
	v16, src = getUint16(src)
	m.Dom = DomID(v16)
	_, src = getUint16(src)
	m.Addr, src = getUint64(src)
	v64, src = getUint64(src)
	m.Arr = hostarch.Addr(v64)
	return src
}

// PrivcmdMmapBatchV2 is struct privcmd_mmapbatch_v2. Per-frame errors are
// returned in the separate Err array.
type PrivcmdMmapBatchV2 struct {
	Num  uint32
	Dom  DomID
	_    uint16
	Addr uint64
	Arr  hostarch.Addr
	Err  hostarch.Addr
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*PrivcmdMmapBatchV2) SizeBytes() int { return SizeofPrivcmdMmapBatchV2 }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (m *PrivcmdMmapBatchV2) MarshalBytes(dst []byte) []byte {
	dst = putUint32(dst, m.Num)
	dst = putUint16(dst, uint16(m.Dom))
	dst = putUint16(dst, 0)
	dst = putUint64(dst, m.Addr)
	dst = putUint64(dst, uint64(m.Arr))
	return putUint64(dst, uint64(m.Err))
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (m *PrivcmdMmapBatchV2) UnmarshalBytes(src []byte) []byte {
	var v16 uint16
	var v64 uint64
	m.Num, src = getUint32(src)
	v16, src = getUint16(src)
	m.Dom = DomID(v16)
	_, src = getUint16(src)
	m.Addr, src = getUint64(src)
	v64, src = getUint64(src)
	m.Arr = hostarch.Addr(v64)
	v64, src = getUint64(src)
	m.Err = hostarch.Addr(v64)
	return src
}

// PrivcmdDMOpBuf is struct privcmd_dm_op_buf.
type PrivcmdDMOpBuf struct {
	UPtr hostarch.Addr
	Size uint64
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*PrivcmdDMOpBuf) SizeBytes() int { return SizeofPrivcmdDMOpBuf }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (b *PrivcmdDMOpBuf) MarshalBytes(dst []byte) []byte {
	dst = putUint64(dst, uint64(b.UPtr))
	return putUint64(dst, b.Size)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (b *PrivcmdDMOpBuf) UnmarshalBytes(src []byte) []byte {
	var v64 uint64
	v64, src = getUint64(src)
	b.UPtr = hostarch.Addr(v64)
	b.Size, src = getUint64(src)
	return src
}

// PrivcmdDMOp is struct privcmd_dm_op.
type PrivcmdDMOp struct {
	Dom   DomID
	Num   uint16
	_     uint32
	UBufs hostarch.Addr
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*PrivcmdDMOp) SizeBytes() int { return SizeofPrivcmdDMOp }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (d *PrivcmdDMOp) MarshalBytes(dst []byte) []byte {
	dst = putUint16(dst, uint16(d.Dom))
	dst = putUint16(dst, d.Num)
	dst = putUint32(dst, 0)
	return putUint64(dst, uint64(d.UBufs))
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (d *PrivcmdDMOp) UnmarshalBytes(src []byte) []byte {
	var v16 uint16
	var v64 uint64
	v16, src = getUint16(src)
	d.Dom = DomID(v16)
	d.Num, src = getUint16(src)
	_, src = getUint32(src)
	v64, src = getUint64(src)
	d.UBufs = hostarch.Addr(v64)
	return src
}

// PrivcmdMmapResource is struct privcmd_mmap_resource.
type PrivcmdMmapResource struct {
	Dom  DomID
	_    uint16
	Type uint32
	ID   uint32
	Idx  uint32
	Num  uint64
	Addr uint64
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*PrivcmdMmapResource) SizeBytes() int { return SizeofPrivcmdMmapResource }

// PrivcmdMmapResourceNumOffset is the offset of Num within struct
// privcmd_mmap_resource; a size query writes the frame count back there.
const PrivcmdMmapResourceNumOffset = 16

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (r *PrivcmdMmapResource) MarshalBytes(dst []byte) []byte {
	dst = putUint16(dst, uint16(r.Dom))
	dst = putUint16(dst, 0)
	dst = putUint32(dst, r.Type)
	dst = putUint32(dst, r.ID)
	dst = putUint32(dst, r.Idx)
	dst = putUint64(dst, r.Num)
	return putUint64(dst, r.Addr)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (r *PrivcmdMmapResource) UnmarshalBytes(src []byte) []byte {
	var v16 uint16
	v16, src = getUint16(src)
	r.Dom = DomID(v16)
	_, src = getUint16(src)
	r.Type, src = getUint32(src)
	r.ID, src = getUint32(src)
	r.Idx, src = getUint32(src)
	r.Num, src = getUint64(src)
	r.Addr, src = getUint64(src)
	return src
}

// PrivcmdIrqfd is struct privcmd_irqfd.
type PrivcmdIrqfd struct {
	DMOp  hostarch.Addr
	Size  uint32
	FD    uint32
	Flags uint32
	Dom   DomID
	_     [2]uint8
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*PrivcmdIrqfd) SizeBytes() int { return SizeofPrivcmdIrqfd }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (i *PrivcmdIrqfd) MarshalBytes(dst []byte) []byte {
	dst = putUint64(dst, uint64(i.DMOp))
	dst = putUint32(dst, i.Size)
	dst = putUint32(dst, i.FD)
	dst = putUint32(dst, i.Flags)
	dst = putUint16(dst, uint16(i.Dom))
	return putUint16(dst, 0)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (i *PrivcmdIrqfd) UnmarshalBytes(src []byte) []byte {
	var v16 uint16
	var v64 uint64
	v64, src = getUint64(src)
	i.DMOp = hostarch.Addr(v64)
	i.Size, src = getUint32(src)
	i.FD, src = getUint32(src)
	i.Flags, src = getUint32(src)
	v16, src = getUint16(src)
	i.Dom = DomID(v16)
	_, src = getUint16(src)
	return src
}

// PrivcmdIoeventfd is struct privcmd_ioeventfd.
type PrivcmdIoeventfd struct {
	Ioreq   hostarch.Addr
	Ports   hostarch.Addr
	Addr    uint64
	AddrLen uint32
	EventFD uint32
	VCPUs   uint32
	VQ      uint32
	Flags   uint32
	Dom     DomID
	_       [2]uint8
}

// SizeBytes implements marshal.Marshallable.SizeBytes.
func (*PrivcmdIoeventfd) SizeBytes() int { return SizeofPrivcmdIoeventfd }

// MarshalBytes implements marshal.Marshallable.MarshalBytes.
func (i *PrivcmdIoeventfd) MarshalBytes(dst []byte) []byte {
	dst = putUint64(dst, uint64(i.Ioreq))
	dst = putUint64(dst, uint64(i.Ports))
	dst = putUint64(dst, i.Addr)
	dst = putUint32(dst, i.AddrLen)
	dst = putUint32(dst, i.EventFD)
	dst = putUint32(dst, i.VCPUs)
	dst = putUint32(dst, i.VQ)
	dst = putUint32(dst, i.Flags)
	dst = putUint16(dst, uint16(i.Dom))
	return putUint16(dst, 0)
}

// UnmarshalBytes implements marshal.Marshallable.UnmarshalBytes.
func (i *PrivcmdIoeventfd) UnmarshalBytes(src []byte) []byte {
	var v16 uint16
	var v64 uint64
	v64, src = getUint64(src)
	i.Ioreq = hostarch.Addr(v64)
	v64, src = getUint64(src)
	i.Ports = hostarch.Addr(v64)
	i.Addr, src = getUint64(src)
	i.AddrLen, src = getUint32(src)
	i.EventFD, src = getUint32(src)
	i.VCPUs, src = getUint32(src)
	i.VQ, src = getUint32(src)
	i.Flags, src = getUint32(src)
	v16, src = getUint16(src)
	i.Dom = DomID(v16)
	_, src = getUint16(src)
	return src
}

func putUint16(dst []byte, v uint16) []byte {
	hostarch.ByteOrder.PutUint16(dst[:2], v)
	return dst[2:]
}

func putUint32(dst []byte, v uint32) []byte {
	hostarch.ByteOrder.PutUint32(dst[:4], v)
	return dst[4:]
}

func putUint64(dst []byte, v uint64) []byte {
	hostarch.ByteOrder.PutUint64(dst[:8], v)
	return dst[8:]
}

func getUint16(src []byte) (uint16, []byte) {
	return hostarch.ByteOrder.Uint16(src[:2]), src[2:]
}

func getUint32(src []byte) (uint32, []byte) {
	return hostarch.ByteOrder.Uint32(src[:4]), src[4:]
}

func getUint64(src []byte) (uint64, []byte) {
	return hostarch.ByteOrder.Uint64(src[:8]), src[8:]
}
