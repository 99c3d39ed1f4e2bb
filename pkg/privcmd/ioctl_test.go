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
	"bytes"
	"testing"

	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/eventsink"
	"gvisor.dev/privcmd/pkg/platform/platformtest"
)

func TestIoctlUnknownCommand(t *testing.T) {
	e := newTestEnv(t, false)
	if _, err := e.fd.Ioctl(context.Background(), 0xdeadbeef, 0); !linuxerr.Equals(linuxerr.ENOTTY, err) {
		t.Errorf("Ioctl: got err %v, want ENOTTY", err)
	}
}

func TestIoctlArgumentFault(t *testing.T) {
	e := newTestEnv(t, false)
	for _, cmd := range []uint32{
		xen.IOCTL_PRIVCMD_HYPERCALL,
		xen.IOCTL_PRIVCMD_MMAP,
		xen.IOCTL_PRIVCMD_MMAPBATCH,
		xen.IOCTL_PRIVCMD_MMAPBATCH_V2,
		xen.IOCTL_PRIVCMD_DM_OP,
		xen.IOCTL_PRIVCMD_RESTRICT,
		xen.IOCTL_PRIVCMD_MMAP_RESOURCE,
		xen.IOCTL_PRIVCMD_IRQFD,
		xen.IOCTL_PRIVCMD_IOEVENTFD,
	} {
		if _, err := e.fd.Ioctl(context.Background(), cmd, memSize); !linuxerr.Equals(linuxerr.EFAULT, err) {
			t.Errorf("Ioctl(%#x) with argument out of range: got err %v, want EFAULT", cmd, err)
		}
	}
}

func TestIoctlHypercallAndRestrict(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, false)
	e.xen.HypercallFunc = func(op uint64, args [5]uint64) (uintptr, error) {
		return uintptr(op + args[0]), nil
	}
	hc := e.putStruct(&xen.PrivcmdHypercall{Op: 10, Arg: [5]uint64{5}})
	ret, err := e.fd.Ioctl(ctx, xen.IOCTL_PRIVCMD_HYPERCALL, hc)
	if err != nil || ret != 15 {
		t.Fatalf("HYPERCALL: got (%d, %v), want (15, nil)", ret, err)
	}

	var dom [xen.SizeofDomID]byte
	hostarch.ByteOrder.PutUint16(dom[:], 5)
	if _, err := e.fd.Ioctl(ctx, xen.IOCTL_PRIVCMD_RESTRICT, e.put(dom[:])); err != nil {
		t.Fatalf("RESTRICT failed: %v", err)
	}
	if got, ok := e.fd.Restricted(); !ok || got != 5 {
		t.Errorf("Restricted: got (%d, %t), want (5, true)", got, ok)
	}
	if _, err := e.fd.Ioctl(ctx, xen.IOCTL_PRIVCMD_HYPERCALL, hc); !linuxerr.Equals(linuxerr.EPERM, err) {
		t.Errorf("HYPERCALL on restricted handle: got err %v, want EPERM", err)
	}
}

func TestIoctlMapBatchV1(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, false)
	frames := batchFrames(e, []platformtest.FrameState{platformtest.FramePresent, platformtest.FramePagedOut})
	r := e.mmap(t, regionBase, 2)
	arr := e.putFrames(frames)
	arg := e.putStruct(&xen.PrivcmdMmapBatch{Num: 2, Dom: testDom, Addr: uint64(r.Start), Arr: arr})
	if _, err := e.fd.Ioctl(ctx, xen.IOCTL_PRIVCMD_MMAPBATCH, arg); !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Fatalf("MMAPBATCH: got err %v, want ENOENT", err)
	}
	if got, want := e.frames(arr, 2)[1], frames[1]|xen.PRIVCMD_MMAPBATCH_PAGED_ERROR; got != want {
		t.Errorf("paged out frame: got %#x, want %#x", got, want)
	}

	neg := e.putStruct(&xen.PrivcmdMmapBatch{Num: -1, Dom: testDom, Addr: uint64(r.Start), Arr: arr})
	if _, err := e.fd.Ioctl(ctx, xen.IOCTL_PRIVCMD_MMAPBATCH, neg); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("MMAPBATCH with negative count: got err %v, want EINVAL", err)
	}
}

func TestIoctlMapBatchV2(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, false)
	frames := batchFrames(e, []platformtest.FrameState{platformtest.FramePresent, platformtest.FramePresent})
	r := e.mmap(t, regionBase, 2)
	arg := e.putStruct(&xen.PrivcmdMmapBatchV2{Num: 2, Dom: testDom, Addr: uint64(r.Start), Arr: e.putFrames(frames), Err: e.alloc(8)})
	if _, err := e.fd.Ioctl(ctx, xen.IOCTL_PRIVCMD_MMAPBATCH_V2, arg); err != nil {
		t.Fatalf("MMAPBATCH_V2 failed: %v", err)
	}
	if got := e.as.Mapped(); got != 2 {
		t.Errorf("mapped pages: got %d, want 2", got)
	}
}

func TestIoctlMapResourceQuery(t *testing.T) {
	e := newTestEnv(t, false)
	addTestResource(e, false)
	arg := e.putStruct(&xen.PrivcmdMmapResource{
		Dom:  testDom,
		Type: xen.XENMEM_resource_ioreq_server,
		ID:   testResourceID,
	})
	if _, err := e.fd.Ioctl(context.Background(), xen.IOCTL_PRIVCMD_MMAP_RESOURCE, arg); err != nil {
		t.Fatalf("MMAP_RESOURCE failed: %v", err)
	}
	var res xen.PrivcmdMmapResource
	res.UnmarshalBytes(e.mem.Bytes[arg:])
	if res.Num != uint64(len(testResourceFrames)) {
		t.Errorf("num after query: got %d, want %d", res.Num, len(testResourceFrames))
	}
}

func TestIoctlDMOp(t *testing.T) {
	e := newTestEnv(t, false)
	data := e.put([]byte("op"))
	arg := e.putStruct(&xen.PrivcmdDMOp{Dom: testDom, Num: 1, UBufs: e.putDMOpBufs([]xen.PrivcmdDMOpBuf{{UPtr: data, Size: 2}})})
	if _, err := e.fd.Ioctl(context.Background(), xen.IOCTL_PRIVCMD_DM_OP, arg); err != nil {
		t.Fatalf("DM_OP failed: %v", err)
	}
	if calls := e.xen.DMOps(); len(calls) != 1 || !bytes.Equal(calls[0].Bufs[0], []byte("op")) {
		t.Errorf("DMOp calls: got %+v, want one call with %q", calls, "op")
	}
}

func TestIoctlIrqfd(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, false)
	sink := eventsink.New(0, false)
	fd := e.sinks.Install(sink)
	payload := e.put([]byte("set-irq"))
	irq := xen.PrivcmdIrqfd{DMOp: payload, Size: 7, FD: uint32(fd), Dom: testDom}
	if _, err := e.fd.Ioctl(ctx, xen.IOCTL_PRIVCMD_IRQFD, e.putStruct(&irq)); err != nil {
		t.Fatalf("IRQFD assign failed: %v", err)
	}

	// The payload was captured at assignment.
	copy(e.mem.Bytes[payload:], "changed")
	if err := sink.Signal(1); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}
	calls := e.xen.DMOps()
	if len(calls) != 1 || calls[0].Dom != testDom || !bytes.Equal(calls[0].Bufs[0], []byte("set-irq")) {
		t.Fatalf("DMOp calls after signal: got %+v, want one call to %d with %q", calls, testDom, "set-irq")
	}

	irq.Flags = xen.PRIVCMD_IRQFD_FLAG_DEASSIGN
	if _, err := e.fd.Ioctl(ctx, xen.IOCTL_PRIVCMD_IRQFD, e.putStruct(&irq)); err != nil {
		t.Fatalf("IRQFD deassign failed: %v", err)
	}
	sink.Signal(1)
	if got := len(e.xen.DMOps()); got != 1 {
		t.Errorf("DMOp calls after deassign: got %d, want 1", got)
	}
}

func TestIrqfdInvalid(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, false)
	fd := e.sinks.Install(eventsink.New(0, false))
	if err := e.fd.Irqfd(ctx, &xen.PrivcmdIrqfd{FD: uint32(fd), Flags: 2, Dom: testDom}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Irqfd with unknown flags: got err %v, want EINVAL", err)
	}
	if err := e.fd.Irqfd(ctx, &xen.PrivcmdIrqfd{FD: uint32(fd) + 1, Dom: testDom}); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("Irqfd with unknown descriptor: got err %v, want EBADF", err)
	}
}

// ioreqEnv maps a one-page I/O request area of an auto-translated host and
// returns it.
func ioreqEnv(t *testing.T) (*testEnv, *mapping, hostarch.Addr) {
	t.Helper()
	e := newTestEnv(t, true)
	e.xen.AddResource(testDom, xen.XENMEM_resource_ioreq_server, 0, []uint64{0x900}, false)
	r := e.mmap(t, regionBase, 1)
	if _, err := e.fd.MapResource(context.Background(), &xen.PrivcmdMmapResource{
		Dom:  testDom,
		Type: xen.XENMEM_resource_ioreq_server,
		Num:  1,
		Addr: uint64(r.Start),
	}); err != nil {
		t.Fatalf("MapResource failed: %v", err)
	}
	return e, r.Private.(*mapping), r.Start
}

func TestIoctlIoeventfd(t *testing.T) {
	const (
		port    = 0x21
		mmioDev = 0x10000000
		vq      = 2
	)
	ctx := context.Background()
	e, m, ioreq := ioreqEnv(t)
	sink := eventsink.New(0, false)
	var ports [4]byte
	hostarch.ByteOrder.PutUint32(ports[:], port)
	req := xen.PrivcmdIoeventfd{
		Ioreq:   ioreq,
		Ports:   e.put(ports[:]),
		Addr:    mmioDev,
		AddrLen: 4,
		EventFD: uint32(e.sinks.Install(sink)),
		VCPUs:   1,
		VQ:      vq,
		Dom:     testDom,
	}
	if _, err := e.fd.Ioctl(ctx, xen.IOCTL_PRIVCMD_IOEVENTFD, e.putStruct(&req)); err != nil {
		t.Fatalf("IOEVENTFD assign failed: %v", err)
	}
	if got := e.xen.Bound(port); got != 1 {
		t.Fatalf("handlers bound to port: got %d, want 1", got)
	}

	io := xen.Ioreq{
		Addr:  mmioDev + xen.VIRTIO_MMIO_QUEUE_NOTIFY,
		Data:  vq,
		Size:  4,
		State: xen.STATE_IOREQ_READY,
		Dir:   xen.IOREQ_WRITE,
		Type:  xen.IOREQ_TYPE_COPY,
	}
	io.MarshalBytes(m.pages[0].Data)
	if !e.xen.Raise(port) {
		t.Fatalf("queue notify not handled")
	}
	if got := sink.Drain(); got != 1 {
		t.Errorf("sink value: got %d, want 1", got)
	}
	var done xen.Ioreq
	done.UnmarshalBytes(m.pages[0].Data)
	if done.State != xen.STATE_IORESP_READY {
		t.Errorf("request state: got %d, want %d", done.State, xen.STATE_IORESP_READY)
	}
	if got := e.xen.Notifications(port); got != 1 {
		t.Errorf("notifications: got %d, want 1", got)
	}

	req.Flags = xen.PRIVCMD_IOEVENTFD_FLAG_DEASSIGN
	if err := e.fd.Ioeventfd(ctx, &req); err != nil {
		t.Fatalf("Ioeventfd deassign failed: %v", err)
	}
	if got := e.xen.Bound(port); got != 0 {
		t.Errorf("handlers bound to port after deassign: got %d, want 0", got)
	}
	if err := e.fd.Ioeventfd(ctx, &req); !linuxerr.Equals(linuxerr.ENODEV, err) {
		t.Errorf("second deassign: got err %v, want ENODEV", err)
	}
}

func TestIoeventfdNeedsOwnedRegion(t *testing.T) {
	e := newTestEnv(t, false)
	r := e.mmap(t, regionBase, 1)
	var ports [4]byte
	err := e.fd.Ioeventfd(context.Background(), &xen.PrivcmdIoeventfd{
		Ioreq:   r.Start,
		Ports:   e.put(ports[:]),
		Addr:    0x10000000,
		AddrLen: 4,
		EventFD: uint32(e.sinks.Install(eventsink.New(0, false))),
		VCPUs:   1,
		Dom:     testDom,
	})
	if !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("Ioeventfd on unclaimed region: got err %v, want EFAULT", err)
	}
}
