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
	"testing"

	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/platform/platformtest"
)

const testResourceID = 3

var testResourceFrames = []uint64{0x500, 0x501, 0x502}

func addTestResource(e *testEnv, callerOwned bool) {
	e.xen.AddResource(testDom, xen.XENMEM_resource_ioreq_server, testResourceID, testResourceFrames, callerOwned)
}

func TestMapResourceQuery(t *testing.T) {
	e := newTestEnv(t, false)
	addTestResource(e, false)
	n, err := e.fd.MapResource(context.Background(), &xen.PrivcmdMmapResource{
		Dom:  testDom,
		Type: xen.XENMEM_resource_ioreq_server,
		ID:   testResourceID,
	})
	if err != nil {
		t.Fatalf("MapResource failed: %v", err)
	}
	if n != uint32(len(testResourceFrames)) {
		t.Errorf("resource size: got %d, want %d", n, len(testResourceFrames))
	}
}

func TestMapResourceUnknown(t *testing.T) {
	e := newTestEnv(t, false)
	_, err := e.fd.MapResource(context.Background(), &xen.PrivcmdMmapResource{Dom: testDom, ID: 99})
	if !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("MapResource: got err %v, want EINVAL", err)
	}
}

func TestMapResource(t *testing.T) {
	for _, tc := range []struct {
		name        string
		callerOwned bool
		wantDom     xen.DomID
	}{
		{name: "foreign", wantDom: testDom},
		{name: "caller owned", callerOwned: true, wantDom: xen.DOMID_SELF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEnv(t, false)
			addTestResource(e, tc.callerOwned)
			r := e.mmap(t, regionBase, 4)
			req := xen.PrivcmdMmapResource{
				Dom:  testDom,
				Type: xen.XENMEM_resource_ioreq_server,
				ID:   testResourceID,
				Idx:  1,
				Num:  2,
				Addr: uint64(r.Start + hostarch.PageSize),
			}
			if _, err := e.fd.MapResource(ctx, &req); err != nil {
				t.Fatalf("MapResource failed: %v", err)
			}
			for i, mfn := range testResourceFrames[1:] {
				pte, ok := e.as.PTE(r.Start + hostarch.Addr((i+1)*hostarch.PageSize))
				if !ok || pte.Dom != tc.wantDom || pte.Frame != mfn {
					t.Errorf("page %d: got PTE %+v (present %t), want dom %d frame %#x", i+1, pte, ok, tc.wantDom, mfn)
				}
			}
			if got := e.as.Mapped(); got != 2 {
				t.Errorf("mapped pages: got %d, want 2", got)
			}

			// The region is claimed.
			if _, err := e.fd.MapResource(ctx, &req); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("second MapResource: got err %v, want EINVAL", err)
			}
		})
	}
}

func TestMapResourceAutoTranslated(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, true)
	addTestResource(e, false)
	r := e.mmap(t, regionBase, 4)
	req := xen.PrivcmdMmapResource{
		Dom:  testDom,
		Type: xen.XENMEM_resource_ioreq_server,
		ID:   testResourceID,
		Num:  2,
		Addr: uint64(r.Start + hostarch.PageSize),
	}
	if _, err := e.fd.MapResource(ctx, &req); err != nil {
		t.Fatalf("MapResource failed: %v", err)
	}

	// Pages are allocated for the whole region; the resource uses those for
	// its offset.
	if got := e.xen.Allocated(); got != 4 {
		t.Errorf("allocated pages: got %d, want 4", got)
	}
	m := r.Private.(*mapping)
	for i := 1; i <= 2; i++ {
		pte, ok := e.as.PTE(r.Start + hostarch.Addr(i*hostarch.PageSize))
		if !ok || pte.Page != m.pages[i] {
			t.Errorf("page %d: got PTE %+v (present %t), want backing page %v", i, pte, ok, m.pages[i])
		}
	}

	e.as.Unmap(r)
	if got := e.xen.Allocated(); got != 0 {
		t.Errorf("allocated pages after unmap: got %d, want 0", got)
	}
}

func TestMapResourceFrameError(t *testing.T) {
	e := newTestEnv(t, false)
	addTestResource(e, false)
	e.xen.SetFrame(testDom, testResourceFrames[1], platformtest.FramePagedOut)
	r := e.mmap(t, regionBase, 3)
	_, err := e.fd.MapResource(context.Background(), &xen.PrivcmdMmapResource{
		Dom:  testDom,
		Type: xen.XENMEM_resource_ioreq_server,
		ID:   testResourceID,
		Num:  3,
		Addr: uint64(r.Start),
	})
	if !linuxerr.Equals(linuxerr.ENOENT, err) {
		t.Errorf("MapResource: got err %v, want ENOENT", err)
	}
}

func TestMapResourceInvalid(t *testing.T) {
	e := newTestEnv(t, false)
	addTestResource(e, false)
	r := e.mmap(t, regionBase, 2)
	foreign, err := e.as.Map(regionBase+0x100000, 2, nil)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	for _, tc := range []struct {
		name string
		num  uint64
		addr hostarch.Addr
	}{
		{name: "address without size", addr: r.Start},
		{name: "size without address", num: 1},
		{name: "past region end", num: 2, addr: r.Start + hostarch.PageSize},
		{name: "not a device region", num: 1, addr: foreign.Start},
		{name: "no region", num: 1, addr: regionBase + 0x200000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.fd.MapResource(context.Background(), &xen.PrivcmdMmapResource{
				Dom:  testDom,
				Type: xen.XENMEM_resource_ioreq_server,
				ID:   testResourceID,
				Num:  tc.num,
				Addr: uint64(tc.addr),
			})
			if !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("MapResource: got err %v, want EINVAL", err)
			}
		})
	}
	if got := e.as.Mapped(); got != 0 {
		t.Errorf("mapped pages: got %d, want 0", got)
	}
}
