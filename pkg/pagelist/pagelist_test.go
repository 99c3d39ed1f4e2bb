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

package pagelist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/usermem"
)

const base = 0x100

// newRecords returns caller memory holding count 8-byte records with values
// 0..count-1 starting at base.
func newRecords(count int) *usermem.BytesIO {
	b := make([]byte, base+count*8)
	for i := 0; i < count; i++ {
		binary.LittleEndian.PutUint64(b[base+i*8:], uint64(i))
	}
	return &usermem.BytesIO{Bytes: b}
}

func TestGatherTraverse(t *testing.T) {
	per := PerPage(8)
	for _, count := range []int{0, 1, per - 1, per, per + 1, 3*per + 7} {
		t.Run(fmt.Sprintf("count=%d", count), func(t *testing.T) {
			l, err := Gather(context.Background(), newRecords(count), count, 8, base)
			defer l.Release()
			if err != nil {
				t.Fatalf("Gather failed: %v", err)
			}
			if want := (count + per - 1) / per; l.Len() != want {
				t.Errorf("Len: got %d, want %d", l.Len(), want)
			}

			var got []uint64
			if err := Traverse(count, 8, l, func(rec []byte) error {
				got = append(got, binary.LittleEndian.Uint64(rec))
				return nil
			}); err != nil {
				t.Fatalf("Traverse failed: %v", err)
			}
			want := make([]uint64, count)
			for i := range want {
				want[i] = uint64(i)
			}
			if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Traverse records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTraverseBlocks(t *testing.T) {
	per := PerPage(8)
	count := 2*per + 3
	l, err := Gather(context.Background(), newRecords(count), count, 8, base)
	defer l.Release()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var sizes []int
	next := uint64(0)
	if err := TraverseBlocks(count, 8, l, func(block []byte, n int) error {
		if len(block) != n*8 {
			t.Errorf("block length: got %d, want %d", len(block), n*8)
		}
		for i := 0; i < n; i++ {
			if v := binary.LittleEndian.Uint64(block[i*8:]); v != next {
				t.Errorf("record: got %d, want %d", v, next)
			}
			next++
		}
		sizes = append(sizes, n)
		return nil
	}); err != nil {
		t.Fatalf("TraverseBlocks failed: %v", err)
	}
	if diff := cmp.Diff([]int{per, per, 3}, sizes); diff != "" {
		t.Errorf("block sizes mismatch (-want +got):\n%s", diff)
	}
}

func TestTraverseStopsOnError(t *testing.T) {
	count := 10
	l, err := Gather(context.Background(), newRecords(count), count, 8, base)
	defer l.Release()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	stop := errors.New("stop")
	calls := 0
	err = Traverse(count, 8, l, func(rec []byte) error {
		calls++
		if binary.LittleEndian.Uint64(rec) == 4 {
			return stop
		}
		return nil
	})
	if err != stop {
		t.Errorf("Traverse: got err %v, want %v", err, stop)
	}
	if calls != 5 {
		t.Errorf("Traverse: got %d calls, want 5", calls)
	}
}

func TestGatherOversized(t *testing.T) {
	l, err := Gather(context.Background(), newRecords(1), 1, hostarch.PageSize+1, base)
	defer l.Release()
	if err != ErrOversizedRecord {
		t.Errorf("Gather: got err %v, want %v", err, ErrOversizedRecord)
	}
}

func TestGatherFault(t *testing.T) {
	per := PerPage(8)
	// Only the first page worth of records is readable.
	uio := newRecords(per)
	l, err := Gather(context.Background(), uio, 2*per, 8, base)
	defer l.Release()
	if !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("Gather: got err %v, want EFAULT", err)
	}
	if l.Len() == 0 {
		t.Errorf("Gather: partial list not returned")
	}
}

func TestGatherPageLimit(t *testing.T) {
	old := MaxPages
	MaxPages = 2
	defer func() { MaxPages = old }()

	per := PerPage(8)
	count := 2*per + 1
	l, err := Gather(context.Background(), newRecords(count), count, 8, base)
	defer l.Release()
	if !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Gather: got err %v, want ENOMEM", err)
	}
	if l.Len() != 2 {
		t.Errorf("Len: got %d, want 2", l.Len())
	}
}

func TestTraverseOversizedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Traverse did not panic")
		}
	}()
	Traverse(1, hostarch.PageSize+1, &List{}, func([]byte) error { return nil })
}
