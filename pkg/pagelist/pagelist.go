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

// Package pagelist stages arrays of fixed-size records copied from caller
// memory into page-sized buffers, and walks them back either one record at
// a time or one buffer at a time.
//
// Records never span a buffer boundary, so a buffer holds
// hostarch.PageSize/size records and the last buffer may hold fewer.
package pagelist

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/usermem"
)

// ErrOversizedRecord is returned by Gather when a record does not fit in a
// page.
var ErrOversizedRecord = errors.New("record larger than a page")

// MaxPages bounds the number of buffers a single List may hold. Gather fails
// with ENOMEM once the bound would be exceeded.
var MaxPages = 1 << 16

var pagePool = sync.Pool{
	New: func() any {
		return make([]byte, hostarch.PageSize)
	},
}

// List is an ordered list of page-sized buffers holding staged records.
type List struct {
	pages [][]byte
}

// Len returns the number of buffers in l.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.pages)
}

// Release returns l's buffers to the pool. l is empty afterwards.
func (l *List) Release() {
	if l == nil {
		return
	}
	for i, p := range l.pages {
		pagePool.Put(p)
		l.pages[i] = nil
	}
	l.pages = nil
}

// PerPage returns the number of records of the given size that fit in one
// buffer.
func PerPage(size int) int {
	return hostarch.PageSize / size
}

func checkSize(size int) {
	if size <= 0 || size > hostarch.PageSize {
		panic(fmt.Sprintf("invalid record size %d", size))
	}
}

// Gather copies count records of size bytes from src in caller memory into
// a new List.
//
// On failure, Gather returns the partially built list along with the error;
// the caller owns it and must Release it.
func Gather(ctx context.Context, uio usermem.IO, count, size int, src hostarch.Addr) (*List, error) {
	l := &List{}
	if size <= 0 || size > hostarch.PageSize {
		return l, ErrOversizedRecord
	}
	per := PerPage(size)
	var (
		page []byte
		used int
	)
	for count > 0 {
		if page == nil || used+size > hostarch.PageSize {
			if len(l.pages) >= MaxPages {
				return l, linuxerr.ENOMEM
			}
			page = pagePool.Get().([]byte)
			l.pages = append(l.pages, page)
			used = 0
		}
		n := min(count, per-used/size)
		if _, err := uio.CopyIn(ctx, src, page[used:used+n*size], usermem.IOOpts{}); err != nil {
			return l, linuxerr.EFAULT
		}
		used += n * size
		src += hostarch.Addr(n * size)
		count -= n
	}
	return l, nil
}

// Traverse calls fn with each of the first count records of l in staging
// order. It stops at, and returns, the first error returned by fn.
func Traverse(count, size int, l *List, fn func(rec []byte) error) error {
	checkSize(size)
	per := PerPage(size)
	for _, page := range l.pages {
		for i := 0; i < per && count > 0; i++ {
			if err := fn(page[i*size : (i+1)*size]); err != nil {
				return err
			}
			count--
		}
		if count == 0 {
			break
		}
	}
	return nil
}

// TraverseBlocks calls fn once per buffer of l with the records it holds,
// covering the first count records of l. n is the number of records in
// block; only the last block may be short. It stops at, and returns, the
// first error returned by fn.
func TraverseBlocks(count, size int, l *List, fn func(block []byte, n int) error) error {
	checkSize(size)
	per := PerPage(size)
	for _, page := range l.pages {
		if count == 0 {
			break
		}
		n := min(count, per)
		if err := fn(page[:n*size], n); err != nil {
			return err
		}
		count -= n
	}
	return nil
}
