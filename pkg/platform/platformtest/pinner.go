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

package platformtest

import (
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
)

// Pinner is an in-memory platform.Pinner over caller memory of a given size.
type Pinner struct {
	// Size bounds pinnable memory: pages at or above Size cannot be pinned.
	Size hostarch.Addr

	// MaxPerCall, if positive, bounds the pages pinned by a single Pin.
	MaxPerCall int

	// Err, if set, is returned by Pin.
	Err error

	mu     sync.Mutex
	pinned int
	pins   int
}

// Pin implements platform.Pinner.Pin.
func (p *Pinner) Pin(addr hostarch.Addr, npages int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return 0, p.Err
	}
	if p.MaxPerCall > 0 && npages > p.MaxPerCall {
		npages = p.MaxPerCall
	}
	n := 0
	for page := addr.RoundDown(); n < npages && page < p.Size; page += hostarch.PageSize {
		n++
	}
	p.pinned += n
	p.pins++
	return n, nil
}

// Unpin implements platform.Pinner.Unpin.
func (p *Pinner) Unpin(addr hostarch.Addr, npages int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned -= npages
	if p.pinned < 0 {
		panic("unbalanced Unpin")
	}
}

// Pinned returns the number of pages currently pinned.
func (p *Pinner) Pinned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned
}

// Pins returns the number of Pin calls.
func (p *Pinner) Pins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins
}
