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

package eventsink

import (
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"
)

// Resolver resolves file descriptors passed by a caller into sinks.
type Resolver interface {
	// Lookup returns the sink installed at fd, or EBADF.
	Lookup(fd int32) (*Sink, error)
}

// Table is a simple descriptor table of sinks. It implements Resolver.
type Table struct {
	mu    sync.Mutex
	next  int32
	sinks map[int32]*Sink
}

// Install adds s to the table and returns its descriptor.
func (t *Table) Install(s *Sink) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sinks == nil {
		t.sinks = make(map[int32]*Sink)
	}
	fd := t.next
	t.next++
	t.sinks[fd] = s
	return fd
}

// Lookup implements Resolver.Lookup.
func (t *Table) Lookup(fd int32) (*Sink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sinks[fd]
	if !ok {
		return nil, linuxerr.EBADF
	}
	return s, nil
}

// Close removes fd from the table and closes its sink.
func (t *Table) Close(fd int32) error {
	t.mu.Lock()
	s, ok := t.sinks[fd]
	delete(t.sinks, fd)
	t.mu.Unlock()
	if !ok {
		return linuxerr.EBADF
	}
	s.Close()
	return nil
}
