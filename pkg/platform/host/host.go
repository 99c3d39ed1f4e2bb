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

// Package host implements platform.Hypervisor by forwarding to the host's
// privcmd device. It lets a control process running in a Xen domain use the
// hypervisor directly.
package host

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/platform"
	"gvisor.dev/privcmd/pkg/privcmd/privcmdconf"
)

// XENFEAT_auto_translated_physmap is the feature bit set when the host
// kernel runs with an auto-translated physmap, from
// xen/include/public/features.h.
const XENFEAT_auto_translated_physmap = 2

// Hypervisor is a platform.Hypervisor backed by the host privcmd device.
type Hypervisor struct {
	hostFD   int32
	features uint64
}

var _ platform.Hypervisor = (*Hypervisor)(nil)

// Open opens the privcmd device and reads the hypervisor features named in
// cfg.
func Open(cfg *privcmdconf.Config) (*Hypervisor, error) {
	features, err := readFeatures(cfg.FeaturesPath)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(cfg.DevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.DevicePath, err)
	}
	h := &Hypervisor{
		hostFD:   int32(fd),
		features: features,
	}
	log.Infof("privcmd: opened %s (features %#x)", cfg.DevicePath, features)
	return h, nil
}

// Close closes the device.
func (h *Hypervisor) Close() error {
	return unix.Close(int(h.hostFD))
}

func readFeatures(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading hypervisor features: %w", err)
	}
	return parseFeatures(string(data))
}

// parseFeatures parses the hexadecimal feature bitmap exposed by the host in
// sysfs.
func parseFeatures(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing hypervisor features %q: %w", s, err)
	}
	return v, nil
}

// AutoTranslated implements platform.Hypervisor.AutoTranslated.
func (h *Hypervisor) AutoTranslated() bool {
	return h.features&(1<<XENFEAT_auto_translated_physmap) != 0
}

// Hypercall implements platform.Hypervisor.Hypercall.
func (h *Hypervisor) Hypercall(ctx context.Context, op uint64, args [5]uint64) (uintptr, error) {
	hc := xen.PrivcmdHypercall{Op: op, Arg: args}
	return h.hypercall(&hc)
}

// DMOp implements platform.Hypervisor.DMOp.
func (h *Hypervisor) DMOp(ctx context.Context, dom xen.DomID, bufs []xen.DMOpBuf) error {
	if len(bufs) == 0 {
		return nil
	}
	if len(bufs) > 0xffff {
		return linuxerr.E2BIG
	}
	return h.dmOp(dom, bufs)
}

// AcquireResource implements platform.Hypervisor.AcquireResource. Only size
// queries are supported: mapping frames needs a privcmd mapping in this
// process, which callers set up through the device instead.
func (h *Hypervisor) AcquireResource(ctx context.Context, res *xen.MemAcquireResource, frames []uint64) error {
	if frames != nil {
		return linuxerr.EOPNOTSUPP
	}
	req := xen.PrivcmdMmapResource{
		Dom:  res.DomID,
		Type: uint32(res.Type),
		ID:   res.ID,
	}
	if err := h.mmapResource(&req); err != nil {
		return err
	}
	res.NrFrames = uint32(req.Num)
	return nil
}
