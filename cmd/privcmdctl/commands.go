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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	pkgcontext "gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/platform/host"
)

// configCmd prints the effective configuration.
type configCmd struct{}

// Name implements subcommands.Command.
func (*configCmd) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.
func (*configCmd) Synopsis() string {
	return "print the effective configuration as TOML"
}

// Usage implements subcommands.Command.
func (*configCmd) Usage() string {
	return "config [flags]\n"
}

// SetFlags implements subcommands.Command.
func (*configCmd) SetFlags(f *flag.FlagSet) {
	conf.RegisterFlags(f)
}

// Execute implements subcommands.Command.
func (*configCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := conf.Validate(); err != nil {
		log.Warningf("invalid configuration: %v", err)
		return subcommands.ExitFailure
	}
	if err := conf.Encode(os.Stdout); err != nil {
		log.Warningf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// hypercallCmd issues a raw hypercall through the host device.
type hypercallCmd struct{}

// Name implements subcommands.Command.
func (*hypercallCmd) Name() string {
	return "hypercall"
}

// Synopsis implements subcommands.Command.
func (*hypercallCmd) Synopsis() string {
	return "issue a raw hypercall and print its result"
}

// Usage implements subcommands.Command.
func (*hypercallCmd) Usage() string {
	return `hypercall [flags] <op> [arg...]

Up to five arguments are accepted. Numbers may be given in decimal, octal
(0 prefix) or hexadecimal (0x prefix).
`
}

// SetFlags implements subcommands.Command.
func (*hypercallCmd) SetFlags(f *flag.FlagSet) {
	conf.RegisterFlags(f)
}

// Execute implements subcommands.Command.
func (*hypercallCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	op, args, err := parseHypercall(f.Args())
	if err != nil {
		log.Warningf("%v", err)
		f.Usage()
		return subcommands.ExitUsageError
	}
	h, err := host.Open(conf)
	if err != nil {
		log.Warningf("%v", err)
		return subcommands.ExitFailure
	}
	defer h.Close()

	ret, err := h.Hypercall(pkgcontext.Background(), op, args)
	if err != nil {
		log.Warningf("hypercall %d failed: %v", op, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%d\n", ret)
	return subcommands.ExitSuccess
}

func parseHypercall(argv []string) (uint64, [5]uint64, error) {
	var args [5]uint64
	if len(argv) == 0 || len(argv) > 1+len(args) {
		return 0, args, fmt.Errorf("expected an op and at most %d arguments, got %d values", len(args), len(argv))
	}
	op, err := strconv.ParseUint(argv[0], 0, 64)
	if err != nil {
		return 0, args, fmt.Errorf("invalid op %q: %w", argv[0], err)
	}
	for i, s := range argv[1:] {
		if args[i], err = strconv.ParseUint(s, 0, 64); err != nil {
			return 0, args, fmt.Errorf("invalid argument %d %q: %w", i, s, err)
		}
	}
	return op, args, nil
}

// resourceSizeCmd queries the number of frames of a hypervisor resource.
type resourceSizeCmd struct {
	dom uint
	typ uint
	id  uint
}

// Name implements subcommands.Command.
func (*resourceSizeCmd) Name() string {
	return "resource-size"
}

// Synopsis implements subcommands.Command.
func (*resourceSizeCmd) Synopsis() string {
	return "print the number of frames of a domain resource"
}

// Usage implements subcommands.Command.
func (*resourceSizeCmd) Usage() string {
	return "resource-size -dom <domid> [-type <type>] [-id <id>]\n"
}

// SetFlags implements subcommands.Command.
func (r *resourceSizeCmd) SetFlags(f *flag.FlagSet) {
	conf.RegisterFlags(f)
	f.UintVar(&r.dom, "dom", uint(xen.DOMID_INVALID), "target domain")
	f.UintVar(&r.typ, "type", xen.XENMEM_resource_ioreq_server, "resource type")
	f.UintVar(&r.id, "id", 0, "resource id")
}

// Execute implements subcommands.Command.
func (r *resourceSizeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	res, err := r.request()
	if err != nil {
		log.Warningf("%v", err)
		f.Usage()
		return subcommands.ExitUsageError
	}
	h, err := host.Open(conf)
	if err != nil {
		log.Warningf("%v", err)
		return subcommands.ExitFailure
	}
	defer h.Close()

	if err := h.AcquireResource(pkgcontext.Background(), &res, nil); err != nil {
		log.Warningf("querying resource %d/%d of domain %d: %v", res.Type, res.ID, res.DomID, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%d\n", res.NrFrames)
	return subcommands.ExitSuccess
}

func (r *resourceSizeCmd) request() (xen.MemAcquireResource, error) {
	if r.dom >= uint(xen.DOMID_FIRST_RESERVED) {
		return xen.MemAcquireResource{}, fmt.Errorf("-dom must name a domain, got %d", r.dom)
	}
	if r.typ > 0xffff {
		return xen.MemAcquireResource{}, fmt.Errorf("invalid resource type %d", r.typ)
	}
	if r.id > 0xffffffff {
		return xen.MemAcquireResource{}, fmt.Errorf("invalid resource id %d", r.id)
	}
	return xen.MemAcquireResource{
		DomID: xen.DomID(r.dom),
		Type:  uint16(r.typ),
		ID:    uint32(r.id),
	}, nil
}
