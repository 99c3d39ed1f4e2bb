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

// Package privcmdconf holds the configuration of the privcmd device and its
// runtime tunables.
package privcmdconf

import (
	"flag"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Defaults.
const (
	DefaultDMOpMaxBufs    = 16
	DefaultDMOpBufMaxSize = 4096
	DefaultDevicePath     = "/dev/xen/privcmd"
	DefaultFeaturesPath   = "/sys/hypervisor/properties/features"
)

// Config is the privcmd configuration, usually read from a TOML file.
type Config struct {
	// DMOpMaxBufs is the maximum number of buffers in a single dm_op.
	DMOpMaxBufs uint32 `toml:"dm_op_max_nr_bufs"`

	// DMOpBufMaxSize is the maximum size in bytes of a dm_op buffer.
	DMOpBufMaxSize uint32 `toml:"dm_op_buf_max_size"`

	// DevicePath is the host privcmd device used by the host transport.
	DevicePath string `toml:"device_path"`

	// FeaturesPath is the sysfs file exposing the hypervisor feature bits.
	FeaturesPath string `toml:"features_path"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DMOpMaxBufs:    DefaultDMOpMaxBufs,
		DMOpBufMaxSize: DefaultDMOpBufMaxSize,
		DevicePath:     DefaultDevicePath,
		FeaturesPath:   DefaultFeaturesPath,
	}
}

// Load reads the configuration at path. Keys absent from the file keep their
// default value.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("loading %q: unknown keys %v", path, undec)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("loading %q: %w", path, err)
	}
	return c, nil
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if c.DMOpMaxBufs == 0 {
		return fmt.Errorf("dm_op_max_nr_bufs must be positive")
	}
	if c.DMOpBufMaxSize == 0 {
		return fmt.Errorf("dm_op_buf_max_size must be positive")
	}
	if c.DevicePath == "" {
		return fmt.Errorf("device_path must be set")
	}
	return nil
}

// Encode writes c to w in TOML format.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// RegisterFlags registers flags overriding c's fields. Flag defaults are c's
// current values, so flags apply on top of a loaded file.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.Func("dm-op-max-bufs", fmt.Sprintf("maximum number of dm_op buffers (default %d)", c.DMOpMaxBufs), func(s string) error {
		return parseUint32(s, &c.DMOpMaxBufs)
	})
	fs.Func("dm-op-buf-max-size", fmt.Sprintf("maximum size of a dm_op buffer (default %d)", c.DMOpBufMaxSize), func(s string) error {
		return parseUint32(s, &c.DMOpBufMaxSize)
	})
	fs.StringVar(&c.DevicePath, "device", c.DevicePath, "host privcmd device")
	fs.StringVar(&c.FeaturesPath, "features", c.FeaturesPath, "sysfs hypervisor feature bits")
}

func parseUint32(s string, v *uint32) error {
	var x uint32
	if _, err := fmt.Sscan(s, &x); err != nil {
		return fmt.Errorf("invalid value %q: %w", s, err)
	}
	*v = x
	return nil
}

// Tunables are the limits that can be adjusted while the device is in use.
type Tunables struct {
	dmOpMaxBufs    atomicbitops.Uint32
	dmOpBufMaxSize atomicbitops.Uint32
}

// NewTunables returns tunables initialized from c.
func NewTunables(c *Config) *Tunables {
	return &Tunables{
		dmOpMaxBufs:    atomicbitops.FromUint32(c.DMOpMaxBufs),
		dmOpBufMaxSize: atomicbitops.FromUint32(c.DMOpBufMaxSize),
	}
}

// DMOpMaxBufs returns the maximum number of buffers in a dm_op.
func (t *Tunables) DMOpMaxBufs() uint32 {
	return t.dmOpMaxBufs.Load()
}

// SetDMOpMaxBufs sets the maximum number of buffers in a dm_op.
func (t *Tunables) SetDMOpMaxBufs(v uint32) {
	t.dmOpMaxBufs.Store(v)
}

// DMOpBufMaxSize returns the maximum size of a dm_op buffer.
func (t *Tunables) DMOpBufMaxSize() uint32 {
	return t.dmOpBufMaxSize.Load()
}

// SetDMOpBufMaxSize sets the maximum size of a dm_op buffer.
func (t *Tunables) SetDMOpBufMaxSize(v uint32) {
	t.dmOpBufMaxSize.Store(v)
}
