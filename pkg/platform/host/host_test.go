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

package host

import (
	"os"
	"path/filepath"
	"testing"

	"gvisor.dev/gvisor/pkg/context"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/privcmd/pkg/abi/xen"
	"gvisor.dev/privcmd/pkg/privcmd/privcmdconf"
)

func TestParseFeatures(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    uint64
		auto    bool
		wantErr bool
	}{
		{in: "00000000000000000000000000002705\n", want: 0x2705, auto: true},
		{in: "0x4", want: 0x4, auto: true},
		{in: "1", want: 0x1},
		{in: "  0  ", want: 0},
		{in: "", wantErr: true},
		{in: "xyz", wantErr: true},
	} {
		got, err := parseFeatures(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseFeatures(%q): got %#x, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseFeatures(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseFeatures(%q): got %#x, want %#x", tc.in, got, tc.want)
		}
		h := Hypervisor{features: got}
		if h.AutoTranslated() != tc.auto {
			t.Errorf("parseFeatures(%q): AutoTranslated() = %t, want %t", tc.in, h.AutoTranslated(), tc.auto)
		}
	}
}

func TestOpenMissingFeatures(t *testing.T) {
	dir := t.TempDir()
	cfg := privcmdconf.Default()
	cfg.FeaturesPath = filepath.Join(dir, "features")
	cfg.DevicePath = filepath.Join(dir, "privcmd")
	if _, err := Open(cfg); err == nil {
		t.Fatalf("Open with missing features file succeeded")
	}
}

func TestOpenMissingDevice(t *testing.T) {
	dir := t.TempDir()
	cfg := privcmdconf.Default()
	cfg.FeaturesPath = filepath.Join(dir, "features")
	cfg.DevicePath = filepath.Join(dir, "privcmd")
	if err := os.WriteFile(cfg.FeaturesPath, []byte("4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(cfg); err == nil {
		t.Fatalf("Open with missing device succeeded")
	}
}

func TestAcquireResourceMapUnsupported(t *testing.T) {
	h := Hypervisor{hostFD: -1}
	res := xen.MemAcquireResource{DomID: 1, NrFrames: 1}
	if err := h.AcquireResource(context.Background(), &res, make([]uint64, 1)); !linuxerr.Equals(linuxerr.EOPNOTSUPP, err) {
		t.Errorf("AcquireResource with frames: got %v, want EOPNOTSUPP", err)
	}
}

func TestDMOpNoBuffers(t *testing.T) {
	h := Hypervisor{hostFD: -1}
	if err := h.DMOp(context.Background(), 1, nil); err != nil {
		t.Errorf("DMOp without buffers: %v", err)
	}
}
