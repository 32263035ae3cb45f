package payload

import (
	"bytes"
	"testing"

	"github.com/tinyrange/guestaspace/internal/hv"
)

func TestBuildAllArchitectures(t *testing.T) {
	for _, tc := range []struct {
		arch   hv.CpuArchitecture
		device hv.GuestPhysAddr
		tail   []byte
	}{
		{hv.ArchitectureRISCV64, 0x2200_0000, []byte{0x73, 0, 0, 0, 0x6f, 0, 0, 0}},
		{hv.ArchitectureARM64, 0x4020_2000, []byte{0x01, 0, 0, 0xd4, 0, 0, 0, 0x14}},
		{hv.ArchitectureX86_64, 0x2_0000, []byte{0x0f, 0x01, 0xd9, 0xeb, 0xfe}},
	} {
		t.Run(string(tc.arch), func(t *testing.T) {
			code, err := Build(tc.arch, Options{DevicePage: tc.device})
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if !bytes.HasSuffix(code, tc.tail) {
				t.Fatalf("workload does not end with hypercall and spin: % x", code)
			}
		})
	}
}

func TestBuildUnsupported(t *testing.T) {
	if _, err := Build(hv.ArchitectureInvalid, Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHypercallOverride(t *testing.T) {
	def, err := Build(hv.ArchitectureX86_64, Options{DevicePage: 0x2_0000})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	alt, err := Build(hv.ArchitectureX86_64, Options{DevicePage: 0x2_0000, Hypercall: &Hypercall{Function: 0x84000009}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if bytes.Equal(def, alt) {
		t.Fatalf("override did not change the workload")
	}
}
