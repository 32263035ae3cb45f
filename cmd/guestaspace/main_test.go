package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/guestaspace/internal/config"
	"github.com/tinyrange/guestaspace/internal/hv"
	"github.com/tinyrange/guestaspace/internal/hv/factory"
)

func TestCheckBackend(t *testing.T) {
	for _, tc := range []struct {
		cfg  hv.CpuArchitecture
		host hv.CpuArchitecture
		ok   bool
	}{
		{hv.ArchitectureRISCV64, hv.ArchitectureRISCV64, true},
		{hv.ArchitectureARM64, hv.ArchitectureARM64, true},
		{hv.ArchitectureX86_64, hv.ArchitectureX86_64, true},
		{hv.ArchitectureARM64, hv.ArchitectureX86_64, false},
		{hv.ArchitectureRISCV64, hv.ArchitectureInvalid, false},
	} {
		cfg, err := config.Default(tc.cfg)
		if err != nil {
			t.Fatalf("config.Default(%s): %v", tc.cfg, err)
		}
		err = checkBackend(cfg, tc.host)
		if tc.ok && err != nil {
			t.Errorf("checkBackend(%s on %s) = %v", tc.cfg, tc.host, err)
		}
		if !tc.ok && !errors.Is(err, hv.ErrHypervisorUnsupported) {
			t.Errorf("checkBackend(%s on %s) = %v, want ErrHypervisorUnsupported", tc.cfg, tc.host, err)
		}
	}
}

func TestLoadConfigUsesBuildArchitecture(t *testing.T) {
	if factory.HostArchitecture == hv.ArchitectureInvalid {
		if _, err := loadConfig("", factory.HostArchitecture); !errors.Is(err, hv.ErrHypervisorUnsupported) {
			t.Fatalf("err = %v, want ErrHypervisorUnsupported", err)
		}
		return
	}
	cfg, err := loadConfig("", factory.HostArchitecture)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if err := checkBackend(cfg, factory.HostArchitecture); err != nil {
		t.Fatalf("default layout rejected: %v", err)
	}
}

func TestForeignConfigIsRejected(t *testing.T) {
	foreign := hv.ArchitectureRISCV64
	if factory.HostArchitecture == foreign {
		foreign = hv.ArchitectureARM64
	}
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte("architecture: "+string(foreign)+"\n"), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	cfg, err := loadConfig(path, factory.HostArchitecture)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if err := checkBackend(cfg, factory.HostArchitecture); !errors.Is(err, hv.ErrHypervisorUnsupported) {
		t.Fatalf("err = %v, want ErrHypervisorUnsupported", err)
	}
}
