// Package config holds the per-architecture machine layout: where the guest
// image is placed, which page is the device page and which addresses may be
// backed on demand.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/guestaspace/internal/hv"
	"github.com/tinyrange/guestaspace/internal/loader"
	"github.com/tinyrange/guestaspace/internal/payload"
)

// Address is a guest-physical address that reads from YAML as an integer
// or a string like "0x8020_0000" and is written back in hex.
type Address uint64

func (a *Address) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", node.Line)
	}
	v, err := strconv.ParseUint(node.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", node.Line, node.Value)
	}
	*a = Address(v)
	return nil
}

func (a Address) MarshalYAML() (any, error) { return fmt.Sprintf("%#x", uint64(a)), nil }

func (a Address) GPA() hv.GuestPhysAddr { return hv.GuestPhysAddr(a) }

type Window struct {
	Start Address `yaml:"start"`
	End   Address `yaml:"end"`
}

// Config describes one machine.
type Config struct {
	Architecture string `yaml:"architecture"`
	Image        string `yaml:"image"`

	GuestBase  Address `yaml:"guestBase"`
	DevicePage Address `yaml:"devicePage"`
	Magic      string  `yaml:"magic"`
	WorkingSet Window  `yaml:"workingSet"`

	// Budget bounds the guest instructions retired per entry. Zero keeps
	// the backend default.
	Budget   int `yaml:"budget,omitempty"`
	MaxExits int `yaml:"maxExits,omitempty"`
}

var defaults = map[hv.CpuArchitecture]Config{
	hv.ArchitectureRISCV64: {
		GuestBase:  0x8020_0000,
		DevicePage: 0x2200_0000,
		WorkingSet: Window{Start: 0, End: 0x7fff_ffff_f000},
	},
	hv.ArchitectureARM64: {
		GuestBase:  0x4020_0000,
		DevicePage: 0x4020_2000,
		WorkingSet: Window{Start: 0x4000_0000, End: 0x4800_0000},
	},
	hv.ArchitectureX86_64: {
		GuestBase:  0x1_0000,
		DevicePage: 0x2_0000,
		WorkingSet: Window{Start: 0x1_0000, End: 0x101_0000},
	},
}

// Default returns the layout used for arch when no file overrides it.
func Default(arch hv.CpuArchitecture) (Config, error) {
	c, ok := defaults[arch]
	if !ok {
		return Config{}, fmt.Errorf("config: no defaults for architecture %q", arch)
	}
	c.Architecture = string(arch)
	c.normalize()
	return c, nil
}

// normalize fills fields left empty by a partial file from the defaults of
// the configured architecture.
func (c *Config) normalize() {
	if c.Image == "" {
		c.Image = loader.DefaultImagePath
	}
	if c.Magic == "" {
		c.Magic = string(hv.DefaultDeviceMagic[:])
	}
	arch, err := hv.ParseArchitecture(c.Architecture)
	if err != nil {
		return
	}
	c.Architecture = string(arch)
	def := defaults[arch]
	if c.GuestBase == 0 {
		c.GuestBase = def.GuestBase
	}
	if c.DevicePage == 0 {
		c.DevicePage = def.DevicePage
	}
	if c.WorkingSet == (Window{}) {
		c.WorkingSet = def.WorkingSet
	}
}

// Load reads a YAML file over the defaults for arch. An architecture named
// in the file takes precedence over arch.
func Load(path string, arch hv.CpuArchitecture) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data, arch)
}

func Parse(data []byte, arch hv.CpuArchitecture) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if c.Architecture == "" {
		c.Architecture = string(arch)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if _, err := hv.ParseArchitecture(c.Architecture); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.GuestBase.GPA().PageOffset() != 0 {
		return fmt.Errorf("config: guest base %#x is not page aligned", uint64(c.GuestBase))
	}
	if len(c.Magic) != len(hv.DefaultDeviceMagic) {
		return fmt.Errorf("config: magic %q must be exactly %d bytes", c.Magic, len(hv.DefaultDeviceMagic))
	}
	if c.Budget < 0 || c.MaxExits < 0 {
		return fmt.Errorf("config: budget and maxExits must not be negative")
	}
	policy := c.FaultPolicy()
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !policy.WorkingSet.Contains(policy.DevicePage) {
		return fmt.Errorf("config: device page %s outside working set %s", policy.DevicePage, policy.WorkingSet)
	}
	return nil
}

// Arch returns the parsed architecture. Call Validate first.
func (c Config) Arch() hv.CpuArchitecture {
	arch, _ := hv.ParseArchitecture(c.Architecture)
	return arch
}

func (c Config) FaultPolicy() hv.FaultPolicy {
	p := hv.FaultPolicy{
		DevicePage: c.DevicePage.GPA(),
		WorkingSet: hv.AddressRange{Start: c.WorkingSet.Start.GPA(), End: c.WorkingSet.End.GPA()},
	}
	copy(p.Magic[:], c.Magic)
	return p
}

func (c Config) Payload() payload.Options {
	return payload.Options{DevicePage: c.DevicePage.GPA()}
}

// Write encodes c as YAML.
func (c Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: close encoder: %w", err)
	}
	return nil
}
