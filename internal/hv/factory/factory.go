package factory

import (
	"log/slog"

	"github.com/tinyrange/guestaspace/internal/hv"
)

// Options configures the vCPU a factory builds.
type Options struct {
	// Entry is the guest-physical address of the first instruction.
	Entry hv.GuestPhysAddr

	// Budget bounds the instructions one entry may retire. Zero keeps the
	// backend default.
	Budget int

	Logger *slog.Logger
}

// Open builds the backend compiled in for the host architecture. Each
// target links exactly one backend.
func Open(space *hv.GuestAddressSpace, opts Options) (hv.VirtualCPU, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return open(space, opts, log.With("arch", HostArchitecture))
}
