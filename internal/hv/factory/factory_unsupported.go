//go:build !(amd64 || arm64 || riscv64)

package factory

import (
	"log/slog"

	"github.com/tinyrange/guestaspace/internal/hv"
)

const HostArchitecture = hv.ArchitectureInvalid

func open(*hv.GuestAddressSpace, Options, *slog.Logger) (hv.VirtualCPU, error) {
	return nil, hv.ErrHypervisorUnsupported
}
