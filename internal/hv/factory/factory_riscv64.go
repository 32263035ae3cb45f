//go:build riscv64

package factory

import (
	"log/slog"

	"github.com/tinyrange/guestaspace/internal/hv"
	"github.com/tinyrange/guestaspace/internal/hv/riscv"
)

// HostArchitecture is the backend Open selects.
const HostArchitecture = hv.ArchitectureRISCV64

func open(space *hv.GuestAddressSpace, opts Options, log *slog.Logger) (hv.VirtualCPU, error) {
	hart := riscv.NewSoftHart(space)
	hart.SetBudget(opts.Budget)
	return riscv.NewVCPU(hart, space, opts.Entry, log), nil
}
