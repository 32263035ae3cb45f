//go:build arm64

package factory

import (
	"log/slog"

	"github.com/tinyrange/guestaspace/internal/hv"
	"github.com/tinyrange/guestaspace/internal/hv/arm64"
)

const HostArchitecture = hv.ArchitectureARM64

func open(space *hv.GuestAddressSpace, opts Options, log *slog.Logger) (hv.VirtualCPU, error) {
	hart := arm64.NewSoftHart(space)
	hart.SetBudget(opts.Budget)
	return arm64.NewVCPU(hart, space, opts.Entry, log), nil
}
