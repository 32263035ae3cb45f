//go:build amd64

package factory

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/guestaspace/internal/hv"
	"github.com/tinyrange/guestaspace/internal/hv/svm"
)

const HostArchitecture = hv.ArchitectureX86_64

func open(space *hv.GuestAddressSpace, opts Options, log *slog.Logger) (hv.VirtualCPU, error) {
	hart := svm.NewSoftHart(space)
	hart.SetBudget(opts.Budget)
	vcpu, err := svm.NewVCPU(hart, space, opts.Entry, log)
	if err != nil {
		return nil, fmt.Errorf("factory: %w", err)
	}
	return vcpu, nil
}
