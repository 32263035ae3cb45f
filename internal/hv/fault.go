package hv

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/guestaspace/internal/debug"
)

// DefaultDeviceMagic is the tag at offset 0 of the device page ("pfld").
var DefaultDeviceMagic = [4]byte{0x70, 0x66, 0x6c, 0x64}

// FaultPolicy decides how a nested fault is backed.
type FaultPolicy struct {
	// DevicePage is served read-only with Magic at offset 0.
	DevicePage GuestPhysAddr
	Magic      [4]byte

	// WorkingSet bounds demand-zero allocation. Faults outside it are fatal.
	WorkingSet AddressRange
}

func (p FaultPolicy) Validate() error {
	if p.DevicePage.PageOffset() != 0 {
		return fmt.Errorf("fault policy: device page %s is not page aligned", p.DevicePage)
	}
	if p.WorkingSet.End <= p.WorkingSet.Start {
		return fmt.Errorf("fault policy: empty working set %s", p.WorkingSet)
	}
	return nil
}

type FaultResolution int

const (
	ResolvedDevicePage FaultResolution = iota + 1
	ResolvedDemandZero
)

func (r FaultResolution) String() string {
	switch r {
	case ResolvedDevicePage:
		return "device"
	case ResolvedDemandZero:
		return "demand-zero"
	default:
		return "unresolved"
	}
}

// NestedFaultHandler backs faulting guest pages according to a FaultPolicy.
type NestedFaultHandler struct {
	space  *GuestAddressSpace
	policy FaultPolicy
	log    *slog.Logger
	trace  debug.Debug
}

func NewNestedFaultHandler(space *GuestAddressSpace, policy FaultPolicy, log *slog.Logger) *NestedFaultHandler {
	if log == nil {
		log = slog.Default()
	}
	return &NestedFaultHandler{
		space:  space,
		policy: policy,
		log:    log,
		trace:  debug.WithSource("hv-fault"),
	}
}

// Handle resolves a fault at addr. On success the page containing addr is
// mapped and the guest may be resumed; installing the mapping is the last
// thing Handle does. A fault on an already-mapped page means the hardware and
// the page table disagree and is returned as ErrProtocolViolation.
func (h *NestedFaultHandler) Handle(addr GuestPhysAddr) (FaultResolution, error) {
	page := addr.PageDown()

	if h.space.IsMapped(page) {
		return 0, fmt.Errorf("fault at %s: %w", addr, ErrProtocolViolation)
	}

	var (
		res  FaultResolution
		perm Perm
	)
	switch {
	case page == h.policy.DevicePage:
		res, perm = ResolvedDevicePage, PermRead
	case h.policy.WorkingSet.Contains(page):
		res, perm = ResolvedDemandZero, PermRead|PermWrite
		if h.space.Image().Contains(page) {
			perm |= PermExec
		}
	default:
		return 0, fmt.Errorf("fault at %s (working set %s): %w", addr, h.policy.WorkingSet, ErrNoFaultPolicy)
	}

	frame, err := h.space.AllocFrame()
	if err != nil {
		return 0, fmt.Errorf("fault at %s: %w", addr, err)
	}
	if res == ResolvedDevicePage {
		copy(frame, h.policy.Magic[:])
	}

	h.log.Debug("nested fault resolved", "addr", addr, "page", page, "kind", res, "perm", perm)
	h.trace.Writef("map page=%s kind=%s perm=%s", page, res, perm)

	if err := h.space.MapPage(page, frame, perm); err != nil {
		return 0, errors.Join(err, h.space.frames.FreeFrame(frame))
	}
	return res, nil
}
