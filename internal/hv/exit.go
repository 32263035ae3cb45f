package hv

import (
	"errors"
	"fmt"
)

type ExitReason int

const (
	ExitUnhandled ExitReason = iota
	ExitNestedPageFault
	ExitShutdown
)

func (r ExitReason) String() string {
	switch r {
	case ExitNestedPageFault:
		return "NestedPageFault"
	case ExitShutdown:
		return "Shutdown"
	default:
		return "Unhandled"
	}
}

// VmExit is the architecture-neutral classification of a guest exit. Only
// the fields belonging to Reason are meaningful.
type VmExit struct {
	Reason ExitReason

	// NestedPageFault
	FaultAddr GuestPhysAddr

	// Shutdown
	Request ShutdownRequest

	// Unhandled
	RawCode uint64
	Detail  string
}

func NestedPageFault(addr GuestPhysAddr) VmExit {
	return VmExit{Reason: ExitNestedPageFault, FaultAddr: addr}
}

func Shutdown(req ShutdownRequest) VmExit {
	return VmExit{Reason: ExitShutdown, Request: req}
}

func Unhandled(code uint64, detail string) VmExit {
	return VmExit{Reason: ExitUnhandled, RawCode: code, Detail: detail}
}

func (e VmExit) String() string {
	switch e.Reason {
	case ExitNestedPageFault:
		return fmt.Sprintf("NestedPageFault addr=%s", e.FaultAddr)
	case ExitShutdown:
		return fmt.Sprintf("Shutdown %s", e.Request)
	default:
		return fmt.Sprintf("Unhandled code=%#x %s", e.RawCode, e.Detail)
	}
}

// UnhandledExitError reports the exit that terminated a run unsuccessfully.
type UnhandledExitError struct {
	Exit VmExit
	Raw  RawExit
	Err  error
}

func (e *UnhandledExitError) Error() string {
	msg := e.Exit.String()
	if e.Raw != nil {
		msg = fmt.Sprintf("%s (%s)", msg, e.Raw)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *UnhandledExitError) Is(target error) bool { return target == ErrUnhandledExit }

func (e *UnhandledExitError) Unwrap() error { return e.Err }

// AsUnhandledExit returns the UnhandledExitError in err's chain, if any.
func AsUnhandledExit(err error) (*UnhandledExitError, bool) {
	var uerr *UnhandledExitError
	if errors.As(err, &uerr) {
		return uerr, true
	}
	return nil, false
}
