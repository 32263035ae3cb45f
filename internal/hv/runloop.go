package hv

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/guestaspace/internal/debug"
	"github.com/tinyrange/guestaspace/internal/timeslice"
)

// SuccessMessage is printed to the console when the guest shuts down.
const SuccessMessage = "Shutdown vm normally!"

var (
	tsGuestTime     = timeslice.RegisterKind("guest", timeslice.SliceFlagGuestTime)
	tsExitFault     = timeslice.RegisterKind("exit-fault", 0)
	tsExitShutdown  = timeslice.RegisterKind("exit-shutdown", 0)
	tsExitUnhandled = timeslice.RegisterKind("exit-unhandled", 0)
)

type RunState int

const (
	StateRunning RunState = iota
	StateHandlingExit
	StateTerminated
)

func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHandlingExit:
		return "handling-exit"
	default:
		return "terminated"
	}
}

// Result summarises a finished run.
type Result struct {
	// Exit is the exit that terminated the run.
	Exit           VmExit
	Exits          int
	FaultsResolved int
	Success        bool
}

// RunLoop drives one vCPU until the guest shuts down or an exit cannot be
// handled. It is single use.
type RunLoop struct {
	vcpu   VirtualCPU
	space  *GuestAddressSpace
	faults *NestedFaultHandler

	console  io.Writer
	log      *slog.Logger
	trace    debug.Debug
	maxExits int

	state RunState
}

type RunLoopOption func(*RunLoop)

// WithConsole sets where the final status line is printed.
func WithConsole(w io.Writer) RunLoopOption {
	return func(r *RunLoop) { r.console = w }
}

func WithLogger(l *slog.Logger) RunLoopOption {
	return func(r *RunLoop) { r.log = l }
}

// WithExitLimit terminates the run unsuccessfully after n exits. Zero means
// no limit.
func WithExitLimit(n int) RunLoopOption {
	return func(r *RunLoop) { r.maxExits = n }
}

func NewRunLoop(vcpu VirtualCPU, space *GuestAddressSpace, policy FaultPolicy, opts ...RunLoopOption) *RunLoop {
	r := &RunLoop{
		vcpu:    vcpu,
		space:   space,
		console: io.Discard,
		log:     slog.Default(),
		trace:   debug.WithSource("hv-runloop"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.faults = NewNestedFaultHandler(space, policy, r.log)
	return r
}

func (r *RunLoop) State() RunState { return r.state }

// Run enters the guest repeatedly, dispatching each exit. It returns a nil
// error only after a recognised shutdown request. Every other termination
// returns an error matching ErrUnhandledExit.
func (r *RunLoop) Run() (Result, error) {
	var res Result
	if r.state == StateTerminated {
		return res, fmt.Errorf("run loop already terminated")
	}

	rec := timeslice.NewRecorder()

	for {
		r.state = StateRunning
		raw, err := r.vcpu.Enter()
		rec.Record(tsGuestTime)
		r.state = StateHandlingExit

		if err != nil {
			rec.Record(tsExitUnhandled)
			return r.fail(res, Unhandled(0, "guest entry failed"), nil, fmt.Errorf("enter guest: %w", err))
		}
		res.Exits++

		exit := r.vcpu.Decode(raw)
		r.log.Debug("vm exit", "arch", r.vcpu.Architecture(), "exit", exit.String(), "raw", raw.String())
		r.trace.Writef("exit #%d %s raw=%s", res.Exits, exit, raw)

		switch exit.Reason {
		case ExitNestedPageFault:
			if _, err := r.faults.Handle(exit.FaultAddr); err != nil {
				rec.Record(tsExitUnhandled)
				return r.fail(res, Unhandled(raw.Code(), "nested fault at "+exit.FaultAddr.String()), raw, err)
			}
			if err := r.vcpu.InvalidateGuestTLB(exit.FaultAddr.PageDown()); err != nil {
				rec.Record(tsExitUnhandled)
				return r.fail(res, Unhandled(raw.Code(), "guest tlb invalidation failed"), raw, err)
			}
			res.FaultsResolved++
			rec.Record(tsExitFault)
		case ExitShutdown:
			rec.Record(tsExitShutdown)
			r.state = StateTerminated
			res.Exit = exit
			res.Success = true
			r.log.Info("guest requested shutdown", "request", exit.Request.String(), "exits", res.Exits)
			fmt.Fprintln(r.console, SuccessMessage)
			return res, nil
		default:
			rec.Record(tsExitUnhandled)
			return r.fail(res, exit, raw, nil)
		}

		if r.maxExits > 0 && res.Exits >= r.maxExits {
			return r.fail(res, Unhandled(raw.Code(), "exit limit reached"), raw, fmt.Errorf("stopped after %d exits", res.Exits))
		}
	}
}

func (r *RunLoop) fail(res Result, exit VmExit, raw RawExit, cause error) (Result, error) {
	r.state = StateTerminated
	res.Exit = exit

	uerr := &UnhandledExitError{Exit: exit, Raw: raw, Err: cause}
	r.log.Error("unhandled vm exit", "arch", r.vcpu.Architecture(), "error", uerr)
	fmt.Fprintf(r.console, "Unhandled VM exit: %s\n", uerr)
	return res, uerr
}
