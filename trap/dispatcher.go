package trap

import (
	"errors"
	"fmt"
	"log"

	"github.com/sarchlab/svkernel/isa"
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/sim"
)

var (
	// ErrUnknownSyscall is returned by a SyscallTable for ids it does not
	// know.
	ErrUnknownSyscall = errors.New("unknown system call")

	// ErrUnhandledCause is the reason of a fatal stop on a cause the kernel
	// has no service for.
	ErrUnhandledCause = errors.New("unhandled trap cause")

	// ErrNoCollaborator is the reason of a fatal stop on a cause whose
	// service is not registered.
	ErrNoCollaborator = errors.New("no handler registered")
)

// Hook positions of the dispatcher.
var (
	// HookPosTrapDispatch is invoked before a cause is serviced. The item is
	// an *Exception.
	HookPosTrapDispatch = &sim.HookPos{Name: "TrapDispatch"}

	// HookPosFatal is invoked before the machine halts. The item is the
	// *FatalError.
	HookPosFatal = &sim.HookPos{Name: "Fatal"}
)

// A SyscallHandler serves system calls. The result goes to a0 of the
// caller. An error is an unrecoverable stop.
type SyscallHandler interface {
	Syscall(id uint64, args [3]uint64) (int64, error)
}

// A PageFaultResolver maps the page a fault happened on, if it can.
type PageFaultResolver interface {
	ResolvePageFault(page vm.PageNum, cause Cause) error
}

// An InterruptHandler serves timer, external and software interrupts.
type InterruptHandler interface {
	HandleInterrupt(cause Cause)
}

// A Halter stops the machine after an unrecoverable trap.
type Halter interface {
	Halt(err *FatalError)
}

// A FatalError records an unrecoverable trap.
type FatalError struct {
	Cause Cause
	Tval  uint64
	PC    uint64
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("kernel stop on %s, tval 0x%x, pc 0x%x: %v",
		e.Cause, e.Tval, e.PC, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// A SyscallFunc serves one system call.
type SyscallFunc func(args [3]uint64) (int64, error)

// A SyscallTable serves system calls by id.
type SyscallTable map[uint64]SyscallFunc

// Syscall runs the function registered for the id.
func (t SyscallTable) Syscall(id uint64, args [3]uint64) (int64, error) {
	fn, found := t[id]
	if !found {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSyscall, id)
	}

	return fn(args)
}

// PanicHalter halts by logging the stop and panicking with the
// *FatalError.
type PanicHalter struct{}

// Halt panics.
func (PanicHalter) Halt(err *FatalError) {
	log.Print(err)
	panic(err)
}

// A Dispatcher decides what the kernel does with a trap once the user state
// is saved.
type Dispatcher struct {
	sim.HookableBase

	syscalls   SyscallHandler
	resolver   PageFaultResolver
	interrupts InterruptHandler
	halter     Halter
}

// A DispatcherBuilder can build dispatchers.
type DispatcherBuilder struct {
	syscalls   SyscallHandler
	resolver   PageFaultResolver
	interrupts InterruptHandler
	halter     Halter
}

// MakeDispatcherBuilder creates a builder whose dispatchers halt by
// panicking.
func MakeDispatcherBuilder() DispatcherBuilder {
	return DispatcherBuilder{halter: PanicHalter{}}
}

// WithSyscallHandler sets the system call service.
func (b DispatcherBuilder) WithSyscallHandler(
	h SyscallHandler,
) DispatcherBuilder {
	b.syscalls = h
	return b
}

// WithPageFaultResolver sets the demand paging service.
func (b DispatcherBuilder) WithPageFaultResolver(
	r PageFaultResolver,
) DispatcherBuilder {
	b.resolver = r
	return b
}

// WithInterruptHandler sets the interrupt service.
func (b DispatcherBuilder) WithInterruptHandler(
	h InterruptHandler,
) DispatcherBuilder {
	b.interrupts = h
	return b
}

// WithHalter sets what happens on an unrecoverable trap.
func (b DispatcherBuilder) WithHalter(h Halter) DispatcherBuilder {
	b.halter = h
	return b
}

// Build creates the dispatcher.
func (b DispatcherBuilder) Build() *Dispatcher {
	return &Dispatcher{
		syscalls:   b.syscalls,
		resolver:   b.resolver,
		interrupts: b.interrupts,
		halter:     b.halter,
	}
}

// Dispatch services a trap. It changes the saved context as the cause
// requires. An unrecoverable trap is halted on and returned as a
// *FatalError, in case the halter returns.
func (d *Dispatcher) Dispatch(ctx *Context, cause Cause, tval uint64) error {
	pc := ctx.PC

	d.InvokeHook(sim.HookCtx{
		Domain: d,
		Pos:    HookPosTrapDispatch,
		Item:   &Exception{Cause: cause, Tval: tval, PC: pc},
	})

	var err error

	switch {
	case cause.IsEnvironmentCall():
		err = d.syscall(ctx)
	case cause == Breakpoint:
		ctx.AdvancePC(2)
	case cause.IsInterrupt():
		err = d.interrupt(cause)
	case cause.IsPageFault():
		err = d.pageFault(cause, tval)
	default:
		err = ErrUnhandledCause
	}

	if err != nil {
		return d.fatal(cause, tval, pc, err)
	}

	return nil
}

func (d *Dispatcher) syscall(ctx *Context) error {
	if d.syscalls == nil {
		return fmt.Errorf("%w: system call", ErrNoCollaborator)
	}

	ctx.AdvancePC(4)

	id, args := ctx.Syscall()

	ret, err := d.syscalls.Syscall(id, args)
	if err != nil {
		return err
	}

	ctx.SetReg(isa.A0, uint64(ret))

	return nil
}

func (d *Dispatcher) interrupt(cause Cause) error {
	if d.interrupts == nil {
		return fmt.Errorf("%w: interrupt", ErrNoCollaborator)
	}

	d.interrupts.HandleInterrupt(cause)

	return nil
}

func (d *Dispatcher) pageFault(cause Cause, tval uint64) error {
	if d.resolver == nil {
		return fmt.Errorf("%w: page fault", ErrNoCollaborator)
	}

	va, ok := vm.FromCanonical(tval)
	if !ok {
		return fmt.Errorf("faulting address 0x%x is not canonical", tval)
	}

	return d.resolver.ResolvePageFault(va.Floor(), cause)
}

func (d *Dispatcher) fatal(cause Cause, tval, pc uint64, err error) error {
	fe := &FatalError{Cause: cause, Tval: tval, PC: pc, Err: err}

	d.InvokeHook(sim.HookCtx{
		Domain: d,
		Pos:    HookPosFatal,
		Item:   fe,
	})

	d.halter.Halt(fe)

	return fe
}
