package trap

import (
	"github.com/sarchlab/svkernel/isa"
	"github.com/sarchlab/svkernel/sim"
)

// HookPosContextSwitch marks a switch between kernel control flows. The
// item is the *KernelContext switched to and the detail the one switched
// away from.
var HookPosContextSwitch = &sim.HookPos{Name: "ContextSwitch"}

// A KernelContext is what survives of a kernel control flow while another
// one runs: the return address, the stack pointer and the callee-saved
// registers.
type KernelContext struct {
	RA uint64
	SP uint64
	S  [12]uint64
}

// NewKernelContext creates a context that resumes at ra on the stack sp.
func NewKernelContext(ra, sp uint64) *KernelContext {
	return &KernelContext{RA: ra, SP: sp}
}

var calleeSaved = [12]isa.Reg{
	isa.S0, isa.S1, isa.S2, isa.S3, isa.S4, isa.S5,
	isa.S6, isa.S7, isa.S8, isa.S9, isa.S10, isa.S11,
}

// A Scheduler picks the kernel control flow to run next.
type Scheduler interface {
	// NextRunnableContext removes the next runnable flow from the ready
	// queue and makes it current. It returns nil if nothing is runnable.
	NextRunnableContext() *KernelContext

	// ReturnCurrentToReady puts the current flow back into the ready queue
	// if it can still run.
	ReturnCurrentToReady()
}

// Switch saves the kernel state of the hart into current and loads next.
// Nothing else changes.
func Switch(h *Hart, current, next *KernelContext) {
	current.RA = h.Reg(isa.RA)
	current.SP = h.Reg(isa.SP)

	for i, r := range calleeSaved {
		current.S[i] = h.Reg(r)
	}

	h.SetReg(isa.RA, next.RA)
	h.SetReg(isa.SP, next.SP)

	for i, r := range calleeSaved {
		h.SetReg(r, next.S[i])
	}

	h.InvokeHook(sim.HookCtx{
		Domain: h,
		Pos:    HookPosContextSwitch,
		Item:   next,
		Detail: current,
	})
}

// Yield gives up the hart. It returns the current flow to the scheduler,
// switches to the flow the scheduler picks and returns it. It returns nil
// when nothing is runnable.
func Yield(h *Hart, current *KernelContext, sched Scheduler) *KernelContext {
	sched.ReturnCurrentToReady()

	next := sched.NextRunnableContext()
	if next == nil || next == current {
		return next
	}

	Switch(h, current, next)

	return next
}
