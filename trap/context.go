package trap

import (
	"unsafe"

	"github.com/sarchlab/svkernel/isa"
	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/mem/vm"
)

// Status bits of sstatus.
const (
	StatusSIE  uint64 = 1 << 1
	StatusSPIE uint64 = 1 << 5
	StatusSPP  uint64 = 1 << 8
	StatusSUM  uint64 = 1 << 18
)

// A Context holds the user state of a thread while it is trapped into the
// kernel, together with what the trampoline needs to get into the kernel.
// It occupies the start of the trap context page and its layout is part of
// the trampoline code.
type Context struct {
	X      [32]uint64
	Status uint64
	PC     uint64

	KernelToken uint64
	KernelSP    uint64
	Handler     uint64
}

// Byte offsets of the Context fields, as used by the trampoline.
const (
	OffsetStatus      = int32(unsafe.Offsetof(Context{}.Status))
	OffsetPC          = int32(unsafe.Offsetof(Context{}.PC))
	OffsetKernelToken = int32(unsafe.Offsetof(Context{}.KernelToken))
	OffsetKernelSP    = int32(unsafe.Offsetof(Context{}.KernelSP))
	OffsetHandler     = int32(unsafe.Offsetof(Context{}.Handler))
)

// OffsetReg returns the byte offset of a saved register.
func OffsetReg(r isa.Reg) int32 {
	return int32(r) * 8
}

// Reg returns a saved register.
func (c *Context) Reg(r isa.Reg) uint64 {
	return c.X[r]
}

// SetReg changes a saved register. Writes to x0 are dropped.
func (c *Context) SetReg(r isa.Reg, v uint64) {
	if r == isa.Zero {
		return
	}

	c.X[r] = v
}

// Syscall returns the system call id and its arguments.
func (c *Context) Syscall() (uint64, [3]uint64) {
	return c.X[isa.A7], [3]uint64{c.X[isa.A0], c.X[isa.A1], c.X[isa.A2]}
}

// AdvancePC moves the saved program counter past an instruction.
func (c *Context) AdvancePC(n int) {
	c.PC += uint64(n)
}

// NewUserContext creates the context a thread starts from: the program
// counter at the entry, the stack pointer at the top of the user stack and
// a status that returns to user mode.
func NewUserContext(
	entry uint64,
	sp uint64,
	kernelToken uint64,
	kernelSP uint64,
	handler uint64,
) Context {
	c := Context{
		Status:      StatusSPIE,
		PC:          entry,
		KernelToken: kernelToken,
		KernelSP:    kernelSP,
		Handler:     handler,
	}
	c.X[isa.SP] = sp

	return c
}

// ContextOf returns the context stored in a trap context frame.
func ContextOf(memory *frame.Memory, f vm.FrameNum) (*Context, error) {
	return frame.View[Context](memory, f)
}
