package trap

import (
	"fmt"

	"github.com/sarchlab/svkernel/isa"
	"github.com/sarchlab/svkernel/mem/vm/mmu"
	"github.com/sarchlab/svkernel/sim"
)

// Privilege is the privilege level the hart runs at.
type Privilege = mmu.Privilege

// Privilege levels.
const (
	PrivilegeUser       = mmu.PrivilegeUser
	PrivilegeSupervisor = mmu.PrivilegeSupervisor
)

// An Exception is a trap raised by an instruction, or an interrupt that is
// pending at an instruction boundary. It has not been delivered yet.
type Exception struct {
	Cause Cause
	Tval  uint64
	PC    uint64
}

func (e *Exception) Error() string {
	return fmt.Sprintf("%s at pc 0x%x, tval 0x%x", e.Cause, e.PC, e.Tval)
}

// HookPosRaise marks the delivery of a trap. The hook item is the
// *Exception.
var HookPosRaise = &sim.HookPos{Name: "Raise"}

// A Hart is a hardware thread: the integer registers, the program counter,
// the privilege level and the supervisor CSRs. satp lives in the MMU.
type Hart struct {
	sim.HookableBase

	name string
	mmu  *mmu.MMU

	x    [32]uint64
	pc   uint64
	priv Privilege

	sstatus  uint64
	stvec    uint64
	sscratch uint64
	sepc     uint64
	scause   uint64
	stval    uint64

	retired uint64
}

// A Builder can build harts.
type Builder struct {
	mmu *mmu.MMU
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithMMU sets the MMU that translates every access of the hart.
func (b Builder) WithMMU(m *mmu.MMU) Builder {
	b.mmu = m
	return b
}

// Build creates a hart that starts in supervisor mode at address 0.
func (b Builder) Build(name string) *Hart {
	if b.mmu == nil {
		panic("hart needs an mmu")
	}

	return &Hart{
		name: name,
		mmu:  b.mmu,
		priv: PrivilegeSupervisor,
	}
}

// Name returns the name of the hart.
func (h *Hart) Name() string {
	return h.name
}

// MMU returns the MMU of the hart.
func (h *Hart) MMU() *mmu.MMU {
	return h.mmu
}

// Reg returns an integer register.
func (h *Hart) Reg(r isa.Reg) uint64 {
	return h.x[r]
}

// SetReg changes an integer register. Writes to x0 are dropped.
func (h *Hart) SetReg(r isa.Reg, v uint64) {
	if r == isa.Zero {
		return
	}

	h.x[r] = v
}

// Regs returns a copy of the integer registers.
func (h *Hart) Regs() [32]uint64 {
	return h.x
}

// PC returns the program counter.
func (h *Hart) PC() uint64 {
	return h.pc
}

// SetPC moves the program counter.
func (h *Hart) SetPC(pc uint64) {
	h.pc = pc
}

// Privilege returns the current privilege level.
func (h *Hart) Privilege() Privilege {
	return h.priv
}

// SetPrivilege changes the privilege level.
func (h *Hart) SetPrivilege(p Privilege) {
	h.priv = p
}

// Retired returns the number of instructions the hart has completed.
func (h *Hart) Retired() uint64 {
	return h.retired
}

// CSR reads a supervisor CSR. It reports false for unknown registers.
func (h *Hart) CSR(c isa.CSR) (uint64, bool) {
	switch c {
	case isa.Sstatus:
		return h.sstatus, true
	case isa.Stvec:
		return h.stvec, true
	case isa.Sscratch:
		return h.sscratch, true
	case isa.Sepc:
		return h.sepc, true
	case isa.Scause:
		return h.scause, true
	case isa.Stval:
		return h.stval, true
	case isa.Satp:
		return h.mmu.Token(), true
	default:
		return 0, false
	}
}

// SetCSR writes a supervisor CSR. It reports false for unknown registers.
// Writing satp does not flush the TLB.
func (h *Hart) SetCSR(c isa.CSR, v uint64) bool {
	switch c {
	case isa.Sstatus:
		h.sstatus = v
		h.mmu.SetSUM(v&StatusSUM != 0)
	case isa.Stvec:
		h.stvec = v &^ 0b11
	case isa.Sscratch:
		h.sscratch = v
	case isa.Sepc:
		h.sepc = v &^ 1
	case isa.Scause:
		h.scause = v
	case isa.Stval:
		h.stval = v
	case isa.Satp:
		h.mmu.SetToken(v)
	default:
		return false
	}

	return true
}

// Raise delivers a trap the way the hardware does: the interrupted program
// counter goes to sepc, the cause and the faulting value to scause and
// stval, the previous privilege and interrupt enable to sstatus, and the
// hart continues in supervisor mode at stvec.
func (h *Hart) Raise(cause Cause, tval uint64) {
	e := &Exception{Cause: cause, Tval: tval, PC: h.pc}

	h.sepc = h.pc
	h.scause = uint64(cause)
	h.stval = tval

	status := h.sstatus &^ (StatusSPP | StatusSPIE | StatusSIE)
	if h.priv == PrivilegeSupervisor {
		status |= StatusSPP
	}

	if h.sstatus&StatusSIE != 0 {
		status |= StatusSPIE
	}

	h.sstatus = status
	h.priv = PrivilegeSupervisor
	h.pc = h.stvec

	h.InvokeHook(sim.HookCtx{
		Domain: h,
		Pos:    HookPosRaise,
		Item:   e,
	})
}

// sret returns from a trap to the privilege recorded in sstatus.SPP.
func (h *Hart) sret() {
	h.priv = PrivilegeUser
	if h.sstatus&StatusSPP != 0 {
		h.priv = PrivilegeSupervisor
	}

	status := h.sstatus &^ (StatusSPP | StatusSIE)
	if h.sstatus&StatusSPIE != 0 {
		status |= StatusSIE
	}

	h.sstatus = status | StatusSPIE
	h.pc = h.sepc
}

// Cause returns the cause of the last trap.
func (h *Hart) Cause() Cause {
	return Cause(h.scause)
}

// Tval returns the faulting value of the last trap.
func (h *Hart) Tval() uint64 {
	return h.stval
}
