package trap

import (
	"errors"

	"github.com/sarchlab/svkernel/isa"
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/mmu"
)

const (
	funct3Add    = 0
	funct3Double = 3
	funct3Priv   = 0
	funct3Csrrw  = 1
	funct3Csrrs  = 2

	funct7SfenceVMA = 0x09
)

// Step executes one instruction. An exception raised by the instruction is
// returned without being delivered and leaves the hart unchanged.
func (h *Hart) Step() *Exception {
	if h.pc%2 != 0 {
		return h.exception(InstructionMisaligned, h.pc)
	}

	inst, n, err := h.mmu.Fetch(h.pc, h.priv)
	if err != nil {
		return h.memoryException(err, InstructionPageFault,
			InstructionAccessFault, h.pc)
	}

	var e *Exception
	if n == 2 {
		e = h.executeCompressed(inst)
	} else {
		e = h.execute(inst)
	}

	if e == nil {
		h.retired++
	}

	return e
}

// Run steps until an instruction raises an exception. When budget is
// positive and the hart retires that many instructions first, Run returns
// a supervisor timer interrupt pending at the next instruction.
func (h *Hart) Run(budget int) *Exception {
	for n := 0; budget <= 0 || n < budget; n++ {
		if e := h.Step(); e != nil {
			return e
		}
	}

	return h.exception(SupervisorTimer, 0)
}

func (h *Hart) exception(cause Cause, tval uint64) *Exception {
	return &Exception{Cause: cause, Tval: tval, PC: h.pc}
}

func (h *Hart) memoryException(
	err error,
	pageFault, accessFault Cause,
	addr uint64,
) *Exception {
	var fault *mmu.Fault
	if errors.As(err, &fault) {
		return h.exception(pageFault, fault.Addr)
	}

	return h.exception(accessFault, addr)
}

func (h *Hart) illegal(inst uint32) *Exception {
	return h.exception(IllegalInstruction, uint64(inst))
}

func (h *Hart) executeCompressed(inst uint32) *Exception {
	if inst == isa.CEbreak {
		return h.exception(Breakpoint, h.pc)
	}

	return h.illegal(inst)
}

func (h *Hart) execute(inst uint32) *Exception {
	f := isa.Decode(inst)

	switch f.Opcode {
	case isa.OpImm:
		if f.Funct3 != funct3Add {
			return h.illegal(inst)
		}

		h.SetReg(f.Rd, h.x[f.Rs1]+uint64(isa.ImmI(inst)))
	case isa.OpLui:
		h.SetReg(f.Rd, uint64(isa.ImmU(inst)))
	case isa.OpLoad:
		if f.Funct3 != funct3Double {
			return h.illegal(inst)
		}

		return h.load(f, uint64(isa.ImmI(inst)))
	case isa.OpStore:
		if f.Funct3 != funct3Double {
			return h.illegal(inst)
		}

		return h.store(f, uint64(isa.ImmS(inst)))
	case isa.OpJalr:
		if f.Funct3 != funct3Add {
			return h.illegal(inst)
		}

		target := (h.x[f.Rs1] + uint64(isa.ImmI(inst))) &^ 1
		h.SetReg(f.Rd, h.pc+4)
		h.pc = target

		return nil
	case isa.OpSystem:
		return h.system(inst, f)
	default:
		return h.illegal(inst)
	}

	h.pc += 4

	return nil
}

func (h *Hart) load(f isa.Fields, off uint64) *Exception {
	addr := h.x[f.Rs1] + off
	if addr%8 != 0 {
		return h.exception(LoadMisaligned, addr)
	}

	v, err := h.mmu.LoadUint64(addr, h.priv)
	if err != nil {
		return h.memoryException(err, LoadPageFault, LoadAccessFault, addr)
	}

	h.SetReg(f.Rd, v)
	h.pc += 4

	return nil
}

func (h *Hart) store(f isa.Fields, off uint64) *Exception {
	addr := h.x[f.Rs1] + off
	if addr%8 != 0 {
		return h.exception(StoreMisaligned, addr)
	}

	err := h.mmu.StoreUint64(addr, h.x[f.Rs2], h.priv)
	if err != nil {
		return h.memoryException(err, StorePageFault, StoreAccessFault, addr)
	}

	h.pc += 4

	return nil
}

func (h *Hart) system(inst uint32, f isa.Fields) *Exception {
	switch f.Funct3 {
	case funct3Priv:
		return h.privileged(inst, f)
	case funct3Csrrw, funct3Csrrs:
		return h.csr(inst, f)
	default:
		return h.illegal(inst)
	}
}

func (h *Hart) privileged(inst uint32, f isa.Fields) *Exception {
	switch {
	case inst == isa.Ecall:
		if h.priv == PrivilegeUser {
			return h.exception(EnvironmentCallFromU, 0)
		}

		return h.exception(EnvironmentCallFromS, 0)
	case h.priv == PrivilegeUser:
		return h.illegal(inst)
	case inst == isa.Sret:
		h.sret()
		return nil
	case f.Funct7 == funct7SfenceVMA && f.Rd == isa.Zero:
		h.sfence(f.Rs1)
	default:
		return h.illegal(inst)
	}

	h.pc += 4

	return nil
}

func (h *Hart) sfence(rs1 isa.Reg) {
	if rs1 == isa.Zero {
		h.mmu.Fence()
		return
	}

	va, ok := vm.FromCanonical(h.x[rs1])
	if !ok {
		return
	}

	h.mmu.FenceAddr(va)
}

func (h *Hart) csr(inst uint32, f isa.Fields) *Exception {
	if h.priv == PrivilegeUser {
		return h.illegal(inst)
	}

	c := isa.CSROf(inst)

	old, ok := h.CSR(c)
	if !ok {
		return h.illegal(inst)
	}

	src := h.x[f.Rs1]

	switch f.Funct3 {
	case funct3Csrrw:
		h.SetCSR(c, src)
	case funct3Csrrs:
		if f.Rs1 != isa.Zero {
			h.SetCSR(c, old|src)
		}
	}

	h.SetReg(f.Rd, old)
	h.pc += 4

	return nil
}
