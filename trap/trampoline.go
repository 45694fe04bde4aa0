package trap

import (
	"errors"
	"fmt"

	"github.com/sarchlab/svkernel/isa"
	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/addrspace"
	"github.com/sarchlab/svkernel/mem/vm/pagetable"
	"github.com/sarchlab/svkernel/sim"
)

var (
	// ErrTrampolineMismatch is returned when the trampoline address does not
	// fetch from the trampoline frame under both roots of a switch.
	ErrTrampolineMismatch = errors.New("trampoline is not mapped identically")

	// ErrTrampolineFault is returned when the trampoline code raises an
	// exception. The transition cannot be completed.
	ErrTrampolineFault = errors.New("exception inside the trampoline")

	// ErrNotAtTrampoline is returned when a transition starts anywhere but
	// the trampoline entry.
	ErrNotAtTrampoline = errors.New("hart is not at the trampoline")
)

// Hook positions of the trampoline. The hook item is a *Transition.
var (
	HookPosTrapEnter = &sim.HookPos{Name: "TrapEnter"}
	HookPosTrapExit  = &sim.HookPos{Name: "TrapExit"}
)

// A Transition describes one pass through the trampoline.
type Transition struct {
	Cause   Cause
	Tval    uint64
	PC      uint64
	Context uint64
	Token   uint64
}

// A Trampoline is the code page that moves a hart between user and kernel
// mode. It is mapped at the same virtual page in every address space, so
// instruction fetch keeps working while satp changes underneath.
type Trampoline struct {
	sim.HookableBase

	frame *frame.Frame
	size  int
	exit  uint64
}

var savedRegs = func() []isa.Reg {
	var regs []isa.Reg

	for r := isa.RA; r <= isa.T6; r++ {
		if r != isa.A0 {
			regs = append(regs, r)
		}
	}

	return regs
}()

func enterCode() []uint32 {
	code := []uint32{isa.Csrrw(isa.A0, isa.Sscratch, isa.A0)}

	for _, r := range savedRegs {
		code = append(code, isa.Sd(r, isa.A0, OffsetReg(r)))
	}

	return append(code,
		isa.Csrr(isa.T0, isa.Sscratch),
		isa.Sd(isa.T0, isa.A0, OffsetReg(isa.A0)),
		isa.Csrr(isa.T0, isa.Sstatus),
		isa.Sd(isa.T0, isa.A0, OffsetStatus),
		isa.Csrr(isa.T0, isa.Sepc),
		isa.Sd(isa.T0, isa.A0, OffsetPC),
		isa.Ld(isa.T0, isa.A0, OffsetKernelToken),
		isa.Ld(isa.SP, isa.A0, OffsetKernelSP),
		isa.Ld(isa.T1, isa.A0, OffsetHandler),
		isa.Csrw(isa.Satp, isa.T0),
		isa.SfenceVMA,
		isa.Jr(isa.T1),
	)
}

func exitCode() []uint32 {
	code := []uint32{
		isa.Csrw(isa.Satp, isa.A1),
		isa.SfenceVMA,
		isa.Csrw(isa.Sscratch, isa.A0),
		isa.Ld(isa.T0, isa.A0, OffsetStatus),
		isa.Csrw(isa.Sstatus, isa.T0),
		isa.Ld(isa.T0, isa.A0, OffsetPC),
		isa.Csrw(isa.Sepc, isa.T0),
	}

	for _, r := range savedRegs {
		code = append(code, isa.Ld(r, isa.A0, OffsetReg(r)))
	}

	return append(code,
		isa.Ld(isa.A0, isa.A0, OffsetReg(isa.A0)),
		isa.Sret,
	)
}

// NewTrampoline assembles the trampoline code into a fresh frame.
func NewTrampoline(pool pagetable.FramePool) (*Trampoline, error) {
	f, err := pool.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating the trampoline: %w", err)
	}

	enter := enterCode()

	var insts []any
	for _, inst := range append(enter, exitCode()...) {
		insts = append(insts, inst)
	}

	code := isa.Assemble(insts...)
	if err := pool.Memory().Write(f.Addr(), code); err != nil {
		f.Release()
		return nil, err
	}

	return &Trampoline{
		frame: f,
		size:  len(code),
		exit:  uint64(4 * len(enter)),
	}, nil
}

// Frame returns the frame that holds the code.
func (t *Trampoline) Frame() vm.FrameNum {
	return t.frame.Number()
}

// Size returns the length of the code in bytes.
func (t *Trampoline) Size() int {
	return t.size
}

// EnterAddr returns the address the hardware must trap to. It is the value
// for stvec.
func (t *Trampoline) EnterAddr() uint64 {
	return addrspace.PageAddr(addrspace.Trampoline)
}

// ExitAddr returns the address of the return path.
func (t *Trampoline) ExitAddr() uint64 {
	return t.EnterAddr() + t.exit
}

// Release gives the frame back. No address space may map it any more.
func (t *Trampoline) Release() {
	t.frame.Release()
}

func (t *Trampoline) contains(pc uint64) bool {
	return pc >= t.EnterAddr() && pc-t.EnterAddr() < vm.PageSize
}

// check makes sure that an instruction fetch at the trampoline address
// lands on the trampoline frame under both roots of a switch.
func (t *Trampoline) check(h *Hart, from, to uint64) error {
	for _, token := range []uint64{from, to} {
		f, err := h.MMU().FetchFrame(token, t.EnterAddr())
		if err != nil {
			return fmt.Errorf("%w: root 0x%x: %v",
				ErrTrampolineMismatch, token, err)
		}

		if f != t.Frame() {
			return fmt.Errorf("%w: root 0x%x maps frame 0x%x instead of 0x%x",
				ErrTrampolineMismatch, token, uint64(f), uint64(t.Frame()))
		}
	}

	return nil
}

// Enter runs the save-and-switch-in phase. The hart must have just taken a
// trap from user mode to stvec, with sscratch holding the address of the
// trap context. On return every user register is saved in the context, satp
// holds the kernel root, sp the kernel stack and pc the kernel handler.
func (t *Trampoline) Enter(h *Hart) error {
	if h.PC() != t.EnterAddr() {
		return fmt.Errorf("%w: pc 0x%x", ErrNotAtTrampoline, h.PC())
	}

	ctxVA, _ := h.CSR(isa.Sscratch)
	userToken := h.MMU().Token()

	kernelToken, err := h.MMU().LoadUint64(
		ctxVA+uint64(OffsetKernelToken), PrivilegeSupervisor)
	if err != nil {
		return fmt.Errorf("reading the trap context: %w", err)
	}

	if err := t.check(h, userToken, kernelToken); err != nil {
		return err
	}

	if err := t.run(h); err != nil {
		return err
	}

	sepc, _ := h.CSR(isa.Sepc)
	t.InvokeHook(sim.HookCtx{
		Domain: t,
		Pos:    HookPosTrapEnter,
		Item: &Transition{
			Cause:   h.Cause(),
			Tval:    h.Tval(),
			PC:      sepc,
			Context: ctxVA,
			Token:   kernelToken,
		},
	})

	return nil
}

// Exit runs the switch-out-and-restore phase: it switches to the user root,
// restores the registers saved in the trap context at ctxVA and returns to
// the privilege and program counter recorded there.
func (t *Trampoline) Exit(h *Hart, ctxVA uint64, userToken uint64) error {
	if h.Privilege() != PrivilegeSupervisor {
		return fmt.Errorf("%w: exit from %s mode",
			ErrNotAtTrampoline, h.Privilege())
	}

	if err := t.check(h, h.MMU().Token(), userToken); err != nil {
		return err
	}

	h.SetReg(isa.A0, ctxVA)
	h.SetReg(isa.A1, userToken)
	h.SetPC(t.ExitAddr())

	if err := t.run(h); err != nil {
		return err
	}

	t.InvokeHook(sim.HookCtx{
		Domain: t,
		Pos:    HookPosTrapExit,
		Item: &Transition{
			Cause:   h.Cause(),
			Tval:    h.Tval(),
			PC:      h.PC(),
			Context: ctxVA,
			Token:   userToken,
		},
	})

	return nil
}

// run executes trampoline code until the hart leaves the trampoline page.
func (t *Trampoline) run(h *Hart) error {
	for n := 0; t.contains(h.PC()); n++ {
		if n > t.size/2 {
			return fmt.Errorf("%w: no way out at pc 0x%x",
				ErrTrampolineFault, h.PC())
		}

		if e := h.Step(); e != nil {
			return fmt.Errorf("%w: %v", ErrTrampolineFault, e)
		}
	}

	return nil
}
