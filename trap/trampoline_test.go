package trap

import (
	"errors"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/svkernel/isa"
	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/addrspace"
	"github.com/sarchlab/svkernel/mem/vm/mmu"
	"github.com/sarchlab/svkernel/program"
	"github.com/sarchlab/svkernel/sim"
)

var _ = ginkgo.Describe("Trampoline", func() {
	const handler = 0xa000

	var (
		memory     *frame.Memory
		pool       *frame.Pool
		trampoline *Trampoline
		kernel     *addrspace.Space
		user       *addrspace.Space
		thread     *addrspace.Thread
		ctx        *Context
		h          *Hart
	)

	ginkgo.BeforeEach(func() {
		memory = frame.NewMemory(0x80000000, 0x80400000)
		pool = frame.NewPool(memory)
		Expect(pool.Init(0x80000, 0x80400)).To(Succeed())

		var err error
		trampoline, err = NewTrampoline(pool)
		Expect(err).NotTo(HaveOccurred())

		kernel, err = addrspace.NewKernelSpace(pool,
			addrspace.NewKernel(addrspace.KernelLayout{
				Text:   addrspace.Range{Start: 10, End: 20},
				ROData: addrspace.Range{Start: 21, End: 21},
				Data:   addrspace.Range{Start: 22, End: 30},
				BSS:    addrspace.Range{Start: 31, End: 31},
				Frames: addrspace.Range{Start: 32, End: 40},
			}),
			trampoline.Frame())
		Expect(err).NotTo(HaveOccurred())

		user, err = addrspace.NewUserSpace(pool, program.Demo(), trampoline.Frame())
		Expect(err).NotTo(HaveOccurred())

		thread, err = user.AddThread(kernel, 0)
		Expect(err).NotTo(HaveOccurred())

		ctx, err = ContextOf(memory, thread.Context)
		Expect(err).NotTo(HaveOccurred())
		*ctx = NewUserContext(program.DemoEntry, thread.UserSP,
			kernel.Token(), thread.KernelSP, handler)

		m := mmu.MakeBuilder().WithMemory(memory).Build("MMU")
		h = MakeBuilder().WithMMU(m).Build("Hart")
		h.SetCSR(isa.Stvec, trampoline.EnterAddr())
		h.SetCSR(isa.Satp, kernel.Token())
		h.MMU().Fence()
	})

	trap := func(cause Cause, tval uint64) {
		h.Raise(cause, tval)
		Expect(trampoline.Enter(h)).To(Succeed())
	}

	ginkgo.It("should assemble into one page", func() {
		Expect(trampoline.Size()).To(BeNumerically("<=", vm.PageSize))
		Expect(trampoline.ExitAddr()).To(BeNumerically(">", trampoline.EnterAddr()))
		Expect(trampoline.EnterAddr()).To(Equal(uint64(0xfffffffffffff000)))
	})

	ginkgo.It("should start a thread in user mode", func() {
		Expect(trampoline.Exit(h, thread.ContextVA, user.Token())).To(Succeed())

		scratch, _ := h.CSR(isa.Sscratch)
		Expect(h.Privilege()).To(Equal(PrivilegeUser))
		Expect(h.PC()).To(Equal(uint64(program.DemoEntry)))
		Expect(h.Reg(isa.SP)).To(Equal(thread.UserSP))
		Expect(h.MMU().Token()).To(Equal(user.Token()))
		Expect(scratch).To(Equal(thread.ContextVA))
	})

	ginkgo.It("should switch into the kernel", func() {
		Expect(trampoline.Exit(h, thread.ContextVA, user.Token())).To(Succeed())
		h.SetPC(program.DemoEntry + 0x12)

		trap(EnvironmentCallFromU, 0)

		Expect(h.Privilege()).To(Equal(PrivilegeSupervisor))
		Expect(h.PC()).To(Equal(uint64(handler)))
		Expect(h.Reg(isa.SP)).To(Equal(thread.KernelSP))
		Expect(h.MMU().Token()).To(Equal(kernel.Token()))
		Expect(ctx.PC).To(Equal(uint64(program.DemoEntry + 0x12)))
		Expect(ctx.Status & StatusSPP).To(BeZero())
	})

	ginkgo.It("should restore every register after a round trip", func() {
		Expect(trampoline.Exit(h, thread.ContextVA, user.Token())).To(Succeed())
		for r := isa.RA; r <= isa.T6; r++ {
			h.SetReg(r, 0xf00d0000+uint64(r))
		}
		before := h.Regs()
		status, _ := h.CSR(isa.Sstatus)

		trap(EnvironmentCallFromU, 0)

		for r := isa.RA; r <= isa.T6; r++ {
			Expect(ctx.Reg(r)).To(Equal(before[r]), r.String())
		}

		Expect(trampoline.Exit(h, thread.ContextVA, user.Token())).To(Succeed())

		after, _ := h.CSR(isa.Sstatus)
		Expect(h.Regs()).To(Equal(before))
		Expect(h.PC()).To(Equal(uint64(program.DemoEntry)))
		Expect(after).To(Equal(status))
	})

	ginkgo.It("should run the demo program through the dispatcher", func() {
		mockCtrl := gomock.NewController(ginkgo.GinkgoT())
		defer mockCtrl.Finish()

		syscalls := NewMockSyscallHandler(mockCtrl)
		syscalls.EXPECT().
			Syscall(uint64(64), [3]uint64{1, program.DemoMessage,
				uint64(len(program.DemoText))}).
			Return(int64(len(program.DemoText)), nil)
		d := MakeDispatcherBuilder().WithSyscallHandler(syscalls).Build()

		Expect(trampoline.Exit(h, thread.ContextVA, user.Token())).To(Succeed())

		e := h.Run(0)
		Expect(e.Cause).To(Equal(Breakpoint))
		trap(e.Cause, e.Tval)
		Expect(d.Dispatch(ctx, h.Cause(), h.Tval())).To(Succeed())
		Expect(trampoline.Exit(h, thread.ContextVA, user.Token())).To(Succeed())
		Expect(h.PC()).To(Equal(uint64(program.DemoEntry + 2)))

		e = h.Run(0)
		Expect(e.Cause).To(Equal(EnvironmentCallFromU))
		Expect(e.PC).To(Equal(uint64(program.DemoEntry + 0x12)))
		trap(e.Cause, e.Tval)
		Expect(d.Dispatch(ctx, h.Cause(), h.Tval())).To(Succeed())
		Expect(trampoline.Exit(h, thread.ContextVA, user.Token())).To(Succeed())

		Expect(h.PC()).To(Equal(uint64(program.DemoEntry + 0x16)))
		Expect(h.Reg(isa.A0)).To(Equal(uint64(len(program.DemoText))))
	})

	ginkgo.It("should refuse to leave for a space without the trampoline", func() {
		other, err := pool.Alloc()
		Expect(err).NotTo(HaveOccurred())
		bad, err := addrspace.NewUserSpace(pool, program.Demo(), other.Number())
		Expect(err).NotTo(HaveOccurred())

		err = trampoline.Exit(h, thread.ContextVA, bad.Token())

		Expect(errors.Is(err, ErrTrampolineMismatch)).To(BeTrue())
		Expect(h.Privilege()).To(Equal(PrivilegeSupervisor))
		Expect(h.MMU().Token()).To(Equal(kernel.Token()))
	})

	ginkgo.It("should refuse to enter a kernel without the trampoline", func() {
		Expect(trampoline.Exit(h, thread.ContextVA, user.Token())).To(Succeed())
		other, err := pool.Alloc()
		Expect(err).NotTo(HaveOccurred())
		Expect(kernel.Table().Replace(addrspace.Trampoline, other.Number(),
			vm.FlagRead|vm.FlagExec)).To(Succeed())

		h.Raise(EnvironmentCallFromU, 0)
		err = trampoline.Enter(h)

		Expect(errors.Is(err, ErrTrampolineMismatch)).To(BeTrue())
		Expect(h.MMU().Token()).To(Equal(user.Token()))
	})

	ginkgo.It("should refuse to enter from anywhere but stvec", func() {
		err := trampoline.Enter(h)

		Expect(errors.Is(err, ErrNotAtTrampoline)).To(BeTrue())
	})

	ginkgo.It("should fail when the trap context is not mapped", func() {
		other := addrspace.PageAddr(addrspace.TrapContextPage(5))

		err := trampoline.Exit(h, other, user.Token())

		Expect(errors.Is(err, ErrTrampolineFault)).To(BeTrue())
	})

	ginkgo.It("should invoke hooks on both phases", func() {
		var transitions []*Transition
		trampoline.AcceptHook(sim.HookFunc(func(hc sim.HookCtx) {
			transitions = append(transitions, hc.Item.(*Transition))
		}))

		Expect(trampoline.Exit(h, thread.ContextVA, user.Token())).To(Succeed())
		trap(Breakpoint, program.DemoEntry)

		Expect(transitions).To(HaveLen(2))
		Expect(transitions[0].Token).To(Equal(user.Token()))
		Expect(transitions[1].Cause).To(Equal(Breakpoint))
		Expect(transitions[1].PC).To(Equal(uint64(program.DemoEntry)))
		Expect(transitions[1].Context).To(Equal(thread.ContextVA))
	})
})
