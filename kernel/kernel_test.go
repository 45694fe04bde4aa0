package kernel

import (
	"bytes"
	"debug/elf"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/svkernel/config"
	"github.com/sarchlab/svkernel/isa"
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/addrspace"
	"github.com/sarchlab/svkernel/program"
	"github.com/sarchlab/svkernel/sim"
	"github.com/sarchlab/svkernel/trap"
)

const (
	codeAddr = 0x10000
	dataAddr = 0x11000
)

// userProgram places the code at codeAddr and the message at dataAddr.
func userProgram(message string, code ...any) []byte {
	b := program.MakeBuilder().
		WithEntry(codeAddr).
		WithSegment(program.Segment{
			VirtAddr: codeAddr,
			Flags:    elf.PF_R | elf.PF_X,
			Data:     isa.Assemble(code...),
		})

	if message != "" {
		b = b.WithSegment(program.Segment{
			VirtAddr: dataAddr,
			Flags:    elf.PF_R,
			Data:     []byte(message),
		})
	}

	return b.Build()
}

func write(fd int32, n int) []any {
	return []any{
		isa.Li(isa.A0, fd),
		isa.Lui(isa.A1, dataAddr>>12),
		isa.Li(isa.A2, int32(n)),
		isa.Li(isa.A7, SyscallWrite),
		isa.Ecall,
	}
}

func syscall(id int32) []any {
	return []any{isa.Li(isa.A7, id), isa.Ecall}
}

func exit(code int32) []any {
	return []any{
		isa.Li(isa.A0, code),
		isa.Li(isa.A7, SyscallExit),
		isa.Ecall,
	}
}

func nops(n int) []any {
	code := make([]any, n)
	for i := range code {
		code[i] = isa.Addi(isa.Zero, isa.Zero, 0)
	}

	return code
}

func concat(parts ...[]any) []any {
	var code []any
	for _, p := range parts {
		code = append(code, p...)
	}

	return code
}

func testConfig() config.Config {
	c := config.Default()
	c.MemoryEnd = 0x80800000
	c.TLBSize = 8
	c.TimeSlice = 0

	return c
}

func allDirectories(k *Kernel, ps ...*Process) int {
	n := k.Space().Table().Usage().Directories
	for _, p := range ps {
		n += p.Space().Table().Usage().Directories
	}

	return n
}

var _ = Describe("Kernel", func() {
	var (
		console *bytes.Buffer
		builder Builder
		k       *Kernel
	)

	boot := func() {
		var err error
		k, err = builder.Build()
		Expect(err).NotTo(HaveOccurred())
	}

	spawn := func(image []byte) *Process {
		p, err := k.Spawn(image)
		Expect(err).NotTo(HaveOccurred())

		return p
	}

	BeforeEach(func() {
		console = new(bytes.Buffer)
		builder = MakeBuilder().WithConfig(testConfig()).WithConsole(console)
	})

	Context("after boot", func() {
		BeforeEach(boot)

		It("should point the hart at the kernel and the trampoline", func() {
			stvec, _ := k.Hart().CSR(isa.Stvec)
			satp, _ := k.Hart().CSR(isa.Satp)

			Expect(stvec).To(Equal(k.Trampoline().EnterAddr()))
			Expect(satp).To(Equal(k.Space().Token()))
			Expect(k.Hart().Privilege()).To(Equal(trap.PrivilegeSupervisor))
		})

		It("should identity map the kernel text as read and execute", func() {
			f, flags, err := k.Space().Table().Get(vm.PageNum(0x80000))

			Expect(err).NotTo(HaveOccurred())
			Expect(f).To(Equal(vm.FrameNum(0x80000)))
			Expect(flags & vm.FlagRWX).To(Equal(vm.FlagRead | vm.FlagExec))
			Expect(flags & vm.FlagUser).To(BeZero())
		})

		It("should map the trampoline", func() {
			f, flags, err := k.Space().Table().Get(addrspace.Trampoline)

			Expect(err).NotTo(HaveOccurred())
			Expect(f).To(Equal(k.Trampoline().Frame()))
			Expect(flags & vm.FlagRWX).To(Equal(vm.FlagRead | vm.FlagExec))
		})

		It("should hand out frames after the kernel image only", func() {
			stats := k.FrameStats()

			Expect(stats.Start).To(Equal(vm.FrameNum(0x80400)))
			Expect(stats.InUse).To(BeNumerically(">", 1))
		})

		It("should describe the kernel table", func() {
			tables := k.Tables()

			Expect(tables).To(HaveLen(1))
			Expect(tables[0].Name).To(Equal("kernel"))
			Expect(tables[0].Token).To(Equal(k.Space().Token()))
		})

		It("should not take traps without a thread", func() {
			Expect(k.Trap(trap.Breakpoint, 0)).To(MatchError(ErrNoThread))
		})

		It("should return at once when nothing is ready", func() {
			Expect(k.Run()).To(Succeed())
			Expect(k.Hart().Privilege()).To(Equal(trap.PrivilegeSupervisor))
		})
	})

	It("should reject broken layouts", func() {
		c := testConfig()
		c.KernelEnd = c.MemoryEnd

		_, err := builder.WithConfig(c).Build()

		Expect(errors.Is(err, config.ErrInvalidLayout)).To(BeTrue())
	})

	It("should run the demo program", func() {
		boot()
		inUse := k.FrameStats().InUse
		dirs := allDirectories(k)

		p := spawn(program.Demo())
		Expect(k.Processes()).To(ConsistOf(p))
		Expect(k.Tables()).To(HaveLen(2))

		Expect(k.Run()).To(Succeed())

		Expect(console.String()).To(Equal(program.DemoText))
		Expect(p.Exited()).To(BeTrue())
		Expect(p.ExitCode()).To(BeZero())
		Expect(k.Processes()).To(BeEmpty())
		Expect(k.FrameStats().InUse).To(Equal(inUse + allDirectories(k) - dirs))
		Expect(k.Hart().Privilege()).To(Equal(trap.PrivilegeSupervisor))
	})

	It("should step through the demo one trap at a time", func() {
		boot()
		p := spawn(program.Demo())
		t := p.Threads()[0]

		Expect(k.Resume(t)).To(Succeed())
		Expect(k.Hart().Privilege()).To(Equal(trap.PrivilegeUser))
		Expect(k.Hart().PC()).To(Equal(uint64(program.DemoEntry)))

		e := k.Hart().Run(0)
		Expect(e.Cause).To(Equal(trap.Breakpoint))
		Expect(k.Trap(e.Cause, e.Tval)).To(Succeed())
		Expect(k.Hart().PC()).To(Equal(uint64(program.DemoEntry + 2)))

		e = k.Hart().Run(0)
		Expect(e.Cause).To(Equal(trap.EnvironmentCallFromU))
		Expect(k.Trap(e.Cause, e.Tval)).To(Succeed())
		Expect(k.Hart().Reg(isa.A0)).To(Equal(uint64(len(program.DemoText))))
		Expect(console.String()).To(Equal(program.DemoText))

		e = k.Hart().Run(0)
		Expect(e.Cause).To(Equal(trap.EnvironmentCallFromU))
		Expect(k.Trap(e.Cause, e.Tval)).To(Succeed())
		Expect(t.State()).To(Equal(ThreadExited))
		Expect(p.Exited()).To(BeTrue())

		Expect(k.Resume(t)).To(MatchError(ErrThreadExited))
	})

	It("should refuse traps outside user mode", func() {
		boot()
		p := spawn(program.Demo())
		Expect(k.Resume(p.Threads()[0])).To(Succeed())
		k.Hart().SetPrivilege(trap.PrivilegeSupervisor)

		Expect(k.Trap(trap.Breakpoint, 0)).To(MatchError(ErrNotInUserMode))
	})

	It("should take turns on yield", func() {
		boot()
		a := spawn(userProgram("A", concat(
			write(Stdout, 1), syscall(SyscallYield),
			write(Stdout, 1), exit(0))...))
		b := spawn(userProgram("B", concat(
			write(Stdout, 1), syscall(SyscallYield),
			write(Stdout, 1), exit(0))...))

		Expect(k.Run()).To(Succeed())

		Expect(console.String()).To(Equal("ABAB"))
		Expect(a.Exited()).To(BeTrue())
		Expect(b.Exited()).To(BeTrue())
	})

	It("should preempt a thread when its time slice runs out", func() {
		builder = builder.WithTimeSlice(10)
		boot()
		spawn(userProgram("A", concat(nops(30), write(Stdout, 1), exit(0))...))
		spawn(userProgram("B", concat(write(Stdout, 1), exit(0))...))

		Expect(k.Run()).To(Succeed())

		Expect(console.String()).To(Equal("BA"))
	})

	It("should tell processes apart", func() {
		boot()
		getPID := concat(syscall(SyscallGetPID), syscall(SyscallExit))
		first := spawn(userProgram("", getPID...))
		second := spawn(userProgram("", getPID...))

		Expect(k.Run()).To(Succeed())

		Expect(first.PID()).NotTo(Equal(second.PID()))
		Expect(first.ExitCode()).To(Equal(int64(first.PID())))
		Expect(second.ExitCode()).To(Equal(int64(second.PID())))
	})

	It("should count retired instructions", func() {
		boot()
		p := spawn(userProgram("", concat(
			nops(4), syscall(SyscallGetTime), syscall(SyscallExit))...))

		Expect(k.Run()).To(Succeed())

		Expect(p.ExitCode()).To(BeNumerically(">=", 5))
	})

	It("should fail writes to other files", func() {
		boot()
		p := spawn(userProgram("A", concat(
			write(3, 1),
			[]any{isa.Addi(isa.A0, isa.A0, 5)},
			syscall(SyscallExit))...))

		Expect(k.Run()).To(Succeed())

		Expect(console.Len()).To(BeZero())
		Expect(p.ExitCode()).To(Equal(int64(4)))
	})

	It("should fail writes from memory the user cannot read", func() {
		boot()
		p := spawn(userProgram("", concat(
			write(Stdout, 8),
			[]any{isa.Addi(isa.A0, isa.A0, 5)},
			syscall(SyscallExit))...))

		Expect(k.Run()).To(Succeed())

		Expect(console.Len()).To(BeZero())
		Expect(p.ExitCode()).To(Equal(int64(4)))
	})

	It("should map reserved pages on first touch", func() {
		boot()
		p := spawn(userProgram("",
			isa.Lui(isa.A1, 0x8),
			isa.Li(isa.T0, 42),
			isa.Sd(isa.T0, isa.A1, 8),
			isa.Ld(isa.A0, isa.A1, 8),
			isa.Li(isa.A7, SyscallExit),
			isa.Ecall,
		))
		Expect(p.Space().Reserve(addrspace.Segment{
			Start: 0x8,
			End:   0x8,
			Flags: vm.FlagUser | vm.FlagRead | vm.FlagWrite,
		})).To(Succeed())

		Expect(k.Run()).To(Succeed())

		Expect(p.ExitCode()).To(Equal(int64(42)))
	})

	It("should kill a process that faults and keep running the rest", func() {
		boot()
		bad := spawn(userProgram("",
			isa.Lui(isa.A1, 0x40),
			isa.Ld(isa.A0, isa.A1, 0),
		))
		good := spawn(userProgram("ok", concat(write(Stdout, 2), exit(0))...))

		Expect(k.Run()).To(Succeed())

		Expect(bad.Exited()).To(BeTrue())
		Expect(bad.ExitCode()).To(Equal(int64(KilledExitCode)))
		Expect(good.ExitCode()).To(BeZero())
		Expect(console.String()).To(Equal("ok"))
		Expect(k.Processes()).To(BeEmpty())
	})

	It("should kill a process that makes an unknown system call", func() {
		boot()
		p := spawn(userProgram("", syscall(1000)...))

		Expect(k.Run()).To(Succeed())

		Expect(p.ExitCode()).To(Equal(int64(KilledExitCode)))
	})

	It("should step over compressed breakpoints only", func() {
		boot()
		short := spawn(userProgram("", concat(
			[]any{uint16(isa.CEbreak), uint16(isa.CEbreak)}, exit(7))...))
		long := spawn(userProgram("", concat([]any{isa.Ebreak}, exit(7))...))

		Expect(k.Run()).To(Succeed())

		Expect(short.ExitCode()).To(Equal(int64(7)))
		Expect(long.ExitCode()).To(Equal(int64(KilledExitCode)))
	})

	It("should stop when the halter returns without killing", func() {
		var halted []*trap.FatalError
		builder = builder.WithHalter(haltFunc(func(err *trap.FatalError) {
			halted = append(halted, err)
		}))
		boot()
		spawn(userProgram("", uint32(0x7f)))

		err := k.Run()

		var fatal *trap.FatalError
		Expect(errors.As(err, &fatal)).To(BeTrue())
		Expect(fatal.Cause).To(Equal(trap.IllegalInstruction))
		Expect(halted).To(ConsistOf(fatal))
	})

	It("should stop everything with the panicking halter", func() {
		builder = builder.WithHalter(trap.PanicHalter{})
		boot()
		spawn(userProgram("", syscall(1000)...))

		Expect(func() { _ = k.Run() }).
			To(PanicWith(BeAssignableToTypeOf(&trap.FatalError{})))
	})

	It("should serve extra system calls", func() {
		builder = builder.WithSyscall(500, func(args [3]uint64) (int64, error) {
			return int64(args[0] * 2), nil
		})
		boot()
		p := spawn(userProgram("", concat(
			[]any{isa.Li(isa.A0, 21)}, syscall(500), syscall(SyscallExit))...))

		Expect(k.Run()).To(Succeed())

		Expect(p.ExitCode()).To(Equal(int64(42)))
	})

	It("should invoke hooks on every component", func() {
		positions := map[*sim.HookPos]int{}
		builder = builder.WithHook(sim.HookFunc(func(ctx sim.HookCtx) {
			positions[ctx.Pos]++
		}))
		boot()
		spawn(program.Demo())

		Expect(k.Run()).To(Succeed())

		Expect(positions[trap.HookPosRaise]).To(Equal(3))
		Expect(positions[trap.HookPosTrapEnter]).To(Equal(3))
		Expect(positions[trap.HookPosTrapDispatch]).To(Equal(3))
		Expect(positions[trap.HookPosContextSwitch]).To(BeNumerically(">=", 1))
		Expect(positions[trap.HookPosFatal]).To(BeZero())
	})

	Context("with threads", func() {
		var p *Process

		BeforeEach(func() {
			boot()
			p = spawn(program.Demo())
		})

		It("should add and remove threads", func() {
			inUse := k.FrameStats().InUse
			dirs := allDirectories(k, p)

			t, err := k.SpawnThread(p)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.TID()).To(Equal(1))
			Expect(t.Process()).To(BeIdenticalTo(p))
			Expect(t.Context().PC).To(Equal(uint64(program.DemoEntry)))
			Expect(t.Info().UserSP).NotTo(Equal(p.Threads()[0].Info().UserSP))
			Expect(p.Threads()).To(HaveLen(2))

			Expect(k.ExitThread(p, t)).To(Succeed())

			Expect(p.Threads()).To(HaveLen(1))
			Expect(p.Exited()).To(BeFalse())
			Expect(k.FrameStats().InUse).
				To(Equal(inUse + allDirectories(k, p) - dirs))
		})

		It("should reuse the id of an exited thread", func() {
			t, err := k.SpawnThread(p)
			Expect(err).NotTo(HaveOccurred())
			Expect(k.ExitThread(p, t)).To(Succeed())

			again, err := k.SpawnThread(p)

			Expect(err).NotTo(HaveOccurred())
			Expect(again.TID()).To(Equal(t.TID()))
		})

		It("should not exit a thread twice", func() {
			t, err := k.SpawnThread(p)
			Expect(err).NotTo(HaveOccurred())
			Expect(k.ExitThread(p, t)).To(Succeed())

			Expect(errors.Is(k.ExitThread(p, t), ErrThreadExited)).To(BeTrue())
		})

		It("should not exit a thread of another process", func() {
			other := spawn(program.Demo())

			err := k.ExitThread(other, p.Threads()[0])

			Expect(errors.Is(err, ErrWrongProcess)).To(BeTrue())
		})

		It("should release the address space when killed", func() {
			_, err := k.SpawnThread(p)
			Expect(err).NotTo(HaveOccurred())

			Expect(k.Kill(p)).To(Succeed())

			Expect(p.Exited()).To(BeTrue())
			Expect(p.ExitCode()).To(Equal(int64(KilledExitCode)))
			Expect(p.Threads()).To(BeEmpty())
			Expect(k.Processes()).To(BeEmpty())

			_, err = k.SpawnThread(p)
			Expect(errors.Is(err, ErrThreadExited)).To(BeTrue())
		})

		It("should run every thread of a process", func() {
			_, err := k.SpawnThread(p)
			Expect(err).NotTo(HaveOccurred())

			Expect(k.Run()).To(Succeed())

			Expect(console.String()).
				To(Equal(program.DemoText + program.DemoText))
			Expect(p.Exited()).To(BeTrue())
		})
	})
})

type haltFunc func(err *trap.FatalError)

func (f haltFunc) Halt(err *trap.FatalError) {
	f(err)
}

var _ = Describe("Kernel snapshots", func() {
	var k *Kernel

	BeforeEach(func() {
		var err error
		k, err = MakeBuilder().
			WithConfig(testConfig()).
			WithConsole(new(bytes.Buffer)).
			Build()
		Expect(err).NotTo(HaveOccurred())
	})

	It("should describe the hart after boot", func() {
		state := k.HartState()

		Expect(state.Privilege).To(Equal("S"))
		Expect(state.Satp).To(Equal(k.Space().Token()))
		Expect(k.ProcessInfos()).To(BeEmpty())
	})

	It("should describe spawned processes", func() {
		p, err := k.Spawn(program.Demo())
		Expect(err).NotTo(HaveOccurred())

		infos := k.ProcessInfos()

		Expect(infos).To(HaveLen(1))
		Expect(infos[0].PID).To(Equal(p.PID()))
		Expect(infos[0].Token).To(Equal(p.Space().Token()))
		Expect(infos[0].Threads).To(HaveLen(1))
		Expect(infos[0].Threads[0].State).To(Equal("ready"))
		Expect(infos[0].Threads[0].ContextVA).
			To(Equal(p.Threads()[0].Info().ContextVA))
	})

	It("should count exited processes", func() {
		_, err := k.Spawn(program.Demo())
		Expect(err).NotTo(HaveOccurred())

		Expect(k.Run()).To(Succeed())

		Expect(k.Exited()).To(Equal(1))
		Expect(k.ProcessInfos()).To(BeEmpty())
		Expect(k.HartState().Cause).To(Equal("EnvironmentCallFromU"))
		Expect(k.HartState().Retired).To(BeNumerically(">", 0))
	})
})
