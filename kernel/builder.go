package kernel

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/sarchlab/svkernel/config"
	"github.com/sarchlab/svkernel/isa"
	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/addrspace"
	"github.com/sarchlab/svkernel/mem/vm/mmu"
	"github.com/sarchlab/svkernel/sim"
	"github.com/sarchlab/svkernel/trap"
)

// A Builder can boot kernels.
type Builder struct {
	config   config.Config
	console  io.Writer
	halter   trap.Halter
	syscalls trap.SyscallTable
	hooks    []sim.Hook
}

// MakeBuilder creates a builder for a QEMU virt machine that prints to the
// standard output.
func MakeBuilder() Builder {
	return Builder{
		config:  config.Default(),
		console: os.Stdout,
	}
}

// WithConfig sets the machine layout.
func (b Builder) WithConfig(c config.Config) Builder {
	b.config = c
	return b
}

// WithConsole sets where the write system call prints.
func (b Builder) WithConsole(w io.Writer) Builder {
	b.console = w
	return b
}

// WithTimeSlice sets the number of instructions a thread runs before it is
// preempted. Zero disables preemption.
func (b Builder) WithTimeSlice(n int) Builder {
	b.config.TimeSlice = n
	return b
}

// WithHalter replaces the default reaction to fatal traps. The kernel
// default kills the process that caused the trap and keeps scheduling the
// others, where a bare trap.Dispatcher stops everything with
// trap.PanicHalter. Pass trap.PanicHalter{} to get that behavior back.
func (b Builder) WithHalter(h trap.Halter) Builder {
	b.halter = h
	return b
}

// WithSyscall adds or replaces a system call.
func (b Builder) WithSyscall(id uint64, f trap.SyscallFunc) Builder {
	syscalls := trap.SyscallTable{}
	for k, v := range b.syscalls {
		syscalls[k] = v
	}

	syscalls[id] = f
	b.syscalls = syscalls

	return b
}

// WithHook attaches a hook to the pool, the MMU, the hart, the trampoline
// and the dispatcher.
func (b Builder) WithHook(h sim.Hook) Builder {
	b.hooks = append(b.hooks[:len(b.hooks):len(b.hooks)], h)
	return b
}

// Build boots the kernel: it sets up the frame pool over the memory after
// the kernel image, assembles the trampoline, maps the kernel space and
// points the hart at it.
func (b Builder) Build() (*Kernel, error) {
	c := b.config
	if err := c.Validate(); err != nil {
		return nil, err
	}

	hooks := b.hooks
	if c.LogTraps {
		hooks = append(hooks[:len(hooks):len(hooks)],
			trap.NewLogHook(log.New(os.Stderr, "", log.Lmicroseconds)))
	}

	k := &Kernel{
		console:   b.console,
		timeSlice: c.TimeSlice,
		tids:      addrspace.NewTIDAllocator(),
		sched:     &roundRobin{},
		processes: make(map[int]*Process),
		boot:      &trap.KernelContext{},
	}

	k.memory = frame.NewMemory(c.MemoryStart, c.MemoryEnd)
	k.pool = frame.NewPool(k.memory)
	attach(k.pool, hooks)

	layout := addrspace.DefaultKernelLayout(c.MemoryStart, c.KernelEnd, c.MemoryEnd)
	k.handler = uint64(layout.Entry)

	err := k.pool.Init(vm.FrameNum(layout.Frames.Start), vm.FrameNum(layout.Frames.End)+1)
	if err != nil {
		return nil, fmt.Errorf("initializing the frame pool: %w", err)
	}

	k.trampoline, err = trap.NewTrampoline(k.pool)
	if err != nil {
		return nil, err
	}

	k.space, err = addrspace.NewKernelSpace(
		k.pool, addrspace.NewKernel(layout), k.trampoline.Frame())
	if err != nil {
		return nil, fmt.Errorf("mapping the kernel: %w", err)
	}

	k.mmu = mmu.MakeBuilder().
		WithMemory(k.memory).
		WithTLBSize(c.TLBSize).
		Build("MMU")
	k.hart = trap.MakeBuilder().WithMMU(k.mmu).Build("Hart")
	k.hart.SetCSR(isa.Stvec, k.trampoline.EnterAddr())
	k.hart.SetCSR(isa.Satp, k.space.Token())
	k.mmu.Fence()

	k.dispatcher = b.dispatcher(k)

	attach(k.mmu, hooks)
	attach(k.hart, hooks)
	attach(k.trampoline, hooks)
	attach(k.dispatcher, hooks)

	k.publish()

	return k, nil
}

func (b Builder) dispatcher(k *Kernel) *trap.Dispatcher {
	syscalls := k.syscalls()
	for id, f := range b.syscalls {
		syscalls[id] = f
	}

	var halter trap.Halter = killHalter{k: k}
	if b.halter != nil {
		halter = b.halter
	}

	return trap.MakeDispatcherBuilder().
		WithSyscallHandler(syscalls).
		WithPageFaultResolver(k).
		WithInterruptHandler(k).
		WithHalter(halter).
		Build()
}

func attach(h sim.Hookable, hooks []sim.Hook) {
	for _, hook := range hooks {
		h.AcceptHook(hook)
	}
}
