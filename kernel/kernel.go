// Package kernel boots the modelled machine and runs user processes on it
// through the trap protocol.
package kernel

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/addrspace"
	"github.com/sarchlab/svkernel/mem/vm/mmu"
	"github.com/sarchlab/svkernel/mem/vm/pagetable"
	"github.com/sarchlab/svkernel/trap"
)

var (
	// ErrNoThread is returned when a trap is taken while no thread runs.
	ErrNoThread = errors.New("no thread is running")

	// ErrThreadExited is returned when an exited thread is resumed.
	ErrThreadExited = errors.New("thread has exited")

	// ErrNotInUserMode is returned when a trap is taken while the hart is
	// not running user code.
	ErrNotInUserMode = errors.New("hart is not in user mode")

	// ErrWrongProcess is returned when a thread is passed with a process it
	// does not belong to.
	ErrWrongProcess = errors.New("thread belongs to another process")
)

// KilledExitCode is the exit code of a process killed by a fatal trap.
const KilledExitCode = -1

// A Kernel owns the machine: memory, the frame pool, the kernel space, the
// hart and the trap machinery. Operations that touch the machine are
// serialized.
type Kernel struct {
	run  sync.Mutex
	lock sync.Mutex

	memory     *frame.Memory
	pool       *frame.Pool
	trampoline *trap.Trampoline
	space      *addrspace.Space
	mmu        *mmu.MMU
	hart       *trap.Hart
	dispatcher *trap.Dispatcher
	handler    uint64
	console    io.Writer
	timeSlice  int

	tids      *addrspace.TIDAllocator
	sched     *roundRobin
	processes map[int]*Process
	nextPID   int

	boot    *trap.KernelContext
	current *Thread
	preempt bool
	halted  *trap.FatalError

	snapshot snapshot
}

// Memory returns the physical memory.
func (k *Kernel) Memory() *frame.Memory {
	return k.memory
}

// Pool returns the frame pool.
func (k *Kernel) Pool() *frame.Pool {
	return k.pool
}

// Space returns the kernel address space.
func (k *Kernel) Space() *addrspace.Space {
	return k.space
}

// Hart returns the hart.
func (k *Kernel) Hart() *trap.Hart {
	return k.hart
}

// Trampoline returns the trap entry and exit code.
func (k *Kernel) Trampoline() *trap.Trampoline {
	return k.trampoline
}

// Dispatcher returns the trap dispatcher.
func (k *Kernel) Dispatcher() *trap.Dispatcher {
	return k.dispatcher
}

// FrameStats returns the usage of the frame pool.
func (k *Kernel) FrameStats() frame.Stats {
	return k.pool.Stats()
}

// TableInfo describes one page table.
type TableInfo struct {
	Name  string          `json:"name"`
	Token uint64          `json:"token"`
	Usage pagetable.Usage `json:"usage"`
}

// Tables describes the kernel page table and the table of every live
// process.
func (k *Kernel) Tables() []TableInfo {
	infos := []TableInfo{{
		Name:  "kernel",
		Token: k.space.Token(),
		Usage: k.space.Table().Usage(),
	}}

	for _, p := range k.Processes() {
		infos = append(infos, TableInfo{
			Name:  p.String(),
			Token: p.space.Token(),
			Usage: p.space.Table().Usage(),
		})
	}

	return infos
}

// Processes returns the live processes in pid order.
func (k *Kernel) Processes() []*Process {
	k.lock.Lock()
	defer k.lock.Unlock()

	return k.sortedProcesses()
}

func (k *Kernel) sortedProcesses() []*Process {
	ps := make([]*Process, 0, len(k.processes))
	for _, p := range k.processes {
		ps = append(ps, p)
	}

	sort.Slice(ps, func(i, j int) bool { return ps[i].pid < ps[j].pid })

	return ps
}

// Spawn loads an ELF image into a new process and creates its first thread.
func (k *Kernel) Spawn(image []byte) (*Process, error) {
	k.run.Lock()
	defer k.run.Unlock()

	space, err := addrspace.NewUserSpace(k.pool, image, k.trampoline.Frame())
	if err != nil {
		return nil, err
	}

	k.lock.Lock()
	p := &Process{pid: k.nextPID, space: space}
	k.lock.Unlock()

	if _, err := k.spawnThread(p); err != nil {
		space.Release()
		return nil, err
	}

	k.lock.Lock()
	k.nextPID++
	k.processes[p.pid] = p
	k.lock.Unlock()

	k.publish()

	return p, nil
}

// SpawnThread adds a thread to a process. The thread starts at the entry
// point of the image on its own user stack.
func (k *Kernel) SpawnThread(p *Process) (*Thread, error) {
	k.run.Lock()
	defer k.run.Unlock()

	if p.exited {
		return nil, fmt.Errorf("%w: %s", ErrThreadExited, p)
	}

	return k.spawnThread(p)
}

func (k *Kernel) spawnThread(p *Process) (*Thread, error) {
	tid, err := k.tids.Alloc()
	if err != nil {
		return nil, err
	}

	info, err := p.space.AddThread(k.space, tid)
	if err != nil {
		k.mustReclaim(tid, p)
		return nil, err
	}

	ctx, err := trap.ContextOf(k.memory, info.Context)
	if err != nil {
		log.Panicf("trap context of thread %d is not in memory: %v", tid, err)
	}

	*ctx = trap.NewUserContext(
		vm.Canonical(p.space.Layout().Entry),
		info.UserSP,
		k.space.Token(),
		info.KernelSP,
		k.handler,
	)

	t := &Thread{
		process: p,
		info:    info,
		context: ctx,
		kernel:  trap.NewKernelContext(k.trampoline.ExitAddr(), info.KernelSP),
	}

	k.lock.Lock()
	p.threads = append(p.threads, t)
	k.sched.add(t)
	k.lock.Unlock()

	k.mmu.Fence()
	k.publish()

	return t, nil
}

func (k *Kernel) mustReclaim(tid int, p *Process) {
	if err := k.tids.Reclaim(tid, p.space, k.space); err != nil {
		log.Panicf("thread id %d cannot be reclaimed: %v", tid, err)
	}
}

// ExitThread tears down the pages of a thread and makes its id reusable.
// When the last thread of a process exits, the process releases its
// address space.
func (k *Kernel) ExitThread(p *Process, t *Thread) error {
	k.run.Lock()
	defer k.run.Unlock()

	if t.process != p {
		return fmt.Errorf("%w: %s, %s", ErrWrongProcess, t, p)
	}

	if t.context == nil {
		return fmt.Errorf("%w: %s", ErrThreadExited, t)
	}

	t.state = ThreadExited

	return k.exitThread(t)
}

func (k *Kernel) exitThread(t *Thread) error {
	p := t.process
	tid := t.info.TID

	err := p.space.RemoveThread(k.space, tid)
	if err == nil {
		err = k.tids.Reclaim(tid, p.space, k.space)
	}

	k.mmu.Fence()
	defer k.publish()

	k.lock.Lock()
	defer k.lock.Unlock()

	t.context = nil
	k.sched.remove(t)
	p.removeThread(t)
	p.exitCode = t.exitCode

	if k.current == t {
		k.current = nil
	}

	if len(p.threads) == 0 {
		p.space.Release()
		p.exited = true
		delete(k.processes, p.pid)
		k.snapshot.exited++
		log.Printf("[kernel] %s exited with code %d", p, p.exitCode)
	}

	return err
}

// Kill ends every thread of a process.
func (k *Kernel) Kill(p *Process) error {
	k.run.Lock()
	defer k.run.Unlock()

	return k.kill(p, KilledExitCode)
}

func (k *Kernel) kill(p *Process, code int64) error {
	var errs []error

	for _, t := range p.Threads() {
		t.state = ThreadExited
		t.exitCode = code
		errs = append(errs, k.exitThread(t))
	}

	return errors.Join(errs...)
}

// Resume returns to user mode in the given thread.
func (k *Kernel) Resume(t *Thread) error {
	k.run.Lock()
	defer k.run.Unlock()

	return k.resume(t)
}

func (k *Kernel) resume(t *Thread) error {
	if t.state == ThreadExited {
		return fmt.Errorf("%w: %s", ErrThreadExited, t)
	}

	k.current = t

	return k.trampoline.Exit(k.hart, t.info.ContextVA, t.process.space.Token())
}

// Trap makes the hart take a trap in the running thread, dispatches it and,
// unless the thread has ended, returns to user mode.
func (k *Kernel) Trap(cause trap.Cause, tval uint64) error {
	k.run.Lock()
	defer k.run.Unlock()

	t := k.current
	if t == nil {
		return ErrNoThread
	}

	err := k.takeTrap(cause, tval)
	if err != nil && !k.recover(t, err) {
		return err
	}

	if t.state == ThreadExited {
		return k.exitThread(t)
	}

	return k.resume(t)
}

// takeTrap raises the trap on the hart, saves the user state and dispatches
// the trap.
func (k *Kernel) takeTrap(cause trap.Cause, tval uint64) error {
	if k.current == nil {
		return ErrNoThread
	}

	if k.hart.Privilege() != trap.PrivilegeUser {
		return ErrNotInUserMode
	}

	k.hart.Raise(cause, tval)

	if err := k.trampoline.Enter(k.hart); err != nil {
		return err
	}

	defer k.publish()

	return k.dispatcher.Dispatch(k.current.context, k.hart.Cause(), k.hart.Tval())
}

// recover kills the process of t if err is the fatal trap the kernel halted
// on. It reports whether the kernel can go on.
func (k *Kernel) recover(t *Thread, err error) bool {
	var fatal *trap.FatalError
	if !errors.As(err, &fatal) || fatal != k.halted {
		return false
	}

	k.halted = nil

	for _, other := range t.process.Threads() {
		if other != t {
			other.state = ThreadExited
			other.exitCode = KilledExitCode
			if err := k.exitThread(other); err != nil {
				log.Printf("[kernel] tearing down %s: %v", other, err)
			}
		}
	}

	t.state = ThreadExited
	t.exitCode = KilledExitCode

	return true
}

// Run schedules the ready threads until none is left. Each thread runs for
// at most a time slice before a timer interrupt preempts it.
func (k *Kernel) Run() error {
	k.run.Lock()
	defer k.run.Unlock()

	k.lock.Lock()
	next := k.sched.NextRunnableContext()
	t := k.sched.current
	k.lock.Unlock()

	if next == nil {
		return nil
	}

	trap.Switch(k.hart, k.boot, next)

	for {
		if err := k.runSlice(t); err != nil {
			return err
		}

		if t.state == ThreadExited {
			if err := k.exitThread(t); err != nil {
				return err
			}
		} else if !k.preempt {
			continue
		}

		k.preempt = false

		k.lock.Lock()
		next = trap.Yield(k.hart, t.kernel, k.sched)
		prev := t
		t = k.sched.current
		k.lock.Unlock()

		if next == nil {
			trap.Switch(k.hart, prev.kernel, k.boot)
			return nil
		}
	}
}

// runSlice returns to user mode in t, runs until the next trap and takes
// it.
func (k *Kernel) runSlice(t *Thread) error {
	if err := k.resume(t); err != nil {
		return err
	}

	e := k.hart.Run(k.timeSlice)

	err := k.takeTrap(e.Cause, e.Tval)
	if err != nil && !k.recover(t, err) {
		return err
	}

	return nil
}

// HandleInterrupt asks for a reschedule on timer interrupts.
func (k *Kernel) HandleInterrupt(cause trap.Cause) {
	if cause == trap.SupervisorTimer {
		k.preempt = true
		return
	}

	log.Printf("[kernel] ignoring %s", cause)
}

// ResolvePageFault maps the page if the running process reserved it.
func (k *Kernel) ResolvePageFault(page vm.PageNum, cause trap.Cause) error {
	if k.current == nil {
		return ErrNoThread
	}

	err := k.current.process.space.ResolvePageFault(page)
	if err != nil {
		return fmt.Errorf("%s at page 0x%x: %w", cause, uint64(page), err)
	}

	k.mmu.FenceAddr(page.Addr())

	return nil
}

// killHalter remembers the fatal trap so the kernel can kill the process
// that caused it.
type killHalter struct {
	k *Kernel
}

func (h killHalter) Halt(err *trap.FatalError) {
	log.Printf("[kernel] %v in %s, killing it", err, h.k.current.process)
	h.k.halted = err
}
