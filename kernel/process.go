package kernel

import (
	"fmt"

	"github.com/sarchlab/svkernel/mem/vm/addrspace"
	"github.com/sarchlab/svkernel/trap"
)

// ThreadState tells where a thread is in its life.
type ThreadState int

// The states of a thread.
const (
	ThreadReady ThreadState = iota
	ThreadRunning
	ThreadExited
)

func (s ThreadState) String() string {
	switch s {
	case ThreadReady:
		return "ready"
	case ThreadRunning:
		return "running"
	default:
		return "exited"
	}
}

// A Process is a user address space and the threads that run in it.
type Process struct {
	pid      int
	space    *addrspace.Space
	threads  []*Thread
	exited   bool
	exitCode int64
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.pid
}

// Space returns the address space of the process. It must not be used after
// the process has exited.
func (p *Process) Space() *addrspace.Space {
	return p.space
}

// Threads returns the threads that have not been torn down.
func (p *Process) Threads() []*Thread {
	threads := make([]*Thread, len(p.threads))
	copy(threads, p.threads)

	return threads
}

// Exited reports whether the process has finished.
func (p *Process) Exited() bool {
	return p.exited
}

// ExitCode returns the status of the last thread that exited.
func (p *Process) ExitCode() int64 {
	return p.exitCode
}

func (p *Process) String() string {
	return fmt.Sprintf("process %d", p.pid)
}

func (p *Process) removeThread(t *Thread) {
	for i, other := range p.threads {
		if other == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

// A Thread is a flow of control in a process. It owns a thread id and the
// pages derived from it.
type Thread struct {
	process  *Process
	info     *addrspace.Thread
	context  *trap.Context
	kernel   *trap.KernelContext
	state    ThreadState
	exitCode int64
}

// Process returns the process the thread belongs to.
func (t *Thread) Process() *Process {
	return t.process
}

// TID returns the thread id.
func (t *Thread) TID() int {
	return t.info.TID
}

// Info returns where the pages of the thread live.
func (t *Thread) Info() addrspace.Thread {
	return *t.info
}

// Context returns the saved user registers. It must not be used after the
// thread has been torn down.
func (t *Thread) Context() *trap.Context {
	return t.context
}

// State returns the state of the thread.
func (t *Thread) State() ThreadState {
	return t.state
}

// ExitCode returns the status the thread exited with.
func (t *Thread) ExitCode() int64 {
	return t.exitCode
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d of process %d", t.info.TID, t.process.pid)
}
