package kernel

import (
	"github.com/sarchlab/svkernel/isa"
	"github.com/sarchlab/svkernel/mem/vm/mmu"
)

// HartState is a copy of the hart taken the last time the kernel was in
// control of it.
type HartState struct {
	Privilege string     `json:"privilege"`
	PC        uint64     `json:"pc"`
	Retired   uint64     `json:"retired"`
	Cause     string     `json:"cause"`
	Tval      uint64     `json:"tval"`
	Satp      uint64     `json:"satp"`
	Regs      [32]uint64 `json:"regs"`
	MMU       mmu.Stats  `json:"mmu"`
}

// ThreadInfo describes a live thread.
type ThreadInfo struct {
	TID       int    `json:"tid"`
	State     string `json:"state"`
	ContextVA uint64 `json:"context_va"`
	KernelSP  uint64 `json:"kernel_sp"`
	UserSP    uint64 `json:"user_sp"`
}

// ProcessInfo describes a live process.
type ProcessInfo struct {
	PID     int          `json:"pid"`
	Token   uint64       `json:"token"`
	Threads []ThreadInfo `json:"threads"`
}

type snapshot struct {
	hart      HartState
	processes []ProcessInfo
	exited    int
}

// publish copies the machine state for readers that do not hold the run
// lock. The caller must hold the run lock.
func (k *Kernel) publish() {
	satp, _ := k.hart.CSR(isa.Satp)
	hart := HartState{
		Privilege: k.hart.Privilege().String(),
		PC:        k.hart.PC(),
		Retired:   k.hart.Retired(),
		Cause:     k.hart.Cause().String(),
		Tval:      k.hart.Tval(),
		Satp:      satp,
		Regs:      k.hart.Regs(),
		MMU:       k.mmu.Stats(),
	}

	k.lock.Lock()
	defer k.lock.Unlock()

	processes := make([]ProcessInfo, 0, len(k.processes))
	for _, p := range k.sortedProcesses() {
		info := ProcessInfo{PID: p.pid, Token: p.space.Token()}
		for _, t := range p.threads {
			info.Threads = append(info.Threads, ThreadInfo{
				TID:       t.info.TID,
				State:     t.state.String(),
				ContextVA: t.info.ContextVA,
				KernelSP:  t.info.KernelSP,
				UserSP:    t.info.UserSP,
			})
		}

		processes = append(processes, info)
	}

	k.snapshot.hart = hart
	k.snapshot.processes = processes
}

// HartState returns the hart as the kernel last saw it.
func (k *Kernel) HartState() HartState {
	k.lock.Lock()
	defer k.lock.Unlock()

	return k.snapshot.hart
}

// ProcessInfos describes the live processes as the kernel last saw them.
func (k *Kernel) ProcessInfos() []ProcessInfo {
	k.lock.Lock()
	defer k.lock.Unlock()

	return append([]ProcessInfo(nil), k.snapshot.processes...)
}

// Exited returns the number of processes that have exited so far.
func (k *Kernel) Exited() int {
	k.lock.Lock()
	defer k.lock.Unlock()

	return k.snapshot.exited
}
