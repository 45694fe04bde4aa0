package addrspace

import (
	"fmt"

	"github.com/sarchlab/svkernel/mem/vm"
)

const (
	// Trampoline is the page that holds the trap entry and exit code in every
	// address space.
	Trampoline = vm.MaxPageNum

	// KernelStackPages is the size of the kernel stack of a thread.
	KernelStackPages = 2

	// UserStackPages is the size of the user stack of a thread.
	UserStackPages = 2

	// SlotPages is the number of pages reserved below the trampoline for each
	// thread id: the trap context, a guard, the kernel stack and a guard.
	SlotPages = 1 + 1 + KernelStackPages + 1
)

// MaxTID is the highest thread id whose slot fits below the trampoline and
// above the lower half of the address space.
const MaxTID = int((Trampoline - vm.MaxPageNum/2 - 1) / SlotPages)

func slotTop(tid int) vm.PageNum {
	if tid < 0 || tid > MaxTID {
		panic(fmt.Sprintf("thread id %d out of range", tid))
	}

	return Trampoline - 1 - vm.PageNum(tid)*SlotPages
}

// TrapContextPage returns the page that holds the trap context of a thread.
// The page is mapped at the same address in the user and the kernel space.
func TrapContextPage(tid int) vm.PageNum {
	return slotTop(tid)
}

// KernelStack returns the kernel stack of a thread. A guard page separates it
// from the trap context above and from the next slot below.
func KernelStack(tid int) Segment {
	top := slotTop(tid) - 2

	return Segment{
		Start: top - (KernelStackPages - 1),
		End:   top,
		Flags: vm.FlagRead | vm.FlagWrite,
	}
}

// UserStack returns the user stack of a thread. Stacks are placed above the
// stack base in thread id order, each preceded by a guard page.
func UserStack(stackBase vm.PageNum, tid int) Segment {
	if tid < 0 {
		panic(fmt.Sprintf("thread id %d out of range", tid))
	}

	start := stackBase + 2 + vm.PageNum(tid)*(UserStackPages+1)

	return Segment{
		Start: start,
		End:   start + UserStackPages - 1,
		Flags: vm.FlagRead | vm.FlagWrite | vm.FlagUser,
	}
}

// StackArea returns the pages that user stacks of every possible thread id
// may occupy, guards included.
func StackArea(stackBase vm.PageNum) Segment {
	return Segment{
		Start: stackBase + 1,
		End:   UserStack(stackBase, MaxTID).End,
		Flags: vm.FlagRead | vm.FlagWrite | vm.FlagUser,
	}
}

// StackPointer returns the initial stack pointer of a stack segment in the
// sign-extended form the hardware uses.
func StackPointer(s Segment) uint64 {
	return vm.Canonical((s.End + 1).Addr())
}

// PageAddr returns the sign-extended address of the first byte of a page.
func PageAddr(p vm.PageNum) uint64 {
	return vm.Canonical(p.Addr())
}

// ThreadOfContext returns the thread id whose trap context lives at the
// sign-extended address va.
func ThreadOfContext(va uint64) (int, bool) {
	a, ok := vm.FromCanonical(va)
	if !ok || a.Offset() != 0 {
		return 0, false
	}

	p := a.Floor()
	if p >= Trampoline || Trampoline-1-p > vm.PageNum(MaxTID)*SlotPages {
		return 0, false
	}

	distance := Trampoline - 1 - p
	if distance%SlotPages != 0 {
		return 0, false
	}

	return int(distance / SlotPages), true
}
