// Package trap implements the privilege transitions of a RISC-V hart: trap
// delivery, the trampoline that saves and restores user state across an
// address-space switch, the dispatch of trap causes to kernel services and
// the switch between kernel control flows.
package trap

import "fmt"

// A Cause is the value the hardware writes to scause. The top bit tells
// interrupts from exceptions.
type Cause uint64

const interruptBit = 1 << 63

// Exception causes.
const (
	InstructionMisaligned  Cause = 0
	InstructionAccessFault Cause = 1
	IllegalInstruction     Cause = 2
	Breakpoint             Cause = 3
	LoadMisaligned         Cause = 4
	LoadAccessFault        Cause = 5
	StoreMisaligned        Cause = 6
	StoreAccessFault       Cause = 7
	EnvironmentCallFromU   Cause = 8
	EnvironmentCallFromS   Cause = 9
	InstructionPageFault   Cause = 12
	LoadPageFault          Cause = 13
	StorePageFault         Cause = 15
	SupervisorSoftware     Cause = interruptBit | 1
	SupervisorTimer        Cause = interruptBit | 5
	SupervisorExternal     Cause = interruptBit | 9
)

var causeNames = map[Cause]string{
	InstructionMisaligned:  "InstructionMisaligned",
	InstructionAccessFault: "InstructionAccessFault",
	IllegalInstruction:     "IllegalInstruction",
	Breakpoint:             "Breakpoint",
	LoadMisaligned:         "LoadMisaligned",
	LoadAccessFault:        "LoadAccessFault",
	StoreMisaligned:        "StoreMisaligned",
	StoreAccessFault:       "StoreAccessFault",
	EnvironmentCallFromU:   "EnvironmentCallFromU",
	EnvironmentCallFromS:   "EnvironmentCallFromS",
	InstructionPageFault:   "InstructionPageFault",
	LoadPageFault:          "LoadPageFault",
	StorePageFault:         "StorePageFault",
	SupervisorSoftware:     "SupervisorSoftware",
	SupervisorTimer:        "SupervisorTimer",
	SupervisorExternal:     "SupervisorExternal",
}

// IsInterrupt tells if the cause is an asynchronous interrupt.
func (c Cause) IsInterrupt() bool {
	return c&interruptBit != 0
}

// Code returns the cause without the interrupt bit.
func (c Cause) Code() uint64 {
	return uint64(c &^ interruptBit)
}

// IsPageFault tells if the cause is one of the three page faults.
func (c Cause) IsPageFault() bool {
	return c == InstructionPageFault || c == LoadPageFault || c == StorePageFault
}

// IsEnvironmentCall tells if the cause is an ecall from any mode.
func (c Cause) IsEnvironmentCall() bool {
	return c == EnvironmentCallFromU || c == EnvironmentCallFromS
}

func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}

	if c.IsInterrupt() {
		return fmt.Sprintf("Interrupt(%d)", c.Code())
	}

	return fmt.Sprintf("Exception(%d)", c.Code())
}
