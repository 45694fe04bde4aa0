package vm

import "strings"

// Flag is the low byte of a page table entry.
type Flag uint8

const (
	// FlagValid marks the entry as usable by the hardware walker.
	FlagValid Flag = 1 << iota

	// FlagRead allows loads from the page.
	FlagRead

	// FlagWrite allows stores to the page.
	FlagWrite

	// FlagExec allows instruction fetches from the page.
	FlagExec

	// FlagUser makes the page accessible from user mode.
	FlagUser

	// FlagGlobal marks a mapping that exists in every address space.
	FlagGlobal

	// FlagAccessed is set by the walker when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the walker when the page is written.
	FlagDirty
)

// FlagRWX holds the permission bits that turn an entry into a leaf.
const FlagRWX = FlagRead | FlagWrite | FlagExec

// Has tells if every bit of other is set.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}

// IsLeaf tells if the flags carry any of the read, write or execute bits.
func (f Flag) IsLeaf() bool {
	return f&FlagRWX != 0
}

// String prints the flags in the "DAGUXWRV" order used by RISC-V tooling,
// with a dash for every bit that is clear.
func (f Flag) String() string {
	const names = "VRWXUGAD"

	var b strings.Builder
	for i := len(names) - 1; i >= 0; i-- {
		if f&(1<<i) != 0 {
			b.WriteByte(names[i])
		} else {
			b.WriteByte('-')
		}
	}

	return b.String()
}
