package vm

import "fmt"

const (
	entryFrameShift = 10
	entryFlagMask   = 0xff
	entryFrameMask  = frameNumMask << entryFrameShift
)

// An Entry is one page table entry in the SV39 format. Bits 0-7 hold the
// flags, bits 8-9 are reserved for software, bits 10-53 hold the frame
// number and bits 54-63 must be zero.
type Entry uint64

// NewEntry encodes a frame number and a set of flags into an entry.
func NewEntry(f FrameNum, flags Flag) Entry {
	return Entry((uint64(f)<<entryFrameShift)&entryFrameMask |
		uint64(flags))
}

// Frame returns the frame number field. The value is meaningless when the
// entry is not valid.
func (e Entry) Frame() FrameNum {
	return FrameNum((uint64(e) & entryFrameMask) >> entryFrameShift)
}

// Flags returns the flag byte.
func (e Entry) Flags() Flag {
	return Flag(uint64(e) & entryFlagMask)
}

// IsValid tells if the valid bit is set.
func (e Entry) IsValid() bool {
	return e.Flags()&FlagValid != 0
}

// IsLeaf tells if the entry terminates a translation.
func (e Entry) IsLeaf() bool {
	return e.IsValid() && e.Flags().IsLeaf()
}

// IsDirectory tells if the entry points to the next level of the table.
func (e Entry) IsDirectory() bool {
	return e.IsValid() && !e.Flags().IsLeaf()
}

func (e Entry) String() string {
	if !e.IsValid() {
		return "invalid"
	}

	return fmt.Sprintf("frame 0x%x %s", uint64(e.Frame()), e.Flags())
}
