package vm

// A Profile describes the page-table format of one MMU. Table walks and trap
// handling are written against this interface so that only the widths and
// the entry codec change between targets.
type Profile interface {
	// Name returns the name of the translation mode, e.g. "sv39".
	Name() string

	// Levels returns the number of levels of the radix tree.
	Levels() int

	// LevelWidth returns the number of page-number bits per level.
	LevelWidth() uint

	// EntriesPerTable returns how many entries fit in a directory frame.
	EntriesPerTable() int

	// Encode builds an entry.
	Encode(f FrameNum, flags Flag) Entry

	// Decode splits an entry into its frame number and flags.
	Decode(e Entry) (FrameNum, Flag)

	// Index splits a page number into one table index per level, the root
	// level first.
	Index(p PageNum) []int

	// Reconstruct is the inverse of Index.
	Reconstruct(index []int) PageNum

	// Token returns the satp value that activates a table rooted at the
	// given frame.
	Token(root FrameNum) uint64

	// Root extracts the root frame number from a satp value. It reports
	// false when the value does not select this translation mode.
	Root(token uint64) (FrameNum, bool)
}

const (
	// SatpModeBare disables translation.
	SatpModeBare = 0

	// SatpModeSV39 selects three-level translation.
	SatpModeSV39 = 8

	satpModeShift = 60
	satpPPNMask   = 1<<FrameNumWidth - 1
)

// SatpMode returns the mode field of a satp value.
func SatpMode(token uint64) uint64 {
	return token >> satpModeShift
}

// SV39 is the profile of the RISC-V SV39 MMU.
var SV39 Profile = sv39{}

type sv39 struct{}

func (sv39) Name() string {
	return "sv39"
}

func (sv39) Levels() int {
	return Levels
}

func (sv39) LevelWidth() uint {
	return LevelWidth
}

func (sv39) EntriesPerTable() int {
	return EntriesPerTable
}

func (sv39) Encode(f FrameNum, flags Flag) Entry {
	return NewEntry(f, flags)
}

func (sv39) Decode(e Entry) (FrameNum, Flag) {
	return e.Frame(), e.Flags()
}

func (sv39) Index(p PageNum) []int {
	index := make([]int, Levels)
	for i := 0; i < Levels; i++ {
		shift := LevelWidth * (Levels - 1 - i)
		index[i] = int((uint64(p) >> shift) & (EntriesPerTable - 1))
	}

	return index
}

func (sv39) Reconstruct(index []int) PageNum {
	if len(index) != Levels {
		panic("sv39 index must have three levels")
	}

	var p uint64
	for _, idx := range index {
		p = p<<LevelWidth | uint64(idx)&(EntriesPerTable-1)
	}

	return PageNum(p)
}

func (sv39) Token(root FrameNum) uint64 {
	return SatpModeSV39<<satpModeShift | uint64(root)&satpPPNMask
}

func (sv39) Root(token uint64) (FrameNum, bool) {
	if SatpMode(token) != SatpModeSV39 {
		return 0, false
	}

	return FrameNum(token & satpPPNMask), true
}
