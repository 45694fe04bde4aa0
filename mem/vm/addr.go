// Package vm provides the address, page-number and page-table-entry models
// shared by the SV39 memory system.
package vm

import "fmt"

const (
	// OffsetWidth is the number of address bits that select a byte inside a
	// page.
	OffsetWidth = 12

	// PageSize is the size of a page and of a physical frame in bytes.
	PageSize = 1 << OffsetWidth

	// LevelWidth is the number of page-number bits consumed by each level of
	// the page table.
	LevelWidth = 9

	// Levels is the depth of the SV39 page table.
	Levels = 3

	// EntriesPerTable is the number of entries held by one directory frame.
	EntriesPerTable = 1 << LevelWidth

	// PageNumWidth is the width of a virtual page number.
	PageNumWidth = LevelWidth * Levels

	// VirtAddrWidth is the width of a virtual address.
	VirtAddrWidth = PageNumWidth + OffsetWidth

	// FrameNumWidth is the width of a physical frame number.
	FrameNumWidth = 44

	// PhysAddrWidth is the width of a physical address.
	PhysAddrWidth = FrameNumWidth + OffsetWidth

	offsetMask   = PageSize - 1
	virtAddrMask = 1<<VirtAddrWidth - 1
	physAddrMask = 1<<PhysAddrWidth - 1
	pageNumMask  = 1<<PageNumWidth - 1
	frameNumMask = 1<<FrameNumWidth - 1
)

// PhysAddr is a byte address in physical memory.
type PhysAddr uint64

// VirtAddr is a 39-bit byte address in a virtual address space.
type VirtAddr uint64

// FrameNum is a physical address shifted right by OffsetWidth.
type FrameNum uint64

// PageNum is a virtual address shifted right by OffsetWidth.
type PageNum uint64

// MaxPageNum is the highest page number of the virtual address space.
const MaxPageNum = PageNum(pageNumMask)

// MaxFrameNum is the highest frame number a page table entry can hold.
const MaxFrameNum = FrameNum(frameNumMask)

// Floor returns the number of the frame that contains the address.
func (a PhysAddr) Floor() FrameNum {
	return FrameNum((a & physAddrMask) >> OffsetWidth)
}

// Ceil returns the number of the first frame that starts at or after the
// address.
func (a PhysAddr) Ceil() FrameNum {
	if a.Offset() == 0 {
		return a.Floor()
	}

	return a.Floor() + 1
}

// Offset returns the byte offset of the address inside its frame.
func (a PhysAddr) Offset() uint64 {
	return uint64(a) & offsetMask
}

// Aligned tells if the address is the first byte of a frame.
func (a PhysAddr) Aligned() bool {
	return a.Offset() == 0
}

func (a PhysAddr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Floor returns the number of the page that contains the address.
func (a VirtAddr) Floor() PageNum {
	return PageNum((a & virtAddrMask) >> OffsetWidth)
}

// Ceil returns the number of the first page that starts at or after the
// address.
func (a VirtAddr) Ceil() PageNum {
	if a.Offset() == 0 {
		return a.Floor()
	}

	return a.Floor() + 1
}

// Offset returns the byte offset of the address inside its page.
func (a VirtAddr) Offset() uint64 {
	return uint64(a) & offsetMask
}

// Aligned tells if the address is the first byte of a page.
func (a VirtAddr) Aligned() bool {
	return a.Offset() == 0
}

func (a VirtAddr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Addr returns the physical address of the first byte of the frame.
func (f FrameNum) Addr() PhysAddr {
	return PhysAddr((uint64(f) & frameNumMask) << OffsetWidth)
}

// Addr returns the virtual address of the first byte of the page.
func (p PageNum) Addr() VirtAddr {
	return VirtAddr((uint64(p) & pageNumMask) << OffsetWidth)
}

// Canonical sign-extends bit 38 of a virtual address into the 64-bit form
// the hardware accepts.
func Canonical(a VirtAddr) uint64 {
	v := uint64(a) & virtAddrMask
	if v&(1<<(VirtAddrWidth-1)) != 0 {
		v |= ^uint64(virtAddrMask)
	}

	return v
}

// FromCanonical converts a 64-bit address back into a VirtAddr. It reports
// false when bits 63..39 are not copies of bit 38.
func FromCanonical(v uint64) (VirtAddr, bool) {
	high := v >> (VirtAddrWidth - 1)
	if high != 0 && high != (1<<(64-VirtAddrWidth+1))-1 {
		return 0, false
	}

	return VirtAddr(v & virtAddrMask), true
}
