// Package addrspace lays out the kernel and the process address spaces and
// populates their page tables.
package addrspace

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"

	"github.com/sarchlab/svkernel/mem/vm"
)

var (
	// ErrNotELF is returned when an image cannot be parsed as ELF.
	ErrNotELF = errors.New("image is not an ELF file")

	// ErrUnsupportedMachine is returned for images that are not 64-bit
	// RISC-V.
	ErrUnsupportedMachine = errors.New("image is not a 64-bit RISC-V program")

	// ErrBadSegment is returned for a loadable segment that cannot be mapped.
	ErrBadSegment = errors.New("bad loadable segment")
)

// A Segment is an inclusive range of pages mapped with the same flags.
type Segment struct {
	Start vm.PageNum `json:"start"`
	End   vm.PageNum `json:"end"`
	Flags vm.Flag    `json:"flags"`
}

// Pages returns the number of pages of the segment.
func (s Segment) Pages() int {
	return int(s.End-s.Start) + 1
}

// Contains tells if the page belongs to the segment.
func (s Segment) Contains(p vm.PageNum) bool {
	return p >= s.Start && p <= s.End
}

// Overlaps tells if two segments share a page.
func (s Segment) Overlaps(o Segment) bool {
	return s.Start <= o.End && o.Start <= s.End
}

func (s Segment) String() string {
	return fmt.Sprintf("[0x%x, 0x%x] %s",
		uint64(s.Start), uint64(s.End), s.Flags)
}

// An AddressSpace is the static description of a space: where execution
// starts, which segments are mapped and the highest page used by the image.
type AddressSpace struct {
	Entry     vm.VirtAddr `json:"entry"`
	Segments  []Segment   `json:"segments"`
	StackBase vm.PageNum  `json:"stack_base"`
}

// A FileRange locates the file bytes of a loadable segment.
type FileRange struct {
	VirtAddr vm.VirtAddr
	Offset   uint64
	End      uint64
}

// Len returns the number of file bytes of the segment.
func (r FileRange) Len() int {
	return int(r.End - r.Offset)
}

// FromImage reads the loadable segments of an ELF program. Every segment is
// user accessible and gets the permissions of its program header. The file
// ranges are returned in segment order.
func FromImage(image []byte) (*AddressSpace, []FileRange, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return nil, nil, fmt.Errorf("%w: %s %s",
			ErrUnsupportedMachine, f.Class, f.Machine)
	}

	as := &AddressSpace{Entry: vm.VirtAddr(f.Entry)}

	var ranges []FileRange

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		segment, err := loadSegment(prog)
		if err != nil {
			return nil, nil, err
		}

		as.Segments = append(as.Segments, segment)
		ranges = append(ranges, FileRange{
			VirtAddr: vm.VirtAddr(prog.Vaddr),
			Offset:   prog.Off,
			End:      prog.Off + prog.Filesz,
		})

		if segment.End > as.StackBase {
			as.StackBase = segment.End
		}
	}

	return as, ranges, nil
}

func loadSegment(prog *elf.Prog) (Segment, error) {
	flags := vm.FlagUser
	if prog.Flags&elf.PF_R != 0 {
		flags |= vm.FlagRead
	}

	if prog.Flags&elf.PF_W != 0 {
		flags |= vm.FlagWrite
	}

	if prog.Flags&elf.PF_X != 0 {
		flags |= vm.FlagExec
	}

	last := prog.Vaddr + prog.Memsz - 1

	switch {
	case !flags.IsLeaf():
		return Segment{}, fmt.Errorf("%w: no permission at 0x%x",
			ErrBadSegment, prog.Vaddr)
	case prog.Filesz > prog.Memsz:
		return Segment{}, fmt.Errorf("%w: file size above memory size at 0x%x",
			ErrBadSegment, prog.Vaddr)
	case last < prog.Vaddr || last>>vm.VirtAddrWidth != 0:
		return Segment{}, fmt.Errorf("%w: 0x%x+0x%x leaves the address space",
			ErrBadSegment, prog.Vaddr, prog.Memsz)
	case vm.VirtAddr(last).Floor() >= Trampoline-vm.MaxPageNum/2:
		return Segment{}, fmt.Errorf("%w: 0x%x is in the upper half",
			ErrBadSegment, prog.Vaddr)
	}

	return Segment{
		Start: vm.VirtAddr(prog.Vaddr).Floor(),
		End:   vm.VirtAddr(last).Floor(),
		Flags: flags,
	}, nil
}

// A Range is an inclusive range of pages.
type Range struct {
	Start vm.PageNum
	End   vm.PageNum
}

// KernelLayout describes the kernel image and the devices it maps.
type KernelLayout struct {
	Entry  vm.VirtAddr
	MMIO   []Range
	Text   Range
	ROData Range
	Data   Range
	BSS    Range
	Frames Range
}

// NewKernel describes the kernel space. Every segment is identity mapped.
func NewKernel(layout KernelLayout) *AddressSpace {
	as := &AddressSpace{Entry: layout.Entry}

	for _, r := range layout.MMIO {
		as.Segments = append(as.Segments, Segment{
			Start: r.Start, End: r.End, Flags: vm.FlagRead | vm.FlagWrite,
		})
	}

	add := func(r Range, flags vm.Flag) {
		as.Segments = append(as.Segments,
			Segment{Start: r.Start, End: r.End, Flags: flags})
	}

	add(layout.Text, vm.FlagRead|vm.FlagExec)
	add(layout.ROData, vm.FlagRead)
	add(layout.Data, vm.FlagRead|vm.FlagWrite)
	add(layout.BSS, vm.FlagRead|vm.FlagWrite)
	add(layout.Frames, vm.FlagRead|vm.FlagWrite)

	as.StackBase = layout.Frames.End + 1

	return as
}

// QEMUMMIO lists the device windows of the QEMU virt machine.
var QEMUMMIO = []Range{
	pages(0x00100000, 0x2000),
	pages(0x02000000, 0x10000),
	pages(0x0c000000, 0x400000),
	pages(0x10000000, 0x1000),
	pages(0x10001000, 0x1000),
}

func pages(start vm.PhysAddr, size uint64) Range {
	return Range{
		Start: vm.PageNum(start.Floor()),
		End:   vm.PageNum((start + vm.PhysAddr(size) - 1).Floor()),
	}
}

// DefaultKernelLayout splits the kernel image [start, kernelEnd) into text,
// rodata, data and bss quarters, and gives the rest of memory up to memEnd
// to the frame pool.
func DefaultKernelLayout(start, kernelEnd, memEnd vm.PhysAddr) KernelLayout {
	first := start.Floor()
	end := kernelEnd.Ceil()
	quarter := (end - first) / 4

	if quarter == 0 {
		panic("kernel image needs at least four pages")
	}

	r := func(from, to vm.FrameNum) Range {
		return Range{Start: vm.PageNum(from), End: vm.PageNum(to - 1)}
	}

	return KernelLayout{
		Entry:  vm.VirtAddr(first.Addr()),
		MMIO:   QEMUMMIO,
		Text:   r(first, first+quarter),
		ROData: r(first+quarter, first+2*quarter),
		Data:   r(first+2*quarter, first+3*quarter),
		BSS:    r(first+3*quarter, end),
		Frames: r(end, memEnd.Floor()),
	}
}
