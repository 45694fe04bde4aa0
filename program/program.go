// Package program builds small statically linked RISC-V ELF executables for
// the kernel to load.
package program

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/sarchlab/svkernel/isa"
)

// A Segment is one loadable program segment.
type Segment struct {
	VirtAddr uint64
	Flags    elf.ProgFlag
	Data     []byte

	// MemSize is the size of the segment in memory. It is raised to the
	// length of Data when smaller.
	MemSize uint64
}

// A Builder assembles an ELF image.
type Builder struct {
	entry    uint64
	machine  elf.Machine
	segments []Segment
}

// MakeBuilder creates a builder for a RISC-V executable.
func MakeBuilder() Builder {
	return Builder{machine: elf.EM_RISCV}
}

// WithEntry sets the address where execution starts.
func (b Builder) WithEntry(entry uint64) Builder {
	b.entry = entry
	return b
}

// WithMachine sets the machine recorded in the header.
func (b Builder) WithMachine(machine elf.Machine) Builder {
	b.machine = machine
	return b
}

// WithSegment appends a loadable segment.
func (b Builder) WithSegment(s Segment) Builder {
	b.segments = append(append([]Segment(nil), b.segments...), s)
	return b
}

const (
	headerSize = 64
	progSize   = 56
	pageSize   = 0x1000
)

// Build returns the image bytes. Segment file offsets are congruent to their
// virtual addresses modulo the page size.
func (b Builder) Build() []byte {
	progs := make([]elf.Prog64, len(b.segments))
	off := uint64(pageSize)

	for i, s := range b.segments {
		memSize := s.MemSize
		if memSize < uint64(len(s.Data)) {
			memSize = uint64(len(s.Data))
		}

		fileOff := off + s.VirtAddr%pageSize
		progs[i] = elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    fileOff,
			Vaddr:  s.VirtAddr,
			Paddr:  s.VirtAddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memSize,
			Align:  pageSize,
		}

		off = (fileOff + uint64(len(s.Data)) + pageSize) &^ (pageSize - 1)
	}

	header := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(b.machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     b.entry,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(len(progs)),
	}
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, header)
	_ = binary.Write(&buf, binary.LittleEndian, progs)

	image := make([]byte, off)
	copy(image, buf.Bytes())

	for i, s := range b.segments {
		copy(image[progs[i].Off:], s.Data)
	}

	return image
}

// Demo addresses.
const (
	DemoEntry   = 0x10000
	DemoMessage = 0x11000
	DemoBSS     = 0x12000
)

// DemoText is printed by the demo program.
const DemoText = "hello from user mode\n"

// Syscall ids used by the demo program.
const (
	sysWrite = 64
	sysExit  = 93
)

// Demo returns a program that hits a breakpoint, writes DemoText to file
// descriptor 1 and exits with status 0.
func Demo() []byte {
	code := isa.Assemble(
		uint16(isa.CEbreak),
		isa.Li(isa.A0, 1),
		isa.Lui(isa.A1, DemoMessage>>12),
		isa.Li(isa.A2, int32(len(DemoText))),
		isa.Li(isa.A7, sysWrite),
		isa.Ecall,
		isa.Li(isa.A0, 0),
		isa.Li(isa.A7, sysExit),
		isa.Ecall,
	)

	return MakeBuilder().
		WithEntry(DemoEntry).
		WithSegment(Segment{
			VirtAddr: DemoEntry,
			Flags:    elf.PF_R | elf.PF_X,
			Data:     code,
		}).
		WithSegment(Segment{
			VirtAddr: DemoMessage,
			Flags:    elf.PF_R,
			Data:     []byte(DemoText),
		}).
		WithSegment(Segment{
			VirtAddr: DemoBSS,
			Flags:    elf.PF_R | elf.PF_W,
			MemSize:  2 * pageSize,
		}).
		Build()
}
