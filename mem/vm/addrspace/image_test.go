package addrspace

import (
	"debug/elf"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/program"
)

var _ = Describe("FromImage", func() {
	It("should read the loadable segments", func() {
		as, ranges, err := FromImage(program.Demo())
		Expect(err).NotTo(HaveOccurred())

		Expect(as.Entry).To(Equal(vm.VirtAddr(program.DemoEntry)))
		Expect(as.Segments).To(Equal([]Segment{
			{Start: 0x10, End: 0x10, Flags: vm.FlagUser | vm.FlagRead | vm.FlagExec},
			{Start: 0x11, End: 0x11, Flags: vm.FlagUser | vm.FlagRead},
			{Start: 0x12, End: 0x13, Flags: vm.FlagUser | vm.FlagRead | vm.FlagWrite},
		}))
		Expect(as.StackBase).To(Equal(vm.PageNum(0x13)))

		Expect(ranges).To(HaveLen(3))
		Expect(ranges[1].VirtAddr).To(Equal(vm.VirtAddr(program.DemoMessage)))
		Expect(ranges[1].Len()).To(Equal(len(program.DemoText)))
		Expect(ranges[2].Len()).To(BeZero())
	})

	It("should cover unaligned segments", func() {
		image := program.MakeBuilder().
			WithSegment(program.Segment{
				VirtAddr: 0x10ff8,
				Flags:    elf.PF_R,
				Data:     make([]byte, 16),
			}).
			Build()

		as, _, err := FromImage(image)

		Expect(err).NotTo(HaveOccurred())
		Expect(as.Segments[0].Start).To(Equal(vm.PageNum(0x10)))
		Expect(as.Segments[0].End).To(Equal(vm.PageNum(0x11)))
	})

	It("should skip empty segments", func() {
		image := program.MakeBuilder().
			WithSegment(program.Segment{VirtAddr: 0x10000, Flags: elf.PF_R}).
			WithSegment(program.Segment{
				VirtAddr: 0x20000,
				Flags:    elf.PF_R,
				Data:     []byte{1},
			}).
			Build()

		as, ranges, err := FromImage(image)

		Expect(err).NotTo(HaveOccurred())
		Expect(as.Segments).To(HaveLen(1))
		Expect(ranges).To(HaveLen(1))
		Expect(as.StackBase).To(Equal(vm.PageNum(0x20)))
	})

	It("should reject garbage", func() {
		_, _, err := FromImage([]byte("definitely not an executable"))

		Expect(errors.Is(err, ErrNotELF)).To(BeTrue())
	})

	It("should reject other machines", func() {
		image := program.MakeBuilder().WithMachine(elf.EM_X86_64).Build()

		_, _, err := FromImage(image)

		Expect(errors.Is(err, ErrUnsupportedMachine)).To(BeTrue())
	})

	It("should reject segments without permissions", func() {
		image := program.MakeBuilder().
			WithSegment(program.Segment{VirtAddr: 0x10000, Data: []byte{1}}).
			Build()

		_, _, err := FromImage(image)

		Expect(errors.Is(err, ErrBadSegment)).To(BeTrue())
	})

	It("should reject segments in the upper half", func() {
		image := program.MakeBuilder().
			WithSegment(program.Segment{
				VirtAddr: 0x4000000000,
				Flags:    elf.PF_R,
				Data:     []byte{1},
			}).
			Build()

		_, _, err := FromImage(image)

		Expect(errors.Is(err, ErrBadSegment)).To(BeTrue())
	})
})

var _ = Describe("NewKernel", func() {
	It("should list every kernel segment with its permissions", func() {
		as := NewKernel(KernelLayout{
			Entry:  0xa000,
			MMIO:   []Range{{Start: 2, End: 3}},
			Text:   Range{Start: 10, End: 20},
			ROData: Range{Start: 21, End: 21},
			Data:   Range{Start: 22, End: 30},
			BSS:    Range{Start: 31, End: 31},
			Frames: Range{Start: 32, End: 40},
		})

		Expect(as.Segments).To(Equal([]Segment{
			{Start: 2, End: 3, Flags: vm.FlagRead | vm.FlagWrite},
			{Start: 10, End: 20, Flags: vm.FlagRead | vm.FlagExec},
			{Start: 21, End: 21, Flags: vm.FlagRead},
			{Start: 22, End: 30, Flags: vm.FlagRead | vm.FlagWrite},
			{Start: 31, End: 31, Flags: vm.FlagRead | vm.FlagWrite},
			{Start: 32, End: 40, Flags: vm.FlagRead | vm.FlagWrite},
		}))
		Expect(as.StackBase).To(Equal(vm.PageNum(41)))
	})

	It("should split the kernel image", func() {
		layout := DefaultKernelLayout(0x80000000, 0x80400000, 0x88000000)

		Expect(layout.Text).To(Equal(Range{Start: 0x80000, End: 0x800ff}))
		Expect(layout.BSS).To(Equal(Range{Start: 0x80300, End: 0x803ff}))
		Expect(layout.Frames).To(Equal(Range{Start: 0x80400, End: 0x87fff}))
		Expect(layout.MMIO).To(ContainElement(Range{Start: 0x10000, End: 0x10000}))
	})
})
