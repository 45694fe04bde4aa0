package addrspace

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/pagetable"
	"github.com/sarchlab/svkernel/program"
)

var _ = Describe("Layout", func() {
	It("should place the first slot right below the trampoline", func() {
		Expect(TrapContextPage(0)).To(Equal(vm.MaxPageNum - 1))
		Expect(KernelStack(0)).To(Equal(Segment{
			Start: vm.MaxPageNum - 4,
			End:   vm.MaxPageNum - 3,
			Flags: vm.FlagRead | vm.FlagWrite,
		}))
		Expect(TrapContextPage(1)).To(Equal(vm.MaxPageNum - 6))
	})

	It("should keep a guard page around every kernel stack", func() {
		used := map[vm.PageNum]int{Trampoline: -1}

		for tid := 0; tid < 64; tid++ {
			used[TrapContextPage(tid)] = tid

			stack := KernelStack(tid)
			for p := stack.Start; p <= stack.End; p++ {
				Expect(used).NotTo(HaveKey(p))
				used[p] = tid
			}
		}

		for tid := 0; tid < 64; tid++ {
			stack := KernelStack(tid)
			Expect(used).NotTo(HaveKey(stack.Start - 1))
			Expect(used).NotTo(HaveKey(stack.End + 1))
		}
	})

	It("should stack user stacks above the image with guards", func() {
		Expect(UserStack(0x13, 0)).To(Equal(Segment{
			Start: 0x15,
			End:   0x16,
			Flags: vm.FlagRead | vm.FlagWrite | vm.FlagUser,
		}))
		Expect(UserStack(0x13, 1).Start).To(Equal(vm.PageNum(0x18)))
	})

	It("should produce sign-extended stack pointers", func() {
		Expect(StackPointer(KernelStack(0))).To(Equal(uint64(0xffffffffffffe000)))
		Expect(StackPointer(UserStack(0x13, 0))).To(Equal(uint64(0x17000)))
		Expect(PageAddr(Trampoline)).To(Equal(uint64(0xfffffffffffff000)))
	})

	It("should find the thread of a trap context address", func() {
		for _, tid := range []int{0, 1, 7, MaxTID} {
			found, ok := ThreadOfContext(PageAddr(TrapContextPage(tid)))

			Expect(ok).To(BeTrue())
			Expect(found).To(Equal(tid))
		}

		for _, va := range []uint64{
			PageAddr(Trampoline),
			PageAddr(TrapContextPage(0)) + 8,
			PageAddr(KernelStack(0).Start),
			0x10000,
			0x0000800000000000,
		} {
			_, ok := ThreadOfContext(va)
			Expect(ok).To(BeFalse())
		}
	})

	It("should refuse thread ids outside the slot area", func() {
		Expect(func() { TrapContextPage(-1) }).To(Panic())
		Expect(func() { KernelStack(MaxTID + 1) }).To(Panic())
	})
})

var _ = Describe("Space", func() {
	var (
		pool       *frame.Pool
		trampoline *frame.Frame
		kernel     *Space
	)

	BeforeEach(func() {
		memory := frame.NewMemory(0x80000000, 0x80400000)
		pool = frame.NewPool(memory)
		Expect(pool.Init(0x80000, 0x80400)).To(Succeed())

		var err error
		trampoline, err = pool.Alloc()
		Expect(err).NotTo(HaveOccurred())

		layout := NewKernel(KernelLayout{
			Text:   Range{Start: 10, End: 20},
			ROData: Range{Start: 21, End: 21},
			Data:   Range{Start: 22, End: 30},
			BSS:    Range{Start: 31, End: 31},
			Frames: Range{Start: 32, End: 40},
		})
		kernel, err = NewKernelSpace(pool, layout, trampoline.Number())
		Expect(err).NotTo(HaveOccurred())
	})

	Context("kernel", func() {
		It("should identity map the kernel text as read and execute", func() {
			f, flags, err := kernel.Table().Get(15)

			Expect(err).NotTo(HaveOccurred())
			Expect(f).To(Equal(vm.FrameNum(15)))
			Expect(flags.Has(vm.FlagRead | vm.FlagExec)).To(BeTrue())
			Expect(flags.Has(vm.FlagWrite)).To(BeFalse())
		})

		It("should identity map every segment", func() {
			for _, s := range kernel.Layout().Segments {
				for p := s.Start; p <= s.End; p++ {
					f, flags, err := kernel.Table().Get(p)
					Expect(err).NotTo(HaveOccurred())
					Expect(f).To(Equal(vm.FrameNum(p)))
					Expect(flags).To(Equal(s.Flags | vm.FlagValid))
				}
			}
		})

		It("should map the trampoline", func() {
			f, flags, err := kernel.Table().Get(Trampoline)

			Expect(err).NotTo(HaveOccurred())
			Expect(f).To(Equal(trampoline.Number()))
			Expect(flags).To(Equal(vm.FlagValid | vm.FlagRead | vm.FlagExec))
			Expect(kernel.Kind()).To(Equal(KindKernel))
		})
	})

	Context("user", func() {
		var user *Space

		BeforeEach(func() {
			var err error
			user, err = NewUserSpace(pool, program.Demo(), trampoline.Number())
			Expect(err).NotTo(HaveOccurred())
		})

		It("should load the image", func() {
			_, flags, err := user.Table().Get(0x10)
			Expect(err).NotTo(HaveOccurred())
			Expect(flags).To(Equal(
				vm.FlagValid | vm.FlagUser | vm.FlagRead | vm.FlagExec))

			msg := make([]byte, len(program.DemoText))
			Expect(user.Table().ReadAt(program.DemoMessage, msg)).To(Succeed())
			Expect(string(msg)).To(Equal(program.DemoText))

			bss := make([]byte, 16)
			Expect(user.Table().ReadAt(program.DemoBSS+0x1ff0, bss)).To(Succeed())
			Expect(bss).To(Equal(make([]byte, 16)))
		})

		It("should map the trampoline without user access", func() {
			f, flags, err := user.Table().Get(Trampoline)

			Expect(err).NotTo(HaveOccurred())
			Expect(f).To(Equal(trampoline.Number()))
			Expect(flags.Has(vm.FlagUser)).To(BeFalse())
		})

		It("should fail cleanly on bad images", func() {
			inUse := pool.Stats().InUse

			_, err := NewUserSpace(pool, []byte("junk"), trampoline.Number())

			Expect(errors.Is(err, ErrNotELF)).To(BeTrue())
			Expect(pool.Stats().InUse).To(Equal(inUse))
		})

		It("should give all frames back on release", func() {
			before := pool.Stats().InUse
			other, err := NewUserSpace(pool, program.Demo(), trampoline.Number())
			Expect(err).NotTo(HaveOccurred())

			other.Release()

			Expect(pool.Stats().InUse).To(Equal(before))
		})

		Context("threads", func() {
			It("should share the trap context frame with the kernel", func() {
				th, err := user.AddThread(kernel, 3)
				Expect(err).NotTo(HaveOccurred())

				uf, uflags, err := user.Table().Get(TrapContextPage(3))
				Expect(err).NotTo(HaveOccurred())
				kf, kflags, err := kernel.Table().Get(TrapContextPage(3))
				Expect(err).NotTo(HaveOccurred())

				Expect(uf).To(Equal(th.Context))
				Expect(kf).To(Equal(th.Context))
				Expect(uflags.Has(vm.FlagUser)).To(BeFalse())
				Expect(kflags.Has(vm.FlagUser)).To(BeFalse())
				Expect(th.ContextVA).To(Equal(PageAddr(TrapContextPage(3))))
				Expect(th.KernelSP).To(Equal(StackPointer(KernelStack(3))))
				Expect(th.UserSP).To(Equal(StackPointer(UserStack(0x13, 3))))
			})

			It("should map both stacks", func() {
				_, err := user.AddThread(kernel, 0)
				Expect(err).NotTo(HaveOccurred())

				for _, p := range kernel.ThreadPages(0) {
					_, _, err := kernel.Table().Get(p)
					Expect(err).NotTo(HaveOccurred())
				}

				for _, p := range user.ThreadPages(0) {
					_, _, err := user.Table().Get(p)
					Expect(err).NotTo(HaveOccurred())
				}

				Expect(user.Layout().Segments).To(ContainElement(UserStack(0x13, 0)))
			})

			It("should refuse to alias a live slot", func() {
				_, err := user.AddThread(kernel, 0)
				Expect(err).NotTo(HaveOccurred())
				other, err := NewUserSpace(pool, program.Demo(), trampoline.Number())
				Expect(err).NotTo(HaveOccurred())
				inUse := pool.Stats().InUse

				_, err = other.AddThread(kernel, 0)

				Expect(errors.Is(err, pagetable.ErrAlreadyMapped)).To(BeTrue())
				Expect(pool.Stats().InUse).To(Equal(inUse))
			})

			It("should tear everything down", func() {
				inUse := pool.Stats().InUse
				dirs := func() int {
					return kernel.Table().Usage().Directories +
						user.Table().Usage().Directories
				}
				dirsBefore := dirs()
				_, err := user.AddThread(kernel, 0)
				Expect(err).NotTo(HaveOccurred())

				Expect(user.RemoveThread(kernel, 0)).To(Succeed())

				for _, p := range kernel.ThreadPages(0) {
					_, _, err := kernel.Table().Get(p)
					Expect(errors.Is(err, pagetable.ErrNotMapped)).To(BeTrue())
				}

				Expect(pool.Stats().InUse - inUse).To(Equal(dirs() - dirsBefore))
			})

			It("should refuse kernel spaces as processes", func() {
				_, err := kernel.AddThread(user, 0)

				Expect(err).To(MatchError(ErrWrongSpace))
			})
		})

		Context("demand paging", func() {
			heap := Segment{Start: 0x1, End: 0xf,
				Flags: vm.FlagRead | vm.FlagWrite | vm.FlagUser}

			It("should map reserved pages on fault", func() {
				Expect(user.Reserve(heap)).To(Succeed())

				Expect(user.ResolvePageFault(0x5)).To(Succeed())

				_, flags, err := user.Table().Get(0x5)
				Expect(err).NotTo(HaveOccurred())
				Expect(flags).To(Equal(heap.Flags | vm.FlagValid))
				Expect(user.Layout().Segments).To(ContainElement(heap))
			})

			It("should refuse faults outside reserved regions", func() {
				Expect(user.Reserve(heap)).To(Succeed())

				err := user.ResolvePageFault(0x200)

				Expect(errors.Is(err, ErrNotReserved)).To(BeTrue())
			})

			It("should refuse a second fault on a mapped page", func() {
				Expect(user.Reserve(heap)).To(Succeed())
				Expect(user.ResolvePageFault(0x5)).To(Succeed())

				err := user.ResolvePageFault(0x5)

				Expect(errors.Is(err, pagetable.ErrAlreadyMapped)).To(BeTrue())
			})

			It("should refuse overlapping regions", func() {
				err := user.Reserve(Segment{Start: 0x12, End: 0x20,
					Flags: vm.FlagRead})

				Expect(errors.Is(err, ErrOverlap)).To(BeTrue())
			})

			It("should refuse regions over user stacks", func() {
				_, err := user.AddThread(kernel, 0)
				Expect(err).NotTo(HaveOccurred())

				for _, region := range []Segment{
					{Start: 0x15, End: 0x1a},
					{Start: 0x40, End: 0x40},
					{Start: StackArea(0x13).End, End: StackArea(0x13).End + 4},
				} {
					region.Flags = vm.FlagRead | vm.FlagWrite | vm.FlagUser

					err = user.Reserve(region)

					Expect(errors.Is(err, ErrOverlap)).To(BeTrue(), region.String())
				}
			})

			It("should keep a stack slot for its thread after it exits", func() {
				_, err := user.AddThread(kernel, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(user.RemoveThread(kernel, 0)).To(Succeed())
				Expect(user.Layout().Segments).
					NotTo(ContainElement(UserStack(0x13, 0)))

				err = user.Reserve(Segment{Start: 0x15, End: 0x16,
					Flags: vm.FlagRead | vm.FlagWrite | vm.FlagUser})
				Expect(errors.Is(err, ErrOverlap)).To(BeTrue())

				_, err = user.AddThread(kernel, 0)
				Expect(err).NotTo(HaveOccurred())
			})

			It("should allow regions above the stack area", func() {
				above := StackArea(0x13).End + 1
				region := Segment{Start: above, End: above + 3,
					Flags: vm.FlagRead | vm.FlagWrite | vm.FlagUser}

				Expect(user.Reserve(region)).To(Succeed())
				Expect(user.ResolvePageFault(above + 2)).To(Succeed())
			})
		})
	})
})
