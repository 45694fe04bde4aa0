package addrspace

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/program"
)

var _ = Describe("TIDAllocator", func() {
	var (
		tids   *TIDAllocator
		kernel *Space
		user   *Space
	)

	BeforeEach(func() {
		memory := frame.NewMemory(0x80000000, 0x80200000)
		pool := frame.NewPool(memory)
		Expect(pool.Init(0x80000, 0x80200)).To(Succeed())

		trampoline, err := pool.Alloc()
		Expect(err).NotTo(HaveOccurred())

		kernel, err = NewKernelSpace(pool, NewKernel(KernelLayout{
			Text:   Range{Start: 1, End: 1},
			ROData: Range{Start: 2, End: 2},
			Data:   Range{Start: 3, End: 3},
			BSS:    Range{Start: 4, End: 4},
			Frames: Range{Start: 5, End: 5},
		}), trampoline.Number())
		Expect(err).NotTo(HaveOccurred())

		user, err = NewUserSpace(pool, program.Demo(), trampoline.Number())
		Expect(err).NotTo(HaveOccurred())

		tids = NewTIDAllocator()
	})

	It("should hand out increasing ids", func() {
		a, _ := tids.Alloc()
		b, _ := tids.Alloc()

		Expect(a).To(Equal(0))
		Expect(b).To(Equal(1))
		Expect(tids.Live()).To(Equal(2))
	})

	It("should not recycle an id while its slot is mapped", func() {
		tid, _ := tids.Alloc()
		_, err := user.AddThread(kernel, tid)
		Expect(err).NotTo(HaveOccurred())

		err = tids.Reclaim(tid, kernel, user)

		Expect(errors.Is(err, ErrMappingsLive)).To(BeTrue())
		next, _ := tids.Alloc()
		Expect(next).NotTo(Equal(tid))
	})

	It("should recycle the lowest id once torn down", func() {
		for i := 0; i < 3; i++ {
			tid, _ := tids.Alloc()
			_, err := user.AddThread(kernel, tid)
			Expect(err).NotTo(HaveOccurred())
		}

		Expect(user.RemoveThread(kernel, 2)).To(Succeed())
		Expect(user.RemoveThread(kernel, 1)).To(Succeed())
		Expect(tids.Reclaim(2, kernel, user)).To(Succeed())
		Expect(tids.Reclaim(1, kernel, user)).To(Succeed())

		next, _ := tids.Alloc()
		Expect(next).To(Equal(1))
		_, err := user.AddThread(kernel, next)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should refuse unknown ids", func() {
		err := tids.Reclaim(7)

		Expect(errors.Is(err, ErrUnknownTID)).To(BeTrue())
	})
})
