package addrspace

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/pagetable"
)

var (
	// ErrNotReserved is returned when a page fault hits no reserved region.
	ErrNotReserved = errors.New("page is not in a reserved region")

	// ErrOverlap is returned when a reserved region overlaps a segment or a
	// page kept for threads.
	ErrOverlap = errors.New("region overlaps a segment")

	// ErrWrongSpace is returned when a kernel operation is applied to a user
	// space or the other way around.
	ErrWrongSpace = errors.New("operation does not apply to this space")
)

// Kind tells kernel and user spaces apart.
type Kind int

const (
	// KindKernel is the shared, identity-mapped kernel space.
	KindKernel Kind = iota

	// KindUser is the space of one process.
	KindUser
)

func (k Kind) String() string {
	if k == KindKernel {
		return "kernel"
	}

	return "user"
}

// A Space is an address space together with the page table that realizes
// it.
type Space struct {
	lock sync.Mutex

	kind     Kind
	layout   *AddressSpace
	table    *pagetable.Table
	reserved []Segment
}

// A Thread records where the pages derived from a thread id live.
type Thread struct {
	TID       int
	Context   vm.FrameNum
	ContextVA uint64
	KernelSP  uint64
	UserSP    uint64
}

// NewKernelSpace identity maps every segment of the kernel layout and maps
// the trampoline frame.
func NewKernelSpace(
	pool pagetable.FramePool,
	layout *AddressSpace,
	trampoline vm.FrameNum,
) (*Space, error) {
	table, err := pagetable.New(pool)
	if err != nil {
		return nil, err
	}

	for _, s := range layout.Segments {
		err = table.FixedMapArea(s.Start, s.End, vm.FrameNum(s.Start), s.Flags)
		if err != nil {
			table.Release()
			return nil, fmt.Errorf("mapping kernel segment %s: %w", s, err)
		}
	}

	err = table.FixedMap(Trampoline, trampoline, vm.FlagRead|vm.FlagExec)
	if err != nil {
		table.Release()
		return nil, err
	}

	return &Space{kind: KindKernel, layout: layout, table: table}, nil
}

// NewUserSpace maps the loadable segments of an ELF program onto fresh
// frames, copies the file bytes into them and maps the trampoline.
func NewUserSpace(
	pool pagetable.FramePool,
	image []byte,
	trampoline vm.FrameNum,
) (*Space, error) {
	layout, ranges, err := FromImage(image)
	if err != nil {
		return nil, err
	}

	table, err := pagetable.New(pool)
	if err != nil {
		return nil, err
	}

	s := &Space{kind: KindUser, layout: layout, table: table}
	if err := s.load(image, ranges, trampoline); err != nil {
		table.Release()
		return nil, err
	}

	return s, nil
}

func (s *Space) load(
	image []byte,
	ranges []FileRange,
	trampoline vm.FrameNum,
) error {
	for i, seg := range s.layout.Segments {
		err := s.table.MapArea(seg.Start, seg.End, seg.Flags)
		if err != nil {
			return fmt.Errorf("mapping segment %s: %w", seg, err)
		}

		r := ranges[i]
		if r.End > uint64(len(image)) {
			return fmt.Errorf("%w: file bytes [0x%x, 0x%x) beyond the image",
				ErrBadSegment, r.Offset, r.End)
		}

		err = s.table.WriteAt(r.VirtAddr, image[r.Offset:r.End])
		if err != nil {
			return err
		}
	}

	return s.table.FixedMap(Trampoline, trampoline, vm.FlagRead|vm.FlagExec)
}

// Kind returns whether the space is the kernel space or a user space.
func (s *Space) Kind() Kind {
	return s.kind
}

// Layout returns the static description of the space.
func (s *Space) Layout() *AddressSpace {
	return s.layout
}

// Table returns the page table of the space.
func (s *Space) Table() *pagetable.Table {
	return s.table
}

// Token returns the satp value that activates the space.
func (s *Space) Token() uint64 {
	return s.table.Token()
}

// AddThread maps the pages derived from a thread id: the user stack and the
// trap context in this user space, the kernel stack and the same trap
// context frame in the kernel space.
func (s *Space) AddThread(kernel *Space, tid int) (*Thread, error) {
	if s.kind != KindUser || kernel.kind != KindKernel {
		return nil, ErrWrongSpace
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	ustack := UserStack(s.layout.StackBase, tid)
	kstack := KernelStack(tid)
	ctxPage := TrapContextPage(tid)

	err := s.table.MapArea(ustack.Start, ustack.End, ustack.Flags)
	if err != nil {
		return nil, fmt.Errorf("mapping user stack of thread %d: %w", tid, err)
	}

	ctx, err := s.table.Map(ctxPage, vm.FlagRead|vm.FlagWrite)
	if err != nil {
		unmap(s.table, ustack)
		return nil, fmt.Errorf("mapping trap context of thread %d: %w", tid, err)
	}

	err = kernel.table.MapArea(kstack.Start, kstack.End, kstack.Flags)
	if err != nil {
		unmap(s.table, ustack, Segment{Start: ctxPage, End: ctxPage})
		return nil, fmt.Errorf("mapping kernel stack of thread %d: %w", tid, err)
	}

	err = kernel.table.Insert(ctxPage, ctx, vm.FlagRead|vm.FlagWrite)
	if err != nil {
		unmap(kernel.table, kstack)
		unmap(s.table, ustack, Segment{Start: ctxPage, End: ctxPage})

		return nil, fmt.Errorf("sharing trap context of thread %d: %w", tid, err)
	}

	s.layout.Segments = append(s.layout.Segments, ustack)

	return &Thread{
		TID:       tid,
		Context:   ctx,
		ContextVA: PageAddr(ctxPage),
		KernelSP:  StackPointer(kstack),
		UserSP:    StackPointer(ustack),
	}, nil
}

// RemoveThread tears down the pages derived from a thread id. The kernel
// side goes first so the shared trap context frame is released only once
// nothing maps it.
func (s *Space) RemoveThread(kernel *Space, tid int) error {
	if s.kind != KindUser || kernel.kind != KindKernel {
		return ErrWrongSpace
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	ctxPage := Segment{Start: TrapContextPage(tid), End: TrapContextPage(tid)}
	ustack := UserStack(s.layout.StackBase, tid)

	errs := []error{
		unmap(kernel.table, ctxPage, KernelStack(tid)),
		unmap(s.table, ctxPage, ustack),
	}

	s.dropSegment(ustack)

	return errors.Join(errs...)
}

func (s *Space) dropSegment(seg Segment) {
	segments := s.layout.Segments
	for i, other := range segments {
		if other == seg {
			s.layout.Segments = append(segments[:i:i], segments[i+1:]...)
			return
		}
	}
}

// unmap removes every mapped page of the segments. Pages that are already
// unmapped are skipped.
func unmap(table *pagetable.Table, segments ...Segment) error {
	var errs []error

	for _, seg := range segments {
		for p := seg.Start; p <= seg.End; p++ {
			err := table.Remove(p)
			if err != nil && !errors.Is(err, pagetable.ErrNotMapped) {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// ThreadPages lists the pages derived from a thread id in this space.
func (s *Space) ThreadPages(tid int) []vm.PageNum {
	pages := []vm.PageNum{TrapContextPage(tid)}

	var stack Segment
	if s.kind == KindKernel {
		stack = KernelStack(tid)
	} else {
		stack = UserStack(s.layout.StackBase, tid)
	}

	for p := stack.Start; p <= stack.End; p++ {
		pages = append(pages, p)
	}

	return pages
}

// Reserve records a region whose pages are allocated on first access. The
// region may not overlap a segment, the user stack area or the thread slots.
func (s *Space) Reserve(region Segment) error {
	if region.Start > region.End || !region.Flags.IsLeaf() {
		return fmt.Errorf("%w: %s", pagetable.ErrInvalidRange, region)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	for _, seg := range s.layout.Segments {
		if seg.Overlaps(region) {
			return fmt.Errorf("%w: %s and %s", ErrOverlap, region, seg)
		}
	}

	if s.kind == KindUser && region.Overlaps(StackArea(s.layout.StackBase)) {
		return fmt.Errorf("%w: %s and the user stacks", ErrOverlap, region)
	}

	slots := Segment{
		Start: Trampoline - vm.PageNum(MaxTID+1)*SlotPages,
		End:   Trampoline,
	}
	if region.Overlaps(slots) {
		return fmt.Errorf("%w: %s and the thread slots", ErrOverlap, region)
	}

	s.layout.Segments = append(s.layout.Segments, region)
	s.reserved = append(s.reserved, region)

	return nil
}

// ResolvePageFault maps a fresh frame at p if p belongs to a reserved
// region.
func (s *Space) ResolvePageFault(p vm.PageNum) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, region := range s.reserved {
		if !region.Contains(p) {
			continue
		}

		_, err := s.table.Map(p, region.Flags)

		return err
	}

	return fmt.Errorf("%w: page 0x%x", ErrNotReserved, uint64(p))
}

// Release gives every frame owned by the page table back to the pool.
func (s *Space) Release() {
	s.table.Release()
}
