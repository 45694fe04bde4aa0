// Package frame manages physical page frames: the allocator that hands out
// frame numbers, the memory arena that backs them and the handles that own
// them.
package frame

import (
	"errors"
	"fmt"

	"github.com/sarchlab/svkernel/mem/vm"
)

var (
	// ErrExhausted is returned when no frame is left in the pool.
	ErrExhausted = errors.New("frame pool exhausted")

	// ErrAlreadyInitialized is returned when Init is called a second time.
	ErrAlreadyInitialized = errors.New("frame allocator already initialized")

	// ErrNotInitialized is returned when frames are requested before Init.
	ErrNotInitialized = errors.New("frame allocator not initialized")

	// ErrInvalidRange is returned when the low bound is above the high bound.
	ErrInvalidRange = errors.New("invalid frame range")

	// ErrInvalidCount is returned when zero contiguous frames are requested.
	ErrInvalidCount = errors.New("invalid frame count")

	// ErrNotAllocated is returned when a frame that was never handed out is
	// deallocated.
	ErrNotAllocated = errors.New("frame was never allocated")

	// ErrAlreadyFree is returned when a recycled frame is deallocated again.
	ErrAlreadyFree = errors.New("frame already free")
)

// Allocator tracks which frame numbers of a range are in use.
//
// The numbers in [current, end) have never been handed out. The recycled
// stack holds numbers that were handed out and given back; it is drained
// before touching never-used numbers, most recent first.
type Allocator struct {
	low     vm.FrameNum
	current vm.FrameNum
	end     vm.FrameNum

	recycled    []vm.FrameNum
	recycledSet map[vm.FrameNum]struct{}

	initialized bool
}

// NewAllocator creates an allocator that still needs Init.
func NewAllocator() *Allocator {
	return &Allocator{
		recycledSet: make(map[vm.FrameNum]struct{}),
	}
}

// Init sets the allocatable range to [low, high). It can only be called once.
func (a *Allocator) Init(low, high vm.FrameNum) error {
	if a.initialized {
		return ErrAlreadyInitialized
	}

	if low > high {
		return fmt.Errorf("%w: [0x%x, 0x%x)", ErrInvalidRange, low, high)
	}

	a.low = low
	a.current = low
	a.end = high
	a.initialized = true

	return nil
}

// Alloc returns a free frame number.
func (a *Allocator) Alloc() (vm.FrameNum, error) {
	if !a.initialized {
		return 0, ErrNotInitialized
	}

	if n := len(a.recycled); n > 0 {
		f := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		delete(a.recycledSet, f)

		return f, nil
	}

	if a.current == a.end {
		return 0, ErrExhausted
	}

	f := a.current
	a.current++

	return f, nil
}

// AllocContig reserves n consecutive never-used frame numbers and returns the
// first one. Recycled numbers are not considered, so this can fail while
// Alloc would still succeed.
func (a *Allocator) AllocContig(n int) (vm.FrameNum, error) {
	if !a.initialized {
		return 0, ErrNotInitialized
	}

	if n <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCount, n)
	}

	if uint64(a.end-a.current) < uint64(n) {
		return 0, fmt.Errorf("%w: %d contiguous frames requested, %d left",
			ErrExhausted, n, a.end-a.current)
	}

	base := a.current
	a.current += vm.FrameNum(n)

	return base, nil
}

// Dealloc gives a frame number back. Numbers that were never handed out or
// that are already free are rejected and leave the allocator untouched.
func (a *Allocator) Dealloc(f vm.FrameNum) error {
	if !a.initialized || f >= a.current || f < a.low {
		return fmt.Errorf("%w: 0x%x", ErrNotAllocated, f)
	}

	if _, found := a.recycledSet[f]; found {
		return fmt.Errorf("%w: 0x%x", ErrAlreadyFree, f)
	}

	a.recycled = append(a.recycled, f)
	a.recycledSet[f] = struct{}{}

	return nil
}

// HighWater returns the lowest number that has never been handed out.
func (a *Allocator) HighWater() vm.FrameNum {
	return a.current
}

// Recycled returns how many frames wait on the recycle stack.
func (a *Allocator) Recycled() int {
	return len(a.recycled)
}

// InUse returns how many frames are currently handed out.
func (a *Allocator) InUse() int {
	return int(a.current-a.low) - len(a.recycled)
}

// Capacity returns the total number of frames of the range.
func (a *Allocator) Capacity() int {
	return int(a.end - a.low)
}
