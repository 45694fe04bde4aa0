package addrspace

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"

	"github.com/sarchlab/svkernel/mem/vm/pagetable"
)

var (
	// ErrUnknownTID is returned when a thread id that is not in use is
	// reclaimed.
	ErrUnknownTID = errors.New("thread id is not in use")

	// ErrMappingsLive is returned when a thread id is reclaimed while pages
	// derived from it are still mapped.
	ErrMappingsLive = errors.New("thread id still has live mappings")

	// ErrTIDExhausted is returned when every thread slot is in use.
	ErrTIDExhausted = errors.New("no thread id left")
)

type tidHeap []int

func (h tidHeap) Len() int           { return len(h) }
func (h tidHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h tidHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *tidHeap) Push(x any)        { *h = append(*h, x.(int)) }

func (h *tidHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]

	return x
}

// A TIDAllocator hands out thread ids. Since every id selects a fixed slot of
// pages, an id only becomes reusable once Reclaim has checked that none of
// its pages is still mapped.
type TIDAllocator struct {
	lock sync.Mutex
	next int
	free tidHeap
	live map[int]struct{}
}

// NewTIDAllocator creates an allocator that starts at thread id 0.
func NewTIDAllocator() *TIDAllocator {
	return &TIDAllocator{live: make(map[int]struct{})}
}

// Alloc returns the lowest reusable thread id.
func (a *TIDAllocator) Alloc() (int, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	var tid int

	switch {
	case a.free.Len() > 0:
		tid = heap.Pop(&a.free).(int)
	case a.next <= MaxTID:
		tid = a.next
		a.next++
	default:
		return 0, ErrTIDExhausted
	}

	a.live[tid] = struct{}{}

	return tid, nil
}

// Live returns how many thread ids are in use.
func (a *TIDAllocator) Live() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	return len(a.live)
}

// Reclaim makes a thread id reusable. It refuses while any of the given
// spaces still maps a page derived from the id.
func (a *TIDAllocator) Reclaim(tid int, spaces ...*Space) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if _, found := a.live[tid]; !found {
		return fmt.Errorf("%w: %d", ErrUnknownTID, tid)
	}

	for _, s := range spaces {
		for _, p := range s.ThreadPages(tid) {
			_, _, err := s.Table().Get(p)
			if err == nil {
				return fmt.Errorf("%w: thread %d, %s page 0x%x",
					ErrMappingsLive, tid, s.Kind(), uint64(p))
			}

			if !errors.Is(err, pagetable.ErrNotMapped) {
				return err
			}
		}
	}

	delete(a.live, tid)
	heap.Push(&a.free, tid)

	return nil
}
