package frame

import (
	"log"
	"sync"

	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/sim"
)

// HookPosFrameAlloc marks a frame leaving the pool. The hook item is the
// *Frame.
var HookPosFrameAlloc = &sim.HookPos{Name: "FrameAlloc"}

// HookPosFrameRelease marks a frame returning to the pool. The hook item is
// the *Frame.
var HookPosFrameRelease = &sim.HookPos{Name: "FrameRelease"}

// Stats is a snapshot of the pool usage.
type Stats struct {
	Start     vm.FrameNum `json:"start"`
	End       vm.FrameNum `json:"end"`
	HighWater vm.FrameNum `json:"high_water"`
	InUse     int         `json:"in_use"`
	Recycled  int         `json:"recycled"`
	Capacity  int         `json:"capacity"`
}

// Pool is the process-wide frame pool. Every operation holds the pool lock.
// Frames handed out by the pool are zeroed.
type Pool struct {
	sim.HookableBase

	lock      sync.Mutex
	allocator *Allocator
	memory    *Memory
}

// NewPool creates a pool that hands out frames of the given memory. The pool
// is unusable until Init is called.
func NewPool(memory *Memory) *Pool {
	return &Pool{
		allocator: NewAllocator(),
		memory:    memory,
	}
}

// Init sets the range of frames [low, high) that the pool owns. It fails if
// the pool is already initialized or if the range is not backed by memory.
func (p *Pool) Init(low, high vm.FrameNum) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if low < high && (!p.memory.Contains(low) || !p.memory.Contains(high-1)) {
		return ErrOutOfRange
	}

	return p.allocator.Init(low, high)
}

// Memory returns the memory arena behind the pool.
func (p *Pool) Memory() *Memory {
	return p.memory
}

// Alloc takes one zeroed frame from the pool.
func (p *Pool) Alloc() (*Frame, error) {
	p.lock.Lock()
	n, err := p.allocator.Alloc()
	p.lock.Unlock()

	if err != nil {
		return nil, err
	}

	return p.handOut(n), nil
}

// AllocContig takes n zeroed frames with consecutive numbers from the pool.
func (p *Pool) AllocContig(n int) (Frames, error) {
	p.lock.Lock()
	base, err := p.allocator.AllocContig(n)
	p.lock.Unlock()

	if err != nil {
		return nil, err
	}

	frames := make(Frames, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, p.handOut(base+vm.FrameNum(i)))
	}

	return frames, nil
}

func (p *Pool) handOut(n vm.FrameNum) *Frame {
	if err := p.memory.Zero(n); err != nil {
		log.Panicf("frame 0x%x handed out without memory: %v", n, err)
	}

	f := &Frame{number: n, pool: p}

	p.InvokeHook(sim.HookCtx{
		Domain: p,
		Pos:    HookPosFrameAlloc,
		Item:   f,
	})

	return f
}

func (p *Pool) release(f *Frame) {
	p.lock.Lock()
	err := p.allocator.Dealloc(f.number)
	p.lock.Unlock()

	if err != nil {
		log.Panicf("frame ownership violated: %v", err)
	}

	p.InvokeHook(sim.HookCtx{
		Domain: p,
		Pos:    HookPosFrameRelease,
		Item:   f,
	})
}

// Stats returns the current usage of the pool.
func (p *Pool) Stats() Stats {
	p.lock.Lock()
	defer p.lock.Unlock()

	return Stats{
		Start:     p.allocator.low,
		End:       p.allocator.end,
		HighWater: p.allocator.HighWater(),
		InUse:     p.allocator.InUse(),
		Recycled:  p.allocator.Recycled(),
		Capacity:  p.allocator.Capacity(),
	}
}
