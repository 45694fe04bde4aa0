package frame

import (
	"fmt"
	"log"

	"github.com/sarchlab/svkernel/mem/vm"
)

// A Frame is the exclusive handle of one allocated physical frame. Whoever
// holds the handle owns the frame and must call Release exactly once.
type Frame struct {
	number   vm.FrameNum
	pool     *Pool
	released bool
}

// Number returns the frame number.
func (f *Frame) Number() vm.FrameNum {
	return f.number
}

// Addr returns the physical address of the first byte of the frame.
func (f *Frame) Addr() vm.PhysAddr {
	return f.number.Addr()
}

// Bytes returns the content of the frame.
func (f *Frame) Bytes() []byte {
	data, err := f.pool.memory.Bytes(f.number)
	if err != nil {
		log.Panic(err)
	}

	return data
}

// Released tells if the frame went back to the pool.
func (f *Frame) Released() bool {
	return f.released
}

// Release gives the frame back to its pool. Releasing a frame twice breaks
// the ownership invariant and stops the kernel.
func (f *Frame) Release() {
	if f.released {
		log.Panicf("frame 0x%x released twice", f.number)
	}

	f.released = true
	f.pool.release(f)
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame 0x%x", uint64(f.number))
}

// Frames is a group of frame handles owned together.
type Frames []*Frame

// Release releases every frame of the group that is still held.
func (fs Frames) Release() {
	for _, f := range fs {
		if !f.released {
			f.Release()
		}
	}
}

// Numbers lists the frame numbers of the group.
func (fs Frames) Numbers() []vm.FrameNum {
	numbers := make([]vm.FrameNum, len(fs))
	for i, f := range fs {
		numbers[i] = f.number
	}

	return numbers
}
