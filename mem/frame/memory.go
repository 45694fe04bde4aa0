package frame

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/sarchlab/svkernel/mem/vm"
)

// ErrOutOfRange is returned when an address or a frame lies outside the
// memory arena.
var ErrOutOfRange = errors.New("physical address out of range")

const wordsPerPage = vm.PageSize / 8

// page is stored as words so that every page is 8-byte aligned.
type page [wordsPerPage]uint64

// Memory is the physical memory of the machine: an arena of pages indexed by
// frame number. Pages are created on first touch and start zeroed.
type Memory struct {
	sync.Mutex
	base  vm.FrameNum
	pages []*page
}

// NewMemory creates the memory that covers [start, end). Both addresses are
// rounded outward to frame boundaries.
func NewMemory(start, end vm.PhysAddr) *Memory {
	if start > end {
		panic("memory start is above memory end")
	}

	base := start.Floor()
	n := end.Ceil() - base

	return &Memory{
		base:  base,
		pages: make([]*page, n),
	}
}

// Start returns the first frame of the arena.
func (m *Memory) Start() vm.FrameNum {
	return m.base
}

// End returns the frame right after the last frame of the arena.
func (m *Memory) End() vm.FrameNum {
	return m.base + vm.FrameNum(len(m.pages))
}

// Contains tells if the frame is backed by the arena.
func (m *Memory) Contains(f vm.FrameNum) bool {
	return f >= m.base && f < m.End()
}

func (m *Memory) page(f vm.FrameNum) (*page, error) {
	if !m.Contains(f) {
		return nil, fmt.Errorf("%w: frame 0x%x", ErrOutOfRange, f)
	}

	m.Lock()
	defer m.Unlock()

	p := m.pages[f-m.base]
	if p == nil {
		p = new(page)
		m.pages[f-m.base] = p
	}

	return p, nil
}

// Bytes returns the content of a frame. The slice aliases the arena.
func (m *Memory) Bytes(f vm.FrameNum) ([]byte, error) {
	p, err := m.page(f)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(p)), vm.PageSize), nil
}

// Zero clears a frame.
func (m *Memory) Zero(f vm.FrameNum) error {
	p, err := m.page(f)
	if err != nil {
		return err
	}

	*p = page{}

	return nil
}

// ReadUint64 reads an aligned machine word.
func (m *Memory) ReadUint64(a vm.PhysAddr) (uint64, error) {
	p, idx, err := m.word(a)
	if err != nil {
		return 0, err
	}

	return p[idx], nil
}

// WriteUint64 writes an aligned machine word.
func (m *Memory) WriteUint64(a vm.PhysAddr, v uint64) error {
	p, idx, err := m.word(a)
	if err != nil {
		return err
	}

	p[idx] = v

	return nil
}

func (m *Memory) word(a vm.PhysAddr) (*page, uint64, error) {
	if a%8 != 0 {
		return nil, 0, fmt.Errorf("misaligned word access at %s", a)
	}

	p, err := m.page(a.Floor())
	if err != nil {
		return nil, 0, err
	}

	return p, a.Offset() / 8, nil
}

// Read copies len(buf) bytes starting at a. The range may cross frames.
func (m *Memory) Read(a vm.PhysAddr, buf []byte) error {
	for len(buf) > 0 {
		data, err := m.Bytes(a.Floor())
		if err != nil {
			return err
		}

		n := copy(buf, data[a.Offset():])
		buf = buf[n:]
		a += vm.PhysAddr(n)
	}

	return nil
}

// Write copies data to memory starting at a. The range may cross frames.
func (m *Memory) Write(a vm.PhysAddr, data []byte) error {
	for len(data) > 0 {
		dst, err := m.Bytes(a.Floor())
		if err != nil {
			return err
		}

		n := copy(dst[a.Offset():], data)
		data = data[n:]
		a += vm.PhysAddr(n)
	}

	return nil
}

// View reinterprets a frame as a record of type T. This is the only place
// where frame contents are aliased as typed data; it checks that T fits in
// one page and needs no more than word alignment.
func View[T any](m *Memory, f vm.FrameNum) (*T, error) {
	var zero T
	if unsafe.Sizeof(zero) > vm.PageSize {
		return nil, fmt.Errorf("%T does not fit in a page", zero)
	}

	if 8%unsafe.Alignof(zero) != 0 {
		return nil, fmt.Errorf("%T needs more than word alignment", zero)
	}

	p, err := m.page(f)
	if err != nil {
		return nil, err
	}

	return (*T)(unsafe.Pointer(p)), nil
}

// ViewAt is View for a record that starts at a physical address inside a
// frame. The record must not cross the end of the frame.
func ViewAt[T any](m *Memory, a vm.PhysAddr) (*T, error) {
	var zero T
	if a.Offset()+uint64(unsafe.Sizeof(zero)) > vm.PageSize {
		return nil, fmt.Errorf("%T at %s crosses a frame boundary", zero, a)
	}

	if a.Offset()%uint64(unsafe.Alignof(zero)) != 0 {
		return nil, fmt.Errorf("%T at %s is misaligned", zero, a)
	}

	data, err := m.Bytes(a.Floor())
	if err != nil {
		return nil, err
	}

	return (*T)(unsafe.Pointer(&data[a.Offset()])), nil
}
