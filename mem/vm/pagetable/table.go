// Package pagetable builds and mutates SV39 page tables stored in the frames
// of the physical memory arena.
package pagetable

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/mem/vm"
)

var (
	// ErrAlreadyMapped is returned when a valid leaf is found where a new
	// mapping is inserted.
	ErrAlreadyMapped = errors.New("page already mapped")

	// ErrNotMapped is returned when the walk meets an invalid entry.
	ErrNotMapped = errors.New("page not mapped")

	// ErrInvalidFlags is returned when leaf flags carry none of R, W and X.
	ErrInvalidFlags = errors.New("leaf flags need read, write or execute")

	// ErrInvalidRange is returned when an area starts after it ends,
	// leaves the virtual address space or targets frames an entry cannot
	// hold.
	ErrInvalidRange = errors.New("invalid page range")

	// ErrHugePage is returned when the walk meets a leaf above the last
	// level.
	ErrHugePage = errors.New("huge pages are not supported")
)

// A FramePool hands out the frames that a table uses for its directories and
// for the leaves it maps itself.
type FramePool interface {
	Alloc() (*frame.Frame, error)
	Memory() *frame.Memory
}

type directory [vm.EntriesPerTable]vm.Entry

// A Table is a three-level page table. It owns its root, every directory
// frame it allocates and every leaf frame allocated through Map. Frames
// supplied by the caller are never released by the table.
type Table struct {
	lock sync.Mutex

	profile vm.Profile
	pool    FramePool
	memory  *frame.Memory

	root        *frame.Frame
	directories frame.Frames
	leaves      map[vm.PageNum]*frame.Frame
	released    bool
}

// New creates an empty table with an owned root frame.
func New(pool FramePool) (*Table, error) {
	root, err := pool.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating page table root: %w", err)
	}

	t := &Table{
		profile: vm.SV39,
		pool:    pool,
		memory:  pool.Memory(),
		root:    root,
		leaves:  make(map[vm.PageNum]*frame.Frame),
	}

	return t, nil
}

// Root returns the frame number of the root directory.
func (t *Table) Root() vm.FrameNum {
	return t.root.Number()
}

// Token returns the satp value that activates the table.
func (t *Table) Token() uint64 {
	return t.profile.Token(t.root.Number())
}

// Profile returns the entry format of the table.
func (t *Table) Profile() vm.Profile {
	return t.profile
}

func (t *Table) directory(f vm.FrameNum) (*directory, error) {
	return frame.View[directory](t.memory, f)
}

// walk returns the leaf slot of p. With create set, missing directories are
// allocated on the way down.
func (t *Table) walk(p vm.PageNum, create bool) (*vm.Entry, error) {
	if p > vm.MaxPageNum {
		return nil, fmt.Errorf("%w: page 0x%x", ErrInvalidRange, uint64(p))
	}

	index := t.profile.Index(p)
	dir := t.root.Number()
	last := len(index) - 1

	for level, idx := range index {
		entries, err := t.directory(dir)
		if err != nil {
			return nil, err
		}

		e := &entries[idx]
		if level == last {
			return e, nil
		}

		switch {
		case e.IsLeaf():
			return nil, fmt.Errorf("%w: page 0x%x, level %d",
				ErrHugePage, uint64(p), level)
		case !e.IsValid():
			if !create {
				return nil, fmt.Errorf("%w: page 0x%x, level %d",
					ErrNotMapped, uint64(p), level)
			}

			next, err := t.pool.Alloc()
			if err != nil {
				return nil, fmt.Errorf("allocating directory: %w", err)
			}

			t.directories = append(t.directories, next)
			*e = t.profile.Encode(next.Number(), vm.FlagValid)
		}

		dir, _ = t.profile.Decode(*e)
	}

	panic("page table walk has no levels")
}

func (t *Table) mustNotBeReleased() {
	if t.released {
		log.Panic("page table used after release")
	}
}

func checkFrame(f vm.FrameNum) error {
	if f > vm.MaxFrameNum {
		return fmt.Errorf("%w: frame 0x%x", ErrInvalidRange, uint64(f))
	}

	return nil
}

func leafFlags(flags vm.Flag) (vm.Flag, error) {
	if !flags.IsLeaf() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFlags, flags)
	}

	return flags | vm.FlagValid, nil
}

// Insert maps p to f. Missing directories are created. A valid leaf at p is
// a conflict and is left unchanged.
func (t *Table) Insert(p vm.PageNum, f vm.FrameNum, flags vm.Flag) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustNotBeReleased()

	if err := checkFrame(f); err != nil {
		return err
	}

	flags, err := leafFlags(flags)
	if err != nil {
		return err
	}

	e, err := t.walk(p, true)
	if err != nil {
		return err
	}

	if e.IsValid() {
		return fmt.Errorf("%w: page 0x%x -> %s", ErrAlreadyMapped, uint64(p), *e)
	}

	*e = t.profile.Encode(f, flags)

	return nil
}

// Get returns the frame and the flags that p maps to.
func (t *Table) Get(p vm.PageNum) (vm.FrameNum, vm.Flag, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustNotBeReleased()

	return t.get(p)
}

func (t *Table) get(p vm.PageNum) (vm.FrameNum, vm.Flag, error) {
	e, err := t.walk(p, false)
	if err != nil {
		return 0, 0, err
	}

	if !e.IsValid() {
		return 0, 0, fmt.Errorf("%w: page 0x%x", ErrNotMapped, uint64(p))
	}

	f, flags := t.profile.Decode(*e)

	return f, flags, nil
}

// Remove clears the leaf of p. The leaf frame is released if the table
// owns it. Directories are kept even if they become empty.
func (t *Table) Remove(p vm.PageNum) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustNotBeReleased()

	e, err := t.walk(p, false)
	if err != nil {
		return err
	}

	if !e.IsValid() {
		return fmt.Errorf("%w: page 0x%x", ErrNotMapped, uint64(p))
	}

	*e = 0
	t.releaseLeaf(p)

	return nil
}

func (t *Table) releaseLeaf(p vm.PageNum) {
	owned, found := t.leaves[p]
	if !found {
		return
	}

	delete(t.leaves, p)
	owned.Release()
}

// Replace maps p to f, overwriting any valid leaf.
func (t *Table) Replace(p vm.PageNum, f vm.FrameNum, flags vm.Flag) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustNotBeReleased()

	return t.replace(p, f, flags)
}

func (t *Table) replace(p vm.PageNum, f vm.FrameNum, flags vm.Flag) error {
	if err := checkFrame(f); err != nil {
		return err
	}

	flags, err := leafFlags(flags)
	if err != nil {
		return err
	}

	e, err := t.walk(p, true)
	if err != nil {
		return err
	}

	if e.IsValid() {
		t.releaseLeaf(p)
	}

	*e = t.profile.Encode(f, flags)

	return nil
}

// FixedMap maps p to a frame chosen by the caller. It overwrites any
// previous mapping of p.
func (t *Table) FixedMap(p vm.PageNum, f vm.FrameNum, flags vm.Flag) error {
	return t.Replace(p, f, flags)
}

// FixedMapArea maps the pages [start, end] to the frames starting at f.
// Passing vm.FrameNum(start) as f builds an identity mapping.
func (t *Table) FixedMapArea(
	start, end vm.PageNum,
	f vm.FrameNum,
	flags vm.Flag,
) error {
	if start > end || end > vm.MaxPageNum {
		return fmt.Errorf("%w: [0x%x, 0x%x]",
			ErrInvalidRange, uint64(start), uint64(end))
	}

	if f > vm.MaxFrameNum || vm.MaxFrameNum-f < vm.FrameNum(end-start) {
		return fmt.Errorf("%w: frames from 0x%x for [0x%x, 0x%x]",
			ErrInvalidRange, uint64(f), uint64(start), uint64(end))
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustNotBeReleased()

	for p := start; p <= end; p++ {
		err := t.replace(p, f+vm.FrameNum(p-start), flags)
		if err != nil {
			return err
		}
	}

	return nil
}

// Map allocates a zeroed frame, maps p to it and keeps the frame owned by
// the table.
func (t *Table) Map(p vm.PageNum, flags vm.Flag) (vm.FrameNum, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustNotBeReleased()

	return t.mapOwned(p, flags)
}

func (t *Table) mapOwned(p vm.PageNum, flags vm.Flag) (vm.FrameNum, error) {
	flags, err := leafFlags(flags)
	if err != nil {
		return 0, err
	}

	e, err := t.walk(p, true)
	if err != nil {
		return 0, err
	}

	if e.IsValid() {
		return 0, fmt.Errorf("%w: page 0x%x -> %s",
			ErrAlreadyMapped, uint64(p), *e)
	}

	leaf, err := t.pool.Alloc()
	if err != nil {
		return 0, fmt.Errorf("allocating leaf of page 0x%x: %w", uint64(p), err)
	}

	t.leaves[p] = leaf
	*e = t.profile.Encode(leaf.Number(), flags)

	return leaf.Number(), nil
}

// MapArea maps every page of [start, end] to a fresh owned frame. On
// failure the pages mapped by the call are removed again.
func (t *Table) MapArea(start, end vm.PageNum, flags vm.Flag) error {
	if start > end || end > vm.MaxPageNum {
		return fmt.Errorf("%w: [0x%x, 0x%x]",
			ErrInvalidRange, uint64(start), uint64(end))
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustNotBeReleased()

	for p := start; p <= end; p++ {
		_, err := t.mapOwned(p, flags)
		if err == nil {
			continue
		}

		for q := start; q < p; q++ {
			e, _ := t.walk(q, false)
			*e = 0
			t.releaseLeaf(q)
		}

		return err
	}

	return nil
}

// Owns tells if the leaf frame of p was allocated by the table.
func (t *Table) Owns(p vm.PageNum) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, found := t.leaves[p]

	return found
}

// Translate resolves a virtual address without any permission check.
func (t *Table) Translate(va vm.VirtAddr) (vm.PhysAddr, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustNotBeReleased()

	f, _, err := t.get(va.Floor())
	if err != nil {
		return 0, err
	}

	return f.Addr() + vm.PhysAddr(va.Offset()), nil
}

// WriteAt copies data into memory through the mappings of the table,
// starting at va. The range may cross pages.
func (t *Table) WriteAt(va vm.VirtAddr, data []byte) error {
	return t.each(va, len(data), func(pa vm.PhysAddr, from, to int) error {
		return t.memory.Write(pa, data[from:to])
	})
}

// ReadAt copies len(buf) bytes from memory through the mappings of the
// table, starting at va.
func (t *Table) ReadAt(va vm.VirtAddr, buf []byte) error {
	return t.each(va, len(buf), func(pa vm.PhysAddr, from, to int) error {
		return t.memory.Read(pa, buf[from:to])
	})
}

func (t *Table) each(
	va vm.VirtAddr,
	n int,
	fn func(pa vm.PhysAddr, from, to int) error,
) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustNotBeReleased()

	done := 0
	for done < n {
		f, _, err := t.get(va.Floor())
		if err != nil {
			return err
		}

		chunk := int(vm.PageSize - va.Offset())
		if chunk > n-done {
			chunk = n - done
		}

		err = fn(f.Addr()+vm.PhysAddr(va.Offset()), done, done+chunk)
		if err != nil {
			return err
		}

		done += chunk
		va += vm.VirtAddr(chunk)
	}

	return nil
}

// Leaves calls fn for every valid leaf in increasing page order until fn
// returns false.
func (t *Table) Leaves(fn func(p vm.PageNum, e vm.Entry) bool) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustNotBeReleased()

	index := make([]int, t.profile.Levels())
	_, err := t.leavesOf(t.root.Number(), 0, index, fn)

	return err
}

func (t *Table) leavesOf(
	dir vm.FrameNum,
	level int,
	index []int,
	fn func(p vm.PageNum, e vm.Entry) bool,
) (bool, error) {
	entries, err := t.directory(dir)
	if err != nil {
		return false, err
	}

	last := len(index) - 1
	for i, e := range entries {
		if !e.IsValid() {
			continue
		}

		index[level] = i
		for l := level + 1; l <= last; l++ {
			index[l] = 0
		}

		if level == last || e.IsLeaf() {
			if !fn(t.profile.Reconstruct(index), e) {
				return false, nil
			}

			continue
		}

		next, _ := t.profile.Decode(e)

		more, err := t.leavesOf(next, level+1, index, fn)
		if err != nil || !more {
			return more, err
		}
	}

	return true, nil
}

// Usage reports how many frames the table owns.
type Usage struct {
	Root        vm.FrameNum `json:"root"`
	Directories int         `json:"directories"`
	Leaves      int         `json:"leaves"`
}

// Usage returns the frames owned by the table.
func (t *Table) Usage() Usage {
	t.lock.Lock()
	defer t.lock.Unlock()

	return Usage{
		Root:        t.root.Number(),
		Directories: len(t.directories),
		Leaves:      len(t.leaves),
	}
}

// Release gives every owned frame back to the pool. The table cannot be used
// afterwards.
func (t *Table) Release() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mustNotBeReleased()
	t.released = true

	pages := make([]vm.PageNum, 0, len(t.leaves))
	for p := range t.leaves {
		pages = append(pages, p)
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	for _, p := range pages {
		t.leaves[p].Release()
	}

	t.leaves = nil
	t.directories.Release()
	t.root.Release()
}
