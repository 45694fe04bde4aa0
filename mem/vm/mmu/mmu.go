// Package mmu models the SV39 hardware page-table walker and its TLB.
package mmu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/mmu/internal"
	"github.com/sarchlab/svkernel/sim"
)

// Access is the kind of memory access being translated.
type Access int

const (
	// AccessLoad is a data read.
	AccessLoad Access = iota

	// AccessStore is a data write.
	AccessStore

	// AccessFetch is an instruction fetch.
	AccessFetch
)

func (a Access) String() string {
	switch a {
	case AccessLoad:
		return "load"
	case AccessStore:
		return "store"
	case AccessFetch:
		return "fetch"
	default:
		return fmt.Sprintf("access(%d)", int(a))
	}
}

// Privilege is the privilege level an access is performed at.
type Privilege uint8

const (
	// PrivilegeUser is U-mode.
	PrivilegeUser Privilege = 0

	// PrivilegeSupervisor is S-mode.
	PrivilegeSupervisor Privilege = 1
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeUser:
		return "U"
	case PrivilegeSupervisor:
		return "S"
	default:
		return fmt.Sprintf("privilege(%d)", uint8(p))
	}
}

// A Fault is raised when an access cannot be translated.
type Fault struct {
	Access Access
	Addr   uint64
	Reason string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s page fault at 0x%x: %s", f.Access, f.Addr, f.Reason)
}

// HookPosPageFault marks a failed translation. The hook item is the *Fault.
var HookPosPageFault = &sim.HookPos{Name: "PageFault"}

// Stats counts the TLB behavior.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Faults uint64 `json:"faults"`
	Fences uint64 `json:"fences"`
}

// MMU translates virtual addresses the way the hardware does. Translations
// are cached in the TLB and stay there until a fence, even if the page table
// changes underneath.
type MMU struct {
	sim.HookableBase

	lock sync.Mutex

	name    string
	profile vm.Profile
	memory  *frame.Memory
	tlb     internal.Set

	token uint64
	sum   bool
	stats Stats
}

// Name returns the name of the MMU.
func (m *MMU) Name() string {
	return m.name
}

// Token returns the current satp value.
func (m *MMU) Token() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.token
}

// SetToken writes satp. Like the hardware, it does not flush the TLB.
func (m *MMU) SetToken(token uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.token = token
}

// SetSUM sets whether supervisor accesses to user pages are permitted.
func (m *MMU) SetSUM(sum bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.sum = sum
}

// Fence drops every cached translation.
func (m *MMU) Fence() {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.tlb.Reset()
	m.stats.Fences++
}

// FenceAddr drops the cached translation of one virtual address.
func (m *MMU) FenceAddr(va vm.VirtAddr) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.tlb.Invalidate(va.Floor())
	m.stats.Fences++
}

// Stats returns the TLB counters.
func (m *MMU) Stats() Stats {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.stats
}

// Translate resolves a 64-bit virtual address for an access at the given
// privilege. It returns a *Fault when the access is not permitted.
func (m *MMU) Translate(
	va uint64,
	access Access,
	priv Privilege,
) (vm.PhysAddr, error) {
	m.lock.Lock()
	pa, fault := m.translate(va, access, priv)
	if fault != nil {
		m.stats.Faults++
	}
	m.lock.Unlock()

	if fault != nil {
		m.InvokeHook(sim.HookCtx{
			Domain: m,
			Pos:    HookPosPageFault,
			Item:   fault,
		})

		return 0, fault
	}

	return pa, nil
}

func (m *MMU) translate(
	raw uint64,
	access Access,
	priv Privilege,
) (vm.PhysAddr, *Fault) {
	if vm.SatpMode(m.token) == vm.SatpModeBare {
		return vm.PhysAddr(raw), nil
	}

	va, ok := vm.FromCanonical(raw)
	if !ok {
		return 0, m.fault(access, raw, "address is not canonical")
	}

	p := va.Floor()

	wayID, b, found := m.tlb.Lookup(p)
	if found && (access != AccessStore || b.Flags.Has(vm.FlagDirty)) {
		m.stats.Hits++
		m.tlb.Visit(wayID)

		if reason := m.denied(b.Flags, access, priv); reason != "" {
			return 0, m.fault(access, raw, reason)
		}

		return b.Frame.Addr() + vm.PhysAddr(va.Offset()), nil
	}

	m.stats.Misses++

	f, flags, fault := m.walk(raw, p, access, priv)
	if fault != nil {
		return 0, fault
	}

	m.cache(p, f, flags)

	return f.Addr() + vm.PhysAddr(va.Offset()), nil
}

func (m *MMU) walk(
	raw uint64,
	p vm.PageNum,
	access Access,
	priv Privilege,
) (vm.FrameNum, vm.Flag, *Fault) {
	root, ok := m.profile.Root(m.token)
	if !ok {
		return 0, 0, m.fault(access, raw, "unsupported translation mode")
	}

	index := m.profile.Index(p)
	dir := root
	last := len(index) - 1

	for level, idx := range index {
		slot := dir.Addr() + vm.PhysAddr(8*idx)

		word, err := m.memory.ReadUint64(slot)
		if err != nil {
			return 0, 0, m.fault(access, raw, err.Error())
		}

		e := vm.Entry(word)
		f, flags := m.profile.Decode(e)

		if !e.IsValid() || (flags.Has(vm.FlagWrite) && !flags.Has(vm.FlagRead)) {
			return 0, 0, m.fault(access, raw,
				fmt.Sprintf("invalid entry at level %d", level))
		}

		if !e.IsLeaf() {
			if level == last {
				return 0, 0, m.fault(access, raw, "directory at last level")
			}

			dir = f

			continue
		}

		if level != last {
			return 0, 0, m.fault(access, raw,
				fmt.Sprintf("leaf at level %d", level))
		}

		if reason := m.denied(flags, access, priv); reason != "" {
			return 0, 0, m.fault(access, raw, reason)
		}

		flags |= vm.FlagAccessed
		if access == AccessStore {
			flags |= vm.FlagDirty
		}

		if flags != e.Flags() {
			err = m.memory.WriteUint64(slot, uint64(m.profile.Encode(f, flags)))
			if err != nil {
				return 0, 0, m.fault(access, raw, err.Error())
			}
		}

		return f, flags, nil
	}

	panic("page table walk has no levels")
}

func (m *MMU) denied(flags vm.Flag, access Access, priv Privilege) string {
	user := flags.Has(vm.FlagUser)

	switch {
	case priv == PrivilegeUser && !user:
		return "supervisor page accessed from user mode"
	case priv == PrivilegeSupervisor && user && access == AccessFetch:
		return "user page fetched in supervisor mode"
	case priv == PrivilegeSupervisor && user && !m.sum:
		return "user page accessed in supervisor mode"
	}

	switch access {
	case AccessLoad:
		if !flags.Has(vm.FlagRead) {
			return "page is not readable"
		}
	case AccessStore:
		if !flags.Has(vm.FlagWrite) {
			return "page is not writable"
		}
	case AccessFetch:
		if !flags.Has(vm.FlagExec) {
			return "page is not executable"
		}
	}

	return ""
}

func (m *MMU) cache(p vm.PageNum, f vm.FrameNum, flags vm.Flag) {
	b := internal.Block{Page: p, Frame: f, Flags: flags, Valid: true}

	wayID, _, found := m.tlb.Lookup(p)
	if !found {
		var ok bool

		wayID, ok = m.tlb.Evict()
		if !ok {
			return
		}
	}

	m.tlb.Update(wayID, b)
	m.tlb.Visit(wayID)
}

func (m *MMU) fault(access Access, addr uint64, reason string) *Fault {
	return &Fault{Access: access, Addr: addr, Reason: reason}
}

// LoadUint64 reads an aligned machine word through the MMU.
func (m *MMU) LoadUint64(va uint64, priv Privilege) (uint64, error) {
	pa, err := m.Translate(va, AccessLoad, priv)
	if err != nil {
		return 0, err
	}

	return m.memory.ReadUint64(pa)
}

// StoreUint64 writes an aligned machine word through the MMU.
func (m *MMU) StoreUint64(va uint64, v uint64, priv Privilege) error {
	pa, err := m.Translate(va, AccessStore, priv)
	if err != nil {
		return err
	}

	return m.memory.WriteUint64(pa, v)
}

// Fetch reads one instruction through the MMU. It returns the encoding and
// its length, 2 for a compressed instruction and 4 otherwise. The two halves
// of a 4-byte instruction are translated separately.
func (m *MMU) Fetch(va uint64, priv Privilege) (uint32, int, error) {
	if va%2 != 0 {
		return 0, 0, fmt.Errorf("misaligned instruction fetch at 0x%x", va)
	}

	low, err := m.fetch16(va, priv)
	if err != nil {
		return 0, 0, err
	}

	if low&0b11 != 0b11 {
		return uint32(low), 2, nil
	}

	high, err := m.fetch16(va+2, priv)
	if err != nil {
		return 0, 0, err
	}

	return uint32(high)<<16 | uint32(low), 4, nil
}

func (m *MMU) fetch16(va uint64, priv Privilege) (uint16, error) {
	pa, err := m.Translate(va, AccessFetch, priv)
	if err != nil {
		return 0, err
	}

	var buf [2]byte
	if err := m.memory.Read(pa, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[:]), nil
}

// FetchFrame returns the frame that an instruction fetch at va resolves to
// under the given root, bypassing the TLB and leaving the entries untouched.
func (m *MMU) FetchFrame(token uint64, va uint64) (vm.FrameNum, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	saved := m.token
	m.token = token
	defer func() { m.token = saved }()

	if vm.SatpMode(token) == vm.SatpModeBare {
		return vm.PhysAddr(va).Floor(), nil
	}

	v, ok := vm.FromCanonical(va)
	if !ok {
		return 0, m.fault(AccessFetch, va, "address is not canonical")
	}

	return m.peek(va, v.Floor())
}

func (m *MMU) peek(raw uint64, p vm.PageNum) (vm.FrameNum, error) {
	root, ok := m.profile.Root(m.token)
	if !ok {
		return 0, m.fault(AccessFetch, raw, "unsupported translation mode")
	}

	dir := root
	for _, idx := range m.profile.Index(p) {
		word, err := m.memory.ReadUint64(dir.Addr() + vm.PhysAddr(8*idx))
		if err != nil {
			return 0, err
		}

		e := vm.Entry(word)
		if !e.IsValid() {
			return 0, m.fault(AccessFetch, raw, "invalid entry")
		}

		dir, _ = m.profile.Decode(e)
		if e.IsLeaf() {
			if !e.Flags().Has(vm.FlagExec) {
				return 0, m.fault(AccessFetch, raw, "page is not executable")
			}

			return dir, nil
		}
	}

	return 0, m.fault(AccessFetch, raw, "directory at last level")
}
