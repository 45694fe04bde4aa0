package mmu

import (
	"github.com/sarchlab/svkernel/mem/frame"
	"github.com/sarchlab/svkernel/mem/vm"
	"github.com/sarchlab/svkernel/mem/vm/mmu/internal"
)

// A Builder can build MMUs.
type Builder struct {
	memory  *frame.Memory
	profile vm.Profile
	numWays int
}

// MakeBuilder creates a new builder with a 32-entry TLB.
func MakeBuilder() Builder {
	return Builder{
		profile: vm.SV39,
		numWays: 32,
	}
}

// WithMemory sets the physical memory that holds the page tables.
func (b Builder) WithMemory(memory *frame.Memory) Builder {
	b.memory = memory
	return b
}

// WithProfile sets the page-table format that the walker understands.
func (b Builder) WithProfile(profile vm.Profile) Builder {
	b.profile = profile
	return b
}

// WithTLBSize sets the number of translations the TLB holds.
func (b Builder) WithTLBSize(n int) Builder {
	b.numWays = n
	return b
}

// Build returns a newly created MMU in bare mode.
func (b Builder) Build(name string) *MMU {
	if b.memory == nil {
		panic("mmu needs a memory")
	}

	return &MMU{
		name:    name,
		profile: b.profile,
		memory:  b.memory,
		tlb:     internal.NewSet(b.numWays),
	}
}
