// Package config reads the machine and tool settings from .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/sarchlab/svkernel/mem/vm"
)

// Prefix is prepended to every variable name.
const Prefix = "SVKERNEL_"

// ErrInvalidLayout is returned when the memory bounds do not describe a
// usable machine.
var ErrInvalidLayout = errors.New("invalid memory layout")

// Config holds every setting of the modelled machine and of the tools around
// it.
type Config struct {
	// MemoryStart and MemoryEnd bound physical memory.
	MemoryStart vm.PhysAddr
	MemoryEnd   vm.PhysAddr

	// KernelEnd is the first byte after the kernel image. The frame pool
	// covers [KernelEnd, MemoryEnd).
	KernelEnd vm.PhysAddr

	TLBSize int

	// TimeSlice is the number of user instructions between timer
	// interrupts. Zero disables preemption.
	TimeSlice int

	// RecordPath is where the trace database is written, without the
	// extension. Empty picks a unique name.
	RecordPath string

	// ClickHouseAddr sends the trace to a ClickHouse server instead of a
	// local database when set.
	ClickHouseAddr string

	MonitorPort int
	LogTraps    bool
}

// Default returns the layout of a QEMU virt machine with 128 MiB of memory.
func Default() Config {
	return Config{
		MemoryStart: 0x80000000,
		MemoryEnd:   0x88000000,
		KernelEnd:   0x80400000,
		TLBSize:     64,
		TimeSlice:   10000,
	}
}

// Load reads the given .env files, if any, then overrides the defaults with
// the SVKERNEL_* variables found in the environment. Variables that are
// already set are not overwritten by the files.
func Load(files ...string) (Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, fmt.Errorf("loading %s: %w",
				strings.Join(files, ", "), err)
		}
	}

	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a variable lookup function.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.addr("MEMORY_START", &c.MemoryStart)
	p.addr("MEMORY_END", &c.MemoryEnd)
	p.addr("KERNEL_END", &c.KernelEnd)
	p.integer("TLB_SIZE", &c.TLBSize)
	p.integer("TIME_SLICE", &c.TimeSlice)
	p.str("RECORD_PATH", &c.RecordPath)
	p.str("CLICKHOUSE_ADDR", &c.ClickHouseAddr)
	p.integer("MONITOR_PORT", &c.MonitorPort)
	p.boolean("LOG_TRAPS", &c.LogTraps)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate checks that the layout leaves room for the kernel image and the
// frame pool.
func (c Config) Validate() error {
	switch {
	case c.MemoryStart.Offset() != 0 || c.MemoryEnd.Offset() != 0:
		return fmt.Errorf("%w: memory bounds 0x%x..0x%x are not page aligned",
			ErrInvalidLayout, uint64(c.MemoryStart), uint64(c.MemoryEnd))
	case c.KernelEnd <= c.MemoryStart || c.KernelEnd >= c.MemoryEnd:
		return fmt.Errorf("%w: kernel end 0x%x outside memory 0x%x..0x%x",
			ErrInvalidLayout, uint64(c.KernelEnd),
			uint64(c.MemoryStart), uint64(c.MemoryEnd))
	case c.KernelEnd.Ceil()-c.MemoryStart.Floor() < 4:
		return fmt.Errorf("%w: kernel image is smaller than four pages",
			ErrInvalidLayout)
	case c.TLBSize < 1:
		return fmt.Errorf("%w: the TLB needs at least one entry",
			ErrInvalidLayout)
	case c.TimeSlice < 0:
		return fmt.Errorf("%w: negative time slice", ErrInvalidLayout)
	}

	return nil
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(name string) (string, bool) {
	v, ok := p.lookup(Prefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}

	return strings.TrimSpace(v), true
}

func (p *parser) fail(name, v string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s%s=%q: %w", Prefix, name, v, err))
}

func (p *parser) addr(name string, dst *vm.PhysAddr) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		p.fail(name, v, err)
		return
	}

	*dst = vm.PhysAddr(n)
}

func (p *parser) integer(name string, dst *int) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	n, err := strconv.ParseInt(v, 0, 0)
	if err != nil {
		p.fail(name, v, err)
		return
	}

	*dst = int(n)
}

func (p *parser) str(name string, dst *string) {
	if v, ok := p.get(name); ok {
		*dst = v
	}
}

func (p *parser) boolean(name string, dst *bool) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(name, v, err)
		return
	}

	*dst = b
}
